package chatserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/flow"
)

// Frame types of the websocket feed.
const (
	FrameSnapshot = "snapshot"
	FrameMutation = "mutation"
	FrameTurn     = "turn"
	FrameError    = "error"

	// Client frames.
	FrameSend = "send"
	FrameStop = "stop"
)

const (
	wsQueueSize    = 256
	wsWriteTimeout = 10 * time.Second
)

// Frame is one websocket message in either direction. Mutations carry the
// whole message after the change, so applying a frame twice is harmless.
type Frame struct {
	Type     string           `json:"type"`
	Session  *chat.Data       `json:"session,omitempty"`
	Mutation *chat.Mutation   `json:"mutation,omitempty"`
	Turn     *flow.TurnResult `json:"turn,omitempty"`
	Error    string           `json:"error,omitempty"`
	Content  string           `json:"content,omitempty"`
}

// feed is the outbound side of one websocket connection.
type feed struct {
	conn  *websocket.Conn
	queue chan Frame
	done  chan struct{}
	once  sync.Once
}

// push queues f without blocking. A client too slow to keep up is
// disconnected.
func (f *feed) push(fr Frame) {
	select {
	case <-f.done:
	case f.queue <- fr:
	default:
		f.close()
	}
}

func (f *feed) close() {
	f.once.Do(func() {
		close(f.done)
		f.conn.Close()
	})
}

func (f *feed) writeLoop() {
	for {
		select {
		case <-f.done:
			return
		case fr := <-f.queue:
			f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := f.conn.WriteJSON(fr); err != nil {
				f.close()
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Session(r.Context(), r.PathValue("id"), true)
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("chatserver: websocket upgrade", "error", err)
		return
	}
	log := s.logger.With("session", sess.ID(), "remote", r.RemoteAddr)
	log.Debug("chatserver: feed connected")

	f := &feed{conn: conn, queue: make(chan Frame, wsQueueSize), done: make(chan struct{})}
	defer f.close()
	go f.writeLoop()

	cancel := sess.Observe(func(m chat.Mutation) {
		if m.Kind == chat.MutationReset {
			f.push(Frame{Type: FrameSnapshot, Session: sess.Data()})
			return
		}
		f.push(Frame{Type: FrameMutation, Mutation: &m})
	})
	defer cancel()
	f.push(Frame{Type: FrameSnapshot, Session: sess.Data()})

	ctx := context.WithoutCancel(r.Context())
	for {
		var in Frame
		if err := conn.ReadJSON(&in); err != nil {
			log.Debug("chatserver: feed closed", "error", err)
			return
		}
		switch in.Type {
		case FrameSend:
			go func() {
				turn, err := s.flow.SendMessage(ctx, sess, in.Content)
				if err != nil {
					f.push(Frame{Type: FrameError, Error: err.Error()})
					return
				}
				f.push(Frame{Type: FrameTurn, Turn: turn})
			}()
		case FrameStop:
			go func() {
				if err := s.flow.Stop(ctx, sess.ID()); err != nil {
					f.push(Frame{Type: FrameError, Error: err.Error()})
				}
			}()
		default:
			f.push(Frame{Type: FrameError, Error: "unknown frame type " + in.Type})
		}
	}
}
