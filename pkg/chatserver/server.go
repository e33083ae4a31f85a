// Package chatserver exposes sessions over HTTP.
//
//	GET  /api/sessions                 stored session summaries
//	GET  /api/sessions/{id}            session snapshot
//	POST /api/sessions/{id}/messages   run a turn: {"content": "..."}
//	POST /api/sessions/{id}/stop       stop the running turn
//	GET  /api/sessions/{id}/ws         live mutation feed
//
// Turns started over HTTP are detached from the request: a client that
// goes away does not cancel the turn, the stop endpoint does.
package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/flow"
	"github.com/haivivi/docagent/pkg/protocol"
	"github.com/haivivi/docagent/pkg/sessionstore"
)

// maxRequestBody bounds a message request.
const maxRequestBody = 1 << 20

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCheckOrigin overrides the websocket origin check. The default
// accepts same-host origins only.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// Server serves sessions and turns.
type Server struct {
	flow     *flow.Service
	store    sessionstore.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*chat.Session
}

// New creates a Server. store may be nil, in which case sessions live only
// in memory.
func New(f *flow.Service, store sessionstore.Store, opts ...Option) *Server {
	s := &Server{
		flow:     f,
		store:    store,
		logger:   slog.Default(),
		mux:      http.NewServeMux(),
		sessions: make(map[string]*chat.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/sessions", s.handleList)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSend)
	s.mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWS)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Session returns the live session id, loading it from the store on first
// use. With create set a missing session is started empty; otherwise it is
// reported as sessionstore.ErrNotFound.
func (s *Server) Session(ctx context.Context, id string, create bool) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}

	var sess *chat.Session
	if s.store != nil {
		loaded, err := s.store.Load(ctx, id)
		switch {
		case err == nil:
			sess = loaded
		case errors.Is(err, sessionstore.ErrStaleSnapshot):
			s.logger.Warn("chatserver: discarding stale session", "session", id, "error", err)
		case errors.Is(err, sessionstore.ErrNotFound):
		default:
			return nil, err
		}
	}
	if sess == nil {
		if !create {
			return nil, sessionstore.ErrNotFound
		}
		sess = chat.NewSession(id)
		sess.SetCacheVersion(sessionstore.CacheVersion)
	}
	s.sessions[id] = sess
	return sess, nil
}

type sendRequest struct {
	Content string `json:"content"`
}

type sendResponse struct {
	Turn     *flow.TurnResult `json:"turn"`
	Messages []*chat.Message  `json:"messages"`
}

type sessionResponse struct {
	*chat.Data
	Running bool `json:"running"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := []sessionstore.Summary{}
	if s.store != nil {
		var err error
		if list, err = s.store.List(r.Context()); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.Session(r.Context(), id, false)
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{Data: sess.Data(), Running: s.flow.Running(id)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.Session(r.Context(), r.PathValue("id"), true)
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}

	turn, err := s.flow.SendMessage(context.WithoutCancel(r.Context()), sess, req.Content)
	if err != nil {
		s.logger.Warn("chatserver: turn failed", "session", sess.ID(), "error", err)
		s.writeError(w, statusOf(err), err)
		return
	}
	msgs, err := sess.Messages(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sendResponse{Turn: turn, Messages: msgs})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.flow.Stop(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusOf maps runtime errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, flow.ErrTurnInProgress), errors.Is(err, flow.ErrNoActiveTurn):
		return http.StatusConflict
	case errors.Is(err, flow.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, sessionstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrMissingCredentials):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("chatserver: write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
