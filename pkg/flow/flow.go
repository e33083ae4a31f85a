// Package flow drives conversation turns. A turn appends the user message,
// compresses the history when it outgrows its budget, calls the model and
// projects the streamed reply onto the session.
package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/haivivi/docagent/pkg/agentevent"
	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/contextopt"
	"github.com/haivivi/docagent/pkg/projector"
	"github.com/haivivi/docagent/pkg/protocol"
	"github.com/haivivi/docagent/pkg/provider"
)

// DefaultMaxContextTokens is the token ceiling used when none is set.
const DefaultMaxContextTokens = 128000

var (
	// ErrTurnInProgress is returned when a session already has a running
	// turn.
	ErrTurnInProgress = errors.New("flow: turn in progress")

	// ErrNoActiveTurn is returned by Stop when the session is idle.
	ErrNoActiveTurn = errors.New("flow: no active turn")

	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("flow: empty message")
)

// Caller sends a history to the model.
type Caller interface {
	CallAPI(ctx context.Context, history []*chat.Message) (*protocol.Call, error)
}

// Compressor fits a history into a token budget.
type Compressor interface {
	ProcessContext(ctx context.Context, history []*chat.Message, maxTokens int) contextopt.Result
}

// Persister saves a session after each turn.
type Persister interface {
	Save(ctx context.Context, sess *chat.Session) error
}

// TurnResult describes a finished turn.
type TurnResult struct {
	UserMessageID string        `json:"userMessageId"`
	Mode          protocol.Mode `json:"mode,omitempty"`
	FinishReason  string        `json:"finishReason,omitempty"`
	Steps         int           `json:"steps"`

	// Compression is the optimizer status. A status other than SUCCESS
	// means the model was not called.
	Compression contextopt.Status `json:"compression"`
	Compressed  bool              `json:"compressed,omitempty"`

	Interrupted bool `json:"interrupted,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPersister saves sessions after every turn.
func WithPersister(p Persister) Option {
	return func(s *Service) { s.persister = p }
}

// WithMaxContextTokens sets the token ceiling handed to the compressor.
func WithMaxContextTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// turn is the bookkeeping of one running turn.
type turn struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// Service runs turns. One turn may run per session at a time; turns of
// different sessions run concurrently.
type Service struct {
	caller     Caller
	compressor Compressor
	persister  Persister
	maxTokens  int
	logger     *slog.Logger

	mu    sync.Mutex
	turns map[string]*turn
}

// New creates a Service. compressor may be nil to disable compression.
func New(caller Caller, compressor Compressor, opts ...Option) *Service {
	s := &Service{
		caller:     caller,
		compressor: compressor,
		maxTokens:  DefaultMaxContextTokens,
		logger:     slog.Default(),
		turns:      make(map[string]*turn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether sessionID has a turn in progress.
func (s *Service) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.turns[sessionID]
	return ok
}

func (s *Service) begin(ctx context.Context, sessionID string) (context.Context, *turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.turns[sessionID]; ok {
		return nil, nil, ErrTurnInProgress
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &turn{cancel: cancel, done: make(chan struct{})}
	s.turns[sessionID] = t
	return tctx, t, nil
}

func (s *Service) end(sessionID string, t *turn) {
	s.mu.Lock()
	delete(s.turns, sessionID)
	s.mu.Unlock()
	t.cancel()
	close(t.done)
}

// Stop cancels the running turn of sessionID and waits until it has wound
// down. Concurrent callers all return once the turn is over.
func (s *Service) Stop(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	t, ok := s.turns[sessionID]
	s.mu.Unlock()
	if !ok {
		return ErrNoActiveTurn
	}
	t.stopped.Store(true)
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage runs one turn for content on sess.
//
// Configuration and call errors are returned before anything but the user
// message is written. A failure while streaming marks the partial reply as
// failed and is returned. Compression that cannot fit the history is not an
// error: the user sees an error message and the turn ends.
func (s *Service) SendMessage(ctx context.Context, sess *chat.Session, content string) (*TurnResult, error) {
	if content == "" {
		return nil, ErrEmptyMessage
	}
	tctx, t, err := s.begin(ctx, sess.ID())
	if err != nil {
		return nil, err
	}
	defer s.end(sess.ID(), t)

	// Bookkeeping after a stop must still reach the session.
	bg := context.WithoutCancel(ctx)
	log := s.logger.With("session", sess.ID())

	user, err := sess.AddMessage(bg, &chat.Message{
		Role:            chat.RoleUser,
		Type:            chat.TypeText,
		Status:          chat.StatusDone,
		StreamCompleted: true,
		Content:         chat.Text(content),
	})
	if err != nil {
		return nil, err
	}
	out := &TurnResult{UserMessageID: user.ID, Compression: contextopt.StatusSuccess}
	defer s.persist(bg, sess, log)

	history, err := sess.Messages(bg)
	if err != nil {
		return nil, err
	}
	if s.compressor != nil {
		res := s.compressor.ProcessContext(tctx, history, s.maxTokens)
		out.Compression = res.Status
		if res.Status != contextopt.StatusSuccess {
			log.Warn("flow: history does not fit", "status", res.Status, "tokens", res.Tokens)
			_, err := sess.AddMessage(bg, &chat.Message{
				Role:            chat.RoleAssistant,
				Type:            chat.TypeError,
				Status:          chat.StatusError,
				StreamCompleted: true,
				Content:         chat.Text(res.UserMessage),
			})
			return out, err
		}
		if res.Compressed {
			if err := sess.Reset(bg, res.History); err != nil {
				return nil, err
			}
			out.Compressed = true
			history = res.History
		}
	}

	call, err := s.caller.CallAPI(tctx, history)
	if err != nil {
		if t.stopped.Load() {
			out.Interrupted = true
			return out, nil
		}
		return nil, err
	}
	out.Mode = call.Mode
	result := call.Result
	defer result.Close()

	p := projector.New(sess, projector.WithLogger(log))
	interrupted, err := s.drain(tctx, bg, result, p)
	if err != nil {
		if merr := p.MarkCurrentMessageAsError(bg); merr != nil {
			log.Error("flow: mark message as error", "error", merr)
		}
		return nil, fmt.Errorf("flow: stream: %w", err)
	}
	if interrupted {
		log.Info("flow: turn interrupted")
		out.Interrupted = true
		return out, p.MarkInterrupted(bg, projector.InterruptedMarker)
	}

	reason, err := result.FinishReason(tctx)
	var steps []agentevent.Step
	if err == nil {
		steps, err = result.Steps(tctx)
	}
	switch {
	case errors.Is(err, provider.ErrNoOutput):
		log.Debug("flow: model produced no output")
	case err != nil && t.stopped.Load():
		log.Info("flow: turn interrupted")
		out.Interrupted = true
		return out, p.MarkInterrupted(bg, projector.InterruptedMarker)
	case err != nil:
		if merr := p.MarkCurrentMessageAsError(bg); merr != nil {
			log.Error("flow: mark message as error", "error", merr)
		}
		return nil, fmt.Errorf("flow: finish: %w", err)
	}
	out.FinishReason = reason
	out.Steps = len(steps)

	agg := result.Aggregate()
	if err := p.BackfillToolMessagesFromSteps(bg, agg, steps); err != nil {
		return nil, err
	}
	if err := p.Finalize(bg, agg); err != nil {
		return nil, err
	}
	log.Debug("flow: turn done", "mode", out.Mode, "finish_reason", reason, "steps", out.Steps)
	return out, nil
}

// drain feeds the stream into p until it ends or tctx is cancelled.
// Mutations use ctx so they are not cut short by the cancellation.
func (s *Service) drain(tctx, ctx context.Context, r *provider.Result, p *projector.Projector) (interrupted bool, err error) {
	for {
		if tctx.Err() != nil {
			return true, nil
		}
		part, err := r.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			if tctx.Err() != nil {
				return true, nil
			}
			return false, err
		}
		if tctx.Err() != nil {
			return true, nil
		}
		if err := p.ConsumePart(ctx, agentevent.FromStreamPart(part)); err != nil {
			return false, err
		}
	}
}

func (s *Service) persist(ctx context.Context, sess *chat.Session, log *slog.Logger) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(ctx, sess); err != nil {
		log.Error("flow: save session", "error", err)
	}
}
