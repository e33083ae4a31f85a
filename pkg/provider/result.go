package provider

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/haivivi/docagent/pkg/agentevent"
)

var (
	// ErrNoOutput is reported by a finished Result that produced neither
	// text nor tool activity. A turn that ends this way is not a failure.
	ErrNoOutput = errors.New("provider: no output generated")

	// ErrClosed is returned to a producer whose consumer closed the Result.
	ErrClosed = errors.New("provider: result closed")
)

// Builder is the producer side of a Result. One goroutine feeds it parts
// and ends it with Finish or Abort.
type Builder struct {
	parts  chan agentevent.StreamPart
	done   chan struct{}
	closed chan struct{}

	// established is closed by the first part other than a step start, or
	// by the end of the stream. earlyErr is the error of a stream that
	// ended before that.
	established chan struct{}
	estOnce     sync.Once
	earlyErr    error

	endOnce   sync.Once
	closeOnce sync.Once

	mu           sync.Mutex
	finishReason string
	steps        []agentevent.Step
	agg          agentevent.Aggregate
	reasoning    bool
	err          error
}

// NewBuilder creates a Builder whose stream buffers up to size parts.
func NewBuilder(size int) *Builder {
	return &Builder{
		parts:       make(chan agentevent.StreamPart, size),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
		established: make(chan struct{}),
	}
}

// Add publishes part, blocking while the buffer is full. Text and tool
// parts are also folded into the aggregate.
func (b *Builder) Add(ctx context.Context, part agentevent.StreamPart) error {
	b.mu.Lock()
	switch part.Type() {
	case agentevent.PartTextDelta, agentevent.PartText:
		if s, ok := part["text"].(string); ok {
			b.agg.Text += s
		}
	case agentevent.PartReasoningDelta, agentevent.PartReasoning:
		b.reasoning = true
	case agentevent.PartToolCall:
		b.agg.ToolCalls = append(b.agg.ToolCalls, map[string]any(part))
	case agentevent.PartToolResult:
		b.agg.ToolResults = append(b.agg.ToolResults, map[string]any(part))
	}
	b.mu.Unlock()

	if t := part.Type(); t != agentevent.PartStartStep && t != agentevent.PartStepStart {
		b.estOnce.Do(func() { close(b.established) })
	}
	select {
	case b.parts <- part:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddStep records the tool activity of a completed step.
func (b *Builder) AddStep(step agentevent.Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = append(b.steps, step)
}

// Finish ends the stream successfully.
func (b *Builder) Finish(reason string) {
	b.end(reason, nil)
}

// Abort ends the stream with err.
func (b *Builder) Abort(err error) {
	if err == nil {
		err = errors.New("provider: aborted")
	}
	b.end("error", err)
}

func (b *Builder) end(reason string, err error) {
	b.endOnce.Do(func() {
		b.mu.Lock()
		b.finishReason = reason
		b.err = err
		b.mu.Unlock()
		b.estOnce.Do(func() {
			b.earlyErr = err
			close(b.established)
		})
		close(b.parts)
		close(b.done)
	})
}

// Established waits until the stream has produced its first part or
// ended. It returns the error of a stream that failed before producing
// anything, so callers can treat a rejected request as a call error.
func (b *Builder) Established(ctx context.Context) error {
	select {
	case <-b.established:
		return b.earlyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the consumer side.
func (b *Builder) Result() *Result {
	return (*Result)(b)
}

// Result is a streaming completion. Next must be called from one goroutine;
// the other methods are safe for concurrent use.
type Result Builder

// Next returns the next raw part. It returns io.EOF after the last part of
// a finished stream and the abort error of a failed one.
func (r *Result) Next() (agentevent.StreamPart, error) {
	part, ok := <-r.parts
	if ok {
		return part, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return nil, io.EOF
}

// Close abandons the stream. The producer's next Add fails with ErrClosed.
func (r *Result) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

// wait blocks until the stream ends. An ended stream wins over a
// cancelled ctx.
func (r *Result) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Result) outcome() error {
	if r.err != nil {
		return r.err
	}
	if r.agg.Text == "" && len(r.agg.ToolCalls) == 0 && !r.reasoning {
		return ErrNoOutput
	}
	return nil
}

// FinishReason waits for the stream to end.
func (r *Result) FinishReason(ctx context.Context) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.outcome(); err != nil {
		return "", err
	}
	return r.finishReason, nil
}

// Steps waits for the stream to end and returns the per-step tool activity.
func (r *Result) Steps(ctx context.Context) ([]agentevent.Step, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.outcome(); err != nil {
		return nil, err
	}
	return append([]agentevent.Step(nil), r.steps...), nil
}

// Aggregate returns the text and tool activity seen so far.
func (r *Result) Aggregate() agentevent.Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return agentevent.Aggregate{
		Text:        r.agg.Text,
		ToolCalls:   append([]any(nil), r.agg.ToolCalls...),
		ToolResults: append([]any(nil), r.agg.ToolResults...),
	}
}

// Drain reads r to the end and returns the concatenated text. It is used
// where a completion is consumed as a whole.
func (r *Result) Drain(ctx context.Context) (string, error) {
	defer r.Close()
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	if _, err := r.FinishReason(ctx); err != nil {
		return "", err
	}
	return r.Aggregate().Text, nil
}
