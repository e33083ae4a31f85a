package provider

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/haivivi/docagent/pkg/agentevent"
)

func TestResultNoOutput(t *testing.T) {
	b := NewBuilder(4)
	b.Finish(FinishStop)
	r := b.Result()

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next = %v, want io.EOF", err)
	}
	if _, err := r.FinishReason(context.Background()); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("FinishReason err = %v, want ErrNoOutput", err)
	}
	if _, err := r.Steps(context.Background()); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("Steps err = %v, want ErrNoOutput", err)
	}
}

func TestResultReasoningCountsAsOutput(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(4)
	if err := b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartReasoningDelta, "text": "hmm"}); err != nil {
		t.Fatal(err)
	}
	b.Finish(FinishStop)
	reason, err := b.Result().FinishReason(ctx)
	if err != nil {
		t.Fatalf("FinishReason: %v", err)
	}
	if reason != FinishStop {
		t.Errorf("reason = %q", reason)
	}
}

func TestResultAbort(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	b := NewBuilder(4)
	if err := b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartTextDelta, "text": "a"}); err != nil {
		t.Fatal(err)
	}
	b.Abort(boom)
	r := b.Result()

	part, err := r.Next()
	if err != nil || part.Type() != agentevent.PartTextDelta {
		t.Fatalf("Next = %v, %v", part, err)
	}
	if _, err := r.Next(); !errors.Is(err, boom) {
		t.Fatalf("Next after abort = %v, want boom", err)
	}
	if _, err := r.FinishReason(ctx); !errors.Is(err, boom) {
		t.Fatalf("FinishReason err = %v, want boom", err)
	}
}

func TestResultCloseStopsProducer(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(0)
	r := b.Result()

	errc := make(chan error, 1)
	go func() {
		errc <- b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartTextDelta, "text": "a"})
	}()
	r.Close()
	r.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Add = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after Close")
	}
}

func TestResultWaitHonorsContext(t *testing.T) {
	b := NewBuilder(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Result().FinishReason(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("FinishReason = %v, want context.Canceled", err)
	}
}

func TestResultDrain(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(8)
	for _, s := range []string{"hello", " ", "world"} {
		if err := b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartTextDelta, "text": s}); err != nil {
			t.Fatal(err)
		}
	}
	b.AddStep(agentevent.Step{Text: "hello world", FinishReason: FinishStop})
	b.Finish(FinishStop)

	r := b.Result()
	text, err := r.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
	steps, err := r.Steps(ctx)
	if err != nil || len(steps) != 1 {
		t.Fatalf("Steps = %v, %v", steps, err)
	}
}

func TestResultAggregate(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(8)
	b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartToolCall, "toolCallId": "c1", "toolName": "search_docs"})
	b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartToolResult, "toolCallId": "c1", "output": "x"})
	b.Finish(FinishToolCalls)

	agg := b.Result().Aggregate()
	if len(agg.ToolCalls) != 1 || len(agg.ToolResults) != 1 {
		t.Fatalf("aggregate = %+v", agg)
	}
	if _, err := b.Result().FinishReason(ctx); err != nil {
		t.Fatalf("tool calls alone must count as output: %v", err)
	}
}

func TestResultEndedStreamWinsOverCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBuilder(4)
	b.Add(context.Background(), agentevent.StreamPart{"type": agentevent.PartTextDelta, "text": "done"})
	b.Finish(FinishStop)

	for range 100 {
		reason, err := b.Result().FinishReason(ctx)
		if err != nil || reason != FinishStop {
			t.Fatalf("FinishReason = %q, %v", reason, err)
		}
	}
}

func TestBuilderEstablished(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("401 unauthorized")
	start := agentevent.StreamPart{"type": agentevent.PartStartStep, "index": 0}
	text := agentevent.StreamPart{"type": agentevent.PartTextDelta, "text": "hi"}

	tests := []struct {
		name string
		run  func(b *Builder)
		want error
	}{
		{"first content part", func(b *Builder) { b.Add(ctx, start); b.Add(ctx, text) }, nil},
		{"finished empty", func(b *Builder) { b.Add(ctx, start); b.Finish(FinishStop) }, nil},
		{"aborted before content", func(b *Builder) { b.Add(ctx, start); b.Abort(boom) }, boom},
		{"aborted after content", func(b *Builder) { b.Add(ctx, text); b.Abort(boom) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(4)
			tt.run(b)
			if err := b.Established(ctx); !errors.Is(err, tt.want) {
				t.Errorf("Established = %v, want %v", err, tt.want)
			}
		})
	}

	b := NewBuilder(4)
	b.Add(ctx, start)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := b.Established(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Established with only a step start = %v, want deadline", err)
	}
}
