package flow_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haivivi/docagent/pkg/agentevent"
	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/contextopt"
	"github.com/haivivi/docagent/pkg/flow"
	"github.com/haivivi/docagent/pkg/projector"
	"github.com/haivivi/docagent/pkg/protocol"
	"github.com/haivivi/docagent/pkg/provider"
)

// scriptCaller replies with a fixed list of parts and steps.
type scriptCaller struct {
	mu      sync.Mutex
	parts   []agentevent.StreamPart
	steps   []agentevent.Step
	abort   error
	err     error
	calls   int
	history []*chat.Message
}

func (c *scriptCaller) CallAPI(ctx context.Context, history []*chat.Message) (*protocol.Call, error) {
	c.mu.Lock()
	c.calls++
	c.history = history
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	b := provider.NewBuilder(len(c.parts) + 1)
	for _, p := range c.parts {
		if err := b.Add(ctx, p); err != nil {
			return nil, err
		}
	}
	for _, s := range c.steps {
		b.AddStep(s)
	}
	if c.abort != nil {
		b.Abort(c.abort)
	} else {
		b.Finish(provider.FinishStop)
	}
	return &protocol.Call{Result: b.Result(), Mode: protocol.ModeStructured}, nil
}

// funcCaller runs fn for every call.
type funcCaller func(ctx context.Context, history []*chat.Message) (*protocol.Call, error)

func (f funcCaller) CallAPI(ctx context.Context, history []*chat.Message) (*protocol.Call, error) {
	return f(ctx, history)
}

type fakeCompressor struct {
	result func(history []*chat.Message) contextopt.Result
}

func (c fakeCompressor) ProcessContext(_ context.Context, history []*chat.Message, _ int) contextopt.Result {
	return c.result(history)
}

type countingPersister struct {
	mu    sync.Mutex
	saved int
}

func (p *countingPersister) Save(context.Context, *chat.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved++
	return nil
}

func text(s string) agentevent.StreamPart {
	return agentevent.StreamPart{"type": agentevent.PartTextDelta, "text": s}
}

func lastMessage(t *testing.T, sess *chat.Session) *chat.Message {
	t.Helper()
	msgs, err := sess.Messages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) == 0 {
		t.Fatal("session is empty")
	}
	return msgs[len(msgs)-1]
}

func TestSendMessage_Text(t *testing.T) {
	caller := &scriptCaller{parts: []agentevent.StreamPart{text("Hello"), text(", world")}}
	persister := &countingPersister{}
	svc := flow.New(caller, nil, flow.WithPersister(persister))
	sess := chat.NewSession("s1")

	res, err := svc.SendMessage(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.Mode != protocol.ModeStructured || res.FinishReason != provider.FinishStop {
		t.Errorf("result = %+v", res)
	}
	if sess.Len() != 2 {
		t.Fatalf("Len = %d, want 2", sess.Len())
	}
	m := lastMessage(t, sess)
	if m.Content.String() != "Hello, world" || m.Status != chat.StatusDone || !m.StreamCompleted {
		t.Errorf("reply = %q %s %v", m.Content.String(), m.Status, m.StreamCompleted)
	}
	if persister.saved != 1 {
		t.Errorf("saved %d times, want 1", persister.saved)
	}
	if len(caller.history) != 1 || caller.history[0].Role != chat.RoleUser {
		t.Errorf("history sent = %d messages", len(caller.history))
	}
}

func TestSendMessage_ToolRound(t *testing.T) {
	call := map[string]any{
		"type": agentevent.PartToolCall, "toolCallId": "c1", "toolName": "search_docs",
		"input": map[string]any{"query": "setup"},
	}
	result := map[string]any{
		"type": agentevent.PartToolResult, "toolCallId": "c1", "toolName": "search_docs",
		"output": "3 hits",
	}
	caller := &scriptCaller{
		parts: []agentevent.StreamPart{call, result, text("See the setup guide.")},
		steps: []agentevent.Step{
			{FinishReason: provider.FinishToolCalls, ToolCalls: []any{call}, ToolResults: []any{result}},
			{Text: "See the setup guide.", FinishReason: provider.FinishStop},
		},
	}
	svc := flow.New(caller, nil)
	sess := chat.NewSession("s1")

	res, err := svc.SendMessage(context.Background(), sess, "how do I set up?")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}
	msgs, _ := sess.Messages(context.Background())
	var types []chat.MessageType
	for _, m := range msgs {
		types = append(types, m.Type)
	}
	want := []chat.MessageType{chat.TypeText, chat.TypeText, chat.TypeToolResult, chat.TypeText}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %s, want %s", i, types[i], want[i])
		}
	}
	if sess.StreamingCount() != 0 {
		t.Errorf("StreamingCount = %d", sess.StreamingCount())
	}
}

func TestSendMessage_NoOutputIsBenign(t *testing.T) {
	svc := flow.New(&scriptCaller{}, nil)
	sess := chat.NewSession("s1")
	res, err := svc.SendMessage(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if res.Interrupted {
		t.Error("Interrupted = true")
	}
	if sess.Len() != 1 {
		t.Errorf("Len = %d, want only the user message", sess.Len())
	}
}

func TestSendMessage_StreamError(t *testing.T) {
	boom := errors.New("connection reset")
	caller := &scriptCaller{parts: []agentevent.StreamPart{text("partial")}, abort: boom}
	svc := flow.New(caller, nil)
	sess := chat.NewSession("s1")

	_, err := svc.SendMessage(context.Background(), sess, "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	m := lastMessage(t, sess)
	if m.Content.String() != "partial" || m.Status != chat.StatusError {
		t.Errorf("reply = %q %s", m.Content.String(), m.Status)
	}
	if svc.Running("s1") {
		t.Error("turn still registered")
	}
}

func TestSendMessage_ErrorPart(t *testing.T) {
	caller := &scriptCaller{parts: []agentevent.StreamPart{
		text("partial"),
		{"type": agentevent.PartError, "error": "model overloaded"},
		text("never shown"),
	}}
	persister := &countingPersister{}
	svc := flow.New(caller, nil, flow.WithPersister(persister))
	sess := chat.NewSession("s1")

	_, err := svc.SendMessage(context.Background(), sess, "hi")
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("err = %v, want the stream error", err)
	}
	if sess.Len() != 2 {
		t.Fatalf("Len = %d, want 2", sess.Len())
	}
	m := lastMessage(t, sess)
	if m.Content.String() != "partial" || m.Status != chat.StatusError {
		t.Errorf("reply = %q %s", m.Content.String(), m.Status)
	}
	if sess.StreamingCount() != 0 {
		t.Error("a message is still streaming")
	}
	if persister.saved != 1 {
		t.Errorf("saved %d times, want 1", persister.saved)
	}
}

func TestSendMessage_CallError(t *testing.T) {
	caller := &scriptCaller{err: &protocol.ConfigError{Field: "api_key"}}
	svc := flow.New(caller, nil)
	_, err := svc.SendMessage(context.Background(), chat.NewSession("s1"), "hi")
	if !errors.Is(err, protocol.ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestSendMessage_Compression(t *testing.T) {
	tests := []struct {
		name       string
		result     contextopt.Result
		wantCalls  int
		wantLen    int
		wantLast   chat.MessageType
		compressed bool
	}{
		{
			name:      "fits",
			result:    contextopt.Result{Status: contextopt.StatusSuccess},
			wantCalls: 1,
			wantLen:   4,
			wantLast:  chat.TypeText,
		},
		{
			name: "compressed",
			result: contextopt.Result{
				Status:     contextopt.StatusSuccess,
				Compressed: true,
				History: []*chat.Message{
					{ID: "sum", Role: chat.RoleSystem, Type: chat.TypeSystem, Content: chat.Text(contextopt.SummaryPrefix + "earlier")},
					{ID: "u", Role: chat.RoleUser, Content: chat.Text("next")},
				},
			},
			wantCalls:  1,
			wantLen:    3,
			wantLast:   chat.TypeText,
			compressed: true,
		},
		{
			name:      "action required",
			result:    contextopt.Result{Status: contextopt.StatusActionRequired, UserMessage: "shorten it"},
			wantCalls: 0,
			wantLen:   4,
			wantLast:  chat.TypeError,
		},
		{
			name:      "fatal",
			result:    contextopt.Result{Status: contextopt.StatusFatalError, UserMessage: "start over"},
			wantCalls: 0,
			wantLen:   4,
			wantLast:  chat.TypeError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sess := chat.NewSession("s1")
			for _, m := range []*chat.Message{
				{Role: chat.RoleUser, Content: chat.Text("first")},
				{Role: chat.RoleAssistant, Content: chat.Text("reply")},
			} {
				if _, err := sess.AddMessage(ctx, m); err != nil {
					t.Fatal(err)
				}
			}
			caller := &scriptCaller{parts: []agentevent.StreamPart{text("ok")}}
			comp := fakeCompressor{result: func(h []*chat.Message) contextopt.Result {
				r := tt.result
				if r.Status == contextopt.StatusSuccess && r.History == nil {
					r.History = h
				}
				return r
			}}
			svc := flow.New(caller, comp)

			res, err := svc.SendMessage(ctx, sess, "next")
			if err != nil {
				t.Fatalf("SendMessage: %v", err)
			}
			if caller.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", caller.calls, tt.wantCalls)
			}
			if sess.Len() != tt.wantLen {
				t.Errorf("Len = %d, want %d", sess.Len(), tt.wantLen)
			}
			if res.Compressed != tt.compressed || res.Compression != tt.result.Status {
				t.Errorf("result = %+v", res)
			}
			last := lastMessage(t, sess)
			if last.Type != tt.wantLast {
				t.Errorf("last type = %s, want %s", last.Type, tt.wantLast)
			}
			if last.Type == chat.TypeError && last.Content.String() != tt.result.UserMessage {
				t.Errorf("error text = %q", last.Content.String())
			}
		})
	}
}

func TestSendMessage_TurnInProgress(t *testing.T) {
	called := make(chan struct{})
	release := make(chan struct{})
	caller := funcCaller(func(ctx context.Context, _ []*chat.Message) (*protocol.Call, error) {
		close(called)
		<-release
		b := provider.NewBuilder(1)
		b.Add(ctx, text("done"))
		b.Finish(provider.FinishStop)
		return &protocol.Call{Result: b.Result(), Mode: protocol.ModeFallback}, nil
	})
	svc := flow.New(caller, nil)
	sess := chat.NewSession("s1")

	errc := make(chan error, 1)
	go func() {
		_, err := svc.SendMessage(context.Background(), sess, "first")
		errc <- err
	}()
	<-called

	if !svc.Running("s1") {
		t.Error("Running = false during a turn")
	}
	if _, err := svc.SendMessage(context.Background(), sess, "second"); !errors.Is(err, flow.ErrTurnInProgress) {
		t.Errorf("err = %v, want ErrTurnInProgress", err)
	}
	// Other sessions are independent.
	if svc.Running("s2") {
		t.Error("Running(s2) = true")
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), sess, "third"); err != nil {
		t.Errorf("turn after completion: %v", err)
	}
}

func TestStop(t *testing.T) {
	caller := funcCaller(func(ctx context.Context, _ []*chat.Message) (*protocol.Call, error) {
		b := provider.NewBuilder(0)
		go func() {
			if err := b.Add(ctx, text("partial answer")); err != nil {
				b.Abort(err)
				return
			}
			<-ctx.Done()
			b.Abort(ctx.Err())
		}()
		return &protocol.Call{Result: b.Result(), Mode: protocol.ModeStructured}, nil
	})
	persister := &countingPersister{}
	svc := flow.New(caller, nil, flow.WithPersister(persister))
	sess := chat.NewSession("s1")

	streaming := make(chan struct{})
	var once sync.Once
	cancel := sess.Observe(func(m chat.Mutation) {
		if m.Kind == chat.MutationAdd && m.Message.Status == chat.StatusStreaming {
			once.Do(func() { close(streaming) })
		}
	})
	defer cancel()

	type turnOut struct {
		res *flow.TurnResult
		err error
	}
	done := make(chan turnOut, 1)
	go func() {
		res, err := svc.SendMessage(context.Background(), sess, "explain")
		done <- turnOut{res, err}
	}()

	select {
	case <-streaming:
	case <-time.After(5 * time.Second):
		t.Fatal("reply never started streaming")
	}

	var wg sync.WaitGroup
	stopErrs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stopErrs <- svc.Stop(context.Background(), "s1")
		}()
	}
	wg.Wait()
	close(stopErrs)
	for err := range stopErrs {
		if err != nil && !errors.Is(err, flow.ErrNoActiveTurn) {
			t.Errorf("Stop: %v", err)
		}
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("SendMessage: %v", out.err)
	}
	if !out.res.Interrupted {
		t.Error("Interrupted = false")
	}
	m := lastMessage(t, sess)
	if !strings.HasSuffix(m.Content.String(), projector.InterruptedMarker) {
		t.Errorf("content = %q, want interruption marker", m.Content.String())
	}
	if m.Status != chat.StatusError {
		t.Errorf("status = %s, want error", m.Status)
	}
	if sess.StreamingCount() != 0 {
		t.Errorf("StreamingCount = %d", sess.StreamingCount())
	}
	if persister.saved != 1 {
		t.Errorf("saved %d times, want 1", persister.saved)
	}
}

func TestStop_Idle(t *testing.T) {
	svc := flow.New(&scriptCaller{}, nil)
	if err := svc.Stop(context.Background(), "nobody"); !errors.Is(err, flow.ErrNoActiveTurn) {
		t.Errorf("err = %v, want ErrNoActiveTurn", err)
	}
}

func TestSendMessage_Empty(t *testing.T) {
	svc := flow.New(&scriptCaller{}, nil)
	if _, err := svc.SendMessage(context.Background(), chat.NewSession(""), ""); !errors.Is(err, flow.ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}
