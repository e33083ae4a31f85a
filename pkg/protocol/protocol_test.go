package protocol_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go/option"

	"github.com/haivivi/docagent/pkg/agentevent"
	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/contextopt"
	"github.com/haivivi/docagent/pkg/protocol"
	"github.com/haivivi/docagent/pkg/provider"
)

// fakeProvider records calls and answers with a fixed text.
type fakeProvider struct {
	caps          provider.Capabilities
	structuredErr error
	plainErr      error
	text          string

	plainCalls      int
	structuredCalls int
	lastMsgs        []provider.Message
	lastTools       provider.ToolDefMap
}

func (f *fakeProvider) result(ctx context.Context) *provider.Result {
	b := provider.NewBuilder(4)
	if f.text != "" {
		b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartTextDelta, "text": f.text})
	}
	b.Finish(provider.FinishStop)
	return b.Result()
}

func (f *fakeProvider) ChatCompletion(ctx context.Context, msgs []provider.Message, _ provider.Config, _ provider.Extra) (*provider.Result, error) {
	f.plainCalls++
	f.lastMsgs = msgs
	if f.plainErr != nil {
		return nil, f.plainErr
	}
	return f.result(ctx), nil
}

func (f *fakeProvider) StructuredChatCompletion(ctx context.Context, msgs []provider.Message, _ provider.Config, tools provider.ToolDefMap, _ provider.Extra) (*provider.Result, error) {
	f.structuredCalls++
	f.lastMsgs = msgs
	f.lastTools = tools
	if f.structuredErr != nil {
		return nil, f.structuredErr
	}
	return f.result(ctx), nil
}

func (f *fakeProvider) Capabilities(provider.Config) provider.Capabilities { return f.caps }

// fakeTools serves a fixed tool set.
type fakeTools struct {
	loadErr  error
	loads    int
	included []string
}

func (f *fakeTools) Load(context.Context) error {
	f.loads++
	return f.loadErr
}

func (f *fakeTools) Definitions(included []string) provider.ToolDefMap {
	f.included = included
	defs := provider.ToolDefMap{}
	for _, name := range included {
		defs[name] = &provider.ToolDef{Name: name}
	}
	return defs
}

var creds = provider.Config{APIKey: "sk-test", Model: "m"}

func history() []*chat.Message {
	return []*chat.Message{{ID: "u1", Role: chat.RoleUser, Content: chat.Text("how do I install?")}}
}

func TestCallAPIAutoFallsBack(t *testing.T) {
	p := &fakeProvider{
		caps:          provider.Capabilities{SupportsStructuredToolCalls: true},
		structuredErr: errors.New("tools not supported by this deployment"),
		text:          "plain answer",
	}
	var decisions []protocol.Decision
	rt := protocol.New(p, &fakeTools{}, protocol.Settings{Provider: creds, Mode: protocol.ModeAuto},
		protocol.WithObserver(func(d protocol.Decision) { decisions = append(decisions, d) }))

	call, err := rt.CallAPI(context.Background(), history())
	if err != nil {
		t.Fatalf("CallAPI: %v", err)
	}
	if call.Mode != protocol.ModeFallback {
		t.Errorf("mode = %s, want fallback", call.Mode)
	}
	if p.structuredCalls != 1 || p.plainCalls != 1 {
		t.Errorf("calls structured=%d plain=%d, want 1/1", p.structuredCalls, p.plainCalls)
	}
	if len(decisions) != 1 || decisions[0].StructuredErr == nil || decisions[0].Used != protocol.ModeFallback {
		t.Errorf("decisions = %+v", decisions)
	}
	text, err := call.Result.Drain(context.Background())
	if err != nil || text != "plain answer" {
		t.Errorf("Drain = %q, %v", text, err)
	}
}

func TestCallAPIExplicitStructuredPropagates(t *testing.T) {
	boom := errors.New("strict schema rejected")
	p := &fakeProvider{
		caps:          provider.Capabilities{SupportsStructuredToolCalls: true},
		structuredErr: boom,
	}
	rt := protocol.New(p, &fakeTools{}, protocol.Settings{Provider: creds, Mode: protocol.ModeStructured})

	_, err := rt.CallAPI(context.Background(), history())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if p.plainCalls != 0 {
		t.Errorf("fallback path invoked %d times", p.plainCalls)
	}
}

func TestCallAPIModeSelection(t *testing.T) {
	tests := []struct {
		name       string
		mode       protocol.Mode
		structured bool
		want       protocol.Mode
	}{
		{"auto capable", protocol.ModeAuto, true, protocol.ModeStructured},
		{"auto incapable", protocol.ModeAuto, false, protocol.ModeFallback},
		{"structured forces", protocol.ModeStructured, false, protocol.ModeStructured},
		{"fallback forces", protocol.ModeFallback, true, protocol.ModeFallback},
		{"empty is auto", "", true, protocol.ModeStructured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{caps: provider.Capabilities{SupportsStructuredToolCalls: tt.structured}, text: "x"}
			tools := &fakeTools{}
			rt := protocol.New(p, tools, protocol.Settings{
				Provider:      creds,
				Mode:          tt.mode,
				IncludedTools: []string{"search_docs", "ask_choice"},
			})
			call, err := rt.CallAPI(context.Background(), history())
			if err != nil {
				t.Fatal(err)
			}
			if call.Mode != tt.want {
				t.Errorf("mode = %s, want %s", call.Mode, tt.want)
			}
			if tt.want == protocol.ModeStructured {
				if tools.loads != 1 || len(p.lastTools) != 2 {
					t.Errorf("loads=%d tools=%v", tools.loads, p.lastTools)
				}
			} else if p.structuredCalls != 0 {
				t.Errorf("structured path used in fallback")
			}
		})
	}
}

func TestCallAPIToolLoadFailure(t *testing.T) {
	p := &fakeProvider{caps: provider.Capabilities{SupportsStructuredToolCalls: true}, text: "x"}
	tools := &fakeTools{loadErr: errors.New("bucket unreachable")}

	rt := protocol.New(p, tools, protocol.Settings{Provider: creds})
	call, err := rt.CallAPI(context.Background(), history())
	if err != nil || call.Mode != protocol.ModeFallback {
		t.Fatalf("auto: call=%+v err=%v", call, err)
	}

	rt = protocol.New(p, tools, protocol.Settings{Provider: creds, Mode: protocol.ModeStructured})
	if _, err := rt.CallAPI(context.Background(), history()); err == nil {
		t.Fatal("structured: expected error")
	}
}

func TestCallAPICancelledDoesNotFallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakeProvider{caps: provider.Capabilities{SupportsStructuredToolCalls: true}, structuredErr: context.Canceled}
	rt := protocol.New(p, nil, protocol.Settings{Provider: creds})
	if _, err := rt.CallAPI(ctx, history()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if p.plainCalls != 0 {
		t.Error("fallback attempted after cancellation")
	}
}

func TestCallAPIMissingCredentials(t *testing.T) {
	tests := []struct {
		name  string
		cfg   provider.Config
		field string
	}{
		{"no key", provider.Config{Model: "m"}, "api_key"},
		{"no model", provider.Config{APIKey: "k"}, "model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			rt := protocol.New(p, nil, protocol.Settings{Provider: tt.cfg})
			_, err := rt.CallAPI(context.Background(), history())
			if !errors.Is(err, protocol.ErrMissingCredentials) {
				t.Fatalf("err = %v", err)
			}
			var ce *protocol.ConfigError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("ConfigError = %+v", ce)
			}
			if p.plainCalls+p.structuredCalls != 0 {
				t.Error("provider called despite missing config")
			}
		})
	}
}

func TestCallAPISystemPrompt(t *testing.T) {
	p := &fakeProvider{text: "x"}
	rt := protocol.New(p, nil, protocol.Settings{Provider: creds, Mode: protocol.ModeFallback, SystemPrompt: "You answer from docs."})

	if _, err := rt.CallAPI(context.Background(), history()); err != nil {
		t.Fatal(err)
	}
	if len(p.lastMsgs) != 2 || p.lastMsgs[0].Role != chat.RoleSystem {
		t.Fatalf("msgs = %+v", p.lastMsgs)
	}

	withSystem := append([]*chat.Message{{ID: "s", Role: chat.RoleSystem, Content: chat.Text("own")}}, history()...)
	if _, err := rt.CallAPI(context.Background(), withSystem); err != nil {
		t.Fatal(err)
	}
	if len(p.lastMsgs) != 2 || p.lastMsgs[0].Content != "own" {
		t.Errorf("existing system message replaced: %+v", p.lastMsgs)
	}
}

func TestSummarize(t *testing.T) {
	p := &fakeProvider{text: "  the summary "}
	rt := protocol.New(p, nil, protocol.Settings{Provider: creds})
	var _ contextopt.Summarizer = rt

	got, err := rt.Summarize(context.Background(), "role", "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "  the summary " {
		t.Errorf("Summarize = %q", got)
	}
	if len(p.lastMsgs) != 2 || p.lastMsgs[0].Content != "role" || p.lastMsgs[1].Content != "prompt" {
		t.Errorf("msgs = %+v", p.lastMsgs)
	}

	p.plainErr = errors.New("rate limited")
	if _, err := rt.Summarize(context.Background(), "", "prompt"); err == nil {
		t.Error("expected error")
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"", "auto", "structured", "fallback"} {
		if _, err := protocol.ParseMode(s); err != nil {
			t.Errorf("ParseMode(%q): %v", s, err)
		}
	}
	if _, err := protocol.ParseMode("xml"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

// toolRejectingServer is an OpenAI-compatible endpoint whose deployment
// rejects any request that offers tools.
type toolRejectingServer struct {
	mu        sync.Mutex
	withTools int
	plain     int
}

func (s *toolRejectingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(string(body), `"tools"`) {
		s.withTools++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"tools are not supported","type":"invalid_request_error"}}`)
		return
	}
	s.plain++
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, `data: {"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"plain answer"},"finish_reason":"stop"}]}`+"\n\n")
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestCallAPIAutoFallsBackOnHTTPRejection(t *testing.T) {
	srv := &toolRejectingServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := provider.Config{Kind: provider.KindOpenAI, APIKey: "sk-test", BaseURL: ts.URL, Model: "m"}
	rt := protocol.New(provider.NewOpenAI(option.WithMaxRetries(0)), &fakeTools{}, protocol.Settings{
		Provider:      cfg,
		Mode:          protocol.ModeAuto,
		IncludedTools: []string{"search_docs"},
	})

	ctx := context.Background()
	call, err := rt.CallAPI(ctx, history())
	if err != nil {
		t.Fatalf("CallAPI: %v", err)
	}
	if call.Mode != protocol.ModeFallback {
		t.Errorf("mode = %s, want fallback", call.Mode)
	}
	text, err := call.Result.Drain(ctx)
	if err != nil || text != "plain answer" {
		t.Errorf("Drain = %q, %v", text, err)
	}
	if srv.withTools != 1 || srv.plain != 1 {
		t.Errorf("requests with tools=%d plain=%d, want 1/1", srv.withTools, srv.plain)
	}

	rt = protocol.New(provider.NewOpenAI(option.WithMaxRetries(0)), &fakeTools{}, protocol.Settings{
		Provider:      cfg,
		Mode:          protocol.ModeStructured,
		IncludedTools: []string{"search_docs"},
	})
	if _, err := rt.CallAPI(ctx, history()); err == nil {
		t.Error("explicit structured mode: expected the rejection to be returned")
	}
}
