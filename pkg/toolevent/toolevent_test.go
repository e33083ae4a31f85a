package toolevent

import (
	"reflect"
	"testing"
)

func TestToToolInput(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want map[string]any
	}{
		{"nil", nil, map[string]any{}},
		{"json string", `{"q":"badger"}`, map[string]any{"q": "badger"}},
		{"broken json string", `{"q":"badger"`, map[string]any{"q": "badger"}},
		{"garbage string", "not json at all", map[string]any{}},
		{"json array string", `[1,2]`, map[string]any{}},
		{"empty string", "", map[string]any{}},
		{"plain object", map[string]any{"q": "x"}, map[string]any{"q": "x"}},
		{"input wrapper", map[string]any{"input": map[string]any{"q": "x"}}, map[string]any{"q": "x"}},
		{"args wrapper", map[string]any{"args": map[string]any{"q": "y"}}, map[string]any{"q": "y"}},
		{"args string", map[string]any{"args": `{"q":"z"}`}, map[string]any{"q": "z"}},
		{
			"input preferred over args",
			map[string]any{"input": map[string]any{"a": 1.0}, "args": map[string]any{"b": 2.0}},
			map[string]any{"a": 1.0},
		},
		{
			"empty input falls through to args",
			map[string]any{"input": map[string]any{}, "args": map[string]any{"b": 2.0}},
			map[string]any{"b": 2.0},
		},
		{
			"unwrappable input kept",
			map[string]any{"input": "plain words"},
			map[string]any{"input": "plain words"},
		},
		{
			"one level only",
			map[string]any{"input": map[string]any{"input": map[string]any{"deep": true}}},
			map[string]any{"input": map[string]any{"deep": true}},
		},
		{"number", 42, map[string]any{}},
		{"struct", struct {
			Query string `json:"query"`
		}{"hi"}, map[string]any{"query": "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToToolInput(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ToToolInput(%v) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestToToolInput_Idempotent(t *testing.T) {
	inputs := []any{
		nil,
		`{"q":"a"}`,
		map[string]any{"q": "a", "limit": 3.0},
		map[string]any{"args": map[string]any{"q": "b"}},
		map[string]any{"input": `{"path":"x.md"}`},
	}
	for _, in := range inputs {
		once := ToToolInput(in)
		twice := ToToolInput(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("not idempotent for %v: %v then %v", in, once, twice)
		}
	}
}

func TestNormalizeToolCall_Shapes(t *testing.T) {
	want := Call{ToolName: "search_docs", ToolCallID: "call_1", ToolInput: map[string]any{"query": "kv"}}
	tests := []struct {
		name string
		raw  any
	}{
		{"sdk v5", map[string]any{"type": "tool-call", "toolCallId": "call_1", "toolName": "search_docs", "input": map[string]any{"query": "kv"}}},
		{"sdk v4", map[string]any{"toolCallId": "call_1", "toolName": "search_docs", "args": map[string]any{"query": "kv"}}},
		{"openai", map[string]any{"id": "call_1", "type": "function", "function": map[string]any{"name": "search_docs", "arguments": `{"query":"kv"}`}}},
		{"generic", map[string]any{"callId": "call_1", "name": "search_docs", "arguments": `{"query":"kv"}`}},
		{"json string", `{"id":"call_1","name":"search_docs","input":{"query":"kv"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeToolCall(tt.raw, "fallback")
			if !reflect.DeepEqual(got, want) {
				t.Errorf("NormalizeToolCall = %+v, want %+v", got, want)
			}
		})
	}
}

func TestNormalizeToolCall_Fallback(t *testing.T) {
	got := NormalizeToolCall(map[string]any{"name": "read_doc"}, CallID(0, 1))
	if got.ToolCallID != "step_0_call_1" {
		t.Errorf("ToolCallID = %q, want step_0_call_1", got.ToolCallID)
	}
	if got.ToolInput == nil || len(got.ToolInput) != 0 {
		t.Errorf("ToolInput = %v, want empty object", got.ToolInput)
	}

	got = NormalizeToolCall(nil, "x")
	if got.ToolName != "" || got.ToolCallID != "x" {
		t.Errorf("nil payload = %+v", got)
	}
}

func TestNormalizeToolResult(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want Result
	}{
		{
			"output",
			map[string]any{"toolCallId": "c1", "toolName": "search_docs", "output": "found"},
			Result{ToolName: "search_docs", ToolCallID: "c1", Output: "found"},
		},
		{
			"value wrapper",
			map[string]any{"toolCallId": "c1", "output": map[string]any{"type": "json", "value": map[string]any{"n": 1.0}}},
			Result{ToolCallID: "c1", Output: map[string]any{"n": 1.0}},
		},
		{
			"bare value wrapper",
			map[string]any{"toolCallId": "c1", "output": map[string]any{"value": "text"}},
			Result{ToolCallID: "c1", Output: "text"},
		},
		{
			"value is tool data",
			map[string]any{"toolCallId": "c1", "output": map[string]any{"value": 42.0, "unit": "kg"}},
			Result{ToolCallID: "c1", Output: map[string]any{"value": 42.0, "unit": "kg"}},
		},
		{
			"result field",
			map[string]any{"id": "c2", "name": "read_doc", "result": []any{"a"}},
			Result{ToolName: "read_doc", ToolCallID: "c2", Output: []any{"a"}},
		},
		{
			"no id",
			map[string]any{"output": 3.0},
			Result{ToolCallID: "fb", Output: 3.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeToolResult(tt.raw, "fb")
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeToolResult = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCallResultCorrelation(t *testing.T) {
	call := NormalizeToolCall(map[string]any{"toolCallId": "abc", "toolName": "t"}, CallID(1, 0))
	res := NormalizeToolResult(map[string]any{"toolCallId": "abc", "output": "ok"}, ResultID(1, 0))
	if call.ToolCallID != res.ToolCallID {
		t.Errorf("call id %q != result id %q", call.ToolCallID, res.ToolCallID)
	}
}

type badJSON struct{}

func (badJSON) MarshalJSON() ([]byte, error) { panic("boom") }

func TestToPlainResultContent(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"text", "text"},
		{map[string]any{"a": 1}, `{"a":1}`},
		{[]int{1, 2}, "[1,2]"},
		{true, "true"},
		{func() {}, "<func>"},
	}
	for _, tt := range tests {
		got := ToPlainResultContent(tt.in)
		if tt.want == "<func>" {
			if got == "" {
				t.Error("func value should fall back to fmt rendering")
			}
			continue
		}
		if got != tt.want {
			t.Errorf("ToPlainResultContent(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := ToPlainResultContent(badJSON{}); got != "{}" {
		t.Errorf("panicking marshaler = %q, want {}", got)
	}
}

func TestIsSentinel(t *testing.T) {
	if !IsSentinel("ask_choice") {
		t.Error("ask_choice should be the sentinel")
	}
	if IsSentinel("search_docs") {
		t.Error("search_docs is not a sentinel")
	}
}
