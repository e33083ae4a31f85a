// Package toolevent reconciles the tool call and tool result payload shapes
// emitted by different providers into one canonical form.
//
// Every function in this package is total: malformed input degrades to an
// empty value and never panics or returns an error.
package toolevent

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// SentinelTool is the UI-only tool used to ask the user to pick an option.
// It never produces a conversation side-effect message.
const SentinelTool = "ask_choice"

// IsSentinel reports whether name is the UI-only sentinel tool.
func IsSentinel(name string) bool {
	return name == SentinelTool
}

// Call is a normalized tool call.
type Call struct {
	ToolName   string         `json:"toolName"`
	ToolCallID string         `json:"toolCallId"`
	ToolInput  map[string]any `json:"toolInput"`
}

// Result is a normalized tool result.
type Result struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Output     any    `json:"output"`
}

// CallID returns the synthetic id for the j-th call of step i.
func CallID(step, j int) string {
	return fmt.Sprintf("step_%d_call_%d", step, j)
}

// ResultID returns the synthetic id for the j-th result of step i.
func ResultID(step, j int) string {
	return fmt.Sprintf("step_%d_result_%d", step, j)
}

// ToToolInput coerces raw into a tool input object.
//
// nil yields an empty object, a string is parsed as JSON, and an object
// wrapped as {input: ...} or {args: ...} is unwrapped one level, preferring
// input. An object that does not unwrap to a non-empty object is returned
// unchanged.
func ToToolInput(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case string:
		if m, ok := parseObject(v); ok {
			return m
		}
		return map[string]any{}
	case []byte:
		return ToToolInput(string(v))
	case json.RawMessage:
		return ToToolInput(string(v))
	}

	obj, ok := asObject(raw)
	if !ok {
		return map[string]any{}
	}
	for _, key := range []string{"input", "args"} {
		inner, ok := obj[key]
		if !ok {
			continue
		}
		if m := unwrapInner(inner); len(m) > 0 {
			return m
		}
	}
	return obj
}

func unwrapInner(v any) map[string]any {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		m, _ := parseObject(v)
		return m
	}
	m, _ := asObject(v)
	return m
}

// NormalizeToolCall reads a tool call in any supported shape. fallbackID is
// used when the payload carries no id.
func NormalizeToolCall(raw any, fallbackID string) Call {
	obj := payloadObject(raw)
	fn, _ := asObject(obj["function"])

	name := firstString(obj, "toolName", "name")
	if name == "" {
		name = firstString(fn, "name")
	}
	id := firstString(obj, "toolCallId", "id", "callId")
	if id == "" {
		id = fallbackID
	}

	var input any
	switch {
	case obj["input"] != nil:
		input = obj["input"]
	case obj["args"] != nil:
		input = obj["args"]
	case obj["arguments"] != nil:
		input = obj["arguments"]
	case fn["arguments"] != nil:
		input = fn["arguments"]
	}
	return Call{
		ToolName:   name,
		ToolCallID: id,
		ToolInput:  ToToolInput(input),
	}
}

// NormalizeToolResult reads a tool result in any supported shape. The
// output is unwrapped from one level of {type, value} envelope.
func NormalizeToolResult(raw any, fallbackID string) Result {
	obj := payloadObject(raw)

	id := firstString(obj, "toolCallId", "id", "callId")
	if id == "" {
		id = fallbackID
	}

	var output any
	for _, key := range []string{"output", "result", "content"} {
		if v, ok := obj[key]; ok {
			output = v
			break
		}
	}
	if v, ok := unwrapValue(output); ok {
		output = v
	}
	return Result{
		ToolName:   firstString(obj, "toolName", "name"),
		ToolCallID: id,
		Output:     output,
	}
}

// unwrapValue unwraps an SDK output envelope: an object with a value key
// and at most a type key beside it. Other objects are tool data.
func unwrapValue(output any) (any, bool) {
	wrapped, ok := asObject(output)
	if !ok {
		return nil, false
	}
	v, ok := wrapped["value"]
	if !ok {
		return nil, false
	}
	for key := range wrapped {
		if key != "value" && key != "type" {
			return nil, false
		}
	}
	return v, true
}

// ToPlainResultContent renders a tool output as message text.
func ToPlainResultContent(v any) (s string) {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	defer func() {
		if recover() != nil {
			s = fmt.Sprint(v)
		}
	}()
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// payloadObject returns raw as a map. Calls and results that arrive as
// JSON strings are parsed.
func payloadObject(raw any) map[string]any {
	if s, ok := raw.(string); ok {
		m, _ := parseObject(s)
		if m == nil {
			return map[string]any{}
		}
		return m
	}
	m, ok := asObject(raw)
	if !ok {
		return map[string]any{}
	}
	return m
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// parseObject parses s as a JSON object, repairing it when the first
// attempt fails with a syntax error.
func parseObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		if _, ok := err.(*json.SyntaxError); !ok {
			return nil, false
		}
		fixed, err := repair(s)
		if err != nil {
			return nil, false
		}
		if err := json.Unmarshal([]byte(fixed), &v); err != nil {
			return nil, false
		}
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func repair(s string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("toolevent: repair panicked: %v", r)
		}
	}()
	return jsonrepair.JSONRepair(s)
}

// asObject returns v as a map[string]any. Structs and typed maps are
// converted through JSON.
func asObject(v any) (map[string]any, bool) {
	switch v := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return v, true
	case string, []byte, json.RawMessage, bool, float64, float32, int, int64, int32, uint, uint64:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if k := rv.Kind(); k != reflect.Struct && k != reflect.Map {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	return m, m != nil
}
