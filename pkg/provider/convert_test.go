package provider_test

import (
	"reflect"
	"testing"

	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/provider"
)

func TestFromChat(t *testing.T) {
	history := []*chat.Message{
		{ID: "s", Role: chat.RoleSystem, Content: chat.Text("be brief")},
		{ID: "u1", Role: chat.RoleUser, Content: chat.Text("find setup docs")},
		{ID: "a1", Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{
			{ID: "c1", Name: "search_docs", Input: map[string]any{"query": "setup"}},
			{ID: "c2", Name: "read_doc", Input: map[string]any{"path": "a.md"}},
		}},
		{ID: "st", Role: chat.RoleAssistant, Type: chat.TypeToolStatus, Content: chat.Text("Running search_docs…")},
		{ID: "t1", Role: chat.RoleTool, Type: chat.TypeToolResult, ToolCallID: "c1", ToolName: "search_docs", Content: chat.Text(`["a.md"]`)},
		{ID: "t1dup", Role: chat.RoleTool, Type: chat.TypeToolResult, ToolCallID: "c1", ToolName: "search_docs", Content: chat.Text("again")},
		{ID: "orphan", Role: chat.RoleTool, ToolCallID: "zz", ToolName: "read_doc", Content: chat.Text("lost")},
		{ID: "e", Role: chat.RoleAssistant, Type: chat.TypeError, Content: chat.Text("boom")},
		{ID: "empty", Role: chat.RoleAssistant},
		{ID: "a2", Role: chat.RoleAssistant, Content: chat.Text("See a.md.")},
	}

	got := provider.FromChat(history)
	want := []provider.Message{
		{Role: chat.RoleSystem, Content: "be brief"},
		{Role: chat.RoleUser, Content: "find setup docs"},
		{Role: chat.RoleAssistant, ToolCalls: []provider.ToolCall{
			{ID: "c1", Name: "search_docs", Arguments: `{"query":"setup"}`},
		}},
		{Role: chat.RoleTool, Content: `["a.md"]`, ToolCallID: "c1", ToolName: "search_docs"},
		{Role: chat.RoleAssistant, Content: "See a.md."},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FromChat mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestFromChatNilInput(t *testing.T) {
	history := []*chat.Message{
		nil,
		{Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{{ID: "c1", Name: "ask_choice"}}},
		{Role: chat.RoleTool, ToolCallID: "c1", ToolName: "ask_choice", Content: chat.Text("B")},
	}
	got := provider.FromChat(history)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if args := got[0].ToolCalls[0].Arguments; args != "{}" {
		t.Errorf("arguments = %q, want {}", args)
	}
}
