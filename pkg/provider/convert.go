package provider

import (
	"encoding/json"

	"github.com/haivivi/docagent/pkg/chat"
)

// FromChat converts a conversation into request messages.
//
// Error and tool-status messages are UI-only and skipped. Assistant tool
// calls are kept only when a tool result answers them, and tool results are
// kept only when an earlier assistant message issued the call, so the
// request never carries an unpaired half.
func FromChat(history []*chat.Message) []Message {
	issued := make(map[string]struct{})
	answered := make(map[string]struct{})
	for _, m := range history {
		if skipForRequest(m) {
			continue
		}
		switch m.Role {
		case chat.RoleAssistant:
			for _, tc := range m.ToolCalls {
				issued[tc.ID] = struct{}{}
			}
		case chat.RoleTool:
			if _, ok := issued[m.ToolCallID]; ok {
				answered[m.ToolCallID] = struct{}{}
			}
		}
	}

	out := make([]Message, 0, len(history))
	for _, m := range history {
		if skipForRequest(m) {
			continue
		}
		switch m.Role {
		case chat.RoleSystem, chat.RoleUser:
			out = append(out, Message{Role: m.Role, Content: m.Content.String()})
		case chat.RoleAssistant:
			msg := Message{Role: chat.RoleAssistant, Content: m.Content.String()}
			for _, tc := range m.ToolCalls {
				if _, ok := answered[tc.ID]; !ok {
					continue
				}
				args, err := json.Marshal(tc.Input)
				if err != nil || tc.Input == nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: string(args)})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			out = append(out, msg)
		case chat.RoleTool:
			if _, ok := answered[m.ToolCallID]; !ok {
				continue
			}
			out = append(out, Message{
				Role:       chat.RoleTool,
				Content:    m.Content.String(),
				ToolCallID: m.ToolCallID,
				ToolName:   m.ToolName,
			})
			// Only the first result answers a call.
			delete(answered, m.ToolCallID)
		}
	}
	return out
}

func skipForRequest(m *chat.Message) bool {
	return m == nil || m.Type == chat.TypeError || m.Type == chat.TypeToolStatus
}
