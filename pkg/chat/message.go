// Package chat defines the conversation data model shared by the agent
// runtime: messages, their lifecycle statuses and the mutation interface the
// runtime uses to edit a session it does not own.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageType tells a renderer how to present a message.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeError      MessageType = "error"
	TypeToolStatus MessageType = "tool_status"
	TypeToolResult MessageType = "tool_result"
	TypeSystem     MessageType = "system"
)

// Status is the lifecycle status of a message.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusRendering Status = "rendering"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// PartKind is the kind of a content part.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartDocument PartKind = "document"
)

// ContentPart is one typed element of a multi-part message.
type ContentPart struct {
	Kind PartKind `json:"type" msgpack:"type"`
	Text string   `json:"text,omitempty" msgpack:"text,omitempty"`
	// URL is the image location for image parts.
	URL string `json:"url,omitempty" msgpack:"url,omitempty"`
	// Path references a document in the doc store for document parts.
	Path  string `json:"path,omitempty" msgpack:"path,omitempty"`
	Title string `json:"title,omitempty" msgpack:"title,omitempty"`
}

// Content is either plain text or an ordered list of parts. When Parts is
// non-empty Text is ignored.
type Content struct {
	Text  string        `msgpack:"text,omitempty"`
	Parts []ContentPart `msgpack:"parts,omitempty"`
}

// Text returns a plain text content.
func Text(s string) Content {
	return Content{Text: s}
}

// String flattens the content into plain text. Image parts are dropped and
// document parts are rendered as a reference line.
func (c Content) String() string {
	if len(c.Parts) == 0 {
		return c.Text
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		switch p.Kind {
		case PartText:
			sb.WriteString(p.Text)
		case PartDocument:
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "[document: %s]", p.Path)
		}
	}
	return sb.String()
}

// IsEmpty reports whether the content carries nothing.
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Parts) == 0
}

// MarshalJSON encodes text content as a JSON string and multi-part content
// as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Parts) == 0 {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		c.Text = ""
		return json.Unmarshal(data, &c.Parts)
	}
	c.Parts = nil
	if bytes.Equal(data, []byte("null")) {
		c.Text = ""
		return nil
	}
	return json.Unmarshal(data, &c.Text)
}

// ToolCall is a tool invocation carried by an assistant message.
type ToolCall struct {
	ID    string         `json:"id" msgpack:"id"`
	Name  string         `json:"name" msgpack:"name"`
	Input map[string]any `json:"input" msgpack:"input"`
}

// Message is a turn-addressable unit of conversation.
type Message struct {
	ID              string      `json:"id" msgpack:"id"`
	Role            Role        `json:"role" msgpack:"role"`
	Content         Content     `json:"content" msgpack:"content"`
	Type            MessageType `json:"type" msgpack:"type"`
	Status          Status      `json:"status" msgpack:"status"`
	StreamCompleted bool        `json:"streamCompleted" msgpack:"stream_completed"`

	ToolCallID string         `json:"toolCallId,omitempty" msgpack:"tool_call_id,omitempty"`
	ToolName   string         `json:"toolName,omitempty" msgpack:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty" msgpack:"tool_input,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty" msgpack:"tool_calls,omitempty"`

	Reasoning         string        `json:"reasoning,omitempty" msgpack:"reasoning,omitempty"`
	ReasoningDuration time.Duration `json:"reasoningDuration,omitempty" msgpack:"reasoning_duration,omitempty"`

	CreatedAt time.Time `json:"createdAt" msgpack:"created_at"`
}

// Clone returns a copy of m that shares no slices with it. Tool input maps
// are copied one level deep.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Content.Parts != nil {
		c.Content.Parts = append([]ContentPart(nil), m.Content.Parts...)
	}
	c.ToolInput = cloneMap(m.ToolInput)
	if m.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			tc.Input = cloneMap(tc.Input)
			c.ToolCalls[i] = tc
		}
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// MessageUpdate is a partial update. Nil fields are left untouched.
type MessageUpdate struct {
	Content           *Content
	Type              *MessageType
	Status            *Status
	StreamCompleted   *bool
	Reasoning         *string
	ReasoningDuration *time.Duration
}

// Apply writes the non-nil fields of u onto m.
func (u MessageUpdate) Apply(m *Message) {
	if u.Content != nil {
		m.Content = *u.Content
	}
	if u.Type != nil {
		m.Type = *u.Type
	}
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.StreamCompleted != nil {
		m.StreamCompleted = *u.StreamCompleted
	}
	if u.Reasoning != nil {
		m.Reasoning = *u.Reasoning
	}
	if u.ReasoningDuration != nil {
		m.ReasoningDuration = *u.ReasoningDuration
	}
}

// Ptr returns a pointer to v. It keeps MessageUpdate literals short.
func Ptr[T any](v T) *T {
	return &v
}
