// Package provider is the boundary to remote LLM vendors. A Provider turns a
// message list into a Result: a stream of raw parts plus the finish reason
// and per-step tool activity known once the stream ends.
package provider

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/haivivi/docagent/pkg/chat"
)

// Kind names a provider backend.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindGemini Kind = "gemini"
)

// Config is the per-call provider configuration.
type Config struct {
	Kind    Kind   `yaml:"kind" json:"kind"`
	APIKey  string `yaml:"api_key" json:"-"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Model   string `yaml:"model" json:"model"`

	SupportToolCalls   *bool `yaml:"support_tool_calls,omitempty" json:"support_tool_calls,omitempty"`
	SupportStrictTools bool  `yaml:"support_strict_tools,omitempty" json:"support_strict_tools,omitempty"`
	UseDeveloperRole   bool  `yaml:"use_developer_role,omitempty" json:"use_developer_role,omitempty"`
	IncludeThoughts    bool  `yaml:"include_thoughts,omitempty" json:"include_thoughts,omitempty"`

	Temperature float32 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP        float32 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// MaxSteps bounds the structured tool loop. Zero means DefaultMaxSteps.
	MaxSteps int `yaml:"max_steps,omitempty" json:"max_steps,omitempty"`
}

// DefaultMaxSteps is the default bound of the structured tool loop.
const DefaultMaxSteps = 8

func (c Config) maxSteps() int {
	if c.MaxSteps > 0 {
		return c.MaxSteps
	}
	return DefaultMaxSteps
}

// Capabilities describes what a provider supports for a given config.
type Capabilities struct {
	SupportsStructuredToolCalls bool `json:"supportsStructuredToolCalls"`
	SupportsStrictTools         bool `json:"supportsStrictTools"`
}

// Extra holds vendor-specific request fields merged into the request body.
type Extra map[string]any

// ToolCall is a call issued by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is a provider-neutral request message.
type Message struct {
	Role       chat.Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ExecuteFunc runs a tool with its decoded input.
type ExecuteFunc func(ctx context.Context, input map[string]any) (any, error)

// ToolDef is a tool offered to the model. A nil Execute marks a
// client-side tool: the turn ends after it is called so the user can
// answer.
type ToolDef struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Execute     ExecuteFunc
}

// ToolDefMap maps tool names to definitions.
type ToolDefMap map[string]*ToolDef

// Provider is implemented by every backend.
type Provider interface {
	// ChatCompletion streams a plain completion without tools.
	ChatCompletion(ctx context.Context, msgs []Message, cfg Config, extra Extra) (*Result, error)

	// StructuredChatCompletion streams a completion that may call tools.
	// Tools with an executor are run and their results fed back to the
	// model until it stops calling tools or cfg.MaxSteps is reached.
	StructuredChatCompletion(ctx context.Context, msgs []Message, cfg Config, tools ToolDefMap, extra Extra) (*Result, error)

	// Capabilities probes what cfg supports.
	Capabilities(cfg Config) Capabilities
}

// Mux dispatches to a backend by Config.Kind.
type Mux struct {
	backends map[Kind]Provider
}

var _ Provider = (*Mux)(nil)

// NewMux creates a Mux with the OpenAI and Gemini backends registered.
func NewMux() *Mux {
	m := &Mux{backends: make(map[Kind]Provider)}
	m.Handle(KindOpenAI, NewOpenAI())
	m.Handle(KindGemini, NewGemini())
	return m
}

// Handle registers p for kind, replacing any previous backend.
func (m *Mux) Handle(kind Kind, p Provider) {
	if m.backends == nil {
		m.backends = make(map[Kind]Provider)
	}
	m.backends[kind] = p
}

func (m *Mux) get(kind Kind) (Provider, error) {
	if kind == "" {
		kind = KindOpenAI
	}
	p, ok := m.backends[kind]
	if !ok {
		return nil, fmt.Errorf("provider: unknown kind %q", kind)
	}
	return p, nil
}

func (m *Mux) ChatCompletion(ctx context.Context, msgs []Message, cfg Config, extra Extra) (*Result, error) {
	p, err := m.get(cfg.Kind)
	if err != nil {
		return nil, err
	}
	return p.ChatCompletion(ctx, msgs, cfg, extra)
}

func (m *Mux) StructuredChatCompletion(ctx context.Context, msgs []Message, cfg Config, tools ToolDefMap, extra Extra) (*Result, error) {
	p, err := m.get(cfg.Kind)
	if err != nil {
		return nil, err
	}
	return p.StructuredChatCompletion(ctx, msgs, cfg, tools, extra)
}

func (m *Mux) Capabilities(cfg Config) Capabilities {
	p, err := m.get(cfg.Kind)
	if err != nil {
		return Capabilities{}
	}
	return p.Capabilities(cfg)
}
