// Package protocol decides how a turn talks to the model and performs the
// call. Structured mode offers tools the provider executes itself; fallback
// mode is a plain completion. In auto mode a failed structured call is
// retried once in fallback mode, while an explicit structured mode reports
// the failure.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/provider"
)

// Mode is a protocol mode.
type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeStructured Mode = "structured"
	ModeFallback   Mode = "fallback"
)

// ParseMode parses s. The empty string is auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeStructured, ModeFallback:
		return m, nil
	default:
		return "", fmt.Errorf("protocol: unknown mode %q", s)
	}
}

// ErrMissingCredentials is matched by every ConfigError.
var ErrMissingCredentials = errors.New("protocol: missing provider credentials")

// ConfigError reports a provider setting required before any call.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("protocol: provider %s is not configured", e.Field)
}

func (e *ConfigError) Unwrap() error { return ErrMissingCredentials }

// ToolSource provides tool definitions. *tools.Registry implements it.
type ToolSource interface {
	Load(ctx context.Context) error
	Definitions(included []string) provider.ToolDefMap
}

// Settings is the per-runtime call configuration.
type Settings struct {
	Provider      provider.Config
	Mode          Mode
	IncludedTools []string
	// SystemPrompt is prepended when the history has no system message.
	SystemPrompt string
	Extra        provider.Extra
}

// Decision describes how one call was made.
type Decision struct {
	Configured Mode
	Used       Mode
	// StructuredErr is the error that caused a degrade to fallback.
	StructuredErr error
}

// Observer is notified after every successful CallAPI.
type Observer func(Decision)

// Call is the outcome of CallAPI.
type Call struct {
	Result *provider.Result
	Mode   Mode
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithObserver sets the decision observer.
func WithObserver(o Observer) Option {
	return func(r *Runtime) { r.observer = o }
}

// Runtime performs provider calls for a conversation.
type Runtime struct {
	provider provider.Provider
	tools    ToolSource
	settings Settings
	logger   *slog.Logger
	observer Observer
}

// New creates a Runtime. tools may be nil, in which case structured calls
// carry no tools.
func New(p provider.Provider, tools ToolSource, s Settings, opts ...Option) *Runtime {
	if s.Mode == "" {
		s.Mode = ModeAuto
	}
	r := &Runtime{provider: p, tools: tools, settings: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Settings returns the runtime settings.
func (r *Runtime) Settings() Settings { return r.settings }

func (r *Runtime) checkConfig() error {
	cfg := r.settings.Provider
	switch {
	case cfg.APIKey == "":
		return &ConfigError{Field: "api_key"}
	case cfg.Model == "":
		return &ConfigError{Field: "model"}
	}
	return nil
}

func (r *Runtime) messages(history []*chat.Message) []provider.Message {
	msgs := provider.FromChat(history)
	if r.settings.SystemPrompt != "" && (len(msgs) == 0 || msgs[0].Role != chat.RoleSystem) {
		msgs = append([]provider.Message{{Role: chat.RoleSystem, Content: r.settings.SystemPrompt}}, msgs...)
	}
	return msgs
}

// CallAPI sends history to the model. Cancelling ctx aborts the call and
// its stream.
func (r *Runtime) CallAPI(ctx context.Context, history []*chat.Message) (*Call, error) {
	if err := r.checkConfig(); err != nil {
		return nil, err
	}
	msgs := r.messages(history)
	cfg := r.settings.Provider
	configured := r.settings.Mode

	structured := false
	switch configured {
	case ModeStructured:
		structured = true
	case ModeAuto:
		structured = r.provider.Capabilities(cfg).SupportsStructuredToolCalls
	}

	var structuredErr error
	if structured {
		res, err := r.structured(ctx, msgs)
		if err == nil {
			r.observe(Decision{Configured: configured, Used: ModeStructured})
			return &Call{Result: res, Mode: ModeStructured}, nil
		}
		if configured == ModeStructured || ctx.Err() != nil {
			return nil, fmt.Errorf("protocol: structured call: %w", err)
		}
		r.logger.Warn("protocol: structured call failed, falling back", "model", cfg.Model, "error", err)
		structuredErr = err
	}

	res, err := r.provider.ChatCompletion(ctx, msgs, cfg, r.settings.Extra)
	if err != nil {
		return nil, fmt.Errorf("protocol: chat completion: %w", err)
	}
	r.observe(Decision{Configured: configured, Used: ModeFallback, StructuredErr: structuredErr})
	return &Call{Result: res, Mode: ModeFallback}, nil
}

func (r *Runtime) structured(ctx context.Context, msgs []provider.Message) (*provider.Result, error) {
	var defs provider.ToolDefMap
	if r.tools != nil {
		if err := r.tools.Load(ctx); err != nil {
			return nil, err
		}
		defs = r.tools.Definitions(r.settings.IncludedTools)
	}
	return r.provider.StructuredChatCompletion(ctx, msgs, r.settings.Provider, defs, r.settings.Extra)
}

func (r *Runtime) observe(d Decision) {
	r.logger.Debug("protocol: call", "configured", d.Configured, "used", d.Used)
	if r.observer != nil {
		r.observer(d)
	}
}

// Summarize runs a single plain completion and returns its text. It
// implements contextopt.Summarizer.
func (r *Runtime) Summarize(ctx context.Context, system, prompt string) (string, error) {
	if err := r.checkConfig(); err != nil {
		return "", err
	}
	msgs := []provider.Message{{Role: chat.RoleUser, Content: prompt}}
	if system != "" {
		msgs = append([]provider.Message{{Role: chat.RoleSystem, Content: system}}, msgs...)
	}
	res, err := r.provider.ChatCompletion(ctx, msgs, r.settings.Provider, nil)
	if err != nil {
		return "", fmt.Errorf("protocol: summarize: %w", err)
	}
	text, err := res.Drain(ctx)
	if err != nil {
		return "", fmt.Errorf("protocol: summarize: %w", err)
	}
	return text, nil
}
