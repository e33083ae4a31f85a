// Package contextopt keeps a conversation under a token ceiling by
// replacing its body with one model-written summary.
package contextopt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haivivi/docagent/pkg/chat"
)

// SummaryPrefix marks the content of a summary message.
const SummaryPrefix = "[系统摘要] "

// ThresholdRatio is the share of the token ceiling a history may use.
const ThresholdRatio = 0.9

// Status classifies the outcome of ProcessContext.
type Status string

const (
	// StatusSuccess means History is ready to use.
	StatusSuccess Status = "SUCCESS"
	// StatusActionRequired means the user must shrink the next request.
	StatusActionRequired Status = "ACTION_REQUIRED"
	// StatusFatalError means the conversation cannot continue.
	StatusFatalError Status = "FATAL_ERROR"
)

// Result is the outcome of ProcessContext. History is only set on success;
// on any other status the caller must leave the session untouched.
type Result struct {
	Status      Status
	History     []*chat.Message
	Tokens      int
	UserMessage string
	// Compressed reports whether History differs from the input.
	Compressed bool
}

// Summarizer performs the single non-streaming completion that writes a
// summary.
type Summarizer interface {
	Summarize(ctx context.Context, system, prompt string) (string, error)
}

// Optimizer compresses histories that exceed their budget.
type Optimizer struct {
	summarizer Summarizer
	counter    TokenCounter
	templates  *TemplateCache
	logger     *slog.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithTokenCounter overrides the default EstimateCounter.
func WithTokenCounter(tc TokenCounter) Option {
	return func(o *Optimizer) { o.counter = tc }
}

// WithTemplates sets the template cache. The default serves the built-in
// template.
func WithTemplates(c *TemplateCache) Option {
	return func(o *Optimizer) { o.templates = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// New creates an Optimizer.
func New(s Summarizer, opts ...Option) *Optimizer {
	o := &Optimizer{
		summarizer: s,
		counter:    EstimateCounter{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.templates == nil {
		o.templates = NewTemplateCache(nil, "")
	}
	return o
}

// Templates returns the template cache.
func (o *Optimizer) Templates() *TemplateCache {
	return o.templates
}

// Tokens counts a history with the optimizer's counter.
func (o *Optimizer) Tokens(history []*chat.Message) int {
	return HistoryTokens(o.counter, history)
}

// ProcessContext returns history unchanged when it fits in 90% of
// maxTokens. Otherwise it keeps the leading system message and a trailing
// user message verbatim and summarizes everything in between.
func (o *Optimizer) ProcessContext(ctx context.Context, history []*chat.Message, maxTokens int) Result {
	if maxTokens <= 0 {
		return Result{
			Status:      StatusFatalError,
			UserMessage: fmt.Sprintf("The context budget of %d tokens is invalid.", maxTokens),
		}
	}
	threshold := int(float64(maxTokens) * ThresholdRatio)
	total := o.Tokens(history)
	if total <= threshold {
		return Result{Status: StatusSuccess, History: history, Tokens: total}
	}

	system, body, trailing := partition(history)
	o.logger.Info("contextopt: compressing history",
		"tokens", total, "threshold", threshold, "messages", len(history), "body", len(body))

	var summary *chat.Message
	if len(body) > 0 {
		text, err := o.summarize(ctx, body)
		if err != nil {
			o.logger.Error("contextopt: summarize failed", "error", err)
			return Result{
				Status:      StatusFatalError,
				Tokens:      total,
				UserMessage: fmt.Sprintf("The conversation is too long and could not be summarized: %v", err),
			}
		}
		summary = newSummary(text)
		if n := MessageTokens(o.counter, summary); n > threshold {
			return Result{
				Status:      StatusFatalError,
				Tokens:      n,
				UserMessage: "The conversation is too long to continue, even after summarizing it. Please start a new conversation.",
			}
		}
	}

	out := make([]*chat.Message, 0, 3)
	for _, m := range []*chat.Message{system, summary, trailing} {
		if m != nil {
			out = append(out, m)
		}
	}
	tokens := o.Tokens(out)
	if tokens > threshold {
		return Result{
			Status:      StatusActionRequired,
			Tokens:      tokens,
			UserMessage: "Your message is too long for the remaining context. Please shorten it or split it into smaller parts.",
		}
	}
	o.logger.Info("contextopt: history compressed", "before", total, "after", tokens)
	return Result{Status: StatusSuccess, History: out, Tokens: tokens, Compressed: true}
}

// partition splits history into a leading system message, the chat body and
// a trailing user message. The first and last are nil when absent.
func partition(history []*chat.Message) (system *chat.Message, body []*chat.Message, trailing *chat.Message) {
	body = history
	if len(body) > 0 && body[0].Role == chat.RoleSystem && !isSummary(body[0]) {
		system, body = body[0], body[1:]
	}
	if n := len(body); n > 0 && body[n-1].Role == chat.RoleUser {
		trailing, body = body[n-1], body[:n-1]
	}
	return system, body, trailing
}

func (o *Optimizer) summarize(ctx context.Context, body []*chat.Message) (string, error) {
	tpl := o.templates.Get(ctx)
	dialogue, data := buildBlocks(body)
	text, err := o.summarizer.Summarize(ctx, tpl.RoleDefinition, tpl.Render(dialogue, data))
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("contextopt: empty summary")
	}
	return text, nil
}

// buildBlocks renders the dialogue block from user, assistant and earlier
// summary messages, and the data block from tool messages tagged with the
// tool that produced them.
func buildBlocks(body []*chat.Message) (dialogue, data string) {
	var d, t strings.Builder
	for _, m := range body {
		if m.Type == chat.TypeError || m.Type == chat.TypeToolStatus {
			continue
		}
		switch m.Role {
		case chat.RoleTool:
			name := m.ToolName
			if name == "" {
				name = "tool"
			}
			fmt.Fprintf(&t, "[%s] %s\n", name, m.Content.String())
		case chat.RoleSystem:
			fmt.Fprintf(&d, "system: %s\n", strings.TrimPrefix(m.Content.String(), SummaryPrefix))
		case chat.RoleUser, chat.RoleAssistant:
			if s := m.Content.String(); s != "" {
				fmt.Fprintf(&d, "%s: %s\n", m.Role, s)
			}
			for _, call := range m.ToolCalls {
				args, _ := json.Marshal(call.Input)
				fmt.Fprintf(&d, "%s: [called %s %s]\n", m.Role, call.Name, args)
			}
		}
	}
	return strings.TrimRight(d.String(), "\n"), strings.TrimRight(t.String(), "\n")
}

func newSummary(text string) *chat.Message {
	return &chat.Message{
		Role:            chat.RoleSystem,
		Type:            chat.TypeSystem,
		Status:          chat.StatusDone,
		StreamCompleted: true,
		Content:         chat.Text(SummaryPrefix + text),
	}
}

func isSummary(m *chat.Message) bool {
	return strings.HasPrefix(m.Content.String(), SummaryPrefix)
}
