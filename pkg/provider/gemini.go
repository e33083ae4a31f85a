package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"

	"github.com/haivivi/docagent/pkg/agentevent"
	"github.com/haivivi/docagent/pkg/chat"
)

// GenerateStreamFunc is the streaming call of genai.Models.
type GenerateStreamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Gemini is the backend for the Google Gemini API.
type Gemini struct {
	// Stream overrides the client call. It is nil in production, where a
	// client is created per call from the config.
	Stream GenerateStreamFunc
	Logger *slog.Logger
}

var _ Provider = (*Gemini)(nil)

// NewGemini creates the Gemini backend.
func NewGemini() *Gemini {
	return &Gemini{Logger: slog.Default()}
}

func (p *Gemini) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Capabilities reports structured tool calls unless the config disables
// them. Gemini has no strict tool mode.
func (p *Gemini) Capabilities(cfg Config) Capabilities {
	return Capabilities{
		SupportsStructuredToolCalls: cfg.SupportToolCalls == nil || *cfg.SupportToolCalls,
	}
}

func (p *Gemini) ChatCompletion(ctx context.Context, msgs []Message, cfg Config, extra Extra) (*Result, error) {
	s, err := p.newStepper(ctx, msgs, cfg, nil, extra)
	if err != nil {
		return nil, err
	}
	return start(ctx, s, nil, 1, p.logger())
}

func (p *Gemini) StructuredChatCompletion(ctx context.Context, msgs []Message, cfg Config, tools ToolDefMap, extra Extra) (*Result, error) {
	if !p.Capabilities(cfg).SupportsStructuredToolCalls {
		return nil, fmt.Errorf("provider: model %s does not support tool calls", cfg.Model)
	}
	s, err := p.newStepper(ctx, msgs, cfg, tools, extra)
	if err != nil {
		return nil, err
	}
	return start(ctx, s, tools, cfg.maxSteps(), p.logger())
}

func (p *Gemini) newStepper(ctx context.Context, msgs []Message, cfg Config, tools ToolDefMap, extra Extra) (*geminiStepper, error) {
	gcfg, contents, err := geminiRequest(msgs, cfg, tools)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		p.logger().Debug("provider: gemini ignores extra params", "keys", slices.Sorted(maps.Keys(extra)))
	}

	stream := p.Stream
	if stream == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      cfg.APIKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
		})
		if err != nil {
			return nil, fmt.Errorf("provider: gemini client: %w", err)
		}
		stream = client.Models.GenerateContentStream
	}
	return &geminiStepper{
		stream:   stream,
		model:    strings.TrimPrefix(cfg.Model, "models/"),
		contents: contents,
		cfg:      gcfg,
	}, nil
}

func geminiRequest(msgs []Message, cfg Config, tools ToolDefMap) (*genai.GenerateContentConfig, []*genai.Content, error) {
	gcfg := &genai.GenerateContentConfig{}
	if cfg.Temperature > 0 {
		gcfg.Temperature = genai.Ptr(cfg.Temperature)
	}
	if cfg.TopP > 0 {
		gcfg.TopP = genai.Ptr(cfg.TopP)
	}
	if cfg.MaxTokens > 0 {
		gcfg.MaxOutputTokens = int32(cfg.MaxTokens)
	}
	if cfg.IncludeThoughts {
		gcfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, name := range slices.Sorted(maps.Keys(tools)) {
			def := tools[name]
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  geminiSchema(def.Parameters),
			})
		}
		gcfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var (
		system   []*genai.Part
		contents []*genai.Content
	)
	push := func(role string, parts ...*genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			system = append(system, genai.NewPartFromText(m.Content))
		case chat.RoleUser:
			push("user", genai.NewPartFromText(m.Content))
		case chat.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, c := range m.ToolCalls {
				parts = append(parts, geminiCallPart(c))
			}
			if len(parts) > 0 {
				push("model", parts...)
			}
		case chat.RoleTool:
			push("user", geminiResponsePart(m.ToolCallID, m.ToolName, m.Content))
		}
	}
	if len(system) > 0 {
		gcfg.SystemInstruction = &genai.Content{Parts: system}
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("provider: no contents")
	}
	return gcfg, contents, nil
}

func geminiCallPart(c ToolCall) *genai.Part {
	var args map[string]any
	if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil {
		args = map[string]any{"text": c.Arguments}
	}
	part := genai.NewPartFromFunctionCall(c.Name, args)
	part.FunctionCall.ID = c.ID
	return part
}

func geminiResponsePart(id, name, content string) *genai.Part {
	var resp map[string]any
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		resp = map[string]any{"output": content}
	}
	part := genai.NewPartFromFunctionResponse(name, resp)
	part.FunctionResponse.ID = id
	return part
}

type geminiStepper struct {
	stream   GenerateStreamFunc
	model    string
	contents []*genai.Content
	cfg      *genai.GenerateContentConfig

	// modelParts holds the parts of the last round, replayed verbatim so
	// thought signatures survive.
	modelParts []*genai.Part
}

func (s *geminiStepper) step(ctx context.Context, _ int, b *Builder) (*stepOutput, error) {
	var (
		out  stepOutput
		text strings.Builder
	)
	s.modelParts = nil
	for resp, err := range s.stream(ctx, s.model, s.contents, s.cfg) {
		if err != nil {
			var apiErr *apierror.APIError
			if errors.As(err, &apiErr) {
				err = apiErr.Unwrap()
			}
			return nil, err
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				s.modelParts = append(s.modelParts, part)
				switch {
				case part.FunctionCall != nil:
					args, _ := json.Marshal(part.FunctionCall.Args)
					out.Calls = append(out.Calls, ToolCall{
						ID:        part.FunctionCall.ID,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					})
				case part.Thought && part.Text != "":
					if err := b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartReasoningDelta, "text": part.Text}); err != nil {
						return nil, err
					}
				case part.Text != "":
					text.WriteString(part.Text)
					if err := b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartTextDelta, "text": part.Text}); err != nil {
						return nil, err
					}
				}
			}
		}
		if cand.FinishReason != "" && cand.FinishReason != genai.FinishReasonUnspecified {
			out.FinishReason = geminiFinishReason(cand.FinishReason)
		}
	}
	out.Text = text.String()
	if len(out.Calls) > 0 {
		out.FinishReason = FinishToolCalls
	}
	if out.FinishReason == "" {
		out.FinishReason = FinishOther
	}
	return &out, nil
}

func (s *geminiStepper) appendExchange(out *stepOutput, outcomes []toolOutcome) {
	model := s.modelParts
	for _, c := range out.Calls {
		// Calls without a provider id were given one by the loop; mirror it
		// onto the replayed part so the response pairs with it.
		for _, part := range model {
			if part.FunctionCall != nil && part.FunctionCall.Name == c.Name && part.FunctionCall.ID == "" {
				part.FunctionCall.ID = c.ID
				break
			}
		}
	}
	s.contents = append(s.contents, &genai.Content{Role: "model", Parts: model})

	parts := make([]*genai.Part, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, geminiResponsePart(o.Call.ID, o.Call.Name, toolContent(o.Output)))
	}
	if len(parts) > 0 {
		s.contents = append(s.contents, &genai.Content{Role: "user", Parts: parts})
	}
}

func geminiFinishReason(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist, genai.FinishReasonSPII:
		return FinishContentFilter
	default:
		return FinishOther
	}
}
