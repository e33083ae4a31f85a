package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/haivivi/docagent/pkg/agentevent"
	"github.com/haivivi/docagent/pkg/chat"
)

// OpenAI is the backend for OpenAI and OpenAI-compatible chat completion
// APIs.
type OpenAI struct {
	// Options are appended to the client options of every call.
	Options []option.RequestOption
	Logger  *slog.Logger
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI creates the OpenAI backend.
func NewOpenAI(opts ...option.RequestOption) *OpenAI {
	return &OpenAI{Options: opts, Logger: slog.Default()}
}

func (p *OpenAI) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Capabilities reports structured tool calls unless the config disables
// them.
func (p *OpenAI) Capabilities(cfg Config) Capabilities {
	tools := cfg.SupportToolCalls == nil || *cfg.SupportToolCalls
	return Capabilities{
		SupportsStructuredToolCalls: tools,
		SupportsStrictTools:         tools && cfg.SupportStrictTools,
	}
}

func (p *OpenAI) ChatCompletion(ctx context.Context, msgs []Message, cfg Config, extra Extra) (*Result, error) {
	s, err := p.newStepper(msgs, cfg, nil, extra)
	if err != nil {
		return nil, err
	}
	return start(ctx, s, nil, 1, p.logger())
}

func (p *OpenAI) StructuredChatCompletion(ctx context.Context, msgs []Message, cfg Config, tools ToolDefMap, extra Extra) (*Result, error) {
	if !p.Capabilities(cfg).SupportsStructuredToolCalls {
		return nil, fmt.Errorf("provider: model %s does not support tool calls", cfg.Model)
	}
	s, err := p.newStepper(msgs, cfg, tools, extra)
	if err != nil {
		return nil, err
	}
	return start(ctx, s, tools, cfg.maxSteps(), p.logger())
}

func (p *OpenAI) newStepper(msgs []Message, cfg Config, tools ToolDefMap, extra Extra) (*oaiStepper, error) {
	if len(msgs) == 0 {
		return nil, errors.New("provider: no messages")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, p.Options...)
	client := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model:    cfg.Model,
		Messages: oaiMessages(msgs, cfg.UseDeveloperRole),
	}
	if cfg.Temperature > 0 {
		params.Temperature = param.NewOpt(float64(cfg.Temperature))
	}
	if cfg.TopP > 0 {
		params.TopP = param.NewOpt(float64(cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(cfg.MaxTokens))
	}

	strictTools := p.Capabilities(cfg).SupportsStrictTools
	for _, name := range slices.Sorted(maps.Keys(tools)) {
		def := tools[name]
		schema := def.Parameters
		if strictTools {
			schema = StrictSchema(schema)
		}
		fp, err := schemaMap(schema)
		if err != nil {
			return nil, fmt.Errorf("provider: tool %s: %w", name, err)
		}
		fn := openai.FunctionDefinitionParam{
			Name:        def.Name,
			Description: param.NewOpt(def.Description),
			Parameters:  openai.FunctionParameters(fp),
		}
		if strictTools {
			fn.Strict = param.NewOpt(true)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{Function: fn})
	}
	if len(extra) > 0 {
		params.SetExtraFields(extra)
	}
	return &oaiStepper{client: &client, params: params}, nil
}

func oaiMessages(msgs []Message, developer bool) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			if developer {
				out = append(out, openai.ChatCompletionMessageParamUnion{
					OfDeveloper: &openai.ChatCompletionDeveloperMessageParam{
						Content: openai.ChatCompletionDeveloperMessageParamContentUnion{
							OfString: param.NewOpt(m.Content),
						},
					},
				})
				continue
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: param.NewOpt(m.Content),
					},
				},
			})
		case chat.RoleUser:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: param.NewOpt(m.Content),
					},
				},
			})
		case chat.RoleAssistant:
			out = append(out, oaiAssistant(m.Content, m.ToolCalls))
		case chat.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func oaiAssistant(text string, calls []ToolCall) openai.ChatCompletionMessageParamUnion {
	mp := &openai.ChatCompletionAssistantMessageParam{}
	if text != "" {
		mp.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(text),
		}
	}
	for _, c := range calls {
		mp.ToolCalls = append(mp.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: c.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      c.Name,
				Arguments: c.Arguments,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: mp}
}

type oaiStepper struct {
	client *openai.Client
	params openai.ChatCompletionNewParams
}

// oaiRunningCall accumulates the deltas of one streamed tool call.
type oaiRunningCall struct {
	id, name string
	args     strings.Builder
}

func (s *oaiStepper) step(ctx context.Context, _ int, b *Builder) (*stepOutput, error) {
	stream := s.client.Chat.Completions.NewStreaming(ctx, s.params)
	defer stream.Close()

	var (
		out     stepOutput
		text    strings.Builder
		running = map[int64]*oaiRunningCall{}
		order   []int64
	)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if r := oaiReasoning(choice.Delta.RawJSON()); r != "" {
			if err := b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartReasoningDelta, "text": r}); err != nil {
				return nil, err
			}
		}
		if c := choice.Delta.Content; c != "" {
			text.WriteString(c)
			if err := b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartTextDelta, "text": c}); err != nil {
				return nil, err
			}
		}
		for _, t := range choice.Delta.ToolCalls {
			rc, ok := running[t.Index]
			if !ok {
				rc = &oaiRunningCall{}
				running[t.Index] = rc
				order = append(order, t.Index)
			}
			if t.ID != "" {
				rc.id = t.ID
			}
			rc.name += t.Function.Name
			rc.args.WriteString(t.Function.Arguments)
		}
		if choice.FinishReason != "" {
			out.FinishReason = oaiFinishReason(choice.FinishReason)
		}
		if r := choice.Delta.Refusal; r != "" {
			out.FinishReason = FinishContentFilter
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	out.Text = text.String()
	for _, idx := range order {
		rc := running[idx]
		if rc.name == "" {
			continue
		}
		out.Calls = append(out.Calls, ToolCall{ID: rc.id, Name: rc.name, Arguments: rc.args.String()})
	}
	if out.FinishReason == "" {
		out.FinishReason = FinishOther
	}
	return &out, nil
}

func (s *oaiStepper) appendExchange(out *stepOutput, outcomes []toolOutcome) {
	s.params.Messages = append(s.params.Messages, oaiAssistant(out.Text, out.Calls))
	for _, o := range outcomes {
		s.params.Messages = append(s.params.Messages, openai.ToolMessage(toolContent(o.Output), o.Call.ID))
	}
}

// oaiReasoning extracts the reasoning_content field some compatible APIs
// add to stream deltas.
func oaiReasoning(raw string) string {
	if !strings.Contains(raw, "reasoning") {
		return ""
	}
	var d struct {
		ReasoningContent string `json:"reasoning_content"`
		Reasoning        string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return ""
	}
	if d.ReasoningContent != "" {
		return d.ReasoningContent
	}
	return d.Reasoning
}

func oaiFinishReason(r string) string {
	switch r {
	case "stop":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	default:
		return FinishOther
	}
}

// toolContent renders a tool output for the next request.
func toolContent(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
