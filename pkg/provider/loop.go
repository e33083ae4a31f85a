package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haivivi/docagent/pkg/agentevent"
	"github.com/haivivi/docagent/pkg/toolevent"
)

// Normalized finish reasons.
const (
	FinishStop          = "stop"
	FinishToolCalls     = "tool-calls"
	FinishLength        = "length"
	FinishContentFilter = "content-filter"
	FinishOther         = "other"
)

// stepOutput is what one model round produced.
type stepOutput struct {
	Text         string
	FinishReason string
	Calls        []ToolCall
}

// toolOutcome pairs an executed call with its output.
type toolOutcome struct {
	Call   ToolCall
	Output any
}

// stepper is one backend's view of a multi-step exchange. step runs one
// model round and streams its text and reasoning into b; appendExchange
// feeds the round's calls and their outputs back into the next request.
type stepper interface {
	step(ctx context.Context, index int, b *Builder) (*stepOutput, error)
	appendExchange(out *stepOutput, outcomes []toolOutcome)
}

// start runs the loop on its own goroutine and returns the consumer side
// once the first round has a response. A request the vendor rejects
// before streaming anything is returned as an error.
func start(ctx context.Context, s stepper, tools ToolDefMap, maxSteps int, logger *slog.Logger) (*Result, error) {
	b := NewBuilder(32)
	go func() {
		if err := runLoop(ctx, b, s, tools, maxSteps, logger); err != nil {
			b.Abort(err)
		}
	}()
	if err := b.Established(ctx); err != nil {
		b.Result().Close()
		return nil, err
	}
	return b.Result(), nil
}

func runLoop(ctx context.Context, b *Builder, s stepper, tools ToolDefMap, maxSteps int, logger *slog.Logger) error {
	for i := 0; ; i++ {
		if err := b.Add(ctx, agentevent.StreamPart{"type": agentevent.PartStartStep, "index": i}); err != nil {
			return err
		}
		out, err := s.step(ctx, i, b)
		if err != nil {
			return err
		}

		step := agentevent.Step{Text: out.Text, FinishReason: out.FinishReason}
		var (
			outcomes []toolOutcome
			waiting  bool
		)
		for j := range out.Calls {
			call := &out.Calls[j]
			if call.ID == "" {
				call.ID = toolevent.CallID(i, j)
			}
			input := toolevent.ToToolInput(call.Arguments)
			callPart := agentevent.StreamPart{
				"type":       agentevent.PartToolCall,
				"toolCallId": call.ID,
				"toolName":   call.Name,
				"input":      input,
			}
			if err := b.Add(ctx, callPart); err != nil {
				return err
			}
			step.ToolCalls = append(step.ToolCalls, map[string]any(callPart))

			def := tools[call.Name]
			if def != nil && def.Execute == nil {
				waiting = true
				continue
			}
			output := execute(ctx, def, call.Name, input, logger)
			resultPart := agentevent.StreamPart{
				"type":       agentevent.PartToolResult,
				"toolCallId": call.ID,
				"toolName":   call.Name,
				"output":     output,
			}
			if err := b.Add(ctx, resultPart); err != nil {
				return err
			}
			step.ToolResults = append(step.ToolResults, map[string]any(resultPart))
			outcomes = append(outcomes, toolOutcome{Call: *call, Output: output})
		}

		b.AddStep(step)
		if err := b.Add(ctx, agentevent.StreamPart{
			"type":         agentevent.PartFinishStep,
			"index":        i,
			"finishReason": out.FinishReason,
		}); err != nil {
			return err
		}

		switch {
		case len(out.Calls) == 0, waiting:
			b.Finish(out.FinishReason)
			return nil
		case i+1 >= maxSteps:
			logger.Warn("provider: step limit reached", "steps", maxSteps)
			b.Finish(out.FinishReason)
			return nil
		}
		s.appendExchange(out, outcomes)
	}
}

func execute(ctx context.Context, def *ToolDef, name string, input map[string]any, logger *slog.Logger) (output any) {
	if def == nil {
		logger.Warn("provider: model called unknown tool", "name", name)
		return map[string]any{"error": fmt.Sprintf("unknown tool %q", name)}
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("provider: tool panicked", "name", name, "panic", r)
			output = map[string]any{"error": fmt.Sprintf("tool %s panicked", name)}
		}
	}()
	v, err := def.Execute(ctx, input)
	if err != nil {
		logger.Warn("provider: tool failed", "name", name, "error", err)
		return map[string]any{"error": err.Error()}
	}
	return v
}
