package agentevent

import (
	"errors"
	"fmt"

	"github.com/haivivi/docagent/pkg/toolevent"
)

// StreamPart is a raw provider stream part keyed by its "type" field.
type StreamPart map[string]any

// Type returns the part's type field.
func (p StreamPart) Type() string {
	s, _ := p["type"].(string)
	return s
}

// Raw stream part types understood by FromStreamPart. Both the current and
// the older step/delta spellings are accepted.
const (
	PartReasoning      = "reasoning"
	PartReasoningDelta = "reasoning-delta"
	PartText           = "text"
	PartTextDelta      = "text-delta"
	PartToolCall       = "tool-call"
	PartToolResult     = "tool-result"
	PartStartStep      = "start-step"
	PartStepStart      = "step-start"
	PartFinishStep     = "finish-step"
	PartStepFinish     = "step-finish"
	PartError          = "error"
)

// FromStreamPart maps a raw stream part to an Event. It returns nil for
// unknown or malformed parts.
func FromStreamPart(part StreamPart) Event {
	if part == nil {
		return nil
	}
	switch part.Type() {
	case PartReasoning, PartReasoningDelta:
		text, ok := deltaText(part)
		if !ok {
			return nil
		}
		return ReasoningDelta{Text: text, From: SourceStream}
	case PartText, PartTextDelta:
		text, ok := deltaText(part)
		if !ok {
			return nil
		}
		return TextDelta{Text: text, From: SourceStream}
	case PartToolCall:
		call := toolevent.NormalizeToolCall(map[string]any(part), "")
		if call.ToolName == "" || call.ToolCallID == "" {
			return nil
		}
		return ToolCalled{Call: call, From: SourceStream}
	case PartToolResult:
		res := toolevent.NormalizeToolResult(map[string]any(part), "")
		if res.ToolCallID == "" {
			return nil
		}
		return ToolResulted{Result: res, From: SourceStream}
	case PartStartStep, PartStepStart:
		return StepStart{Index: intField(part, "index"), From: SourceStream}
	case PartFinishStep, PartStepFinish:
		reason, _ := part["finishReason"].(string)
		return StepFinish{Index: intField(part, "index"), FinishReason: reason, From: SourceStream}
	case PartError:
		return Error{Err: asError(part["error"]), From: SourceStream}
	default:
		return nil
	}
}

func deltaText(part StreamPart) (string, bool) {
	if s, ok := part["text"].(string); ok {
		return s, true
	}
	if s, ok := part["delta"].(string); ok {
		return s, true
	}
	return "", false
}

func intField(part StreamPart, key string) int {
	switch v := part[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func asError(v any) error {
	switch v := v.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	case nil:
		return errors.New("agentevent: provider reported an error")
	default:
		return fmt.Errorf("agentevent: %v", v)
	}
}

// Step is the tool activity of one model step, as reported after the fact.
// ToolCalls and ToolResults hold raw provider payloads.
type Step struct {
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	ToolCalls    []any  `json:"toolCalls,omitempty"`
	ToolResults  []any  `json:"toolResults,omitempty"`
}

// Aggregate is the final, non-streaming view of a result.
type Aggregate struct {
	Text        string `json:"text,omitempty"`
	ToolCalls   []any  `json:"toolCalls,omitempty"`
	ToolResults []any  `json:"toolResults,omitempty"`
}

// BuildBackfillEvents reconstructs the tool-called and tool-resulted events
// a live stream would have produced for steps. When steps is empty and agg
// carries tool activity, one pseudo-step is built from agg.
//
// Every emitted call is immediately followed by its result, matched by
// tool call id; a call without a result gets one with an empty output.
// Calls with an empty name or to the sentinel tool are skipped together with
// their results.
func BuildBackfillEvents(agg Aggregate, steps []Step) []Event {
	if len(steps) == 0 && (len(agg.ToolCalls) > 0 || len(agg.ToolResults) > 0) {
		steps = []Step{{ToolCalls: agg.ToolCalls, ToolResults: agg.ToolResults}}
	}

	var events []Event
	for i, step := range steps {
		events = append(events, backfillStep(i, step)...)
	}
	return events
}

type pendingResult struct {
	result      toolevent.Result
	synthesized bool
	used        bool
}

func backfillStep(i int, step Step) []Event {
	results := make([]*pendingResult, len(step.ToolResults))
	byID := make(map[string]*pendingResult, len(step.ToolResults))
	for k, raw := range step.ToolResults {
		fallback := toolevent.ResultID(i, k)
		r := toolevent.NormalizeToolResult(raw, fallback)
		pr := &pendingResult{result: r, synthesized: r.ToolCallID == fallback}
		results[k] = pr
		if !pr.synthesized {
			if _, dup := byID[r.ToolCallID]; !dup {
				byID[r.ToolCallID] = pr
			}
		}
	}

	var (
		events  []Event
		skipped = make(map[string]struct{})
	)
	for j, raw := range step.ToolCalls {
		fallback := toolevent.CallID(i, j)
		call := toolevent.NormalizeToolCall(raw, fallback)

		pr := byID[call.ToolCallID]
		if pr == nil && call.ToolCallID == fallback && j < len(results) && results[j].synthesized {
			// Neither side carried an id: pair by position.
			pr = results[j]
		}
		if pr != nil && pr.used {
			pr = nil
		}

		if call.ToolName == "" || toolevent.IsSentinel(call.ToolName) {
			skipped[call.ToolCallID] = struct{}{}
			if pr != nil {
				pr.used = true
			}
			continue
		}

		events = append(events, ToolCalled{Call: call, From: SourceBackfill})

		res := toolevent.Result{ToolName: call.ToolName, ToolCallID: call.ToolCallID}
		if pr != nil {
			pr.used = true
			res.Output = pr.result.Output
			if pr.result.ToolName != "" {
				res.ToolName = pr.result.ToolName
			}
		}
		events = append(events, ToolResulted{Result: res, From: SourceBackfill})
	}

	for _, pr := range results {
		if pr.used {
			continue
		}
		if _, ok := skipped[pr.result.ToolCallID]; ok {
			continue
		}
		if toolevent.IsSentinel(pr.result.ToolName) {
			continue
		}
		events = append(events, ToolResulted{Result: pr.result, From: SourceBackfill})
	}
	return events
}
