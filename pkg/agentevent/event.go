// Package agentevent defines the closed set of events an agent turn
// produces and the adapters that build them from raw provider stream parts
// or from post-hoc step data.
package agentevent

import (
	"github.com/haivivi/docagent/pkg/toolevent"
)

// Type is the discriminator of an Event.
type Type string

const (
	TypeReasoningDelta Type = "reasoning-delta"
	TypeTextDelta      Type = "text-delta"
	TypeToolCalled     Type = "tool-called"
	TypeToolResulted   Type = "tool-resulted"
	TypeStepStart      Type = "step-start"
	TypeStepFinish     Type = "step-finish"
	TypeError          Type = "error"
)

func (t Type) String() string {
	return string(t)
}

// Source tells a consumer whether an event was observed live or
// reconstructed after the fact.
type Source string

const (
	SourceStream   Source = "stream"
	SourceBackfill Source = "step-backfill"
)

// Event is one of ReasoningDelta, TextDelta, ToolCalled, ToolResulted,
// StepStart, StepFinish or Error.
type Event interface {
	Type() Type
	Source() Source

	isEvent()
}

type ReasoningDelta struct {
	Text string
	From Source
}

type TextDelta struct {
	Text string
	From Source
}

type ToolCalled struct {
	Call toolevent.Call
	From Source
}

type ToolResulted struct {
	Result toolevent.Result
	From   Source
}

type StepStart struct {
	Index int
	From  Source
}

type StepFinish struct {
	Index        int
	FinishReason string
	From         Source
}

// Error carries a provider-reported error. Err is never nil.
type Error struct {
	Err  error
	From Source
}

func (ReasoningDelta) Type() Type { return TypeReasoningDelta }
func (TextDelta) Type() Type      { return TypeTextDelta }
func (ToolCalled) Type() Type     { return TypeToolCalled }
func (ToolResulted) Type() Type   { return TypeToolResulted }
func (StepStart) Type() Type      { return TypeStepStart }
func (StepFinish) Type() Type     { return TypeStepFinish }
func (Error) Type() Type          { return TypeError }

func (e ReasoningDelta) Source() Source { return e.From }
func (e TextDelta) Source() Source      { return e.From }
func (e ToolCalled) Source() Source     { return e.From }
func (e ToolResulted) Source() Source   { return e.From }
func (e StepStart) Source() Source      { return e.From }
func (e StepFinish) Source() Source     { return e.From }
func (e Error) Source() Source          { return e.From }

func (ReasoningDelta) isEvent() {}
func (TextDelta) isEvent()      {}
func (ToolCalled) isEvent()     {}
func (ToolResulted) isEvent()   {}
func (StepStart) isEvent()      {}
func (StepFinish) isEvent()     {}
func (Error) isEvent()          {}
