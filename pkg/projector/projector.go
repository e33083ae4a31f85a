// Package projector turns the events of one agent turn into mutations of a
// conversation. Text deltas grow a single streaming assistant message, tool
// calls close it and leave a call record plus a status placeholder, and tool
// results replace their placeholder in place.
//
// At most one message is streaming at any time. A Projector holds per-turn
// state and must not be shared between turns or goroutines.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haivivi/docagent/pkg/agentevent"
	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/toolevent"
)

// InterruptedMarker is appended to a message cut short by a stop.
const InterruptedMarker = "[interrupted]"

// ToolStatusCaption returns the placeholder text shown while name runs.
func ToolStatusCaption(name string) string {
	return fmt.Sprintf("Running %s…", name)
}

type placeholder struct {
	messageID string
	call      toolevent.Call
}

// state is everything the projector remembers during a turn.
type state struct {
	// messageID is the open streaming message, or "".
	messageID string
	// openReasoning is the reasoning the open message was created with.
	openReasoning         string
	openReasoningDuration time.Duration
	// reasoningTarget is the last closed text message while it has no
	// reasoning and nothing was written after it.
	reasoningTarget string
	opened          bool

	reasoning         strings.Builder
	reasoningStart    time.Time
	reasoningDuration time.Duration

	currentToolCallID string                 // call id of the newest placeholder
	placeholders      map[string]placeholder // by tool call id
	placeholderOrder  []string

	streamedCalls   map[string]struct{}
	streamedResults map[string]struct{}
}

// Option configures a Projector.
type Option func(*Projector)

// WithClock sets the time source used for reasoning durations.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Projector) { p.logger = l }
}

// Projector applies one turn's events to a chat.Store.
type Projector struct {
	store  chat.Store
	now    func() time.Time
	logger *slog.Logger
	st     state
}

// New creates a Projector for one turn.
func New(store chat.Store, opts ...Option) *Projector {
	p := &Projector{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
		st: state{
			placeholders:    make(map[string]placeholder),
			streamedCalls:   make(map[string]struct{}),
			streamedResults: make(map[string]struct{}),
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OpenMessageID returns the id of the streaming message, or "".
func (p *Projector) OpenMessageID() string { return p.st.messageID }

// ConsumePart applies ev. Nil events are skipped.
func (p *Projector) ConsumePart(ctx context.Context, ev agentevent.Event) error {
	switch ev := ev.(type) {
	case nil:
		return nil
	case agentevent.ReasoningDelta:
		p.onReasoning(ev.Text)
		return nil
	case agentevent.TextDelta:
		return p.onText(ctx, ev.Text)
	case agentevent.ToolCalled:
		return p.onToolCall(ctx, ev.Call)
	case agentevent.ToolResulted:
		return p.onToolResult(ctx, ev.Result)
	case agentevent.StepStart, agentevent.StepFinish:
		return nil
	case agentevent.Error:
		return p.onError(ctx, ev.Err)
	default:
		p.logger.Debug("projector: skip unknown event", "type", ev.Type())
		return nil
	}
}

func (p *Projector) onReasoning(text string) {
	if text == "" {
		return
	}
	if p.st.reasoningStart.IsZero() {
		p.st.reasoningStart = p.now()
	}
	p.st.reasoning.WriteString(text)
}

// stopReasoningTimer fixes the duration at the first non-reasoning event.
func (p *Projector) stopReasoningTimer() {
	if !p.st.reasoningStart.IsZero() && p.st.reasoningDuration == 0 {
		p.st.reasoningDuration = p.now().Sub(p.st.reasoningStart)
	}
}

// takeReasoning returns the buffered reasoning and resets the buffer so
// the next message collects its own.
func (p *Projector) takeReasoning() (string, time.Duration, bool) {
	if p.st.reasoning.Len() == 0 {
		return "", 0, false
	}
	p.stopReasoningTimer()
	text, d := p.st.reasoning.String(), p.st.reasoningDuration
	p.st.reasoning.Reset()
	p.st.reasoningStart = time.Time{}
	p.st.reasoningDuration = 0
	return text, d, true
}

func (p *Projector) onText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	p.stopReasoningTimer()
	if p.st.messageID != "" {
		return p.store.AppendMessageContent(ctx, p.st.messageID, text)
	}

	msg := &chat.Message{
		Role:    chat.RoleAssistant,
		Type:    chat.TypeText,
		Status:  chat.StatusStreaming,
		Content: chat.Text(text),
	}
	if r, d, ok := p.takeReasoning(); ok {
		msg.Reasoning, msg.ReasoningDuration = r, d
	}
	added, err := p.store.AddMessage(ctx, msg)
	if err != nil {
		return err
	}
	p.st.messageID = added.ID
	p.st.openReasoning, p.st.openReasoningDuration = msg.Reasoning, msg.ReasoningDuration
	p.st.reasoningTarget = ""
	p.st.opened = true
	return nil
}

// closeOpen ends the streaming message with status, adding any reasoning
// collected while it was open to what it already carries.
func (p *Projector) closeOpen(ctx context.Context, status chat.Status) error {
	id := p.st.messageID
	if id == "" {
		return nil
	}
	u := chat.MessageUpdate{Status: chat.Ptr(status), StreamCompleted: chat.Ptr(true)}
	r, d, ok := p.takeReasoning()
	if ok {
		r, d = p.st.openReasoning+r, p.st.openReasoningDuration+d
		u.Reasoning, u.ReasoningDuration = &r, &d
	}
	p.st.reasoningTarget = ""
	if !ok && p.st.openReasoning == "" {
		p.st.reasoningTarget = id
	}
	p.st.messageID = ""
	p.st.openReasoning, p.st.openReasoningDuration = "", 0
	return p.store.UpdateMessage(ctx, id, u)
}

func (p *Projector) onToolCall(ctx context.Context, call toolevent.Call) error {
	if call.ToolName == "" {
		return nil
	}
	if err := p.closeOpen(ctx, chat.StatusDone); err != nil {
		return err
	}
	p.st.reasoningTarget = ""
	p.st.streamedCalls[call.ToolCallID] = struct{}{}

	if !toolevent.IsSentinel(call.ToolName) {
		msg := &chat.Message{
			Role:            chat.RoleAssistant,
			Type:            chat.TypeText,
			Status:          chat.StatusDone,
			StreamCompleted: true,
			ToolCalls: []chat.ToolCall{{
				ID:    call.ToolCallID,
				Name:  call.ToolName,
				Input: call.ToolInput,
			}},
		}
		if r, d, ok := p.takeReasoning(); ok {
			msg.Reasoning, msg.ReasoningDuration = r, d
		}
		if _, err := p.store.AddMessage(ctx, msg); err != nil {
			return err
		}
	}

	status, err := p.store.AddMessage(ctx, &chat.Message{
		Role:       chat.RoleAssistant,
		Type:       chat.TypeToolStatus,
		Status:     chat.StatusRendering,
		Content:    chat.Text(ToolStatusCaption(call.ToolName)),
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		ToolInput:  call.ToolInput,
	})
	if err != nil {
		return err
	}
	p.st.currentToolCallID = call.ToolCallID
	p.st.placeholders[call.ToolCallID] = placeholder{messageID: status.ID, call: call}
	p.st.placeholderOrder = append(p.st.placeholderOrder, call.ToolCallID)
	return nil
}

// pendingFor finds the placeholder a result settles: the one for its call
// id, else the current placeholder when it is for the same tool.
func (p *Projector) pendingFor(res toolevent.Result) (string, placeholder, bool) {
	if ph, ok := p.st.placeholders[res.ToolCallID]; ok {
		return res.ToolCallID, ph, true
	}
	if p.st.currentToolCallID == "" {
		return "", placeholder{}, false
	}
	ph, ok := p.st.placeholders[p.st.currentToolCallID]
	if !ok || ph.call.ToolName != res.ToolName {
		return "", placeholder{}, false
	}
	return p.st.currentToolCallID, ph, true
}

func (p *Projector) onToolResult(ctx context.Context, res toolevent.Result) error {
	p.st.streamedResults[res.ToolCallID] = struct{}{}
	if err := p.closeOpen(ctx, chat.StatusDone); err != nil {
		return err
	}
	p.st.reasoningTarget = ""

	callID, ph, pending := p.pendingFor(res)
	name := res.ToolName
	if name == "" && pending {
		name = ph.call.ToolName
	}
	if toolevent.IsSentinel(name) {
		return nil
	}

	msg := &chat.Message{
		Role:            chat.RoleTool,
		Type:            chat.TypeToolResult,
		Status:          chat.StatusDone,
		StreamCompleted: true,
		Content:         chat.Text(toolevent.ToPlainResultContent(res.Output)),
		ToolCallID:      res.ToolCallID,
		ToolName:        name,
	}
	if !pending {
		_, err := p.store.AddMessage(ctx, msg)
		return err
	}

	msg.ToolCallID = ph.call.ToolCallID
	msg.ToolInput = ph.call.ToolInput
	if _, err := p.store.ReplaceMessage(ctx, ph.messageID, msg); err != nil {
		return err
	}
	p.dropPlaceholder(callID)
	return nil
}

func (p *Projector) dropPlaceholder(callID string) {
	delete(p.st.placeholders, callID)
	if p.st.currentToolCallID == callID {
		p.st.currentToolCallID = ""
	}
	for i, id := range p.st.placeholderOrder {
		if id == callID {
			p.st.placeholderOrder = append(p.st.placeholderOrder[:i], p.st.placeholderOrder[i+1:]...)
			break
		}
	}
}

// onError records a stream error part and returns it, so the turn fails
// with the partial reply kept.
func (p *Projector) onError(ctx context.Context, err error) error {
	if err == nil {
		err = errors.New("unknown stream error")
	}
	if p.st.messageID != "" {
		if cerr := p.closeOpen(ctx, chat.StatusError); cerr != nil {
			return cerr
		}
		return fmt.Errorf("projector: stream error: %w", err)
	}
	p.st.reasoningTarget = ""
	_, aerr := p.store.AddMessage(ctx, &chat.Message{
		Role:            chat.RoleAssistant,
		Type:            chat.TypeError,
		Status:          chat.StatusError,
		StreamCompleted: true,
		Content:         chat.Text(err.Error()),
	})
	if aerr != nil {
		return aerr
	}
	return fmt.Errorf("projector: stream error: %w", err)
}

// BackfillToolMessagesFromSteps materializes tool activity the stream did
// not carry. Calls and results already seen live are skipped, so running
// it after a fully streamed turn adds nothing.
func (p *Projector) BackfillToolMessagesFromSteps(ctx context.Context, agg agentevent.Aggregate, steps []agentevent.Step) error {
	for _, ev := range agentevent.BuildBackfillEvents(agg, steps) {
		switch ev := ev.(type) {
		case agentevent.ToolCalled:
			if _, seen := p.st.streamedCalls[ev.Call.ToolCallID]; seen {
				continue
			}
		case agentevent.ToolResulted:
			if _, seen := p.st.streamedResults[ev.Result.ToolCallID]; seen {
				continue
			}
		}
		if err := p.ConsumePart(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Finalize completes the turn. Text the provider only reported in
// aggregate becomes a message when nothing was streamed, leftover
// reasoning is attached, and the last message is closed.
func (p *Projector) Finalize(ctx context.Context, agg agentevent.Aggregate) error {
	if !p.st.opened && strings.TrimSpace(agg.Text) != "" {
		if err := p.onText(ctx, agg.Text); err != nil {
			return err
		}
	}

	if err := p.closeOpen(ctx, chat.StatusDone); err != nil {
		return err
	}

	// Reasoning after the last text belongs to that text only when no tool
	// activity came between them.
	if r, d, ok := p.takeReasoning(); ok {
		if p.st.reasoningTarget != "" {
			err := p.store.UpdateMessage(ctx, p.st.reasoningTarget, chat.MessageUpdate{
				Reasoning:         &r,
				ReasoningDuration: &d,
			})
			if err != nil {
				return err
			}
		} else {
			_, err := p.store.AddMessage(ctx, &chat.Message{
				Role:              chat.RoleAssistant,
				Type:              chat.TypeText,
				Status:            chat.StatusDone,
				StreamCompleted:   true,
				Reasoning:         r,
				ReasoningDuration: d,
			})
			if err != nil {
				return err
			}
		}
	}
	return p.settlePlaceholders(ctx, chat.StatusDone)
}

// settlePlaceholders closes placeholders no result arrived for, such as
// an ask_choice waiting for the user.
func (p *Projector) settlePlaceholders(ctx context.Context, status chat.Status) error {
	for _, callID := range p.st.placeholderOrder {
		ph := p.st.placeholders[callID]
		err := p.store.UpdateMessage(ctx, ph.messageID, chat.MessageUpdate{
			Status:          chat.Ptr(status),
			StreamCompleted: chat.Ptr(true),
		})
		if err != nil {
			return err
		}
	}
	clear(p.st.placeholders)
	p.st.placeholderOrder = nil
	p.st.currentToolCallID = ""
	return nil
}

// MarkCurrentMessageAsError flags the open message as failed, keeping its
// partial content.
func (p *Projector) MarkCurrentMessageAsError(ctx context.Context) error {
	if err := p.closeOpen(ctx, chat.StatusError); err != nil {
		return err
	}
	return p.settlePlaceholders(ctx, chat.StatusError)
}

// MarkInterrupted appends marker to the open message and flags it as
// failed. It does nothing when no message is open.
func (p *Projector) MarkInterrupted(ctx context.Context, marker string) error {
	if id := p.st.messageID; id != "" && marker != "" {
		if err := p.store.AppendMessageContent(ctx, id, "\n\n"+marker); err != nil {
			return err
		}
	}
	return p.MarkCurrentMessageAsError(ctx)
}
