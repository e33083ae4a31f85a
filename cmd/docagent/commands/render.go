package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/toolevent"
)

// Theme is the color scheme of the terminal chat.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Error   lipgloss.Color
}

// DefaultTheme is the default green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Error:   lipgloss.Color("#ff5f56"),
}

// Styles holds the styles derived from a Theme.
type Styles struct {
	User      lipgloss.Style
	Assistant lipgloss.Style
	Tool      lipgloss.Style
	Error     lipgloss.Style
	Help      lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		User:      lipgloss.NewStyle().Bold(true),
		Assistant: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Tool:      lipgloss.NewStyle().Foreground(t.Dim),
		Error:     lipgloss.NewStyle().Foreground(t.Error),
		Help:      lipgloss.NewStyle().Foreground(t.Dim).Italic(true),
	}
}

// toolPreviewRunes bounds the one-line preview of a tool result.
const toolPreviewRunes = 80

// renderer prints a conversation and follows its mutations. Streaming
// text is written as it arrives.
type renderer struct {
	w      io.Writer
	styles Styles

	mu sync.Mutex
	// open is the id of the message being streamed to the terminal.
	open string
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, styles: NewStyles(DefaultTheme)}
}

// history prints msgs in full.
func (r *renderer) history(msgs []*chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.message(m)
	}
}

func (r *renderer) message(m *chat.Message) {
	switch {
	case m.Role == chat.RoleUser:
		fmt.Fprintf(r.w, "%s %s\n", r.styles.User.Render("you ›"), m.Content.String())
	case m.Type == chat.TypeError:
		fmt.Fprintln(r.w, r.styles.Error.Render("error: "+m.Content.String()))
	case m.Type == chat.TypeToolStatus && toolevent.IsSentinel(m.ToolName):
		r.choice(m)
	case m.Type == chat.TypeToolStatus:
		fmt.Fprintln(r.w, r.styles.Tool.Render("  ⋯ "+m.Content.String()))
	case m.Type == chat.TypeToolResult:
		fmt.Fprintln(r.w, r.styles.Tool.Render("  ✓ "+m.ToolName+" "+preview(m.Content.String())))
	case m.Role == chat.RoleAssistant && !m.Content.IsEmpty():
		r.reasoning(m)
		fmt.Fprintf(r.w, "%s %s\n", r.styles.Assistant.Render("agent ›"), m.Content.String())
		if m.Status == chat.StatusError {
			fmt.Fprintln(r.w, r.styles.Error.Render("(incomplete)"))
		}
	case m.Role == chat.RoleSystem:
		fmt.Fprintln(r.w, r.styles.Help.Render(m.Content.String()))
	}
}

// choice prints the question of an ask_choice call. The user answers with
// a normal message.
func (r *renderer) choice(m *chat.Message) {
	q, _ := m.ToolInput["question"].(string)
	fmt.Fprintf(r.w, "%s %s\n", r.styles.Assistant.Render("agent ›"), q)
	choices, _ := m.ToolInput["choices"].([]any)
	for i, c := range choices {
		fmt.Fprintf(r.w, "  %d. %v\n", i+1, c)
	}
}

func (r *renderer) reasoning(m *chat.Message) {
	if m.Reasoning == "" {
		return
	}
	fmt.Fprintln(r.w, r.styles.Help.Render(fmt.Sprintf("(thought for %s)", m.ReasoningDuration.Round(time.Second))))
}

// onMutation follows a live session. User messages are not echoed since
// the user just typed them.
func (r *renderer) onMutation(mu chat.Mutation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := mu.Message
	if m == nil {
		return
	}
	switch mu.Kind {
	case chat.MutationAdd:
		switch {
		case m.Role == chat.RoleUser:
		case m.Status == chat.StatusStreaming:
			r.closeOpen()
			r.reasoning(m)
			fmt.Fprintf(r.w, "%s %s", r.styles.Assistant.Render("agent ›"), m.Content.String())
			r.open = m.ID
		case len(m.ToolCalls) > 0 && m.Content.IsEmpty():
		default:
			r.closeOpen()
			r.message(m)
		}
	case chat.MutationAppend:
		if m.ID == r.open {
			io.WriteString(r.w, mu.Chunk)
		}
	case chat.MutationReplace:
		r.closeOpen()
		r.message(m)
	case chat.MutationUpdate:
		if m.ID != r.open || m.Status == chat.StatusStreaming {
			return
		}
		r.closeOpen()
		if m.Status == chat.StatusError {
			fmt.Fprintln(r.w, r.styles.Error.Render("(incomplete)"))
		}
	}
}

func (r *renderer) closeOpen() {
	if r.open != "" {
		fmt.Fprintln(r.w)
		r.open = ""
	}
}

func (r *renderer) notice(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeOpen()
	fmt.Fprintln(r.w, r.styles.Help.Render(s))
}

func (r *renderer) error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeOpen()
	fmt.Fprintln(r.w, r.styles.Error.Render("error: "+err.Error()))
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if rs := []rune(s); len(rs) > toolPreviewRunes {
		return string(rs[:toolPreviewRunes]) + "…"
	}
	return s
}
