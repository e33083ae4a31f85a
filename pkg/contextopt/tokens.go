package contextopt

import (
	"encoding/json"
	"unicode"
	"unicode/utf8"

	"github.com/haivivi/docagent/pkg/chat"
)

// TokenCounter counts the tokens of a text.
type TokenCounter interface {
	CountTokens(text string) int
}

// TokenCounterFunc adapts a function to TokenCounter.
type TokenCounterFunc func(text string) int

func (f TokenCounterFunc) CountTokens(text string) int {
	return f(text)
}

// EstimateCounter approximates BPE token counts: one token per Han, kana or
// hangul rune and one token per four other bytes.
type EstimateCounter struct{}

func (EstimateCounter) CountTokens(text string) int {
	var wide, other int
	for _, r := range text {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			wide++
			continue
		}
		other += utf8.RuneLen(r)
	}
	return wide + (other+3)/4
}

// MessageTokens counts one message including its tool calls.
func MessageTokens(tc TokenCounter, m *chat.Message) int {
	n := tc.CountTokens(m.Content.String())
	for _, call := range m.ToolCalls {
		n += tc.CountTokens(call.Name)
		if b, err := json.Marshal(call.Input); err == nil {
			n += tc.CountTokens(string(b))
		}
	}
	return n
}

// HistoryTokens counts a whole history.
func HistoryTokens(tc TokenCounter, msgs []*chat.Message) int {
	n := 0
	for _, m := range msgs {
		n += MessageTokens(tc, m)
	}
	return n
}
