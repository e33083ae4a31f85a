package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/haivivi/docagent/pkg/provider"
	"github.com/haivivi/docagent/pkg/toolevent"
)

// Builtin tool names.
const (
	SearchDocs = "search_docs"
	ReadDoc    = "read_doc"
	AskChoice  = toolevent.SentinelTool
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
	snippetWidth       = 160

	// MaxReadRunes bounds the content read_doc returns.
	MaxReadRunes = 20000
)

type searchArgs struct {
	Query string `json:"query" jsonschema:"keywords to search the documentation for"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 5"`
}

// SearchHit is one search_docs result.
type SearchHit struct {
	Path    string  `json:"path"`
	Title   string  `json:"title,omitempty"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
}

type readArgs struct {
	Path string `json:"path" jsonschema:"document path as returned by search_docs"`
}

// ReadResult is the read_doc output.
type ReadResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ChoiceArgs is the input of ask_choice. The client renders the choices
// and the user's pick arrives as the next user message.
type ChoiceArgs struct {
	Question      string   `json:"question" jsonschema:"question to show the user"`
	Choices       []string `json:"choices" jsonschema:"options the user can pick from"`
	AllowMultiple bool     `json:"allow_multiple,omitempty" jsonschema:"whether several options may be picked"`
}

// decodeArgs converts a normalized tool input into T.
func decodeArgs[T any](input map[string]any) (T, error) {
	var v T
	b, err := json.Marshal(input)
	if err != nil {
		return v, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("unmarshal args: %w", err)
	}
	return v, nil
}

func schemaFor[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("tools: schema: %v", err))
	}
	return s
}

func (r *Registry) searchDocsTool() *provider.ToolDef {
	return &provider.ToolDef{
		Name:        SearchDocs,
		Description: "Search the documentation and return the best matching documents with a snippet each.",
		Parameters:  schemaFor[searchArgs](),
		Execute: func(_ context.Context, input map[string]any) (any, error) {
			args, err := decodeArgs[searchArgs](input)
			if err != nil {
				return nil, err
			}
			if args.Query == "" {
				return nil, errors.New("query is required")
			}
			return r.Search(args.Query, args.Limit), nil
		},
	}
}

func (r *Registry) readDocTool() *provider.ToolDef {
	return &provider.ToolDef{
		Name:        ReadDoc,
		Description: "Read the full text of a documentation file.",
		Parameters:  schemaFor[readArgs](),
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			args, err := decodeArgs[readArgs](input)
			if err != nil {
				return nil, err
			}
			if args.Path == "" {
				return nil, errors.New("path is required")
			}
			if r.docs == nil {
				return nil, fmt.Errorf("document %s not found", args.Path)
			}
			b, err := r.docs.ReadFile(ctx, args.Path)
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("document %s not found", args.Path)
			}
			if err != nil {
				return nil, err
			}
			out := ReadResult{Path: args.Path, Content: string(b)}
			if rs := []rune(out.Content); len(rs) > MaxReadRunes {
				out.Content = string(rs[:MaxReadRunes])
				out.Truncated = true
			}
			return out, nil
		},
	}
}

func askChoiceTool() *provider.ToolDef {
	return &provider.ToolDef{
		Name:        AskChoice,
		Description: "Ask the user to pick from a list of options. Use when the request is ambiguous. The conversation pauses until the user answers.",
		Parameters:  schemaFor[ChoiceArgs](),
	}
}
