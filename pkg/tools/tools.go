// Package tools holds the tools offered to the model: document search and
// reading over a docstore, the ask_choice prompt, and HTTP tools declared in
// YAML files next to the documents.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/haivivi/docagent/pkg/docstore"
	"github.com/haivivi/docagent/pkg/provider"
)

const (
	// ToolsPrefix holds HTTP tool definitions inside the document store.
	ToolsPrefix = "tools/"
	// PromptsPrefix holds prompt templates and is not indexed.
	PromptsPrefix = "prompts/"
)

var indexedExts = []string{".md", ".markdown", ".txt", ".rst"}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithHTTPClient sets the client HTTP tools call through.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// Registry builds the tool set from a document store. It is safe for
// concurrent use.
type Registry struct {
	docs   docstore.Store
	logger *slog.Logger
	client *http.Client

	mu     sync.RWMutex
	loaded bool
	defs   provider.ToolDefMap
	index  *index
}

// NewRegistry creates a Registry over docs. With nil docs only the
// built-in tools are offered and nothing is searchable.
func NewRegistry(docs docstore.Store, opts ...Option) *Registry {
	r := &Registry{docs: docs, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load indexes the documents and registers all tools. Only the first
// successful call does any work.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	return r.load(ctx)
}

// Reload re-reads the documents and tool files.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	return r.load(ctx)
}

func (r *Registry) load(ctx context.Context) error {
	defs := provider.ToolDefMap{}
	for _, def := range []*provider.ToolDef{r.searchDocsTool(), r.readDocTool(), askChoiceTool()} {
		defs[def.Name] = def
	}

	var paths []string
	if r.docs != nil {
		var err error
		if paths, err = r.docs.List(ctx, ""); err != nil {
			return fmt.Errorf("tools: %w", err)
		}
	}
	var docs []*document
	for _, p := range paths {
		switch {
		case strings.HasPrefix(p, ToolsPrefix):
			if ext := path.Ext(p); ext != ".yaml" && ext != ".yml" {
				continue
			}
			if err := r.loadHTTPTools(ctx, p, defs); err != nil {
				return err
			}
		case strings.HasPrefix(p, PromptsPrefix):
		case slices.Contains(indexedExts, strings.ToLower(path.Ext(p))):
			b, err := r.docs.ReadFile(ctx, p)
			if err != nil {
				r.logger.Warn("tools: skip unreadable document", "path", p, "error", err)
				continue
			}
			body := string(b)
			docs = append(docs, &document{Path: p, Title: docTitle(body), Body: body})
		}
	}

	r.defs = defs
	r.index = newIndex(docs)
	r.loaded = true
	r.logger.Info("tools: loaded", "documents", len(docs), "tools", len(defs))
	return nil
}

func (r *Registry) loadHTTPTools(ctx context.Context, p string, defs provider.ToolDefMap) error {
	b, err := r.docs.ReadFile(ctx, p)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	hts, err := ParseHTTPTools(b)
	if err != nil {
		return fmt.Errorf("tools: %s: %w", p, err)
	}
	for _, ht := range hts {
		if _, dup := defs[ht.Name]; dup {
			return fmt.Errorf("tools: %s: duplicate tool %q", p, ht.Name)
		}
		def, err := ht.ToolDef(r.client)
		if err != nil {
			return fmt.Errorf("tools: %s: %w", p, err)
		}
		defs[ht.Name] = def
	}
	return nil
}

// Definitions returns the tools named in included, or every tool when
// included is empty. Unknown names are logged and skipped. It returns nil
// before Load.
func (r *Registry) Definitions(included []string) provider.ToolDefMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defs == nil {
		return nil
	}
	out := make(provider.ToolDefMap, len(r.defs))
	if len(included) == 0 {
		for name, def := range r.defs {
			out[name] = def
		}
		return out
	}
	for _, name := range included {
		def, ok := r.defs[name]
		if !ok {
			r.logger.Warn("tools: unknown tool in included list", "name", name)
			continue
		}
		out[name] = def
	}
	return out
}

// Names returns the sorted names of all loaded tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Search ranks the indexed documents against query.
func (r *Registry) Search(query string, limit int) []SearchHit {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	r.mu.RLock()
	ix := r.index
	r.mu.RUnlock()
	if ix == nil {
		return nil
	}
	hits := ix.search(query, limit)
	out := make([]SearchHit, len(hits))
	for i, h := range hits {
		out[i] = SearchHit{
			Path:    h.doc.Path,
			Title:   h.doc.Title,
			Score:   math.Round(h.score*1000) / 1000,
			Snippet: snippet(h.doc.Body, query, snippetWidth),
		}
	}
	return out
}
