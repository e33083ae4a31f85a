package contextopt

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
)

// TemplatePath is the well-known path of the compression prompt template.
const TemplatePath = "prompts/context_compression.yaml"

//go:embed default_template.yaml
var defaultTemplateYAML []byte

// Template is the compression prompt template.
type Template struct {
	RoleDefinition       string `yaml:"role_definition"`
	CompressionGuide     string `yaml:"compression_guide"`
	FinalPromptStructure string `yaml:"final_prompt_structure"`
}

// ParseTemplate parses a YAML template document.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("contextopt: parse template: %w", err)
	}
	if strings.TrimSpace(t.FinalPromptStructure) == "" {
		return nil, errors.New("contextopt: template has no final_prompt_structure")
	}
	return &t, nil
}

// DefaultTemplate returns the built-in template.
func DefaultTemplate() *Template {
	t, err := ParseTemplate(defaultTemplateYAML)
	if err != nil {
		panic(err)
	}
	return t
}

// Render fills the placeholders of the final prompt structure.
func (t *Template) Render(dialogue, data string) string {
	if strings.TrimSpace(data) == "" {
		data = "(none)"
	}
	return strings.NewReplacer(
		"{compression_guide}", strings.TrimSpace(t.CompressionGuide),
		"{dialogue_block}", dialogue,
		"{data_block}", data,
	).Replace(t.FinalPromptStructure)
}

// TemplateSource fetches raw template documents.
type TemplateSource interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// TemplateCache loads the compression template once and serves it until
// invalidated. A fetch or parse failure yields the built-in template, which
// is not cached so the next call retries the source.
type TemplateCache struct {
	source TemplateSource
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	tpl *Template
}

// NewTemplateCache creates a cache reading path from source. A nil source
// always serves the built-in template.
func NewTemplateCache(source TemplateSource, path string) *TemplateCache {
	if path == "" {
		path = TemplatePath
	}
	return &TemplateCache{source: source, path: path, logger: slog.Default()}
}

// Get returns the cached template, loading it on first use.
func (c *TemplateCache) Get(ctx context.Context) *Template {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tpl != nil {
		return c.tpl
	}
	if c.source == nil {
		return DefaultTemplate()
	}
	data, err := c.source.ReadFile(ctx, c.path)
	if err != nil {
		c.logger.Warn("contextopt: fetch template failed, using default", "path", c.path, "error", err)
		return DefaultTemplate()
	}
	tpl, err := ParseTemplate(data)
	if err != nil {
		c.logger.Warn("contextopt: bad template, using default", "path", c.path, "error", err)
		return DefaultTemplate()
	}
	c.tpl = tpl
	return tpl
}

// Invalidate drops the cached template.
func (c *TemplateCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tpl = nil
}
