// Package config loads the docagent configuration file.
//
// The file lives at ~/.docagent/config.yaml unless a path is given:
//
//	provider:
//	  kind: openai
//	  api_key: $OPENAI_API_KEY
//	  model: gpt-4o-mini
//	agent:
//	  mode: auto
//	  included_tools: [search_docs, read_doc, ask_choice]
//	  max_context_tokens: 128000
//	docs:
//	  dir: ./docs
//	sessions:
//	  backend: badger
//	server:
//	  addr: 127.0.0.1:8080
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/docagent/pkg/contextopt"
	"github.com/haivivi/docagent/pkg/protocol"
	"github.com/haivivi/docagent/pkg/provider"
)

const (
	// DefaultBaseDir is the per-user directory under the home directory.
	DefaultBaseDir = ".docagent"
	// DefaultConfigFile is the config file name inside DefaultBaseDir.
	DefaultConfigFile = "config.yaml"

	DefaultMaxContextTokens = 128000
	DefaultAddr             = "127.0.0.1:8080"
)

// Session backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Config is the whole configuration file.
type Config struct {
	Provider provider.Config `yaml:"provider"`
	Agent    Agent           `yaml:"agent"`
	Docs     Docs            `yaml:"docs"`
	Sessions Sessions        `yaml:"sessions"`
	Server   Server          `yaml:"server"`

	path string
}

// Agent configures the conversation runtime.
type Agent struct {
	Mode             protocol.Mode  `yaml:"mode,omitempty"`
	IncludedTools    []string       `yaml:"included_tools,omitempty"`
	MaxContextTokens int            `yaml:"max_context_tokens,omitempty"`
	SystemPrompt     string         `yaml:"system_prompt,omitempty"`
	Extra            map[string]any `yaml:"extra,omitempty"` // vendor request fields
}

// Docs selects the document source. Exactly one of Dir and S3 is set.
type Docs struct {
	Dir          string  `yaml:"dir,omitempty"`
	S3           *S3Docs `yaml:"s3,omitempty"`
	TemplatePath string  `yaml:"template_path,omitempty"`
}

// S3Docs locates documents in an S3-compatible bucket.
type S3Docs struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
}

// Sessions selects where conversations are persisted.
type Sessions struct {
	Backend string `yaml:"backend,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
}

// Server configures the HTTP server.
type Server struct {
	Addr string `yaml:"addr,omitempty"`
}

// DefaultPath returns ~/.docagent/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home directory: %w", err)
	}
	return filepath.Join(home, DefaultBaseDir, DefaultConfigFile), nil
}

// Load reads the file at path, or DefaultPath when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.path = path
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes data, expands environment references and applies
// defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to path with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Provider.APIKey = os.ExpandEnv(c.Provider.APIKey)
	c.Provider.BaseURL = os.ExpandEnv(c.Provider.BaseURL)
	c.Docs.Dir = os.ExpandEnv(c.Docs.Dir)
	c.Sessions.Dir = os.ExpandEnv(c.Sessions.Dir)
	if c.Docs.S3 != nil {
		c.Docs.S3.Bucket = os.ExpandEnv(c.Docs.S3.Bucket)
		c.Docs.S3.Endpoint = os.ExpandEnv(c.Docs.S3.Endpoint)
	}
}

func (c *Config) applyDefaults() {
	if c.Provider.Kind == "" {
		c.Provider.Kind = provider.KindOpenAI
	}
	if c.Provider.MaxSteps == 0 {
		c.Provider.MaxSteps = provider.DefaultMaxSteps
	}
	if c.Agent.Mode == "" {
		c.Agent.Mode = protocol.ModeAuto
	}
	if c.Agent.MaxContextTokens == 0 {
		c.Agent.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.Docs.TemplatePath == "" {
		c.Docs.TemplatePath = contextopt.TemplatePath
	}
	if c.Sessions.Backend == "" {
		c.Sessions.Backend = BackendMemory
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
}

// resolvePaths makes relative directories relative to the config file.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.Docs.Dir, &c.Sessions.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	if c.Sessions.Backend == BackendBadger && c.Sessions.Dir == "" {
		c.Sessions.Dir = filepath.Join(base, "sessions")
	}
}

// Validate reports the first invalid field. Missing credentials are not
// an error here: the runtime reports them per call.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case provider.KindOpenAI, provider.KindGemini:
	default:
		return fmt.Errorf("provider.kind: unknown %q", c.Provider.Kind)
	}
	if _, err := protocol.ParseMode(string(c.Agent.Mode)); err != nil {
		return fmt.Errorf("agent.mode: %w", err)
	}
	if c.Agent.MaxContextTokens < 0 {
		return errors.New("agent.max_context_tokens: must be positive")
	}
	switch {
	case c.Docs.Dir != "" && c.Docs.S3 != nil:
		return errors.New("docs: set either dir or s3, not both")
	case c.Docs.S3 != nil && c.Docs.S3.Bucket == "":
		return errors.New("docs.s3.bucket: required")
	}
	switch c.Sessions.Backend {
	case BackendMemory, BackendBadger:
	default:
		return fmt.Errorf("sessions.backend: unknown %q", c.Sessions.Backend)
	}
	return nil
}

// MaskAPIKey masks all but the first and last four characters of key.
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
