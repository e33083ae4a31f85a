package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/itchyny/gojq"
	"gopkg.in/yaml.v3"

	"github.com/haivivi/docagent/pkg/provider"
)

const defaultMaxResponseSizeMB = 1

// JQExpr is a jq expression parsed when it is decoded.
type JQExpr struct {
	Expr  string
	Query *gojq.Query
}

// ParseJQ parses expr.
func ParseJQ(expr string) (*JQExpr, error) {
	e := &JQExpr{Expr: expr}
	if expr == "" {
		return e, nil
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expr, err)
	}
	e.Query = q
	return e, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *JQExpr) UnmarshalYAML(node *yaml.Node) error {
	var expr string
	if err := node.Decode(&expr); err != nil {
		return err
	}
	parsed, err := ParseJQ(expr)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// Run executes the query on input and returns its first result.
func (e *JQExpr) Run(ctx context.Context, input any) (any, error) {
	if e == nil || e.Query == nil {
		return input, nil
	}
	it := e.Query.RunWithContext(ctx, input)
	v, ok := it.Next()
	if !ok {
		return nil, fmt.Errorf("jq expression %q returned no result", e.Expr)
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("jq error: %w", err)
	}
	return v, nil
}

// HTTPTool is a tool that forwards its input to an HTTP endpoint. It is
// declared in YAML:
//
//	name: weather
//	description: Current weather for a city.
//	method: GET
//	endpoint: https://api.example.com/weather
//	headers:
//	  Authorization: Bearer ${WEATHER_TOKEN}
//	parameters:
//	  type: object
//	  properties:
//	    city: {type: string}
//	  required: [city]
//	resp_body_jq: .current
type HTTPTool struct {
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description"`
	Method            string            `yaml:"method"`
	Endpoint          string            `yaml:"endpoint"`
	Headers           map[string]string `yaml:"headers,omitempty"`
	Parameters        map[string]any    `yaml:"parameters,omitempty"`
	ReqBodyJQ         *JQExpr           `yaml:"req_body_jq,omitempty"`
	RespBodyJQ        *JQExpr           `yaml:"resp_body_jq,omitempty"`
	MaxResponseSizeMB int64             `yaml:"max_response_size_mb,omitempty"`
}

var validMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

func (t *HTTPTool) validate() error {
	if t.Name == "" {
		return fmt.Errorf("http tool: name is required")
	}
	if t.Endpoint == "" {
		return fmt.Errorf("tool %s: endpoint is required", t.Name)
	}
	t.Method = strings.ToUpper(t.Method)
	if t.Method == "" {
		t.Method = http.MethodPost
	}
	if !validMethods[t.Method] {
		return fmt.Errorf("tool %s: invalid HTTP method %q", t.Name, t.Method)
	}
	return nil
}

// ParseHTTPTools decodes one or more YAML documents, each a single tool.
func ParseHTTPTools(data []byte) ([]*HTTPTool, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*HTTPTool
	for {
		var t HTTPTool
		err := dec.Decode(&t)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("tools: decode http tool: %w", err)
		}
		if err := t.validate(); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
}

func (t *HTTPTool) schema() (*jsonschema.Schema, error) {
	if len(t.Parameters) == 0 {
		return &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}}, nil
	}
	b, err := json.Marshal(t.Parameters)
	if err != nil {
		return nil, fmt.Errorf("tool %s: parameters: %w", t.Name, err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("tool %s: parameters: %w", t.Name, err)
	}
	return &s, nil
}

// ToolDef binds t to client.
func (t *HTTPTool) ToolDef(client *http.Client) (*provider.ToolDef, error) {
	s, err := t.schema()
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &provider.ToolDef{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  s,
		Execute: func(ctx context.Context, input map[string]any) (any, error) {
			return t.execute(ctx, client, input)
		},
	}, nil
}

func (t *HTTPTool) execute(ctx context.Context, client *http.Client, args map[string]any) (any, error) {
	endpoint := expandEnvVars(t.Endpoint)

	var body io.Reader
	switch {
	case t.Method == http.MethodGet || t.Method == http.MethodDelete:
		// Arguments travel as query parameters.
		u, err := withQuery(endpoint, args)
		if err != nil {
			return nil, err
		}
		endpoint = u
	default:
		payload, err := t.ReqBodyJQ.Run(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("build request body: %w", err)
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, t.Method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.Headers {
		req.Header.Set(k, expandEnvVars(v))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	maxMB := t.MaxResponseSizeMB
	if maxMB <= 0 {
		maxMB = defaultMaxResponseSizeMB
	}
	limit := maxMB << 20
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("response exceeds %d MB", maxMB)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, clip(string(raw), 512))
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		// Plain-text endpoints are passed through.
		return string(raw), nil
	}
	out, err = t.RespBodyJQ.Run(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("extract response: %w", err)
	}
	return out, nil
}

func withQuery(endpoint string, args map[string]any) (string, error) {
	if len(args) == 0 {
		return endpoint, nil
	}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := req.URL.Query()
	for k, v := range args {
		switch v := v.(type) {
		case string:
			q.Set(k, v)
		case nil:
		default:
			b, _ := json.Marshal(v)
			q.Set(k, string(b))
		}
	}
	req.URL.RawQuery = q.Encode()
	return req.URL.String(), nil
}

// expandEnvVars expands ${VAR} patterns with environment variables.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}
