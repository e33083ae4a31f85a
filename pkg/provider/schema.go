package provider

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"
)

// StrictSchema rewrites a copy of s for OpenAI strict function calling:
// every object forbids additional properties and lists all of its
// properties as required, optional ones becoming nullable.
func StrictSchema(s *jsonschema.Schema) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	return strict(s.CloneSchemas())
}

func strict(s *jsonschema.Schema) *jsonschema.Schema {
	if s == nil {
		return nil
	}
	if s.Type != "" && len(s.Types) > 0 {
		s.Types = append(s.Types, s.Type)
		s.Type = ""
	}
	typ := s.Type
	for _, t := range s.Types {
		if typ == "" && t != "null" {
			typ = t
		}
	}

	switch typ {
	case "array":
		s.Items = strict(s.Items)
	case "object":
		s.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
		required := make(map[string]bool, len(s.Properties))
		for _, name := range s.Required {
			required[name] = true
		}
		for name, prop := range s.Properties {
			if !required[name] {
				required[name] = true
				if prop.Type != "" {
					prop.Types = []string{prop.Type, "null"}
					prop.Type = ""
				} else if !slices.Contains(prop.Types, "null") {
					prop.Types = append(prop.Types, "null")
				}
			}
			s.Properties[name] = strict(prop)
		}
		s.Required = slices.Sorted(maps.Keys(required))
	}
	return s
}

// schemaMap converts a schema to the plain map form request bodies carry.
func schemaMap(s *jsonschema.Schema) (map[string]any, error) {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("provider: unmarshal schema: %w", err)
	}
	return m, nil
}

// geminiSchema converts a JSON schema to the Gemini schema subset.
func geminiSchema(s *jsonschema.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	gs := &genai.Schema{
		Description: s.Description,
		Format:      s.Format,
		Required:    s.Required,
		Items:       geminiSchema(s.Items),
	}
	for _, v := range s.Enum {
		gs.Enum = append(gs.Enum, fmt.Sprint(v))
	}
	if len(s.Properties) > 0 {
		gs.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			gs.Properties[name] = geminiSchema(prop)
		}
	}
	typ := s.Type
	for _, t := range s.Types {
		if t == "null" {
			gs.Nullable = genai.Ptr(true)
		} else if typ == "" {
			typ = t
		}
	}
	switch typ {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return gs
}
