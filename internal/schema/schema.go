// Package schema compiles JSON Schema documents once and validates
// decoded JSON payloads (service data, WebSocket commands) against them.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalid is wrapped by every *ValidationError.
var ErrInvalid = errors.New("schema: payload does not match schema")

// FieldError describes one failed constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every constraint a payload failed.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Schema is a compiled JSON Schema.
type Schema struct {
	compiled *gojsonschema.Schema
	document map[string]any
}

// Compile parses and compiles a JSON Schema document.
func Compile(document string) (*Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(document), &doc); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Schema{compiled: compiled, document: doc}, nil
}

// MustCompile is Compile for package-level schemas; it panics on error.
func MustCompile(document string) *Schema {
	s, err := Compile(document)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks data against the schema. A nil map is validated as an
// empty object. The error, if any, is a *ValidationError.
func (s *Schema) Validate(data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return &ValidationError{Fields: []FieldError{{Field: "(root)", Message: err.Error()}}}
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{}
	for _, desc := range result.Errors() {
		verr.Fields = append(verr.Fields, FieldError{Field: desc.Field(), Message: desc.Description()})
	}
	return verr
}

// Properties returns the schema's top-level "properties" object, used to
// describe service fields to clients. It returns an empty map when absent.
func (s *Schema) Properties() map[string]any {
	props, ok := s.document["properties"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return props
}

// EntityID is the schema shared by services that act on entities: an
// entity_id that is either one id or a list of ids, plus free-form extras.
var EntityID = MustCompile(`{
	"type": "object",
	"properties": {
		"entity_id": {
			"description": "Entity id or list of entity ids to act on.",
			"oneOf": [
				{"type": "string", "pattern": "^[a-z0-9_]+\\.[a-z0-9_]+$"},
				{"type": "array", "items": {"type": "string", "pattern": "^[a-z0-9_]+\\.[a-z0-9_]+$"}, "minItems": 1}
			]
		}
	},
	"required": ["entity_id"]
}`)

// EntityIDs extracts the entity_id field validated by EntityID.
func EntityIDs(data map[string]any) []string {
	switch v := data["entity_id"].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}
