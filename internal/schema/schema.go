// Package schema reflects JSON schemas from Go types and validates documents
// against them.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"

	jschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Schema holds both raw JSON schema (for serialization) and compiled schema (for validation).
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// MarshalJSON returns the raw JSON schema for serialization.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return s.raw, nil
}

// Validate validates JSON data against the compiled schema.
func (s *Schema) Validate(data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return s.compiled.Validate(v)
}

// OpenAPI returns the schema as a generic map without the JSON Schema
// dialect keywords, suitable for embedding in a CRD.
func (s *Schema) OpenAPI() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(s.raw, &m); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m, nil
}

// reflector inlines every type so the result is a self-contained document.
// Unknown fields are tolerated, which keeps reflected schemas structural
// for the Kubernetes API server.
var reflector = &jschema.Reflector{
	Anonymous:                 true,
	DoNotReference:            true,
	AllowAdditionalProperties: true,
	Mapper: func(t reflect.Type) *jschema.Schema {
		switch t {
		case reflect.TypeOf(metav1.Duration{}):
			return &jschema.Schema{Type: "string", Format: "duration"}
		case reflect.TypeOf(metav1.Time{}):
			return &jschema.Schema{Type: "string", Format: "date-time"}
		}
		return nil
	},
}

// MustSchema generates a Schema from a Go value using jsonschema tags.
// Panics if schema generation or compilation fails.
func MustSchema(v any) *Schema {
	s, err := New(v)
	if err != nil {
		panic(err.Error())
	}
	return s
}

// New generates a Schema from a Go value using jsonschema tags.
func New(v any) (*Schema, error) {
	raw, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	var schemaValue any
	if err := json.Unmarshal(raw, &schemaValue); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaValue); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Schema{raw: raw, compiled: compiled}, nil
}
