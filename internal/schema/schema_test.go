package schema

import (
	"encoding/json"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type testConfig struct {
	Name     string           `json:"name" jsonschema:"minLength=1"`
	Value    int              `json:"value,omitempty"`
	Interval *metav1.Duration `json:"interval,omitempty"`
}

type testItem struct {
	Name string `json:"name"`
}

func TestMustSchema(t *testing.T) {
	schema := MustSchema(testConfig{})

	if schema.raw == nil {
		t.Error("expected non-nil raw schema")
	}
	if schema.compiled == nil {
		t.Error("expected non-nil compiled schema")
	}
}

func TestMustSchema_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for invalid type")
		}
	}()

	MustSchema(func() {})
}

func TestSchema_Validate(t *testing.T) {
	schema := MustSchema(testConfig{})

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{name: "valid", doc: `{"name":"x","value":1,"interval":"5m"}`},
		{name: "unknown fields tolerated", doc: `{"name":"x","extra":true}`},
		{name: "missing required", doc: `{"value":1}`, wantErr: true},
		{name: "empty name", doc: `{"name":""}`, wantErr: true},
		{name: "wrong type", doc: `{"name":"x","value":"one"}`, wantErr: true},
		{name: "not json", doc: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(json.RawMessage(tt.doc))
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSchema_ValidateSlice(t *testing.T) {
	schema := MustSchema([]testItem{})

	if err := schema.Validate(json.RawMessage(`[{"name":"a"},{"name":"b"}]`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := schema.Validate(json.RawMessage(`[{"label":"a"}]`)); err == nil {
		t.Fatal("expected error for item without name")
	}
	if err := schema.Validate(json.RawMessage(`{"name":"a"}`)); err == nil {
		t.Fatal("expected error for object instead of array")
	}
}

func TestSchema_OpenAPI(t *testing.T) {
	m, err := MustSchema(testConfig{}).OpenAPI()
	if err != nil {
		t.Fatalf("OpenAPI failed: %v", err)
	}

	if _, ok := m["$schema"]; ok {
		t.Error("expected $schema to be stripped")
	}
	if _, ok := m["$defs"]; ok {
		t.Error("expected inlined definitions")
	}

	props, ok := m["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties, got %+v", m)
	}
	interval, ok := props["interval"].(map[string]any)
	if !ok || interval["type"] != "string" {
		t.Errorf("expected interval to map to a string, got %+v", props["interval"])
	}
}
