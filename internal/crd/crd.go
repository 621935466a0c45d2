// Package crd generates the Superset CRD with schemas reflected from the
// API types.
package crd

import (
	"fmt"
	"os"

	"github.com/go-openapi/jsonpointer"
	"gopkg.in/yaml.v3"

	"github.com/lukasngl/superset-operator/api/v1alpha1"
	"github.com/lukasngl/superset-operator/internal/schema"
)

// DefaultBaseCRDPath is the default path to the base CRD file.
const DefaultBaseCRDPath = "config/crd/superset.ngl.cx_supersets.yaml"

// JSON Pointer to the top-level properties in the CRD schema.
const propertiesPointer = "/spec/versions/0/schema/openAPIV3Schema/properties"

var (
	specSchema   = schema.MustSchema(v1alpha1.SupersetSpec{})
	statusSchema = schema.MustSchema(v1alpha1.SupersetStatus{})
)

// Generate reads the base CRD from the given path, patches it with the
// reflected schemas, and returns the complete CRD as YAML bytes.
func Generate(baseCRDPath string) ([]byte, error) {
	baseBytes, err := os.ReadFile(baseCRDPath)
	if err != nil {
		return nil, fmt.Errorf("reading base CRD: %w", err)
	}

	return Patch(baseBytes)
}

// Patch replaces the spec and status schemas of the base CRD with the ones
// reflected from [v1alpha1.SupersetSpec] and [v1alpha1.SupersetStatus].
func Patch(baseCRD []byte) ([]byte, error) {
	var crd any
	if err := yaml.Unmarshal(baseCRD, &crd); err != nil {
		return nil, fmt.Errorf("unmarshaling base CRD: %w", err)
	}

	ptr, err := jsonpointer.New(propertiesPointer)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON pointer: %w", err)
	}

	props, _, err := ptr.Get(crd)
	if err != nil {
		return nil, fmt.Errorf("getting schema properties from CRD: %w", err)
	}

	propsMap, ok := props.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema properties are not a map")
	}

	for name, s := range map[string]*schema.Schema{"spec": specSchema, "status": statusSchema} {
		m, err := s.OpenAPI()
		if err != nil {
			return nil, fmt.Errorf("%s schema: %w", name, err)
		}
		propsMap[name] = m
	}

	return yaml.Marshal(crd)
}
