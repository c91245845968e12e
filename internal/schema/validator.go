// Package schema provides JSON schema validation for request payloads.
// Anonymous finder submissions and owner mutations are checked against these
// schemas before any store call is made.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Payload kinds with a registered schema
const (
	KindPetRegister  = "pet.register"
	KindPetStatus    = "pet.status"
	KindReportSubmit = "report.submit"
	KindReportStatus = "report.status"
)

// schemas maps payload kinds to their JSON schema.
var schemas = map[string]string{
	KindPetRegister: `{
		"type": "object",
		"required": ["name", "species"],
		"properties": {
			"name": {"type": "string", "minLength": 1, "maxLength": 64},
			"species": {"type": "string", "minLength": 1, "maxLength": 32},
			"breed": {"type": "string", "maxLength": 64},
			"description": {"type": "string", "maxLength": 1024}
		}
	}`,
	KindPetStatus: `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"type": "string", "enum": ["normal", "lost", "found"]}
		}
	}`,
	KindReportSubmit: `{
		"type": "object",
		"required": ["latitude", "longitude"],
		"properties": {
			"latitude": {"type": "number", "minimum": -90, "maximum": 90},
			"longitude": {"type": "number", "minimum": -180, "maximum": 180},
			"accuracy": {"type": ["number", "null"], "minimum": 0},
			"address": {"type": ["string", "null"], "maxLength": 512}
		}
	}`,
	KindReportStatus: `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"type": "string", "enum": ["pending", "verified", "dismissed"]}
		}
	}`,
}

// ValidationError lists every schema violation of a payload.
type ValidationError struct {
	Kind   string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Kind, strings.Join(e.Fields, "; "))
}

// Validator validates payloads against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of payload kind to compiled schema
}

// NewValidator compiles every registered schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(schemas))}
	for kind, src := range schemas {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", kind, err)
		}
		v.schemas[kind] = compiled
	}
	return v, nil
}

// Validate checks a raw JSON payload. A schema violation is a *ValidationError.
func (v *Validator) Validate(kind string, payload []byte) error {
	compiled, exists := v.schemas[kind]
	if !exists {
		return fmt.Errorf("no schema registered for %s", kind)
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		// Not parseable as JSON
		return &ValidationError{Kind: kind, Fields: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	fields := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		fields = append(fields, desc.String())
	}
	return &ValidationError{Kind: kind, Fields: fields}
}
