package event

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-operation payload schemas. Each operation is a tagged variant with an
// explicit shape, validated at the boundary before anything reaches the
// store. The diary payload itself stays open-ended (sponsors define their
// own instruments); the schemas pin down the structural rules.
const (
	createSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"minProperties": 1,
		"propertyNames": {"pattern": "^[a-zA-Z][a-zA-Z0-9_]*$"}
	}`

	updateSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"minProperties": 1,
		"propertyNames": {"pattern": "^[a-zA-Z][a-zA-Z0-9_]*$"}
	}`

	correctSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"minProperties": 1,
		"propertyNames": {"pattern": "^[a-zA-Z][a-zA-Z0-9_]*$"}
	}`

	deleteSchema = `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"reason": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`
)

// Validator validates envelope payloads against the compiled schema for
// their operation variant.
type Validator struct {
	schemas map[Operation]*jsonschema.Schema
}

// NewValidator compiles the built-in per-operation schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[Operation]*jsonschema.Schema)}
	for op, raw := range map[Operation]string{
		OpCreate:  createSchema,
		OpUpdate:  updateSchema,
		OpCorrect: correctSchema,
		OpDelete:  deleteSchema,
	} {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://clindata.schemas.local/payload/%s.schema.json", strings.ToLower(string(op)))
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("payload schema load %s: %w", op, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("payload schema compile %s: %w", op, err)
		}
		v.schemas[op] = compiled
	}
	return v, nil
}

// ValidatePayload checks the envelope payload against its operation schema.
func (v *Validator) ValidatePayload(env *Envelope) error {
	schema, ok := v.schemas[env.Operation]
	if !ok {
		return &ValidationError{Fields: []string{"operation"}, Reason: fmt.Sprintf("no schema for operation %q", env.Operation)}
	}
	payload := env.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	// jsonschema validates generic values, not maps of concrete types.
	if err := schema.Validate(toGeneric(payload)); err != nil {
		return &ValidationError{Fields: []string{"payload"}, Reason: err.Error()}
	}
	return nil
}

func toGeneric(m map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
