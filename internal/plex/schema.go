package plex

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const payloadSchemaURL = "plexrelay://schemas/plex-payload.json"

// payloadSchema covers the fields every translation relies on. Metadata is
// left open since Plex adds fields between releases.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "Account", "Server"],
  "properties": {
    "event": {"type": "string", "minLength": 1},
    "user": {"type": "boolean"},
    "owner": {"type": "boolean"},
    "Account": {
      "type": "object",
      "required": ["title"],
      "properties": {
        "id": {"type": "integer"},
        "title": {"type": "string"},
        "thumb": {"type": "string"}
      }
    },
    "Server": {
      "type": "object",
      "required": ["title", "uuid"],
      "properties": {
        "title": {"type": "string"},
        "uuid": {"type": "string"}
      }
    },
    "Player": {"type": "object"},
    "Metadata": {"type": "object"}
  }
}`

// Validator checks raw payload documents against the webhook schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the payload schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("parse payload schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	schema, err := c.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate returns an error wrapping ErrInvalidPayload when raw does not
// match the schema.
func (v *Validator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
