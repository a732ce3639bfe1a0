package eventlog

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks payloads against the schema registered for their type.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded per-type schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}

	urls := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		url := "mem://eventlog/" + name
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		urls[strings.TrimSuffix(name, ".json")] = url
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(urls))}
	for eventType, url := range urls {
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", eventType, err)
		}
		v.schemas[eventType] = schema
	}
	return v, nil
}

// MustValidator panics if the embedded schemas do not compile.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Known reports whether eventType has a registered schema.
func (v *Validator) Known(eventType string) bool {
	_, ok := v.schemas[eventType]
	return ok
}

// Validate checks the tag and payload. Unknown tags only need a JSON object
// payload; known tags must also satisfy their schema.
func (v *Validator) Validate(eventType string, payload json.RawMessage) error {
	if !typePattern.MatchString(eventType) {
		return invalid(eventType, "type must match [a-z0-9_]{1,64}")
	}

	var instance interface{}
	if err := json.Unmarshal(payload, &instance); err != nil {
		return invalid(eventType, "payload is not valid JSON")
	}
	if _, ok := instance.(map[string]interface{}); !ok {
		return invalid(eventType, "payload must be a JSON object")
	}

	schema, ok := v.schemas[eventType]
	if !ok {
		return nil
	}
	if err := schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return invalid(eventType, leafMessages(ve)...)
		}
		return invalid(eventType, err.Error())
	}
	return nil
}

func leafMessages(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, leafMessages(c)...)
	}
	return out
}
