package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildExtractionJSONSchema returns the JSON-Schema (draft 2020-12 subset)
// the model's payload is validated against before normalization. Types are
// deliberately loose, since models return numbers as strings and vice
// versa; the schema only rejects shapes coercion cannot recover from
// (arrays, nested objects, non-object roots).
func BuildExtractionJSONSchema() map[string]any {
	scalar := func(types ...string) map[string]any {
		return map[string]any{"type": types}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"date":             scalar("string", "null"),
			"vendor":           scalar("string", "null"),
			"total":            scalar("string", "number", "integer", "null"),
			"tax":              scalar("string", "number", "integer", "null"),
			"category":         scalar("string", "null"),
			"invoice_number":   scalar("string", "number", "null"),
			"confidence_score": scalar("integer", "number", "string", "null"),
		},
		"additionalProperties": true,
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
