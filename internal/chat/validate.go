package chat

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/jsonschema-go/jsonschema"
)

// argValidator checks reassembled arguments against a tool's input schema.
// A schema that fails to compile disables validation for that tool.
type argValidator struct {
	resolved *jsonschema.Resolved
}

func newArgValidator(name string, schema map[string]any) argValidator {
	if len(schema) == 0 {
		return argValidator{}
	}
	resolved, err := compileSchema(schema)
	if err != nil {
		log.Printf("[chat] ⚠️ Input schema of %s does not compile, skipping validation: %v", name, err)
		return argValidator{}
	}
	return argValidator{resolved: resolved}
}

// Validate parses raw arguments and checks them against the schema.
func (v argValidator) Validate(raw string) error {
	var instance any
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return fmt.Errorf("invalid arguments JSON: %w", err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return fmt.Errorf("arguments must be a JSON object")
	}
	if v.resolved == nil {
		return nil
	}
	if err := v.resolved.Validate(instance); err != nil {
		return fmt.Errorf("arguments do not match input schema: %w", err)
	}
	return nil
}

func compileSchema(schema map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var clean map[string]any
	if err := json.Unmarshal(data, &clean); err != nil {
		return nil, err
	}
	// Resolution must not follow server-supplied ids.
	delete(clean, "$id")
	delete(clean, "id")
	if data, err = json.Marshal(clean); err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}
