package classify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrNoCandidates is returned without calling the classifier when there
	// is nothing to choose from.
	ErrNoCandidates = errors.New("no candidates")
	// ErrInvalidSchema marks classifier output that was unparsable or did
	// not validate. Such output is never partially used.
	ErrInvalidSchema = errors.New("classifier output does not match schema")
)

// Object builds an object schema with the given required fields.
func Object(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func String(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func Integer(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: desc}
}

func Number(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "number", Description: desc}
}

func StringArray(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Description: desc, Items: &jsonschema.Schema{Type: "string"}}
}

// Enum builds a string schema restricted to values.
func Enum(desc string, values ...string) *jsonschema.Schema {
	enum := make([]any, 0, len(values))
	for _, v := range values {
		enum = append(enum, v)
	}
	return &jsonschema.Schema{Type: "string", Description: desc, Enum: enum}
}

// Validate checks value against schema and wraps any failure in
// ErrInvalidSchema.
func Validate(schema *jsonschema.Schema, value map[string]any) error {
	if value == nil {
		return fmt.Errorf("%w: empty result", ErrInvalidSchema)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema: %w", err)
	}
	if err := resolved.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return nil
}

// Decode converts a validated result into T.
func Decode[T any](value map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(value)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return out, nil
}

// ExtractJSON returns the first balanced JSON object in text, skipping any
// prose or code fences around it.
func ExtractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			if depth > 0 {
				inStr = !inStr
			}
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", errors.New("json not found")
}
