package broker

import (
	"errors"
	"fmt"
	"strings"
)

// FieldType names the JSON type a payload field must decode to.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// Field describes one required or optional payload field.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema is the declarative shape a consumer expects in the event's data
// object. Validation runs before the handler; a mismatch routes the message
// to the DLQ without requeue.
type Schema struct {
	Fields []Field
}

// ErrSchema is the base error for schema validation failures. It is always
// classified as permanent.
var ErrSchema = errors.New("schema validation failed")

// Validate checks data against the schema and returns a diagnostic listing
// every missing or mistyped field.
func (s *Schema) Validate(data map[string]any) error {
	if s == nil {
		return nil
	}
	if data == nil {
		return fmt.Errorf("%w: data object missing", ErrSchema)
	}

	var problems []string
	for _, f := range s.Fields {
		value, ok := data[f.Name]
		if !ok || value == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("field %q is required", f.Name))
			}
			continue
		}
		if !matchesType(value, f.Type) {
			problems = append(problems, fmt.Sprintf("field %q must be %s, got %T", f.Name, f.Type, value))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrSchema, strings.Join(problems, "; "))
	}
	return nil
}

// matchesType checks a value decoded by encoding/json against a FieldType.
// Numbers decode as float64, objects as map[string]any, arrays as []any.
func matchesType(value any, t FieldType) bool {
	switch t {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case FieldBool:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		_, ok := value.(map[string]any)
		return ok
	case FieldArray:
		_, ok := value.([]any)
		return ok
	}
	return false
}
