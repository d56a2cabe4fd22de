package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ReflectSchema derives a self-contained JSON Schema from a parameter
// struct. Field names come from json tags; fields without omitempty are
// required. Definitions are inlined because providers expect one flat
// schema object per tool.
func ReflectSchema(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:   "json",
		DoNotReference: true,
	}
	schema := r.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

// MustReflectSchema is ReflectSchema for package-level schema variables
// of builtin tools, where a failure is a programming error.
func MustReflectSchema(v any) json.RawMessage {
	schema, err := ReflectSchema(v)
	if err != nil {
		panic(err)
	}
	return schema
}
