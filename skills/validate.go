package skills

import "github.com/santhosh-tekuri/jsonschema/v6"

// validate checks v (already a decoded map[string]any) against schema. A nil
// schema always passes; Registry.Register rejects empty schema documents, so
// a registered skill always carries a compiled schema for both sides.
func validate(schema *jsonschema.Schema, v map[string]any) error {
	if schema == nil {
		return nil
	}
	return schema.Validate(v)
}
