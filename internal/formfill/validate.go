package formfill

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// fieldSchema renders a JSON Schema for a single field value.
func fieldSchema(f apply.Field) map[string]interface{} {
	schema := map[string]interface{}{
		"type": "string",
	}
	if f.Required {
		schema["minLength"] = 1
	}
	if f.MaxLength > 0 {
		schema["maxLength"] = f.MaxLength
	}
	switch f.Type {
	case apply.FieldSelect, apply.FieldRadio:
		enum := make([]interface{}, 0, len(f.Options))
		for _, o := range f.Options {
			enum = append(enum, o.Value)
		}
		schema["enum"] = enum
	case apply.FieldCheckbox:
		if len(f.Options) > 0 {
			enum := make([]interface{}, 0, len(f.Options))
			for _, o := range f.Options {
				enum = append(enum, o.Value)
			}
			schema["enum"] = enum
		} else {
			schema["enum"] = []interface{}{"true", "false"}
		}
	case apply.FieldEmail:
		schema["format"] = "email"
	case apply.FieldURL:
		schema["format"] = "uri"
		schema["pattern"] = "^https?://"
	case apply.FieldNumber:
		schema["pattern"] = `^-?[0-9]+(\.[0-9]+)?$`
	case apply.FieldDate:
		schema["pattern"] = `^[0-9]{4}-[0-9]{2}-[0-9]{2}$`
	case apply.FieldTel:
		schema["pattern"] = `^[+()0-9 .-]{7,}$`
	}
	return schema
}

// validateValue checks value against the field's constraints. It returns a
// human-readable reason when invalid.
func validateValue(f apply.Field, value string) (string, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(fieldSchema(f)),
		gojsonschema.NewGoLoader(value),
	)
	if err != nil {
		return "", fmt.Errorf("validate %s: %w", f.Name, err)
	}
	if result.Valid() {
		return "", nil
	}
	reasons := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		reasons[i] = desc.Description()
	}
	return strings.Join(reasons, "; "), nil
}
