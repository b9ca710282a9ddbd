package tools

// JSON Schema helpers for tool inputs. Schemas are plain maps so they can be
// handed to any model provider and compiled by the registry.

// ObjectSchema creates an object schema. Unknown properties are rejected.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func property(typ, description string) map[string]interface{} {
	p := map[string]interface{}{"type": typ}
	if description != "" {
		p["description"] = description
	}
	return p
}

// StringProperty creates a string property.
func StringProperty(description string) map[string]interface{} {
	return property("string", description)
}

// NonEmptyStringProperty creates a string property that must not be empty.
func NonEmptyStringProperty(description string) map[string]interface{} {
	p := property("string", description)
	p["minLength"] = 1
	return p
}

// StringEnumProperty creates a string property with allowed values.
func StringEnumProperty(description string, values ...string) map[string]interface{} {
	p := property("string", description)
	p["enum"] = values
	return p
}

// IntegerProperty creates an integer property.
func IntegerProperty(description string) map[string]interface{} {
	return property("integer", description)
}

// IntegerRangeProperty creates an integer property bounded to [min, max].
func IntegerRangeProperty(description string, min, max int) map[string]interface{} {
	p := property("integer", description)
	p["minimum"] = min
	p["maximum"] = max
	return p
}

// ArrayProperty creates an array property with the given item schema.
func ArrayProperty(description string, items map[string]interface{}) map[string]interface{} {
	p := property("array", description)
	p["items"] = items
	return p
}

// WithThought adds the optional "thought" property to an object schema.
// The thought is logged with the call and never stored.
func WithThought(schema map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		result[k] = v
	}

	props := make(map[string]interface{})
	if existing, ok := result["properties"].(map[string]interface{}); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	props["thought"] = StringProperty("Why you are calling this tool and what you expect it to return.")
	result["properties"] = props
	return result
}

// BuildSchemaWithThought creates an ObjectSchema with thought support in one
// call.
func BuildSchemaWithThought(properties map[string]interface{}, required ...string) map[string]interface{} {
	return WithThought(ObjectSchema(properties, required...))
}
