package providers

// CleanSchemaForProvider adapts a tool's JSON Schema parameters to the
// quirks of a specific provider's function-calling implementation.
// Anthropic rejects "$schema"/"title"/"default" at the top level and
// OpenAI's strict mode requires every object to declare
// "additionalProperties": false, so each provider gets its own pass
// instead of a single lowest-common-denominator schema.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	cleaned := cloneSchema(schema)

	switch provider {
	case "anthropic":
		stripAnthropicKeywords(cleaned)
	case "openai":
		enforceOpenAIStrictness(cleaned)
	}
	return cleaned
}

// cloneSchema deep-copies a schema tree so provider-specific mutation
// never leaks back into the tool registry's shared definition.
func cloneSchema(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = cloneSchemaValue(v)
	}
	return out
}

func cloneSchemaValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneSchema(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneSchemaValue(item)
		}
		return out
	default:
		return val
	}
}

// CleanToolSchemas renders a batch of tool definitions in OpenAI's
// function-calling wire shape, applying the same provider-specific
// parameter cleaning as CleanSchemaForProvider.
func CleanToolSchemas(provider string, defs []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(defs))
	for _, t := range defs {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}

var anthropicUnsupportedKeywords = []string{"$schema", "title", "default", "examples"}

func stripAnthropicKeywords(schema map[string]interface{}) {
	for _, key := range anthropicUnsupportedKeywords {
		delete(schema, key)
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for _, prop := range props {
			if nested, ok := prop.(map[string]interface{}); ok {
				stripAnthropicKeywords(nested)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		stripAnthropicKeywords(items)
	}
}

func enforceOpenAIStrictness(schema map[string]interface{}) {
	if schema["type"] == "object" {
		if _, ok := schema["additionalProperties"]; !ok {
			schema["additionalProperties"] = false
		}
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			for _, prop := range props {
				if nested, ok := prop.(map[string]interface{}); ok {
					enforceOpenAIStrictness(nested)
				}
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		enforceOpenAIStrictness(items)
	}
}
