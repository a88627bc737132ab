package llm

// BuildCourseJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a
// generic map. We pass it to the extraction service as an output constraint
// and also use it locally to validate the response.
//
// Event timestamps are schema-checked only for shape; full parsing happens
// in normalization so one bad event can be dropped without failing the
// whole document.
func BuildCourseJSONSchema() map[string]any {
	event := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"title":       map[string]any{"type": "string", "minLength": 1},
			"category":    map[string]any{"type": "string", "minLength": 1},
			"start":       map[string]any{"type": "string", "minLength": 4},
			"end":         map[string]any{"type": "string"},
			"location":    map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
		},
		"required": []string{"title", "start"},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"title":  map[string]any{"type": "string", "minLength": 1},
			"term":   map[string]any{"type": "string"},
			"code":   map[string]any{"type": "string"},
			"events": map[string]any{"type": "array", "items": event},
		},
		"required": []string{"title", "events"},
	}
}
