package index

// SuggestField is the completion field used for autocomplete.
const SuggestField = "name_suggest"

// SearchFields are the fields a full-text query runs over.
var SearchFields = []string{"name", "price", "sku", "category", "brand", "ean"}

// SuggestFieldMapping returns the completion field definition.
func SuggestFieldMapping() map[string]any {
	return map[string]any{
		"type":                         "completion",
		"analyzer":                     "simple",
		"preserve_separators":          true,
		"preserve_position_increments": true,
		"max_input_length":             50,
	}
}

// Properties returns the field mappings of a product index generation.
// Documents written by older deployments rely on these types, so they
// must not change.
func Properties() map[string]any {
	text := func() map[string]any { return map[string]any{"type": "text"} }
	return map[string]any{
		"id":         map[string]any{"type": "long"},
		"name":       text(),
		"price":      text(),
		"sku":        text(),
		"mats_id":    text(),
		"category":   text(),
		"brand":      text(),
		"gender":     text(),
		"ean":        text(),
		SuggestField: SuggestFieldMapping(),
	}
}

// FieldType returns the "type" of a field mapping, or "" when absent.
func FieldType(mapping any) string {
	m, ok := mapping.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := m["type"].(string)
	return t
}
