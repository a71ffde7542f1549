package builtin

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// reflectSchema derives a tool argument schema from a Go struct. Required
// fields carry a `jsonschema:"required"` tag; descriptions come from the
// same tag.
func reflectSchema(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}

	// Providers reject schema metadata keys, so strip them.
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	delete(m, "$schema")
	delete(m, "$id")

	data, err = json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
