package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Generate derives a JSON schema from a Go type using struct tags.
//
// Supported tags:
//   - json:"name" - property name
//   - json:",omitempty" - optional property
//   - jsonschema:"required" - explicitly mark as required
//   - jsonschema:"description=..." - property description
//   - jsonschema:"enum=a|b" - allowed values
//   - jsonschema:"minimum=N,maximum=M" - numeric constraints
func Generate[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	generated := reflector.Reflect(new(T))
	data, err := json.Marshal(generated)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generated schema: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal generated schema: %w", err)
	}
	return out, nil
}
