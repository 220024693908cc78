package invoker

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// MCPHints is the decoded skill.metadata.mcp block.
type MCPHints struct {
	Action      string `mapstructure:"action"` // list_resources, fetch_resource, call_tool
	Server      string `mapstructure:"server"`
	ResourceURI string `mapstructure:"resource_uri"`
	Tool        string `mapstructure:"tool"`
}

// Hints are the known invoker-facing keys of skill metadata. Unknown keys
// pass through untouched in Rest.
type Hints struct {
	ExecutionMode string         `mapstructure:"execution_mode"`
	InvokerType   string         `mapstructure:"invoker_type"`
	TimeoutMS     int            `mapstructure:"timeout_ms"`
	MCP           *MCPHints      `mapstructure:"mcp"`
	Rest          map[string]any `mapstructure:",remain"`
}

// DecodeHints decodes a skill metadata map into typed hints.
func DecodeHints(metadata map[string]any) (Hints, error) {
	var hints Hints
	if len(metadata) == 0 {
		return hints, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &hints,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return hints, fmt.Errorf("failed to build metadata decoder: %w", err)
	}
	if err := decoder.Decode(metadata); err != nil {
		return hints, fmt.Errorf("failed to decode skill metadata: %w", err)
	}
	return hints, nil
}
