package invoker

import (
	"context"
	"fmt"

	"github.com/atelierhq/atelier/registry"
)

// MCPClient is the injected MCP transport. Error semantics pass through as
// execution errors. The stdio adapter in mcpclient.go implements this over
// mcp-go; tests inject fakes.
type MCPClient interface {
	ListResources(ctx context.Context, server string) ([]string, error)
	FetchResource(ctx context.Context, server, uri string) (map[string]any, error)
	CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error)
}

// MCP honors skill.metadata.mcp by issuing the corresponding request to
// the injected client.
type MCP struct {
	client MCPClient
}

func NewMCP(client MCPClient) *MCP {
	return &MCP{client: client}
}

func (m *MCP) Name() string { return "mcp" }

// Supports accepts skills carrying an mcp metadata block, provided a
// client is wired.
func (m *MCP) Supports(skill registry.Skill) bool {
	if m.client == nil {
		return false
	}
	hints, err := DecodeHints(skill.Metadata)
	return err == nil && hints.MCP != nil
}

func (m *MCP) Invoke(ctx context.Context, skill registry.Skill, req Request) (map[string]any, error) {
	return run(ctx, m.Name(), skill, req.Input, func(execCtx context.Context) (map[string]any, error) {
		hints, err := DecodeHints(skill.Metadata)
		if err != nil {
			return nil, err
		}
		if hints.MCP == nil {
			return nil, newError(KindValidation, m.Name(), skill.ID, "skill has no mcp metadata", nil)
		}
		cfg := hints.MCP

		switch cfg.Action {
		case "list_resources":
			uris, err := m.client.ListResources(execCtx, cfg.Server)
			if err != nil {
				return nil, err
			}
			resources := make([]any, len(uris))
			for i, uri := range uris {
				resources[i] = uri
			}
			return map[string]any{"resources": resources}, nil

		case "fetch_resource":
			return m.client.FetchResource(execCtx, cfg.Server, cfg.ResourceURI)

		case "call_tool":
			args := req.Input
			if args == nil {
				args = map[string]any{}
			}
			return m.client.CallTool(execCtx, cfg.Server, cfg.Tool, args)

		default:
			return nil, newError(KindValidation, m.Name(), skill.ID,
				fmt.Sprintf("unknown mcp action %q", cfg.Action), nil)
		}
	})
}
