package invoker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPServerConfig describes one stdio MCP server.
type MCPServerConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// StdioMCPClient implements MCPClient over mcp-go stdio subprocess
// transport, one lazily-connected client per configured server.
type StdioMCPClient struct {
	mu      sync.Mutex
	servers map[string]MCPServerConfig
	clients map[string]*client.Client
}

func NewStdioMCPClient(servers map[string]MCPServerConfig) *StdioMCPClient {
	return &StdioMCPClient{
		servers: servers,
		clients: make(map[string]*client.Client),
	}
}

func convertEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (c *StdioMCPClient) connect(ctx context.Context, server string) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.clients[server]; ok {
		return existing, nil
	}
	cfg, ok := c.servers[server]
	if !ok {
		return nil, fmt.Errorf("mcp server %q not configured", server)
	}

	mcpClient, err := client.NewStdioMCPClient(cfg.Command, convertEnv(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "atelier",
		Version: Version,
	}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP: %w", err)
	}

	slog.Info("Connected to MCP server (stdio)",
		"server", server,
		"command", cfg.Command)

	c.clients[server] = mcpClient
	return mcpClient, nil
}

// Version identifies this client to MCP servers.
const Version = "0.1.0"

func (c *StdioMCPClient) ListResources(ctx context.Context, server string) ([]string, error) {
	mcpClient, err := c.connect(ctx, server)
	if err != nil {
		return nil, err
	}

	resp, err := mcpClient.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list_resources failed: %w", err)
	}

	uris := make([]string, 0, len(resp.Resources))
	for _, res := range resp.Resources {
		uris = append(uris, res.URI)
	}
	return uris, nil
}

func (c *StdioMCPClient) FetchResource(ctx context.Context, server, uri string) (map[string]any, error) {
	mcpClient, err := c.connect(ctx, server)
	if err != nil {
		return nil, err
	}

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	resp, err := mcpClient.ReadResource(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP fetch_resource failed: %w", err)
	}

	result := map[string]any{"uri": uri}
	var texts []string
	for _, content := range resp.Contents {
		if text, ok := content.(mcp.TextResourceContents); ok {
			texts = append(texts, text.Text)
		}
	}
	if len(texts) == 1 {
		result["content"] = texts[0]
	} else if len(texts) > 1 {
		result["contents"] = texts
	}
	return result, nil
}

func (c *StdioMCPClient) CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error) {
	mcpClient, err := c.connect(ctx, server)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call_tool failed: %w", err)
	}
	return parseToolResult(resp)
}

// parseToolResult flattens MCP text content into a result map.
func parseToolResult(resp *mcp.CallToolResult) (map[string]any, error) {
	result := make(map[string]any)
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	if resp.IsError {
		message := "unknown error"
		if len(texts) > 0 {
			message = texts[0]
		}
		return nil, fmt.Errorf("MCP tool error: %s", message)
	}

	if len(texts) == 1 {
		result["result"] = texts[0]
	} else if len(texts) > 1 {
		results := make([]any, len(texts))
		for i, t := range texts {
			results[i] = t
		}
		result["results"] = results
	}
	return result, nil
}

// Close shuts down every connected client.
func (c *StdioMCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for server, mcpClient := range c.clients {
		if err := mcpClient.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing MCP client %q: %w", server, err)
		}
		delete(c.clients, server)
	}
	return firstErr
}

var _ MCPClient = (*StdioMCPClient)(nil)
