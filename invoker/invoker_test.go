package invoker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/llms"
	"github.com/atelierhq/atelier/registry"
)

func testSkill() registry.Skill {
	return registry.Skill{
		ID:   "s1",
		Name: "Stub skill",
		Type: registry.SkillTypeProcedural,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"task"},
			"properties": map[string]any{
				"task": map[string]any{"type": "string"},
			},
		},
		OutputSchema: map[string]any{
			"type":     "object",
			"required": []any{"result"},
			"properties": map[string]any{
				"result": map[string]any{"type": "string"},
			},
		},
	}
}

func TestPlaceholder_HonorsOutputSchema(t *testing.T) {
	p := NewPlaceholder()
	out, err := p.Invoke(context.Background(), testSkill(), Request{Input: map[string]any{"task": "demo"}})
	require.NoError(t, err)
	assert.IsType(t, "", out["result"])
	assert.NotEmpty(t, out["result"])
}

func TestPlaceholder_PinnedResponse(t *testing.T) {
	p := NewPlaceholder().WithResponse("s1", map[string]any{"result": "pinned"})
	out, err := p.Invoke(context.Background(), testSkill(), Request{Input: map[string]any{"task": "demo"}})
	require.NoError(t, err)
	assert.Equal(t, "pinned", out["result"])
}

func TestRun_InputValidation(t *testing.T) {
	p := NewPlaceholder()
	_, err := p.Invoke(context.Background(), testSkill(), Request{Input: map[string]any{"wrong": true}})

	var invErr *Error
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, KindValidation, invErr.Kind)
}

func TestRun_OutputValidation(t *testing.T) {
	p := NewPlaceholder().WithResponse("s1", map[string]any{"result": 42})
	_, err := p.Invoke(context.Background(), testSkill(), Request{Input: map[string]any{"task": "demo"}})

	var invErr *Error
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, KindValidation, invErr.Kind)
}

func TestRun_TimeoutFromMetadata(t *testing.T) {
	skill := testSkill()
	skill.Metadata = map[string]any{"timeout_ms": 20}

	_, err := run(context.Background(), "test", skill, map[string]any{"task": "demo"},
		func(ctx context.Context) (map[string]any, error) {
			select {
			case <-time.After(time.Second):
				return map[string]any{"result": "late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})

	var invErr *Error
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, KindTimeout, invErr.Kind)
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := run(ctx, "test", testSkill(), map[string]any{"task": "demo"},
		func(ctx context.Context) (map[string]any, error) {
			return nil, ctx.Err()
		})

	var invErr *Error
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, KindCancelled, invErr.Kind)
}

func TestDecodeHints_KnownAndRemainKeys(t *testing.T) {
	hints, err := DecodeHints(map[string]any{
		"execution_mode": "analysis",
		"invoker_type":   "mcp",
		"timeout_ms":     1500,
		"mcp": map[string]any{
			"action": "call_tool",
			"server": "files",
			"tool":   "read",
		},
		"custom_key": "passthrough",
	})
	require.NoError(t, err)

	assert.Equal(t, "analysis", hints.ExecutionMode)
	assert.Equal(t, "mcp", hints.InvokerType)
	assert.Equal(t, 1500, hints.TimeoutMS)
	require.NotNil(t, hints.MCP)
	assert.Equal(t, "call_tool", hints.MCP.Action)
	assert.Equal(t, "files", hints.MCP.Server)
	assert.Equal(t, "passthrough", hints.Rest["custom_key"])
}

func TestComposite_RoutesByInvokerType(t *testing.T) {
	placeholder := NewPlaceholder().WithResponse("s1", map[string]any{"result": "from placeholder"})
	c := NewComposite(placeholder)

	skill := testSkill()
	skill.Metadata = map[string]any{"invoker_type": "placeholder"}

	out, err := c.Invoke(context.Background(), skill, Request{Input: map[string]any{"task": "demo"}})
	require.NoError(t, err)
	assert.Equal(t, "from placeholder", out["result"])
}

func TestComposite_UnknownInvokerType(t *testing.T) {
	c := NewComposite(NewPlaceholder())

	skill := testSkill()
	skill.Metadata = map[string]any{"invoker_type": "ghost"}

	_, err := c.Invoke(context.Background(), skill, Request{Input: map[string]any{"task": "demo"}})
	var invErr *Error
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, KindExecution, invErr.Kind)
}

func TestComposite_FirstSupportingInvokerWins(t *testing.T) {
	mcp := NewMCP(nil) // no client: Supports is always false
	placeholder := NewPlaceholder().WithResponse("s1", map[string]any{"result": "fallback"})
	c := NewComposite(mcp, placeholder)

	out, err := c.Invoke(context.Background(), testSkill(), Request{Input: map[string]any{"task": "demo"}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out["result"])
}

// fakeMCP records calls and returns canned results.
type fakeMCP struct {
	lastServer string
	lastTool   string
	lastArgs   map[string]any
}

func (f *fakeMCP) ListResources(_ context.Context, server string) ([]string, error) {
	f.lastServer = server
	return []string{"res://a", "res://b"}, nil
}

func (f *fakeMCP) FetchResource(_ context.Context, server, uri string) (map[string]any, error) {
	f.lastServer = server
	return map[string]any{"uri": uri, "content": "data"}, nil
}

func (f *fakeMCP) CallTool(_ context.Context, server, tool string, args map[string]any) (map[string]any, error) {
	f.lastServer = server
	f.lastTool = tool
	f.lastArgs = args
	return map[string]any{"result": "tool output"}, nil
}

func TestMCP_Actions(t *testing.T) {
	fake := &fakeMCP{}
	m := NewMCP(fake)

	skill := registry.Skill{
		ID: "mcp-skill",
		Metadata: map[string]any{
			"mcp": map[string]any{"action": "list_resources", "server": "files"},
		},
	}
	require.True(t, m.Supports(skill))

	out, err := m.Invoke(context.Background(), skill, Request{})
	require.NoError(t, err)
	assert.Equal(t, "files", fake.lastServer)
	assert.Len(t, out["resources"], 2)

	skill.Metadata = map[string]any{
		"mcp": map[string]any{"action": "call_tool", "server": "files", "tool": "read"},
	}
	out, err = m.Invoke(context.Background(), skill, Request{Input: map[string]any{"path": "/tmp/x"}})
	require.NoError(t, err)
	assert.Equal(t, "read", fake.lastTool)
	assert.Equal(t, "/tmp/x", fake.lastArgs["path"])
	assert.Equal(t, "tool output", out["result"])

	skill.Metadata = map[string]any{
		"mcp": map[string]any{"action": "fetch_resource", "server": "files", "resource_uri": "res://a"},
	}
	out, err = m.Invoke(context.Background(), skill, Request{})
	require.NoError(t, err)
	assert.Equal(t, "res://a", out["uri"])
}

// fakeProvider captures the prompt and returns a canned JSON reply.
type fakeProvider struct {
	lastPrompt string
	reply      string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(_ context.Context, prompt string, _ llms.Options) (string, error) {
	f.lastPrompt = prompt
	return f.reply, nil
}

func (f *fakeProvider) GenerateStreaming(ctx context.Context, prompt string, opts llms.Options) (<-chan string, error) {
	out := make(chan string, 1)
	f.lastPrompt = prompt
	out <- f.reply
	close(out)
	return out, nil
}

func TestLLM_PromptCarriesSharedAndProjectContext(t *testing.T) {
	provider := &fakeProvider{reply: `{"result": "reviewed"}`}
	l := NewLLM(provider, nil, llms.Options{})

	skill := testSkill()
	skill.Type = registry.SkillTypeCognitive
	skill.Description = "critique the produced artifact"

	out, err := l.Invoke(context.Background(), skill, Request{
		Input:          map[string]any{"task": "review the artifact"},
		ProjectContext: map[string]any{"repo": "atelier"},
		SharedContext:  map[string]any{"build-artifact": "binary v1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "reviewed", out["result"])

	// Artifacts shared by earlier stages must reach the model.
	assert.Contains(t, provider.lastPrompt, "review the artifact")
	assert.Contains(t, provider.lastPrompt, "build-artifact")
	assert.Contains(t, provider.lastPrompt, "binary v1")
	assert.Contains(t, provider.lastPrompt, `"repo": "atelier"`)
	assert.Contains(t, provider.lastPrompt, skill.Description)
}

func TestLLM_EmptyContextOmittedFromPrompt(t *testing.T) {
	provider := &fakeProvider{reply: `{"result": "done"}`}
	l := NewLLM(provider, nil, llms.Options{})

	skill := testSkill()
	skill.Type = registry.SkillTypeCognitive

	_, err := l.Invoke(context.Background(), skill, Request{
		Input: map[string]any{"task": "demo"},
	})
	require.NoError(t, err)
	assert.NotContains(t, provider.lastPrompt, "Project context:")
	assert.NotContains(t, provider.lastPrompt, "Shared context")
}

func TestDigest_OrderIndependentAndStable(t *testing.T) {
	a := Digest(map[string]any{"x": 1, "y": []any{"a", "b"}})
	b := Digest(map[string]any{"y": []any{"a", "b"}, "x": 1})
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)

	c := Digest(map[string]any{"x": 2, "y": []any{"a", "b"}})
	assert.NotEqual(t, a, c)
}

func TestDeterministicSkill_SameOutputDigest(t *testing.T) {
	p := NewPlaceholder()
	skill := testSkill()
	skill.Deterministic = true

	input := map[string]any{"task": "demo"}
	out1, err := p.Invoke(context.Background(), skill, Request{Input: input})
	require.NoError(t, err)
	out2, err := p.Invoke(context.Background(), skill, Request{Input: input})
	require.NoError(t, err)

	assert.Equal(t, Digest(out1), Digest(out2))
}
