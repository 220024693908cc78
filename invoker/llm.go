package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/events"
	"github.com/atelierhq/atelier/llms"
	"github.com/atelierhq/atelier/registry"
)

// LLM serializes the skill description, input, and context into a prompt,
// delegates to the configured provider, and parses the response against
// the skill's output schema.
type LLM struct {
	provider llms.Provider
	sink     events.Sink
	opts     llms.Options
}

func NewLLM(provider llms.Provider, sink events.Sink, opts llms.Options) *LLM {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &LLM{provider: provider, sink: sink, opts: opts}
}

func (l *LLM) Name() string { return "llm" }

// Supports accepts cognitive and hybrid skills when a provider is wired.
func (l *LLM) Supports(skill registry.Skill) bool {
	if l.provider == nil {
		return false
	}
	return skill.Type == registry.SkillTypeCognitive || skill.Type == registry.SkillTypeHybrid
}

func (l *LLM) Invoke(ctx context.Context, skill registry.Skill, req Request) (map[string]any, error) {
	if l.provider == nil {
		return nil, newError(KindExecution, l.Name(), skill.ID, "no LLM provider configured", nil)
	}

	return run(ctx, l.Name(), skill, req.Input, func(execCtx context.Context) (map[string]any, error) {
		prompt, err := buildPrompt(skill, req)
		if err != nil {
			return nil, err
		}

		var response string
		if l.opts.Stream {
			response, err = l.generateStreaming(execCtx, skill, prompt)
		} else {
			response, err = l.provider.Generate(execCtx, prompt, l.opts)
		}
		if err != nil {
			return nil, err
		}

		return parseResponse(skill, response)
	})
}

func (l *LLM) generateStreaming(ctx context.Context, skill registry.Skill, prompt string) (string, error) {
	chunks, err := l.provider.GenerateStreaming(ctx, prompt, l.opts)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	for chunk := range chunks {
		full.WriteString(chunk)
		l.sink.Emit(events.Event{
			Type:      events.SkillProgress,
			Timestamp: time.Now(),
			Payload: map[string]any{
				"skill_id": skill.ID,
				"chunk":    chunk,
			},
		})
	}
	return full.String(), nil
}

// buildPrompt serializes the skill description, the input, and the
// agent-side context into the prompt. Shared context is how artifacts from
// earlier stages and collaborating agents reach the model.
func buildPrompt(skill registry.Skill, req Request) (string, error) {
	inputJSON, err := json.MarshalIndent(req.Input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize input: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are executing the skill %q.\n\n", skill.Name)
	fmt.Fprintf(&b, "Skill description:\n%s\n\n", skill.Description)
	fmt.Fprintf(&b, "Input:\n%s\n\n", inputJSON)
	if len(req.ProjectContext) > 0 {
		projectJSON, err := json.MarshalIndent(req.ProjectContext, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to serialize project context: %w", err)
		}
		fmt.Fprintf(&b, "Project context:\n%s\n\n", projectJSON)
	}
	if len(req.SharedContext) > 0 {
		sharedJSON, err := json.MarshalIndent(req.SharedContext, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to serialize shared context: %w", err)
		}
		fmt.Fprintf(&b, "Shared context (artifacts from collaborating agents):\n%s\n\n", sharedJSON)
	}
	if len(skill.OutputSchema) > 0 {
		schemaJSON, err := json.MarshalIndent(skill.OutputSchema, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to serialize output schema: %w", err)
		}
		fmt.Fprintf(&b, "Respond with a single JSON object matching this schema:\n%s\n", schemaJSON)
	} else {
		b.WriteString("Respond with a single JSON object holding your result under the key \"result\".\n")
	}
	return b.String(), nil
}

// parseResponse extracts the first JSON object from the response text.
// Models often wrap JSON in prose or code fences.
func parseResponse(skill registry.Skill, response string) (map[string]any, error) {
	text := strings.TrimSpace(response)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, newError(KindValidation, "llm", skill.ID,
			"response is not a JSON object", err)
	}
	return out, nil
}
