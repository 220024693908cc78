package invoker

import (
	"context"
	"fmt"

	"github.com/atelierhq/atelier/registry"
)

// Placeholder echoes a structured stub honoring the skill's output schema.
// Used in tests and whenever no backend is available.
type Placeholder struct {
	// responses overrides the stub output per skill id.
	responses map[string]map[string]any
}

func NewPlaceholder() *Placeholder {
	return &Placeholder{responses: make(map[string]map[string]any)}
}

// WithResponse pins the output for one skill; returns the receiver for
// chaining in test setup.
func (p *Placeholder) WithResponse(skillID string, output map[string]any) *Placeholder {
	p.responses[skillID] = output
	return p
}

func (p *Placeholder) Name() string { return "placeholder" }

// Supports accepts every skill; the placeholder is the dispatch of last
// resort in a composite.
func (p *Placeholder) Supports(registry.Skill) bool { return true }

func (p *Placeholder) Invoke(ctx context.Context, skill registry.Skill, req Request) (map[string]any, error) {
	return run(ctx, p.Name(), skill, req.Input, func(context.Context) (map[string]any, error) {
		if pinned, ok := p.responses[skill.ID]; ok {
			return pinned, nil
		}
		return stubOutput(skill), nil
	})
}

// stubOutput builds an output satisfying the skill's output schema: one
// zero-ish value per declared property, or {"result": "<stub:id>"} when no
// schema constrains the shape.
func stubOutput(skill registry.Skill) map[string]any {
	properties, _ := skill.OutputSchema["properties"].(map[string]any)
	if len(properties) == 0 {
		return map[string]any{"result": fmt.Sprintf("<stub:%s>", skill.ID)}
	}

	out := make(map[string]any, len(properties))
	for name, raw := range properties {
		ps, _ := raw.(map[string]any)
		out[name] = stubValue(ps, skill.ID)
	}
	return out
}

func stubValue(propSchema map[string]any, skillID string) any {
	if enum, ok := propSchema["enum"].([]any); ok && len(enum) > 0 {
		return enum[0]
	}
	typ, _ := propSchema["type"].(string)
	switch typ {
	case "number", "integer":
		if min, ok := propSchema["minimum"]; ok {
			return min
		}
		return 0
	case "boolean":
		return true
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return fmt.Sprintf("<stub:%s>", skillID)
	}
}
