package invoker

import (
	"context"
	"fmt"

	"github.com/atelierhq/atelier/registry"
)

// Composite dispatches to an ordered list of invokers. When a skill sets
// metadata.invoker_type it routes directly; otherwise the first invoker
// whose Supports returns true wins.
type Composite struct {
	invokers []Invoker
	byName   map[string]Invoker
}

func NewComposite(invokers ...Invoker) *Composite {
	byName := make(map[string]Invoker, len(invokers))
	for _, inv := range invokers {
		byName[inv.Name()] = inv
	}
	return &Composite{invokers: invokers, byName: byName}
}

func (c *Composite) Name() string { return "composite" }

func (c *Composite) Supports(skill registry.Skill) bool {
	_, err := c.resolve(skill)
	return err == nil
}

func (c *Composite) Invoke(ctx context.Context, skill registry.Skill, req Request) (map[string]any, error) {
	target, err := c.resolve(skill)
	if err != nil {
		return nil, err
	}
	return target.Invoke(ctx, skill, req)
}

func (c *Composite) resolve(skill registry.Skill) (Invoker, error) {
	hints, err := DecodeHints(skill.Metadata)
	if err != nil {
		return nil, newError(KindValidation, c.Name(), skill.ID, "bad metadata", err)
	}

	if hints.InvokerType != "" {
		target, ok := c.byName[hints.InvokerType]
		if !ok {
			return nil, newError(KindExecution, c.Name(), skill.ID,
				fmt.Sprintf("invoker_type %q not registered", hints.InvokerType), nil)
		}
		return target, nil
	}

	for _, inv := range c.invokers {
		if inv.Supports(skill) {
			return inv, nil
		}
	}
	return nil, newError(KindExecution, c.Name(), skill.ID, "no invoker supports this skill", nil)
}
