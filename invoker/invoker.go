// Package invoker is the dispatch layer that actually runs a skill.
// Variants: placeholder (stub), LLM-backed, MCP-backed, and composite.
// Every invoker enforces the same pipeline: validate input against the
// skill's input schema, execute, validate output, and leave digesting and
// record-keeping to the orchestrator.
package invoker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/atelierhq/atelier/registry"
	"github.com/atelierhq/atelier/schema"
)

// Request is one skill invocation: the validated input plus the agent-side
// context the backend may draw on. Only Input is validated against the
// skill's input schema and only Input feeds the reuse digest; the context
// maps are advisory material for context-aware backends (the LLM invoker
// renders them into its prompt).
type Request struct {
	Input          map[string]any
	ProjectContext map[string]any
	SharedContext  map[string]any
}

// Invoker dispatches a selected skill to a concrete backend. Invokers MAY
// be called multiple times for the same input; skill side_effects declare
// whether repetition is safe.
type Invoker interface {
	Name() string
	Supports(skill registry.Skill) bool
	Invoke(ctx context.Context, skill registry.Skill, req Request) (map[string]any, error)
}

// run wraps an execution function with the shared validate-execute-validate
// pipeline and enforces metadata.timeout_ms when present.
func run(
	ctx context.Context,
	invokerName string,
	skill registry.Skill,
	input map[string]any,
	exec func(ctx context.Context) (map[string]any, error),
) (map[string]any, error) {
	if err := schema.Validate(anyMap(input), skill.InputSchema); err != nil {
		return nil, newError(KindValidation, invokerName, skill.ID, "input rejected", err)
	}

	hints, err := DecodeHints(skill.Metadata)
	if err != nil {
		return nil, newError(KindValidation, invokerName, skill.ID, "bad metadata", err)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if hints.TimeoutMS > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(hints.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	output, err := exec(execCtx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return nil, newError(KindTimeout, invokerName, skill.ID, "execution exceeded timeout", err)
		case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
			return nil, newError(KindCancelled, invokerName, skill.ID, "execution cancelled", err)
		default:
			if invErr := (*Error)(nil); errors.As(err, &invErr) {
				return nil, err
			}
			return nil, newError(KindExecution, invokerName, skill.ID, "backend failure", err)
		}
	}

	if err := schema.Validate(anyMap(output), skill.OutputSchema); err != nil {
		return nil, newError(KindValidation, invokerName, skill.ID, "output rejected", err)
	}
	return output, nil
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ============================================================================
// DIGESTS
// ============================================================================

// Digest computes a stable content digest of a skill input or output:
// sha256 over canonical JSON with sorted keys.
func Digest(value map[string]any) string {
	canonical := canonicalize(value)
	data, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalize rewrites maps into key-sorted slices so marshaling is
// order-independent.
func canonicalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, canonicalize(v[k]))
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = canonicalize(elem)
		}
		return out
	default:
		return v
	}
}
