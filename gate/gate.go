// Package gate evaluates a stage's declared quality gates against produced
// artifacts and shared state. Evaluation is total: all gates run even after
// a failure, so findings are complete.
package gate

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/atelierhq/atelier/registry"
)

// Finding is the outcome of evaluating one gate.
type Finding struct {
	GateID   string            `json:"gate_id"`
	Kind     registry.GateKind `json:"kind"`
	Passed   bool              `json:"passed"`
	Blocking bool              `json:"blocking"`
	Message  string            `json:"message"`
}

// Predicate is a registered custom check over stage outputs and shared
// context. The returned string is a human-readable detail.
type Predicate func(outputs map[string]any, shared map[string]any) (bool, string, error)

// Evaluator resolves and runs quality gates.
type Evaluator struct {
	predicates map[string]Predicate
}

func NewEvaluator() *Evaluator {
	return &Evaluator{predicates: make(map[string]Predicate)}
}

// RegisterPredicate installs a custom predicate under an id. Gates
// referencing unregistered ids are rejected by the registry at load time.
func (e *Evaluator) RegisterPredicate(id string, fn Predicate) error {
	if id == "" {
		return fmt.Errorf("predicate id cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("predicate '%s' cannot be nil", id)
	}
	if _, exists := e.predicates[id]; exists {
		return fmt.Errorf("predicate '%s' already registered", id)
	}
	e.predicates[id] = fn
	return nil
}

// PredicateIDs returns the registered ids, for registry validation.
func (e *Evaluator) PredicateIDs() []string {
	out := make([]string, 0, len(e.predicates))
	for id := range e.predicates {
		out = append(out, id)
	}
	return out
}

// Evaluate runs every gate declared on the stage in declaration order.
// The boolean result is false when any blocking gate failed; non-blocking
// failures appear in findings as warnings only.
func (e *Evaluator) Evaluate(stage registry.Stage, outputs map[string]any, shared map[string]any) (bool, []Finding) {
	pass := true
	findings := make([]Finding, 0, len(stage.QualityGates))

	for _, g := range stage.QualityGates {
		ok, message := e.evaluateGate(g, outputs, shared)
		findings = append(findings, Finding{
			GateID:   g.ID,
			Kind:     g.Kind,
			Passed:   ok,
			Blocking: g.Blocking,
			Message:  message,
		})
		if !ok && g.Blocking {
			pass = false
		}
	}
	return pass, findings
}

func (e *Evaluator) evaluateGate(g registry.QualityGate, outputs, shared map[string]any) (bool, string) {
	switch g.Kind {
	case registry.GateArtifactExists:
		return evalArtifactExists(g, outputs)
	case registry.GateRegexMatch:
		return evalRegexMatch(g, outputs)
	case registry.GateCountThreshold:
		return evalCountThreshold(g, outputs)
	case registry.GateCustomPredicate:
		return e.evalCustomPredicate(g, outputs, shared)
	default:
		return false, fmt.Sprintf("unknown gate kind '%s'", g.Kind)
	}
}

func evalArtifactExists(g registry.QualityGate, outputs map[string]any) (bool, string) {
	name, _ := g.Parameters["output"].(string)
	value, present := outputs[name]
	if !present || isEmpty(value) {
		return false, fmt.Sprintf("artifact_exists(%s) failed: output missing or empty", name)
	}
	return true, fmt.Sprintf("artifact_exists(%s) passed", name)
}

func evalRegexMatch(g registry.QualityGate, outputs map[string]any) (bool, string) {
	name, _ := g.Parameters["output"].(string)
	pattern, _ := g.Parameters["pattern"].(string)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Sprintf("regex_match(%s) failed: bad pattern %q: %v", name, pattern, err)
	}
	text := stringify(outputs[name])
	if !re.MatchString(text) {
		return false, fmt.Sprintf("regex_match(%s) failed: %q does not match %q", name, text, pattern)
	}
	return true, fmt.Sprintf("regex_match(%s) passed", name)
}

func evalCountThreshold(g registry.QualityGate, outputs map[string]any) (bool, string) {
	name, _ := g.Parameters["output"].(string)
	threshold, hasThreshold := toFloat(g.Parameters["threshold"])
	if !hasThreshold {
		return false, fmt.Sprintf("count_threshold(%s) failed: threshold parameter missing", name)
	}
	value, ok := toFloat(outputs[name])
	if !ok {
		return false, fmt.Sprintf("count_threshold(%s) failed: output is not numeric", name)
	}
	if value < threshold {
		return false, fmt.Sprintf("count_threshold(%s) failed: %v < %v", name, value, threshold)
	}
	return true, fmt.Sprintf("count_threshold(%s) passed: %v >= %v", name, value, threshold)
}

func (e *Evaluator) evalCustomPredicate(g registry.QualityGate, outputs, shared map[string]any) (bool, string) {
	id, _ := g.Parameters["predicate"].(string)
	fn, ok := e.predicates[id]
	if !ok {
		// Registry validation rejects these at load; reaching here means
		// the evaluator and registry disagree.
		return false, fmt.Sprintf("custom_predicate(%s) failed: predicate not registered", id)
	}
	pass, detail, err := fn(outputs, shared)
	if err != nil {
		return false, fmt.Sprintf("custom_predicate(%s) failed: %v", id, err)
	}
	if !pass {
		return false, fmt.Sprintf("custom_predicate(%s) failed: %s", id, detail)
	}
	return true, fmt.Sprintf("custom_predicate(%s) passed", id)
}

// ============================================================================
// VALUE HELPERS
// ============================================================================

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}
