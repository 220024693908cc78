// Package selector picks the best-matching skill for a task given the
// role's expanded requirement set, tracker history, and the stage's
// declared execution mode.
package selector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atelierhq/atelier/registry"
	"github.com/atelierhq/atelier/tracker"
)

// ============================================================================
// SCORING WEIGHTS
// ============================================================================

const (
	weightAffinity = 0.5
	weightRole     = 0.2
	weightHistory  = 0.2
	modeFitBoost   = 0.1
)

// Mode selects between single-best and ranked selection.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeTopN   Mode = "topN"
)

// NoSkillAvailableError is returned when every candidate scores zero.
// Recoverable: the agent may re-prompt with a broader description once.
type NoSkillAvailableError struct {
	TaskDescription string
	RoleID          string
}

func (e *NoSkillAvailableError) Error() string {
	return fmt.Sprintf("[selector:Select] no skill available for role '%s' and task %q",
		e.RoleID, e.TaskDescription)
}

// Scored pairs a candidate with its computed score.
type Scored struct {
	Skill registry.Skill
	Score float64

	// minLevel is the requirement level the role satisfies for this
	// skill; used for deterministic tie-breaking.
	minLevel int
}

// Selector scores and ranks candidate skills.
type Selector struct {
	reg     *registry.Registry
	tracker *tracker.Tracker
}

func New(reg *registry.Registry, tr *tracker.Tracker) *Selector {
	return &Selector{reg: reg, tracker: tr}
}

// Select returns the single best skill for the task. Determinism: with a
// fixed tracker state and task description the result never changes.
func (s *Selector) Select(taskDescription string, role registry.Role, stageMode string) (registry.Skill, error) {
	ranked := s.Rank(taskDescription, role, stageMode, 1)
	if len(ranked) == 0 {
		return registry.Skill{}, &NoSkillAvailableError{
			TaskDescription: taskDescription,
			RoleID:          role.ID,
		}
	}
	return ranked[0].Skill, nil
}

// Rank returns up to n candidates ordered by descending score. Candidates
// scoring zero are excluded.
func (s *Selector) Rank(taskDescription string, role registry.Role, stageMode string, n int) []Scored {
	reqs := s.reg.SkillsForRole(role.ID)
	forbidden := make(map[string]bool, len(role.Constraints.ForbiddenActions))
	for _, action := range role.Constraints.ForbiddenActions {
		forbidden[action] = true
	}

	taskTokens := tokenize(taskDescription)

	var candidates []Scored
	for _, req := range reqs {
		skill, ok := s.reg.GetSkill(req.SkillID)
		if !ok {
			continue // registry validation makes this unreachable
		}

		// Constraint compatibility is a strict gate.
		if conflictsWithRole(skill, forbidden) {
			continue
		}

		affinity := affinityScore(taskTokens, skill)
		history := s.tracker.ScoreOf(skill.ID)

		score := weightAffinity*affinity + weightRole*1.0 + weightHistory*history
		if stageMode != "" && executionMode(skill) == stageMode {
			score += modeFitBoost
		}
		if score <= 0 {
			continue
		}

		candidates = append(candidates, Scored{
			Skill:    skill,
			Score:    score,
			minLevel: req.MinLevel,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].minLevel != candidates[j].minLevel {
			return candidates[i].minLevel > candidates[j].minLevel
		}
		return candidates[i].Skill.ID < candidates[j].Skill.ID
	})

	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// ============================================================================
// SCORE COMPONENTS
// ============================================================================

// affinityScore is the token-overlap affinity between the task description
// and the skill's name, description, and dimensions: the fraction of task
// tokens that appear in the skill's vocabulary.
func affinityScore(taskTokens []string, skill registry.Skill) float64 {
	if len(taskTokens) == 0 {
		return 0
	}

	vocab := make(map[string]bool)
	for _, tok := range tokenize(skill.Name) {
		vocab[tok] = true
	}
	for _, tok := range tokenize(skill.Description) {
		vocab[tok] = true
	}
	for _, dim := range skill.Dimensions {
		for _, tok := range tokenize(dim) {
			vocab[tok] = true
		}
	}

	matched := 0
	for _, tok := range taskTokens {
		if vocab[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(taskTokens))
}

func conflictsWithRole(skill registry.Skill, forbidden map[string]bool) bool {
	for _, cap := range skill.ExecutionCapabilities {
		if forbidden[cap] {
			return true
		}
	}
	return false
}

func executionMode(skill registry.Skill) string {
	if skill.Metadata == nil {
		return ""
	}
	mode, _ := skill.Metadata["execution_mode"].(string)
	return mode
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
