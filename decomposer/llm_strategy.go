package decomposer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/llms"
	"github.com/atelierhq/atelier/registry"
)

// LLMStrategy queries a provider with the goal, the available roles, and
// their capabilities, and parses the reply into tasks. Any failure lets
// the decomposer fall through to the rule strategy.
type LLMStrategy struct {
	provider llms.Provider
	opts     llms.Options
}

func NewLLMStrategy(provider llms.Provider, opts llms.Options) *LLMStrategy {
	return &LLMStrategy{provider: provider, opts: opts}
}

func (s *LLMStrategy) Name() string { return "llm" }

type llmTaskPlan struct {
	Tasks []struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		Role        string   `json:"role"`
		DependsOn   []string `json:"depends_on"`
	} `json:"tasks"`
}

func (s *LLMStrategy) Decompose(ctx context.Context, goal string, wf registry.Workflow, roles []registry.Role) ([]Task, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("no LLM provider configured")
	}
	if strings.TrimSpace(goal) == "" {
		return nil, nil
	}

	prompt, err := buildDecompositionPrompt(goal, wf, roles)
	if err != nil {
		return nil, err
	}

	response, err := s.provider.Generate(ctx, prompt, s.opts)
	if err != nil {
		return nil, fmt.Errorf("LLM decomposition failed: %w", err)
	}

	plan, err := parsePlan(response)
	if err != nil {
		return nil, err
	}

	roleIDs := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleIDs[r.ID] = true
	}

	tasks := make([]Task, 0, len(plan.Tasks))
	for i, raw := range plan.Tasks {
		task := Task{
			ID:          raw.ID,
			Description: raw.Description,
			DependsOn:   raw.DependsOn,
			Status:      TaskPending,
		}
		if task.ID == "" {
			task.ID = fmt.Sprintf("task-%d", i+1)
		}
		// Hallucinated roles fall back to post-processing assignment.
		if roleIDs[raw.Role] {
			task.RoleID = raw.Role
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func buildDecompositionPrompt(goal string, wf registry.Workflow, roles []registry.Role) (string, error) {
	type roleSummary struct {
		ID           string   `json:"id"`
		Description  string   `json:"description"`
		Capabilities []string `json:"capabilities"`
	}
	summaries := make([]roleSummary, 0, len(roles))
	for _, r := range roles {
		caps := make([]string, 0, len(r.RequiredSkills))
		for _, req := range r.RequiredSkills {
			caps = append(caps, req.SkillID)
		}
		summaries = append(summaries, roleSummary{
			ID:           r.ID,
			Description:  r.Description,
			Capabilities: caps,
		})
	}
	rolesJSON, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return "", err
	}

	stageNames := make([]string, 0, len(wf.Stages))
	for _, st := range wf.Stages {
		stageNames = append(stageNames, st.ID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Decompose the following goal into tasks.\n\nGoal: %s\n\n", goal)
	fmt.Fprintf(&b, "Available roles:\n%s\n\n", rolesJSON)
	fmt.Fprintf(&b, "Workflow stages: %s\n\n", strings.Join(stageNames, ", "))
	b.WriteString(`Respond with a single JSON object:
{"tasks": [{"id": "...", "description": "...", "role": "...", "depends_on": ["..."]}]}
Dependencies must form a DAG. Use only the listed role ids.`)
	return b.String(), nil
}

func parsePlan(response string) (*llmTaskPlan, error) {
	text := strings.TrimSpace(response)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}
	var plan llmTaskPlan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return nil, fmt.Errorf("LLM decomposition response is not valid JSON: %w", err)
	}
	return &plan, nil
}
