// Package decomposer turns a user goal into tasks with role assignment and
// a dependency graph, topologically sorted into groups of mutually
// independent tasks.
package decomposer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/agent"
	"github.com/atelierhq/atelier/registry"
)

// ============================================================================
// TASK TYPES
// ============================================================================

// TaskStatus is the lifecycle state of a decomposed task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Task is a unit of work executed by a single agent.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	RoleID      string         `json:"role_id"`
	StageID     string         `json:"stage_id,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      TaskStatus     `json:"status"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
}

// Decomposition is the full plan for a goal. ExecutionOrder is a sequence
// of groups; within a group no task depends on another.
type Decomposition struct {
	Tasks          []Task              `json:"tasks"`
	ExecutionOrder [][]string          `json:"execution_order"`
	Graph          map[string][]string `json:"dependency_graph"`
}

// TaskByID looks a task up in the plan.
func (d *Decomposition) TaskByID(id string) *Task {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

// CyclicDecompositionError reports a dependency cycle among tasks.
type CyclicDecompositionError struct {
	Message string
}

func (e *CyclicDecompositionError) Error() string {
	return fmt.Sprintf("[decomposer:Decompose] cyclic decomposition: %s", e.Message)
}

// ============================================================================
// STRATEGIES
// ============================================================================

// Strategy produces raw tasks from a goal. Post-processing (role
// assignment, graph building, ordering) is identical for all strategies.
type Strategy interface {
	Name() string
	Decompose(ctx context.Context, goal string, wf registry.Workflow, roles []registry.Role) ([]Task, error)
}

// Decomposer selects a strategy and post-processes its output.
type Decomposer struct {
	strategies  []Strategy
	reg         *registry.Registry
	defaultRole string
}

// New builds a decomposer. Strategies are tried in order; the rule
// strategy is always appended as the fallback.
func New(reg *registry.Registry, defaultRole string, strategies ...Strategy) *Decomposer {
	all := append([]Strategy{}, strategies...)
	all = append(all, &RuleStrategy{})
	return &Decomposer{
		strategies:  all,
		reg:         reg,
		defaultRole: defaultRole,
	}
}

// Decompose runs the first strategy that succeeds, then assigns roles,
// validates the graph, and computes the execution order.
func (d *Decomposer) Decompose(ctx context.Context, goal string) (*Decomposition, error) {
	var tasks []Task
	var lastErr error
	for _, strategy := range d.strategies {
		result, err := strategy.Decompose(ctx, goal, d.reg.Workflow(), d.reg.Roles())
		if err != nil {
			lastErr = err
			continue
		}
		tasks = result
		lastErr = nil
		break
	}
	if lastErr != nil {
		return nil, fmt.Errorf("all decomposition strategies failed: %w", lastErr)
	}

	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = uuid.NewString()
		}
		if tasks[i].Status == "" {
			tasks[i].Status = TaskPending
		}
		if tasks[i].RoleID == "" {
			tasks[i].RoleID = d.assignRole(tasks[i].Description)
		}
	}

	graph := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		graph[t.ID] = append([]string{}, t.DependsOn...)
	}

	order, err := groupTopologically(tasks)
	if err != nil {
		return nil, err
	}

	return &Decomposition{
		Tasks:          tasks,
		ExecutionOrder: order,
		Graph:          graph,
	}, nil
}

// assignRole matches the task description against each role's expanded
// required skills; the best token overlap wins, ties break by role id, and
// no overlap falls back to the configured default role.
func (d *Decomposer) assignRole(description string) string {
	descTokens := tokenSet(description)

	bestRole := d.defaultRole
	bestScore := 0
	for _, role := range d.reg.Roles() {
		score := 0
		for _, req := range d.reg.SkillsForRole(role.ID) {
			skill, ok := d.reg.GetSkill(req.SkillID)
			if !ok {
				continue
			}
			vocab := tokenSet(skill.Name + " " + skill.Description + " " + strings.Join(skill.Dimensions, " "))
			for tok := range descTokens {
				if vocab[tok] {
					score++
				}
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && role.ID < bestRole) {
			bestScore = score
			bestRole = role.ID
		}
	}
	return bestRole
}

// ============================================================================
// TOPOLOGICAL GROUPING
// ============================================================================

// groupTopologically is Kahn's algorithm emitting level groups: each group
// holds tasks whose dependencies are satisfied by earlier groups, with no
// edges among themselves. Leftover tasks mean a cycle.
func groupTopologically(tasks []Task) ([][]string, error) {
	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}
	for _, t := range tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			if !known[dep] {
				return nil, &CyclicDecompositionError{
					Message: fmt.Sprintf("task '%s' depends on unknown task '%s'", t.ID, dep),
				}
			}
			inDegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var order [][]string
	remaining := len(tasks)
	ready := make([]string, 0, len(tasks))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		group := ready
		order = append(order, group)
		remaining -= len(group)

		var next []string
		for _, id := range group {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}

	if remaining != 0 {
		return nil, &CyclicDecompositionError{Message: "dependency cycle among tasks"}
	}
	return order, nil
}

func tokenSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(f) > 1 {
			out[f] = true
		}
	}
	return out
}

// ============================================================================
// RULE STRATEGY
// ============================================================================

// RuleStrategy is the always-available fallback: keyword mapping from goal
// phrases to workflow stages. A clause that matches a stage yields a task
// inheriting the stage's dependency edges; unmatched clauses chain
// sequentially in goal order.
type RuleStrategy struct{}

func (s *RuleStrategy) Name() string { return "rule" }

func (s *RuleStrategy) Decompose(_ context.Context, goal string, wf registry.Workflow, _ []registry.Role) ([]Task, error) {
	clauses := agent.SplitClauses(goal)
	if len(clauses) == 0 {
		return nil, nil
	}

	stageByClause := make([]*registry.Stage, len(clauses))
	for i, clause := range clauses {
		stageByClause[i] = matchStage(clause, wf.Stages)
	}

	stageTask := make(map[string]string) // stage id -> task id
	tasks := make([]Task, 0, len(clauses))
	for i, clause := range clauses {
		task := Task{
			ID:          fmt.Sprintf("task-%d", i+1),
			Description: clause,
			Status:      TaskPending,
		}
		if st := stageByClause[i]; st != nil {
			task.StageID = st.ID
			task.RoleID = st.RoleID
			stageTask[st.ID] = task.ID
		}
		tasks = append(tasks, task)
	}

	// Edges: stage-mapped tasks inherit stage dependencies where the
	// dependency also produced a task; unmapped tasks follow clause
	// order, which is how the goal reads.
	for i := range tasks {
		if st := stageByClause[i]; st != nil {
			for _, dep := range st.DependsOn {
				if depTask, ok := stageTask[dep]; ok && depTask != tasks[i].ID {
					tasks[i].DependsOn = append(tasks[i].DependsOn, depTask)
				}
			}
			continue
		}
		if i > 0 {
			tasks[i].DependsOn = []string{tasks[i-1].ID}
		}
	}
	return tasks, nil
}

func matchStage(clause string, stages []registry.Stage) *registry.Stage {
	clauseTokens := tokenSet(clause)
	var best *registry.Stage
	bestScore := 0
	for i := range stages {
		st := &stages[i]
		vocab := tokenSet(st.Name + " " + st.ID)
		score := 0
		for tok := range clauseTokens {
			if vocab[tok] {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && best != nil && st.ID < best.ID) {
			bestScore = score
			best = st
		}
	}
	if bestScore == 0 {
		return nil
	}
	return best
}
