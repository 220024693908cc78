// Package orchestrator is the central scheduler: it turns stages and
// decomposed tasks into agent runs, asks the selector for a skill per
// intent, dispatches through the invoker, records executions, and drives
// the bus. Agents never reach an invoker except through this package.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atelierhq/atelier/agent"
	"github.com/atelierhq/atelier/bus"
	"github.com/atelierhq/atelier/decomposer"
	"github.com/atelierhq/atelier/events"
	"github.com/atelierhq/atelier/invoker"
	"github.com/atelierhq/atelier/observability"
	"github.com/atelierhq/atelier/registry"
	"github.com/atelierhq/atelier/selector"
	"github.com/atelierhq/atelier/tracker"
)

// DefaultMaxConcurrency bounds how many agents run within one partition.
const DefaultMaxConcurrency = 4

// StageRun couples a stage with its resolved role and goal for parallel
// execution entry points.
type StageRun struct {
	Stage registry.Stage
	Role  registry.Role
	Goal  string
}

// Orchestrator schedules tasks and stages.
type Orchestrator struct {
	reg        *registry.Registry
	tracker    *tracker.Tracker
	selector   *selector.Selector
	invoker    invoker.Invoker
	bus        *bus.Bus
	decomposer *decomposer.Decomposer
	sink       events.Sink
	metrics    *observability.Metrics
	workflowID string
	project    map[string]any
	maxConc    int
	log        *slog.Logger

	mu sync.Mutex
	// reuse caches successful outputs of deterministic, side-effect-free
	// skills by (stage, digest) so repeated identical calls are elided.
	reuse map[string]map[string]any
}

// Options configures an orchestrator.
type Options struct {
	Registry       *registry.Registry
	Tracker        *tracker.Tracker
	Selector       *selector.Selector
	Invoker        invoker.Invoker
	Bus            *bus.Bus
	Decomposer     *decomposer.Decomposer
	Sink           events.Sink
	Metrics        *observability.Metrics
	WorkflowID     string
	ProjectContext map[string]any
	MaxConcurrency int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("orchestrator requires a registry")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("orchestrator requires a tracker")
	}
	if opts.Selector == nil {
		return nil, fmt.Errorf("orchestrator requires a selector")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("orchestrator requires an invoker")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("orchestrator requires a bus")
	}
	if opts.Sink == nil {
		opts.Sink = events.NopSink{}
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	return &Orchestrator{
		reg:        opts.Registry,
		tracker:    opts.Tracker,
		selector:   opts.Selector,
		invoker:    opts.Invoker,
		bus:        opts.Bus,
		decomposer: opts.Decomposer,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		workflowID: opts.WorkflowID,
		project:    opts.ProjectContext,
		maxConc:    opts.MaxConcurrency,
		log:        slog.Default().With("workflow", opts.WorkflowID),
		reuse:      make(map[string]map[string]any),
	}, nil
}

// ============================================================================
// STAGE EXECUTION
// ============================================================================

// ExecuteStage spawns a single agent for the stage, runs its intents in
// order, and returns the accumulated context. Outputs named in the stage
// contract are shared on the bus.
func (o *Orchestrator) ExecuteStage(ctx context.Context, stage registry.Stage, role registry.Role, goal string) (*agent.Context, error) {
	if goal == "" {
		goal = stage.Name
	}

	agentID := fmt.Sprintf("%s:%s", role.ID, stage.ID)
	ag := agent.New(agentID, role, o.bus, o.project)
	defer o.bus.Unregister(agentID)

	agentCtx, intents, err := ag.Prepare(ctx, goal)
	if err != nil {
		return nil, err
	}

	if err := o.runIntents(ctx, agentCtx, stage, role, "", intents); err != nil {
		return agentCtx, err
	}

	for _, name := range stage.Outputs {
		if value, ok := agentCtx.Outputs[name]; ok {
			if err := o.bus.ShareContext(agentID, name, value); err != nil {
				return agentCtx, err
			}
		}
	}
	return agentCtx, nil
}

// ExecuteParallelStages runs a dependency-ready partition concurrently.
// Failure of one stage does not cancel its siblings; results and errors
// are collected per stage and partial success surfaces to the caller.
func (o *Orchestrator) ExecuteParallelStages(ctx context.Context, runs []StageRun) (map[string]*agent.Context, map[string]error) {
	results := make(map[string]*agent.Context, len(runs))
	failures := make(map[string]error)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(o.maxConc)

	for _, run := range runs {
		g.Go(func() error {
			agentCtx, err := o.ExecuteStage(ctx, run.Stage, run.Role, run.Goal)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[run.Stage.ID] = err
			}
			results[run.Stage.ID] = agentCtx
			return nil
		})
	}
	_ = g.Wait() // closures never return errors; failures map carries them

	return results, failures
}

// ============================================================================
// COLLABORATION
// ============================================================================

// ExecuteWithCollaboration decomposes the goal, then runs each execution
// group with one agent per task, wired into the bus. Tasks exchange
// messages mid-flight; a group completes when all its tasks reach a
// terminal status. Dependents of failed tasks are skipped.
func (o *Orchestrator) ExecuteWithCollaboration(ctx context.Context, goal string) (*decomposer.Decomposition, error) {
	if o.decomposer == nil {
		return nil, fmt.Errorf("orchestrator has no decomposer configured")
	}

	decomp, err := o.decomposer.Decompose(ctx, goal)
	if err != nil {
		return nil, err
	}

	for i := range decomp.Tasks {
		o.emit(events.TaskCreated, map[string]any{
			"task_id":     decomp.Tasks[i].ID,
			"description": decomp.Tasks[i].Description,
			"role_id":     decomp.Tasks[i].RoleID,
		})
	}

	for _, group := range decomp.ExecutionOrder {
		if err := ctx.Err(); err != nil {
			o.failRemaining(decomp, "cancelled")
			return decomp, &CancelledError{Err: err}
		}

		var g errgroup.Group
		g.SetLimit(o.maxConc)
		for _, taskID := range group {
			task := decomp.TaskByID(taskID)
			g.Go(func() error {
				o.runTask(ctx, decomp, task)
				return nil
			})
		}
		_ = g.Wait()
	}
	return decomp, nil
}

// runTask executes one decomposed task to a terminal status.
func (o *Orchestrator) runTask(ctx context.Context, decomp *decomposer.Decomposition, task *decomposer.Task) {
	for _, dep := range task.DependsOn {
		if depTask := decomp.TaskByID(dep); depTask != nil && depTask.Status != decomposer.TaskCompleted {
			task.Status = decomposer.TaskSkipped
			task.Error = fmt.Sprintf("dependency '%s' did not complete", dep)
			o.emitTaskDone(task)
			return
		}
	}

	role, ok := o.reg.GetRole(task.RoleID)
	if !ok {
		task.Status = decomposer.TaskFailed
		task.ErrorKind = "missing_role"
		task.Error = fmt.Sprintf("role '%s' not found", task.RoleID)
		o.emitTaskDone(task)
		return
	}

	task.Status = decomposer.TaskRunning

	agentID := fmt.Sprintf("task:%s", task.ID)
	ag := agent.New(agentID, role, o.bus, o.project)

	agentCtx, intents, err := ag.Prepare(ctx, task.Description)
	if err != nil {
		task.Status = decomposer.TaskFailed
		task.ErrorKind = errorKind(err)
		task.Error = err.Error()
		o.emitTaskDone(task)
		return
	}

	var stage registry.Stage
	if task.StageID != "" {
		for _, st := range o.reg.Workflow().Stages {
			if st.ID == task.StageID {
				stage = st
				break
			}
		}
	}

	if err := o.runIntents(ctx, agentCtx, stage, role, task.ID, intents); err != nil {
		task.Status = decomposer.TaskFailed
		task.ErrorKind = errorKind(err)
		task.Error = err.Error()
		o.emitTaskDone(task)
		return
	}

	task.Outputs = agentCtx.Outputs
	task.Status = decomposer.TaskCompleted

	// Stage-contract artifacts go to the bus for downstream tasks.
	for _, name := range stage.Outputs {
		if value, ok := agentCtx.Outputs[name]; ok {
			_ = o.bus.ShareContext(agentID, name, value)
		}
	}
	o.emitTaskDone(task)
}

func (o *Orchestrator) failRemaining(decomp *decomposer.Decomposition, kind string) {
	for i := range decomp.Tasks {
		t := &decomp.Tasks[i]
		if t.Status == decomposer.TaskPending || t.Status == decomposer.TaskReady {
			t.Status = decomposer.TaskFailed
			t.ErrorKind = kind
			t.Error = "workflow cancelled before task started"
		}
	}
}

// ============================================================================
// THE HOT LOOP
// ============================================================================

// runIntents executes intents strictly in emission order: select a skill,
// elide duplicate deterministic calls by input digest, invoke, record, and
// merge outputs. The first fatal error stops the loop.
func (o *Orchestrator) runIntents(
	ctx context.Context,
	agentCtx *agent.Context,
	stage registry.Stage,
	role registry.Role,
	taskID string,
	intents []agent.Intent,
) error {
	for _, intent := range intents {
		if err := ctx.Err(); err != nil {
			return &CancelledError{Err: err}
		}

		skill, err := o.selectSkill(intent, stage, role)
		if err != nil {
			return err
		}

		input := intent.Inputs
		if input == nil {
			input = map[string]any{"task": intent.Description}
		}

		digest := invoker.Digest(map[string]any{"skill": skill.ID, "input": input})

		if output, ok := o.cachedOutput(stage.ID, digest, skill); ok {
			mergeOutputs(agentCtx.Outputs, output)
			continue
		}

		// The agent context rides along so context-aware backends see
		// artifacts shared by earlier stages and collaborating agents.
		req := invoker.Request{
			Input:          input,
			ProjectContext: agentCtx.ProjectContext,
			SharedContext:  agentCtx.SharedContext,
		}

		output, exec := o.invoke(ctx, skill, stage, role, taskID, req, digest)
		o.tracker.Record(exec)
		agentCtx.History = append(agentCtx.History, exec.ID)
		o.observe(exec)

		if exec.Status != tracker.StatusSuccess {
			return invocationError(skill, exec)
		}

		o.cacheOutput(stage.ID, digest, skill, output)
		mergeOutputs(agentCtx.Outputs, output)
	}
	return nil
}

// selectSkill asks the selector once, then retries once with a broader
// description before giving up; a second NoSkillAvailable fails the task.
func (o *Orchestrator) selectSkill(intent agent.Intent, stage registry.Stage, role registry.Role) (registry.Skill, error) {
	skill, err := o.selector.Select(intent.Description, role, stage.Mode)
	if err == nil {
		return skill, nil
	}

	var noSkill *selector.NoSkillAvailableError
	if !errors.As(err, &noSkill) {
		return registry.Skill{}, err
	}

	broader := fmt.Sprintf("%s %s %s", intent.Description, stage.Name, role.Description)
	skill, retryErr := o.selector.Select(broader, role, stage.Mode)
	if retryErr != nil {
		return registry.Skill{}, err // surface the original, narrower failure
	}
	return skill, nil
}

// invoke dispatches the skill and builds its execution record.
func (o *Orchestrator) invoke(
	ctx context.Context,
	skill registry.Skill,
	stage registry.Stage,
	role registry.Role,
	taskID string,
	req invoker.Request,
	digest string,
) (map[string]any, tracker.SkillExecution) {
	exec := tracker.SkillExecution{
		ID:          uuid.NewString(),
		SkillID:     skill.ID,
		TaskID:      taskID,
		StageID:     stage.ID,
		RoleID:      role.ID,
		StartedAt:   time.Now(),
		InputDigest: digest,
	}

	o.emit(events.SkillInvoked, map[string]any{
		"skill_id": skill.ID,
		"stage_id": stage.ID,
		"task_id":  taskID,
	})

	output, err := o.invoker.Invoke(ctx, skill, req)
	exec.EndedAt = time.Now()

	switch {
	case err == nil:
		exec.Status = tracker.StatusSuccess
		exec.Score = 1.0
		exec.OutputDigest = invoker.Digest(output)
	case invoker.KindOf(err) == invoker.KindTimeout:
		exec.Status = tracker.StatusTimeout
		exec.ErrorKind = string(invoker.KindTimeout)
	case invoker.KindOf(err) == invoker.KindCancelled:
		exec.Status = tracker.StatusFailure
		exec.ErrorKind = string(invoker.KindCancelled)
	default:
		exec.Status = tracker.StatusFailure
		exec.ErrorKind = string(invoker.KindOf(err))
	}

	o.emit(events.SkillCompleted, map[string]any{
		"skill_id": skill.ID,
		"stage_id": stage.ID,
		"task_id":  taskID,
		"status":   string(exec.Status),
	})
	if err != nil {
		o.log.Warn("skill invocation failed",
			"skill", skill.ID,
			"stage", stage.ID,
			"error", err)
	}
	return output, exec
}

// ============================================================================
// REUSE CACHE
// ============================================================================

func reusable(skill registry.Skill) bool {
	return skill.Deterministic && len(skill.SideEffects) == 0
}

func (o *Orchestrator) cachedOutput(stageID, digest string, skill registry.Skill) (map[string]any, bool) {
	if !reusable(skill) {
		return nil, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	output, ok := o.reuse[stageID+"/"+digest]
	return output, ok
}

func (o *Orchestrator) cacheOutput(stageID, digest string, skill registry.Skill, output map[string]any) {
	if !reusable(skill) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reuse[stageID+"/"+digest] = output
}

// ============================================================================
// SUPPORT
// ============================================================================

func (o *Orchestrator) observe(exec tracker.SkillExecution) {
	if o.metrics == nil {
		return
	}
	o.metrics.SkillInvocations.WithLabelValues(exec.SkillID, string(exec.Status)).Inc()
	o.metrics.SkillDuration.WithLabelValues(exec.SkillID).Observe(exec.Duration().Seconds())
}

func (o *Orchestrator) emit(t events.Type, payload map[string]any) {
	o.sink.Emit(events.Event{
		Type:       t,
		Timestamp:  time.Now(),
		WorkflowID: o.workflowID,
		Payload:    payload,
	})
}

func (o *Orchestrator) emitTaskDone(task *decomposer.Task) {
	o.emit(events.TaskCompleted, map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
		"error":   task.Error,
	})
}

func mergeOutputs(dst map[string]any, src map[string]any) {
	for key, value := range src {
		dst[key] = value
	}
}
