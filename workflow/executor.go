package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atelierhq/atelier/agent"
	"github.com/atelierhq/atelier/bus"
	"github.com/atelierhq/atelier/events"
	"github.com/atelierhq/atelier/gate"
	"github.com/atelierhq/atelier/observability"
	"github.com/atelierhq/atelier/orchestrator"
	"github.com/atelierhq/atelier/registry"
	"github.com/atelierhq/atelier/tracker"
)

// StageExecutor is what the state machine needs from the orchestrator.
type StageExecutor interface {
	ExecuteStage(ctx context.Context, stage registry.Stage, role registry.Role, goal string) (*agent.Context, error)
	ExecuteParallelStages(ctx context.Context, runs []orchestrator.StageRun) (map[string]*agent.Context, map[string]error)
}

// Checkpointer persists execution-state snapshots. The checkpoint package
// implements it; a nil checkpointer disables persistence.
type Checkpointer interface {
	SaveState(state *ExecutionState) error
	AutoCheckpoint(name string, state *ExecutionState) (CheckpointRef, error)
}

// Executor owns the stage state machine for one workflow run. It is the
// single writer of stage state.
type Executor struct {
	reg     *registry.Registry
	orch    StageExecutor
	gates   *gate.Evaluator
	bus     *bus.Bus
	tracker *tracker.Tracker
	sink    events.Sink
	metrics *observability.Metrics
	cp      Checkpointer
	log     *slog.Logger

	mu      sync.Mutex
	state   *ExecutionState
	outputs map[string]map[string]any // per-stage artifacts, for gates and retries
}

// Config wires an executor.
type Config struct {
	Registry     *registry.Registry
	Orchestrator StageExecutor
	Gates        *gate.Evaluator
	Bus          *bus.Bus
	Tracker      *tracker.Tracker
	Sink         events.Sink
	Metrics      *observability.Metrics
	Checkpointer Checkpointer
}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("workflow executor requires a registry")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("workflow executor requires an orchestrator")
	}
	if cfg.Gates == nil {
		cfg.Gates = gate.NewEvaluator()
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}

	wf := cfg.Registry.Workflow()
	stageIDs := make([]string, 0, len(wf.Stages))
	for _, st := range wf.Stages {
		stageIDs = append(stageIDs, st.ID)
	}

	return &Executor{
		reg:     cfg.Registry,
		orch:    cfg.Orchestrator,
		gates:   cfg.Gates,
		bus:     cfg.Bus,
		tracker: cfg.Tracker,
		sink:    cfg.Sink,
		metrics: cfg.Metrics,
		cp:      cfg.Checkpointer,
		log:     slog.Default().With("workflow", wf.ID),
		state:   NewExecutionState(wf.ID, stageIDs),
		outputs: make(map[string]map[string]any),
	}, nil
}

// State returns a deep copy of the live execution state.
func (e *Executor) State() *ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncSnapshots()
	return e.state.Clone()
}

// RestoreState fully replaces the live state from a checkpoint, including
// the tracker log and the bus shared context.
func (e *Executor) RestoreState(state *ExecutionState) error {
	if state == nil {
		return fmt.Errorf("cannot restore nil state")
	}
	if state.SchemaVersion != SchemaVersion {
		return fmt.Errorf("state schema version %d does not match engine version %d",
			state.SchemaVersion, SchemaVersion)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = state.Clone()
	if e.tracker != nil {
		e.tracker.Restore(state.Tracker)
	}
	if e.bus != nil {
		e.bus.RestoreContext(state.SharedContext)
	}
	return nil
}

// StageOutputs returns the artifacts a completed or blocked stage produced.
func (e *Executor) StageOutputs(stageID string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.outputs[stageID]))
	for k, v := range e.outputs[stageID] {
		out[k] = v
	}
	return out
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// Start checks preconditions, marks the stage InProgress, delegates the
// body to the orchestrator, then completes: gates run and the stage lands
// in Completed or Blocked. roleID may be empty to use the stage default or
// skill-overlap inference; goal may be empty to use the stage name.
func (e *Executor) Start(ctx context.Context, stageID, roleID, goal string) error {
	stage, ok := e.stage(stageID)
	if !ok {
		return &TransitionError{StageID: stageID, Operation: "Start", Message: "unknown stage"}
	}

	role, err := e.resolveRole(stage, roleID)
	if err != nil {
		return err
	}

	if err := e.markInProgress(stage, role, "Start", StagePending); err != nil {
		return err
	}
	return e.runBody(ctx, stage, role, goal)
}

// Retry transitions a Blocked stage back to InProgress, clears its
// findings, and re-runs the body.
func (e *Executor) Retry(ctx context.Context, stageID string) error {
	stage, ok := e.stage(stageID)
	if !ok {
		return &TransitionError{StageID: stageID, Operation: "Retry", Message: "unknown stage"}
	}

	role, err := e.resolveRole(stage, "")
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.state.Findings, stageID)
	e.mu.Unlock()

	if err := e.markInProgress(stage, role, "Retry", StageBlocked); err != nil {
		return err
	}
	return e.runBody(ctx, stage, role, "")
}

// markInProgress applies the precondition checks and the InProgress
// transition atomically.
func (e *Executor) markInProgress(stage registry.Stage, role registry.Role, op string, from StageStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if current := e.state.StageStatus[stage.ID]; current != from {
		return &TransitionError{
			StageID:   stage.ID,
			Operation: op,
			Message:   fmt.Sprintf("stage is %s, expected %s", current, from),
		}
	}
	for _, dep := range stage.DependsOn {
		if e.state.StageStatus[dep] != StageCompleted {
			return &TransitionError{
				StageID:   stage.ID,
				Operation: op,
				Message:   fmt.Sprintf("dependency '%s' not completed", dep),
			}
		}
	}

	e.state.StageStatus[stage.ID] = StageInProgress
	e.state.CurrentStageID = stage.ID
	e.state.CurrentRoleID = role.ID
	agentID := fmt.Sprintf("%s:%s", role.ID, stage.ID)
	e.state.ActiveAgents[agentID] = role.ID
	e.countTransition(StageInProgress)
	return nil
}

// runBody delegates to the orchestrator and then evaluates gates.
func (e *Executor) runBody(ctx context.Context, stage registry.Stage, role registry.Role, goal string) error {
	e.emit(events.StageStarted, map[string]any{"stage_id": stage.ID, "role_id": role.ID})

	agentCtx, execErr := e.orch.ExecuteStage(ctx, stage, role, goal)

	var stageOutputs map[string]any
	if agentCtx != nil {
		stageOutputs = agentCtx.Outputs
	} else {
		stageOutputs = map[string]any{}
	}

	e.mu.Lock()
	e.outputs[stage.ID] = stageOutputs
	agentID := fmt.Sprintf("%s:%s", role.ID, stage.ID)
	delete(e.state.ActiveAgents, agentID)
	e.mu.Unlock()

	if execErr != nil {
		// A stage with no successful intents is Blocked, not Completed.
		e.block(stage.ID, []gate.Finding{{
			GateID:   "execution",
			Passed:   false,
			Blocking: true,
			Message:  execErr.Error(),
		}})
		e.checkpointAfterTransition(stage.ID, "blocked")
		return execErr
	}

	return e.complete(stage)
}

// complete evaluates the stage's gates; all blocking gates passing marks
// the stage Completed, anything else Blocked with complete findings.
func (e *Executor) complete(stage registry.Stage) error {
	var shared map[string]any
	if e.bus != nil {
		shared = e.bus.ContextSnapshot()
	}

	e.mu.Lock()
	outputs := e.outputs[stage.ID]
	e.mu.Unlock()

	pass, findings := e.gates.Evaluate(stage, outputs, shared)
	if !pass {
		e.block(stage.ID, findings)
		e.checkpointAfterTransition(stage.ID, "blocked")
		return &GateFailureError{StageID: stage.ID, Findings: findings}
	}

	e.mu.Lock()
	e.state.StageStatus[stage.ID] = StageCompleted
	e.state.CompletedStages = append(e.state.CompletedStages, stage.ID)
	if len(findings) > 0 {
		e.state.Findings[stage.ID] = findings
	}
	e.countTransition(StageCompleted)
	e.mu.Unlock()

	e.emit(events.StageCompleted, map[string]any{"stage_id": stage.ID})
	e.log.Info("stage completed", "stage", stage.ID)
	e.checkpointAfterTransition(stage.ID, "completed")
	return nil
}

func (e *Executor) block(stageID string, findings []gate.Finding) {
	e.mu.Lock()
	e.state.StageStatus[stageID] = StageBlocked
	e.state.Findings[stageID] = findings
	e.countTransition(StageBlocked)
	e.mu.Unlock()

	var messages []string
	for _, f := range findings {
		if !f.Passed {
			messages = append(messages, f.Message)
			if f.Blocking {
				e.emit(events.GateFailed, map[string]any{
					"stage_id": stageID,
					"gate_id":  f.GateID,
					"message":  f.Message,
				})
				if e.metrics != nil {
					e.metrics.GateFailures.Inc()
				}
			}
		}
	}
	e.emit(events.StageBlocked, map[string]any{"stage_id": stageID, "findings": messages})
	e.log.Warn("stage blocked", "stage", stageID, "findings", len(messages))
}

// ============================================================================
// WFAUTO
// ============================================================================

// WFAuto repeatedly picks the next startable stages and runs them until
// every stage is Completed or a non-recoverable failure occurs. Startable
// stages all marked parallelizable run as one concurrent partition.
func (e *Executor) WFAuto(ctx context.Context, goal string) error {
	for {
		if err := ctx.Err(); err != nil {
			return &orchestrator.CancelledError{Err: err}
		}

		startable := e.startableStages()
		if len(startable) == 0 {
			return e.finalStatus()
		}

		if len(startable) > 1 && allParallelizable(startable) {
			if err := e.runPartition(ctx, startable, goal); err != nil {
				return err
			}
		} else {
			if err := e.Start(ctx, startable[0].ID, "", goal); err != nil {
				return err
			}
		}
		e.autoCheckpoint(fmt.Sprintf("auto:wfauto:%d", len(e.State().CompletedStages)))
	}
}

// runPartition starts every stage of a ready partition concurrently and
// awaits the whole partition before advancing. One failing stage does not
// cancel its siblings; the first blocking failure is reported after all
// results are in.
func (e *Executor) runPartition(ctx context.Context, stages []registry.Stage, goal string) error {
	runs := make([]orchestrator.StageRun, 0, len(stages))
	for _, stage := range stages {
		role, err := e.resolveRole(stage, "")
		if err != nil {
			return err
		}
		if err := e.markInProgress(stage, role, "Start", StagePending); err != nil {
			return err
		}
		e.emit(events.StageStarted, map[string]any{"stage_id": stage.ID, "role_id": role.ID})
		runs = append(runs, orchestrator.StageRun{Stage: stage, Role: role, Goal: goal})
	}

	results, failures := e.orch.ExecuteParallelStages(ctx, runs)

	var firstErr error
	for _, run := range runs {
		stage := run.Stage
		agentID := fmt.Sprintf("%s:%s", run.Role.ID, stage.ID)

		var stageOutputs map[string]any
		if agentCtx := results[stage.ID]; agentCtx != nil {
			stageOutputs = agentCtx.Outputs
		} else {
			stageOutputs = map[string]any{}
		}

		e.mu.Lock()
		e.outputs[stage.ID] = stageOutputs
		delete(e.state.ActiveAgents, agentID)
		e.mu.Unlock()

		if execErr := failures[stage.ID]; execErr != nil {
			e.block(stage.ID, []gate.Finding{{
				GateID:   "execution",
				Passed:   false,
				Blocking: true,
				Message:  execErr.Error(),
			}})
			if firstErr == nil {
				firstErr = execErr
			}
			continue
		}
		if err := e.complete(stage); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Executor) startableStages() []registry.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []registry.Stage
	for _, stage := range e.reg.Workflow().Stages {
		if e.state.StageStatus[stage.ID] != StagePending {
			continue
		}
		ready := true
		for _, dep := range stage.DependsOn {
			if e.state.StageStatus[dep] != StageCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, stage)
		}
	}
	return out
}

func allParallelizable(stages []registry.Stage) bool {
	for _, st := range stages {
		if !st.Parallelizable {
			return false
		}
	}
	return true
}

// finalStatus decides how a wfauto run with no startable stages ends.
func (e *Executor) finalStatus() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, stage := range e.reg.Workflow().Stages {
		switch e.state.StageStatus[stage.ID] {
		case StageBlocked:
			return &GateFailureError{StageID: stage.ID, Findings: e.state.Findings[stage.ID]}
		case StageCompleted:
		default:
			return &TransitionError{
				StageID:   stage.ID,
				Operation: "WFAuto",
				Message:   "stage unreachable: dependencies cannot complete",
			}
		}
	}
	return nil
}

// ============================================================================
// ROLE RESOLUTION
// ============================================================================

// resolveRole applies explicit > stage default > inference from required
// skills. Inference picks the role with the largest requirement overlap,
// tie-break by role id.
func (e *Executor) resolveRole(stage registry.Stage, explicit string) (registry.Role, error) {
	roleID := explicit
	if roleID == "" {
		roleID = stage.RoleID
	}
	if roleID != "" {
		role, ok := e.reg.GetRole(roleID)
		if !ok {
			return registry.Role{}, &TransitionError{
				StageID:   stage.ID,
				Operation: "Start",
				Message:   fmt.Sprintf("role '%s' not found", roleID),
			}
		}
		return role, nil
	}
	return e.inferRole(stage)
}

func (e *Executor) inferRole(stage registry.Stage) (registry.Role, error) {
	wanted := make(map[string]bool, len(stage.RequiredSkills))
	for _, req := range stage.RequiredSkills {
		wanted[req.SkillID] = true
	}

	roles := e.reg.Roles()
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })

	var best *registry.Role
	bestOverlap := -1
	for i := range roles {
		overlap := 0
		for _, req := range e.reg.SkillsForRole(roles[i].ID) {
			if wanted[req.SkillID] {
				overlap++
			}
		}
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = &roles[i]
		}
	}
	if best == nil {
		return registry.Role{}, &TransitionError{
			StageID:   stage.ID,
			Operation: "Start",
			Message:   "no role available for inference",
		}
	}
	return *best, nil
}

// ============================================================================
// CHECKPOINT AND EVENT SUPPORT
// ============================================================================

// syncSnapshots folds the tracker log and the bus shared context into the
// state ahead of cloning. Callers hold e.mu.
func (e *Executor) syncSnapshots() {
	if e.tracker != nil {
		e.state.Tracker = e.tracker.Snapshot()
	}
	if e.bus != nil {
		e.state.SharedContext = e.bus.ContextEntries()
	}
}

func (e *Executor) checkpointAfterTransition(stageID, transition string) {
	e.autoCheckpoint(fmt.Sprintf("auto:%s:%s", stageID, transition))
}

func (e *Executor) autoCheckpoint(name string) {
	if e.cp == nil {
		return
	}

	e.mu.Lock()
	e.syncSnapshots()
	snapshot := e.state.Clone()
	e.mu.Unlock()

	ref, err := e.cp.AutoCheckpoint(name, snapshot)
	if err != nil {
		e.log.Warn("failed to save checkpoint", "name", name, "error", err)
		return
	}

	e.mu.Lock()
	e.state.Checkpoints = append(e.state.Checkpoints, ref)
	e.syncSnapshots()
	saved := e.state.Clone()
	e.mu.Unlock()

	if err := e.cp.SaveState(saved); err != nil {
		e.log.Warn("failed to save live state", "error", err)
	}
	if e.metrics != nil {
		e.metrics.CheckpointSaves.Inc()
	}
	e.emit(events.CheckpointCreated, map[string]any{"checkpoint_id": ref.ID, "name": ref.Name})
}

func (e *Executor) stage(stageID string) (registry.Stage, bool) {
	for _, st := range e.reg.Workflow().Stages {
		if st.ID == stageID {
			return st, true
		}
	}
	return registry.Stage{}, false
}

func (e *Executor) countTransition(to StageStatus) {
	if e.metrics != nil {
		e.metrics.StageTransitions.WithLabelValues(string(to)).Inc()
	}
}

func (e *Executor) emit(t events.Type, payload map[string]any) {
	e.sink.Emit(events.Event{
		Type:       t,
		Timestamp:  time.Now(),
		WorkflowID: e.state.WorkflowID,
		Payload:    payload,
	})
}
