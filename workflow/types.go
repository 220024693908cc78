// Package workflow drives the stage state machine: transitions,
// preconditions, quality-gate invocation, and checkpoint integration.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/atelierhq/atelier/bus"
	"github.com/atelierhq/atelier/gate"
	"github.com/atelierhq/atelier/tracker"
)

// SchemaVersion stamps persisted execution state for cross-version
// compatibility of the state store blob.
const SchemaVersion = 1

// ============================================================================
// STAGE STATUS
// ============================================================================

// StageStatus is the per-stage state machine position:
// Pending -> InProgress -> {Completed | Blocked}; Blocked -> InProgress on
// explicit retry; Completed is terminal.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageBlocked    StageStatus = "blocked"
)

// CheckpointRef describes one stored checkpoint.
type CheckpointRef struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecutionState is the single mutable focus of the engine. Only the
// workflow executor mutates stage state; only the orchestrator appends to
// the tracker; everything else reads.
type ExecutionState struct {
	SchemaVersion   int                          `json:"schema_version"`
	WorkflowID      string                       `json:"workflow_id"`
	CurrentStageID  string                       `json:"current_stage_id"`
	CurrentRoleID   string                       `json:"current_role_id"`
	StageStatus     map[string]StageStatus       `json:"stage_status"`
	CompletedStages []string                     `json:"completed_stages"`
	ActiveAgents    map[string]string            `json:"active_agents"`
	Tracker         []tracker.SkillExecution     `json:"tracker"`
	SharedContext   map[string]bus.ContextEntry  `json:"shared_context"`
	Findings        map[string][]gate.Finding    `json:"findings,omitempty"`
	Checkpoints     []CheckpointRef              `json:"checkpoints"`
}

// NewExecutionState initializes state with every stage pending.
func NewExecutionState(workflowID string, stageIDs []string) *ExecutionState {
	status := make(map[string]StageStatus, len(stageIDs))
	for _, id := range stageIDs {
		status[id] = StagePending
	}
	return &ExecutionState{
		SchemaVersion:   SchemaVersion,
		WorkflowID:      workflowID,
		StageStatus:     status,
		CompletedStages: []string{},
		ActiveAgents:    map[string]string{},
		SharedContext:   map[string]bus.ContextEntry{},
		Findings:        map[string][]gate.Finding{},
		Checkpoints:     []CheckpointRef{},
	}
}

// Clone deep-copies the state for checkpoint serialization under the
// executor's lock.
func (s *ExecutionState) Clone() *ExecutionState {
	out := &ExecutionState{
		SchemaVersion:   s.SchemaVersion,
		WorkflowID:      s.WorkflowID,
		CurrentStageID:  s.CurrentStageID,
		CurrentRoleID:   s.CurrentRoleID,
		StageStatus:     make(map[string]StageStatus, len(s.StageStatus)),
		CompletedStages: append([]string{}, s.CompletedStages...),
		ActiveAgents:    make(map[string]string, len(s.ActiveAgents)),
		Tracker:         append([]tracker.SkillExecution{}, s.Tracker...),
		SharedContext:   make(map[string]bus.ContextEntry, len(s.SharedContext)),
		Findings:        make(map[string][]gate.Finding, len(s.Findings)),
		Checkpoints:     append([]CheckpointRef{}, s.Checkpoints...),
	}
	for k, v := range s.StageStatus {
		out.StageStatus[k] = v
	}
	for k, v := range s.ActiveAgents {
		out.ActiveAgents[k] = v
	}
	for k, v := range s.SharedContext {
		out.SharedContext[k] = v
	}
	for k, v := range s.Findings {
		out.Findings[k] = append([]gate.Finding{}, v...)
	}
	return out
}

// ============================================================================
// ERRORS
// ============================================================================

// TransitionError reports a violated state-machine precondition.
type TransitionError struct {
	StageID   string
	Operation string
	Message   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("[workflow:%s] stage '%s': %s", e.Operation, e.StageID, e.Message)
}

// GateFailureError reports that one or more blocking gates failed; the
// stage is Blocked and holds its findings for inspection.
type GateFailureError struct {
	StageID  string
	Findings []gate.Finding
}

func (e *GateFailureError) Error() string {
	var failed []string
	for _, f := range e.Findings {
		if !f.Passed && f.Blocking {
			failed = append(failed, f.Message)
		}
	}
	return fmt.Sprintf("[workflow:Complete] stage '%s' blocked by gates: %s",
		e.StageID, strings.Join(failed, "; "))
}
