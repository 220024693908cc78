package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/bus"
	"github.com/atelierhq/atelier/events"
	"github.com/atelierhq/atelier/gate"
	"github.com/atelierhq/atelier/invoker"
	"github.com/atelierhq/atelier/orchestrator"
	"github.com/atelierhq/atelier/registry"
	"github.com/atelierhq/atelier/selector"
	"github.com/atelierhq/atelier/tracker"
)

func singleStageCollection() registry.Collection {
	return registry.Collection{
		Skills: []registry.Skill{{ID: "s1", Name: "Stub skill"}},
		Roles: []registry.Role{{
			ID:             "r",
			Name:           "Role",
			RequiredSkills: []registry.SkillRequirement{{SkillID: "s1", MinLevel: 1}},
		}},
		Workflow: registry.Workflow{
			ID: "wf",
			Stages: []registry.Stage{{
				ID:     "stg",
				Name:   "stage",
				RoleID: "r",
				QualityGates: []registry.QualityGate{{
					ID:         "g1",
					Kind:       registry.GateArtifactExists,
					Parameters: map[string]any{"output": "result"},
					Blocking:   true,
				}},
			}},
		},
	}
}

func buildExecutor(t *testing.T, col registry.Collection, inv invoker.Invoker) (*Executor, *tracker.Tracker, *bus.Bus, *events.CollectSink) {
	t.Helper()

	reg, err := registry.New(col)
	require.NoError(t, err)

	tr := tracker.New()
	b := bus.New()
	sink := events.NewCollectSink()

	orch, err := orchestrator.New(orchestrator.Options{
		Registry:   reg,
		Tracker:    tr,
		Selector:   selector.New(reg, tr),
		Invoker:    inv,
		Bus:        b,
		Sink:       sink,
		WorkflowID: reg.Workflow().ID,
	})
	require.NoError(t, err)

	exec, err := NewExecutor(Config{
		Registry:     reg,
		Orchestrator: orch,
		Bus:          b,
		Tracker:      tr,
		Sink:         sink,
	})
	require.NoError(t, err)
	return exec, tr, b, sink
}

// S1: happy-path single stage.
func TestStart_HappyPathSingleStage(t *testing.T) {
	exec, tr, _, sink := buildExecutor(t, singleStageCollection(), invoker.NewPlaceholder())

	require.NoError(t, exec.Start(context.Background(), "stg", "", "demo"))

	state := exec.State()
	assert.Equal(t, []string{"stg"}, state.CompletedStages)
	assert.Equal(t, StageCompleted, state.StageStatus["stg"])
	assert.Equal(t, "stg", state.CurrentStageID)
	assert.Equal(t, "r", state.CurrentRoleID)
	assert.Equal(t, 1, tr.Len())

	assert.Len(t, sink.OfType(events.StageStarted), 1)
	assert.Len(t, sink.OfType(events.StageCompleted), 1)
}

// S2: blocked by gate.
func TestStart_BlockedByGate(t *testing.T) {
	emptyResult := invoker.NewPlaceholder().WithResponse("s1", map[string]any{"result": ""})
	exec, _, _, sink := buildExecutor(t, singleStageCollection(), emptyResult)

	err := exec.Start(context.Background(), "stg", "", "demo")
	require.Error(t, err)

	var gateErr *GateFailureError
	require.ErrorAs(t, err, &gateErr)
	require.Len(t, gateErr.Findings, 1)
	assert.Contains(t, gateErr.Findings[0].Message, "artifact_exists(result) failed")

	state := exec.State()
	assert.Empty(t, state.CompletedStages)
	assert.Equal(t, StageBlocked, state.StageStatus["stg"])
	assert.Len(t, sink.OfType(events.StageBlocked), 1)
	assert.Len(t, sink.OfType(events.GateFailed), 1)
}

func TestRetry_FromBlocked(t *testing.T) {
	pinned := invoker.NewPlaceholder().WithResponse("s1", map[string]any{"result": ""})
	exec, _, _, _ := buildExecutor(t, singleStageCollection(), pinned)

	require.Error(t, exec.Start(context.Background(), "stg", "", "demo"))
	assert.Equal(t, StageBlocked, exec.State().StageStatus["stg"])

	// The backend recovers; retry transitions Blocked -> InProgress and
	// re-runs the body.
	pinned.WithResponse("s1", map[string]any{"result": "now present"})
	require.NoError(t, exec.Retry(context.Background(), "stg"))

	state := exec.State()
	assert.Equal(t, StageCompleted, state.StageStatus["stg"])
	assert.Equal(t, []string{"stg"}, state.CompletedStages)
	require.Len(t, state.Findings["stg"], 1)
	assert.True(t, state.Findings["stg"][0].Passed, "findings cleared then rewritten by passing gates")
}

func TestRetry_OnlyFromBlocked(t *testing.T) {
	exec, _, _, _ := buildExecutor(t, singleStageCollection(), invoker.NewPlaceholder())

	err := exec.Retry(context.Background(), "stg")
	var transition *TransitionError
	require.ErrorAs(t, err, &transition)
}

func TestStart_PreconditionViolations(t *testing.T) {
	col := singleStageCollection()
	col.Workflow.Stages = append(col.Workflow.Stages, registry.Stage{
		ID:        "later",
		Name:      "later",
		RoleID:    "r",
		DependsOn: []string{"stg"},
	})
	exec, _, _, _ := buildExecutor(t, col, invoker.NewPlaceholder())

	t.Run("unknown stage", func(t *testing.T) {
		var transition *TransitionError
		require.ErrorAs(t, exec.Start(context.Background(), "ghost", "", ""), &transition)
	})

	t.Run("dependency not completed", func(t *testing.T) {
		var transition *TransitionError
		require.ErrorAs(t, exec.Start(context.Background(), "later", "", ""), &transition)
	})

	t.Run("already completed", func(t *testing.T) {
		require.NoError(t, exec.Start(context.Background(), "stg", "", "demo"))
		var transition *TransitionError
		require.ErrorAs(t, exec.Start(context.Background(), "stg", "", "demo"), &transition)
	})
}

// S3: parallel independent stages, then a dependent one.
func TestWFAuto_ParallelPartitionOrdering(t *testing.T) {
	col := registry.Collection{
		Skills: []registry.Skill{{ID: "s1", Name: "Stub skill"}},
		Roles: []registry.Role{{
			ID:             "r",
			RequiredSkills: []registry.SkillRequirement{{SkillID: "s1", MinLevel: 1}},
		}},
		Workflow: registry.Workflow{
			ID: "wf",
			Stages: []registry.Stage{
				{ID: "a", Name: "a", RoleID: "r", Parallelizable: true},
				{ID: "b", Name: "b", RoleID: "r", Parallelizable: true},
				{ID: "c", Name: "c", RoleID: "r", DependsOn: []string{"a", "b"}},
			},
		},
	}
	exec, _, _, sink := buildExecutor(t, col, invoker.NewPlaceholder())

	require.NoError(t, exec.WFAuto(context.Background(), ""))

	state := exec.State()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, state.CompletedStages)

	completed := sink.OfType(events.StageCompleted)
	require.Len(t, completed, 3)
	first := completed[0].Payload["stage_id"]
	second := completed[1].Payload["stage_id"]
	assert.ElementsMatch(t, []any{"a", "b"}, []any{first, second})
	assert.Equal(t, "c", completed[2].Payload["stage_id"], "c must complete strictly after a and b")
}

func TestWFAuto_StopsOnBlockedStage(t *testing.T) {
	col := singleStageCollection()
	col.Workflow.Stages = append(col.Workflow.Stages, registry.Stage{
		ID: "later", Name: "later", RoleID: "r", DependsOn: []string{"stg"},
	})
	pinned := invoker.NewPlaceholder().WithResponse("s1", map[string]any{"result": ""})
	exec, _, _, _ := buildExecutor(t, col, pinned)

	err := exec.WFAuto(context.Background(), "demo")
	var gateErr *GateFailureError
	require.ErrorAs(t, err, &gateErr)

	state := exec.State()
	assert.Equal(t, StageBlocked, state.StageStatus["stg"])
	assert.Equal(t, StagePending, state.StageStatus["later"])
}

func TestWFAuto_Cancelled(t *testing.T) {
	exec, _, _, _ := buildExecutor(t, singleStageCollection(), invoker.NewPlaceholder())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := exec.WFAuto(ctx, "demo")
	var cancelled *orchestrator.CancelledError
	require.True(t, errors.As(err, &cancelled))
}

func TestRoleInference_MaxSkillOverlap(t *testing.T) {
	col := registry.Collection{
		Skills: []registry.Skill{
			{ID: "s1", Name: "Build"},
			{ID: "s2", Name: "Review"},
		},
		Roles: []registry.Role{
			{ID: "builder", RequiredSkills: []registry.SkillRequirement{{SkillID: "s1", MinLevel: 1}}},
			{ID: "reviewer", RequiredSkills: []registry.SkillRequirement{{SkillID: "s2", MinLevel: 1}}},
		},
		Workflow: registry.Workflow{
			ID: "wf",
			Stages: []registry.Stage{{
				ID:   "stg",
				Name: "stage",
				// No role: inference must pick reviewer via s2 overlap.
				RequiredSkills: []registry.SkillRequirement{{SkillID: "s2", MinLevel: 1}},
			}},
		},
	}

	// The stage declares s2 with no bound role; stage-skill authorization
	// only applies to stages with explicit roles.
	exec, _, _, _ := buildExecutor(t, col, invoker.NewPlaceholder())

	require.NoError(t, exec.Start(context.Background(), "stg", "", "demo"))
	assert.Equal(t, "reviewer", exec.State().CurrentRoleID)
}

func TestExecutionState_CloneIsDeep(t *testing.T) {
	state := NewExecutionState("wf", []string{"a"})
	state.CompletedStages = append(state.CompletedStages, "a")
	state.Findings["a"] = []gate.Finding{{GateID: "g", Passed: true}}

	clone := state.Clone()
	clone.CompletedStages[0] = "mutated"
	clone.StageStatus["a"] = StageBlocked
	clone.Findings["a"][0].GateID = "mutated"

	assert.Equal(t, "a", state.CompletedStages[0])
	assert.Equal(t, StagePending, state.StageStatus["a"])
	assert.Equal(t, "g", state.Findings["a"][0].GateID)
}
