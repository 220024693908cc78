package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/bus"
	"github.com/atelierhq/atelier/events"
	"github.com/atelierhq/atelier/invoker"
	"github.com/atelierhq/atelier/orchestrator"
	"github.com/atelierhq/atelier/registry"
	"github.com/atelierhq/atelier/selector"
	"github.com/atelierhq/atelier/statestore"
	"github.com/atelierhq/atelier/tracker"
	"github.com/atelierhq/atelier/workflow"
)

func sampleState() *workflow.ExecutionState {
	state := workflow.NewExecutionState("wf", []string{"stage1", "stage2"})
	state.CurrentStageID = "stage1"
	state.CurrentRoleID = "r"
	state.CompletedStages = []string{"stage1"}
	state.StageStatus["stage1"] = workflow.StageCompleted
	state.Tracker = []tracker.SkillExecution{{
		ID:        "e1",
		SkillID:   "s1",
		StageID:   "stage1",
		StartedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2025, 6, 1, 10, 0, 2, 0, time.UTC),
		Status:    tracker.StatusSuccess,
		Score:     1.0,
	}}
	state.SharedContext = map[string]bus.ContextEntry{
		"X": {
			Owner:     "agent-1",
			Key:       "X",
			Value:     "artifact",
			Timestamp: time.Date(2025, 6, 1, 10, 0, 1, 0, time.UTC),
			Seq:       1,
		},
	}
	return state
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	store, err := statestore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	m, err := NewManager(store, "wf")
	require.NoError(t, err)
	return m
}

func TestCreateRestore_RoundTrip(t *testing.T) {
	m := newManager(t)
	state := sampleState()

	ref, err := m.Create("mid", state)
	require.NoError(t, err)
	require.NotEmpty(t, ref.ID)

	restored, err := m.Restore(ref.ID)
	require.NoError(t, err)

	// Equality modulo the checkpoint's own descriptor, which the stored
	// blob appends.
	assert.Equal(t, state.SchemaVersion, restored.SchemaVersion)
	assert.Equal(t, state.WorkflowID, restored.WorkflowID)
	assert.Equal(t, state.CurrentStageID, restored.CurrentStageID)
	assert.Equal(t, state.CurrentRoleID, restored.CurrentRoleID)
	assert.Equal(t, state.CompletedStages, restored.CompletedStages)
	assert.Equal(t, state.StageStatus, restored.StageStatus)
	assert.Equal(t, state.Tracker, restored.Tracker)
	assert.Equal(t, state.SharedContext, restored.SharedContext)
	require.Len(t, restored.Checkpoints, 1)
	assert.Equal(t, ref.ID, restored.Checkpoints[0].ID)
	assert.Equal(t, "mid", restored.Checkpoints[0].Name)
}

func TestListDelete(t *testing.T) {
	m := newManager(t)
	state := sampleState()

	ref1, err := m.Create("first", state)
	require.NoError(t, err)
	ref2, err := m.Create("second", state)
	require.NoError(t, err)

	ids, err := m.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ref1.ID, ref2.ID}, ids)

	require.NoError(t, m.Delete(ref1.ID))
	ids, err = m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{ref2.ID}, ids)

	_, err = m.Restore(ref1.ID)
	var notFound *statestore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSaveLoadState_LiveBlob(t *testing.T) {
	m := newManager(t)
	state := sampleState()

	require.NoError(t, m.SaveState(state))
	loaded, err := m.LoadState()
	require.NoError(t, err)

	assert.Equal(t, state.CompletedStages, loaded.CompletedStages)
	assert.Equal(t, workflow.SchemaVersion, loaded.SchemaVersion)
}

func TestRestoreByName(t *testing.T) {
	m := newManager(t)
	state := sampleState()

	_, err := m.Create("early", state)
	require.NoError(t, err)

	state.CompletedStages = []string{"stage1", "stage2"}
	_, err = m.Create("late", state)
	require.NoError(t, err)

	restored, err := m.RestoreByName("late")
	require.NoError(t, err)
	assert.Equal(t, []string{"stage1", "stage2"}, restored.CompletedStages)
}

// S5: checkpoint after stage one, crash, restore, resume; the combined
// tracker entries match the uninterrupted baseline.
func TestCrashRestoreResume_TrackerMatchesBaseline(t *testing.T) {
	col := registry.Collection{
		Skills: []registry.Skill{{ID: "s1", Name: "Stub skill"}},
		Roles: []registry.Role{{
			ID:             "r",
			RequiredSkills: []registry.SkillRequirement{{SkillID: "s1", MinLevel: 1}},
		}},
		Workflow: registry.Workflow{
			ID: "wf",
			Stages: []registry.Stage{
				{ID: "stage1", Name: "stage1", RoleID: "r"},
				{ID: "stage2", Name: "stage2", RoleID: "r", DependsOn: []string{"stage1"}},
				{ID: "stage3", Name: "stage3", RoleID: "r", DependsOn: []string{"stage2"}},
			},
		},
	}

	build := func(t *testing.T, store statestore.Store) (*workflow.Executor, *tracker.Tracker, *Manager) {
		reg, err := registry.New(col)
		require.NoError(t, err)
		tr := tracker.New()
		b := bus.New()
		orch, err := orchestrator.New(orchestrator.Options{
			Registry:   reg,
			Tracker:    tr,
			Selector:   selector.New(reg, tr),
			Invoker:    invoker.NewPlaceholder(),
			Bus:        b,
			Sink:       events.NopSink{},
			WorkflowID: "wf",
		})
		require.NoError(t, err)

		manager, err := NewManager(store, "wf")
		require.NoError(t, err)

		exec, err := workflow.NewExecutor(workflow.Config{
			Registry:     reg,
			Orchestrator: orch,
			Bus:          b,
			Tracker:      tr,
			Checkpointer: manager,
		})
		require.NoError(t, err)
		return exec, tr, manager
	}

	// Baseline: one uninterrupted run.
	baselineStore, err := statestore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	baselineExec, baselineTracker, _ := build(t, baselineStore)
	require.NoError(t, baselineExec.WFAuto(context.Background(), "demo"))
	baseline := baselineTracker.Len()

	// Interrupted run: stage1, manual checkpoint, crash.
	store, err := statestore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	exec1, _, manager1 := build(t, store)
	require.NoError(t, exec1.Start(context.Background(), "stage1", "", "demo"))

	ref, err := manager1.Create("mid", exec1.State())
	require.NoError(t, err)

	// "Crash": everything in-memory is gone; rebuild from the store.
	exec2, tracker2, manager2 := build(t, store)
	restored, err := manager2.Restore(ref.ID)
	require.NoError(t, err)
	require.NoError(t, exec2.RestoreState(restored))

	assert.Equal(t, []string{"stage1"}, exec2.State().CompletedStages)

	require.NoError(t, exec2.WFAuto(context.Background(), "demo"))

	state := exec2.State()
	assert.ElementsMatch(t, []string{"stage1", "stage2", "stage3"}, state.CompletedStages)
	assert.Equal(t, baseline, tracker2.Len(),
		"tracker entries across both runs must equal the single-run baseline")
}
