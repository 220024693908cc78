package decomposer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/registry"
)

func fixtureRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Collection{
		Skills: []registry.Skill{
			{ID: "build-code", Name: "Build code", Description: "build and implement features"},
			{ID: "review-code", Name: "Review code", Description: "review and critique changes"},
		},
		Roles: []registry.Role{
			{ID: "builder", RequiredSkills: []registry.SkillRequirement{{SkillID: "build-code", MinLevel: 1}}},
			{ID: "reviewer", RequiredSkills: []registry.SkillRequirement{{SkillID: "review-code", MinLevel: 1}}},
			{ID: "generalist"},
		},
		Workflow: registry.Workflow{
			ID:          "wf",
			DefaultRole: "generalist",
			Stages: []registry.Stage{
				{ID: "build", Name: "build"},
				{ID: "review", Name: "review", DependsOn: []string{"build"}},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func TestDecompose_EmptyGoalYieldsZeroTasks(t *testing.T) {
	reg := fixtureRegistry(t)
	d := New(reg, "generalist")

	decomp, err := d.Decompose(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, decomp.Tasks)
	assert.Empty(t, decomp.ExecutionOrder)
}

func TestDecompose_BuildAndReview(t *testing.T) {
	reg := fixtureRegistry(t)
	d := New(reg, "generalist")

	decomp, err := d.Decompose(context.Background(), "build X and review X")
	require.NoError(t, err)
	require.Len(t, decomp.Tasks, 2)

	t1, t2 := decomp.Tasks[0], decomp.Tasks[1]
	assert.Equal(t, "build X", t1.Description)
	assert.Equal(t, "review X", t2.Description)
	assert.Equal(t, []string{t1.ID}, t2.DependsOn, "review must depend on build")

	assert.Equal(t, "builder", t1.RoleID)
	assert.Equal(t, "reviewer", t2.RoleID)

	require.Len(t, decomp.ExecutionOrder, 2)
	assert.Equal(t, []string{t1.ID}, decomp.ExecutionOrder[0])
	assert.Equal(t, []string{t2.ID}, decomp.ExecutionOrder[1])
}

func TestDecompose_UnmatchedDescriptionFallsBackToDefaultRole(t *testing.T) {
	reg := fixtureRegistry(t)
	d := New(reg, "generalist")

	decomp, err := d.Decompose(context.Background(), "frobnicate the widget")
	require.NoError(t, err)
	require.Len(t, decomp.Tasks, 1)
	assert.Equal(t, "generalist", decomp.Tasks[0].RoleID)
}

func TestDecompose_StageMappedTasksInheritStageEdges(t *testing.T) {
	reg := fixtureRegistry(t)
	d := New(reg, "generalist")

	// Clause order reversed: stage dependencies still force build first.
	decomp, err := d.Decompose(context.Background(), "review the feature and build the feature")
	require.NoError(t, err)
	require.Len(t, decomp.Tasks, 2)

	review := decomp.TaskByID("task-1")
	build := decomp.TaskByID("task-2")
	require.NotNil(t, review)
	require.NotNil(t, build)
	assert.Equal(t, "review", review.StageID)
	assert.Equal(t, "build", build.StageID)
	assert.Contains(t, review.DependsOn, build.ID)
}

func TestGroupTopologically_CycleRejected(t *testing.T) {
	_, err := groupTopologically([]Task{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})

	var cyclic *CyclicDecompositionError
	require.True(t, errors.As(err, &cyclic))
}

func TestGroupTopologically_UnknownDependencyRejected(t *testing.T) {
	_, err := groupTopologically([]Task{{ID: "a", DependsOn: []string{"ghost"}}})

	var cyclic *CyclicDecompositionError
	require.True(t, errors.As(err, &cyclic))
}

func TestGroupTopologically_IndependentTasksGroupTogether(t *testing.T) {
	order, err := groupTopologically([]Task{
		{ID: "a"},
		{ID: "b"},
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "d", DependsOn: []string{"c"}},
	})
	require.NoError(t, err)

	require.Len(t, order, 3)
	assert.Equal(t, []string{"a", "b"}, order[0])
	assert.Equal(t, []string{"c"}, order[1])
	assert.Equal(t, []string{"d"}, order[2])
}

// failingStrategy always errors, exercising strategy fallback.
type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }
func (failingStrategy) Decompose(context.Context, string, registry.Workflow, []registry.Role) ([]Task, error) {
	return nil, errors.New("strategy unavailable")
}

func TestDecompose_FallsBackToRuleStrategy(t *testing.T) {
	reg := fixtureRegistry(t)
	d := New(reg, "generalist", failingStrategy{})

	decomp, err := d.Decompose(context.Background(), "build X")
	require.NoError(t, err)
	assert.Len(t, decomp.Tasks, 1)
}
