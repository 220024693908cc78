package selector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/registry"
	"github.com/atelierhq/atelier/tracker"
)

func fixture(t *testing.T) (*registry.Registry, *tracker.Tracker) {
	t.Helper()
	reg, err := registry.New(registry.Collection{
		Skills: []registry.Skill{
			{ID: "code-gen", Name: "Generate code", Description: "write and generate source code"},
			{ID: "code-review", Name: "Review code", Description: "review and critique source code"},
			{ID: "deploy", Name: "Deploy service", Description: "ship to production",
				ExecutionCapabilities: []string{"deploy"}},
			{ID: "analyze", Name: "Analyze metrics", Description: "inspect runtime metrics",
				Metadata: map[string]any{"execution_mode": "analysis"}},
		},
		Roles: []registry.Role{
			{
				ID: "engineer",
				RequiredSkills: []registry.SkillRequirement{
					{SkillID: "code-gen", MinLevel: 2},
					{SkillID: "code-review", MinLevel: 1},
					{SkillID: "deploy", MinLevel: 1},
					{SkillID: "analyze", MinLevel: 1},
				},
				Constraints: registry.RoleConstraints{ForbiddenActions: []string{"deploy"}},
			},
			{
				ID:             "scribe",
				RequiredSkills: []registry.SkillRequirement{},
			},
		},
		Workflow: registry.Workflow{ID: "wf", Stages: []registry.Stage{{ID: "stg"}}},
	})
	require.NoError(t, err)
	return reg, tracker.New()
}

func TestSelect_AffinityPicksMatchingSkill(t *testing.T) {
	reg, tr := fixture(t)
	sel := New(reg, tr)
	engineer, _ := reg.GetRole("engineer")

	skill, err := sel.Select("generate source code for the parser", engineer, "")
	require.NoError(t, err)
	assert.Equal(t, "code-gen", skill.ID)

	skill, err = sel.Select("review the submitted code", engineer, "")
	require.NoError(t, err)
	assert.Equal(t, "code-review", skill.ID)
}

func TestSelect_UnauthorizedRoleHasNoCandidates(t *testing.T) {
	reg, tr := fixture(t)
	sel := New(reg, tr)
	scribe, _ := reg.GetRole("scribe")

	_, err := sel.Select("generate source code", scribe, "")
	var noSkill *NoSkillAvailableError
	require.True(t, errors.As(err, &noSkill))
	assert.Equal(t, "scribe", noSkill.RoleID)
}

func TestSelect_ForbiddenCapabilityGatesSkill(t *testing.T) {
	reg, tr := fixture(t)
	sel := New(reg, tr)
	engineer, _ := reg.GetRole("engineer")

	// "deploy" matches the deploy skill best, but the role forbids the
	// capability; the gate must exclude it entirely.
	skill, err := sel.Select("deploy the service to production", engineer, "")
	require.NoError(t, err)
	assert.NotEqual(t, "deploy", skill.ID)
}

func TestSelect_HistoryShiftsRanking(t *testing.T) {
	reg, tr := fixture(t)
	sel := New(reg, tr)
	engineer, _ := reg.GetRole("engineer")

	// A description matching neither skill leaves history as the decider.
	for i := 0; i < 10; i++ {
		tr.Record(tracker.SkillExecution{
			ID: "e", SkillID: "code-review", Status: tracker.StatusSuccess,
			StartedAt: time.Now(), EndedAt: time.Now(),
		})
		tr.Record(tracker.SkillExecution{
			ID: "e", SkillID: "code-gen", Status: tracker.StatusFailure,
			StartedAt: time.Now(), EndedAt: time.Now(),
		})
	}

	skill, err := sel.Select("handle the thing", engineer, "")
	require.NoError(t, err)
	assert.Equal(t, "code-review", skill.ID)
}

func TestSelect_ModeFitBoost(t *testing.T) {
	reg, tr := fixture(t)
	sel := New(reg, tr)
	engineer, _ := reg.GetRole("engineer")

	// Neutral description: without the boost, the tie-break would pick
	// code-gen (higher min level); assert the boost lifts analyze above the
	// others.
	ranked := sel.Rank("handle the thing", engineer, "analysis", 10)
	require.NotEmpty(t, ranked)
	assert.Equal(t, "analyze", ranked[0].Skill.ID)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestSelect_DeterministicTieBreak(t *testing.T) {
	reg, tr := fixture(t)
	sel := New(reg, tr)
	engineer, _ := reg.GetRole("engineer")

	// code-gen (level 2) outranks code-review (level 1) on equal score;
	// nothing in the description matches either.
	first, err := sel.Select("frobnicate the widget", engineer, "")
	require.NoError(t, err)
	assert.Equal(t, "code-gen", first.ID)

	for i := 0; i < 20; i++ {
		again, err := sel.Select("frobnicate the widget", engineer, "")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID, "selection must be deterministic")
	}
}

func TestRank_TopN(t *testing.T) {
	reg, tr := fixture(t)
	sel := New(reg, tr)
	engineer, _ := reg.GetRole("engineer")

	ranked := sel.Rank("generate code", engineer, "", 2)
	require.Len(t, ranked, 2)
	assert.GreaterOrEqual(t, ranked[0].Score, ranked[1].Score)
}
