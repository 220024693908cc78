package registry

import (
	"sort"
)

// Registry is the validated store. Construction is total: either every
// reference resolves and every invariant holds, or New returns a
// ConfigError and no Registry.
type Registry struct {
	skills     map[string]Skill
	roles      map[string]Role
	bundles    map[string]SkillBundle
	workflow   Workflow
	predicates map[string]bool

	// expanded required-skill sets per role, bundle and extends relations
	// applied, min_level deduplicated to the max.
	roleSkills map[string][]SkillRequirement
}

// New validates the collection and builds the registry.
func New(col Collection) (*Registry, error) {
	r := &Registry{
		skills:     make(map[string]Skill, len(col.Skills)),
		roles:      make(map[string]Role, len(col.Roles)),
		bundles:    make(map[string]SkillBundle, len(col.Bundles)),
		workflow:   col.Workflow,
		predicates: make(map[string]bool, len(col.Predicates)),
		roleSkills: make(map[string][]SkillRequirement, len(col.Roles)),
	}

	for _, p := range col.Predicates {
		r.predicates[p] = true
	}

	if err := r.loadSkills(col.Skills); err != nil {
		return nil, err
	}
	if err := r.loadBundles(col.Bundles); err != nil {
		return nil, err
	}
	if err := r.loadRoles(col.Roles); err != nil {
		return nil, err
	}
	if err := r.validateWorkflow(); err != nil {
		return nil, err
	}
	return r, nil
}

// ============================================================================
// LOOKUPS
// ============================================================================

func (r *Registry) GetSkill(id string) (Skill, bool) {
	s, ok := r.skills[id]
	return s, ok
}

func (r *Registry) GetRole(id string) (Role, bool) {
	role, ok := r.roles[id]
	return role, ok
}

// SkillsForRole returns the role's expanded requirement set. Bundles and
// extends relations are already applied; duplicates carry the max
// min_level. The slice is ordered by skill id for determinism.
func (r *Registry) SkillsForRole(roleID string) []SkillRequirement {
	reqs := r.roleSkills[roleID]
	out := make([]SkillRequirement, len(reqs))
	copy(out, reqs)
	return out
}

func (r *Registry) Workflow() Workflow {
	return r.workflow
}

func (r *Registry) Roles() []Role {
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Skills() []Skill {
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) PredicateRegistered(id string) bool {
	return r.predicates[id]
}

// RoleAuthorizes reports whether the role's expanded set contains the skill.
func (r *Registry) RoleAuthorizes(roleID, skillID string) bool {
	for _, req := range r.roleSkills[roleID] {
		if req.SkillID == skillID {
			return true
		}
	}
	return false
}

// ============================================================================
// VALIDATION
// ============================================================================

func (r *Registry) loadSkills(skills []Skill) error {
	for _, s := range skills {
		if s.ID == "" {
			return newConfigError(ErrMissingRef, "skill", "skill with empty id")
		}
		if _, dup := r.skills[s.ID]; dup {
			return newConfigError(ErrDuplicateID, "skill", "duplicate skill id '%s'", s.ID)
		}
		for level := range s.Levels {
			if level < 1 || level > 3 {
				return newConfigError(ErrLevelOutOfRange, "skill",
					"skill '%s' declares level %d, levels are keyed 1..3", s.ID, level)
			}
		}
		r.skills[s.ID] = s
	}
	return nil
}

func (r *Registry) loadBundles(bundles []SkillBundle) error {
	for _, b := range bundles {
		if b.ID == "" {
			return newConfigError(ErrMissingRef, "bundle", "bundle with empty id")
		}
		if _, dup := r.bundles[b.ID]; dup {
			return newConfigError(ErrDuplicateID, "bundle", "duplicate bundle id '%s'", b.ID)
		}
		if _, clash := r.skills[b.ID]; clash {
			return newConfigError(ErrDuplicateID, "bundle",
				"bundle id '%s' collides with a skill id", b.ID)
		}
		r.bundles[b.ID] = b
	}

	// Expansion must terminate: reject cycles up front.
	for id := range r.bundles {
		if err := r.checkBundleCycle(id, map[string]bool{}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) checkBundleCycle(id string, visiting map[string]bool) error {
	if visiting[id] {
		return newConfigError(ErrBundleCycle, "bundle", "bundle expansion cycle through '%s'", id)
	}
	visiting[id] = true
	defer delete(visiting, id)

	for _, req := range r.bundles[id].Requirements {
		if _, isBundle := r.bundles[req.SkillID]; isBundle {
			if err := r.checkBundleCycle(req.SkillID, visiting); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) loadRoles(roles []Role) error {
	for _, role := range roles {
		if role.ID == "" {
			return newConfigError(ErrMissingRef, "role", "role with empty id")
		}
		if _, dup := r.roles[role.ID]; dup {
			return newConfigError(ErrDuplicateID, "role", "duplicate role id '%s'", role.ID)
		}
		allowed := make(map[string]bool, len(role.Constraints.AllowedActions))
		for _, a := range role.Constraints.AllowedActions {
			allowed[a] = true
		}
		for _, f := range role.Constraints.ForbiddenActions {
			if allowed[f] {
				return newConfigError(ErrForbiddenAllowedOverlap, "role",
					"role '%s' both allows and forbids action '%s'", role.ID, f)
			}
		}
		r.roles[role.ID] = role
	}

	// Expand extends relations and bundles into flat requirement sets.
	for id := range r.roles {
		reqs, err := r.expandRole(id, map[string]bool{})
		if err != nil {
			return err
		}
		flat, err := r.flattenRequirements(id, reqs)
		if err != nil {
			return err
		}
		r.roleSkills[id] = flat
	}
	return nil
}

func (r *Registry) expandRole(id string, visiting map[string]bool) ([]SkillRequirement, error) {
	if visiting[id] {
		return nil, newConfigError(ErrExtendsCycle, "role", "extends cycle through role '%s'", id)
	}
	visiting[id] = true
	defer delete(visiting, id)

	role := r.roles[id]
	var reqs []SkillRequirement
	if role.Extends != "" {
		parent, ok := r.roles[role.Extends]
		if !ok {
			return nil, newConfigError(ErrMissingRef, "role",
				"role '%s' extends unknown role '%s'", id, role.Extends)
		}
		parentReqs, err := r.expandRole(parent.ID, visiting)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, parentReqs...)
	}
	reqs = append(reqs, role.RequiredSkills...)
	return reqs, nil
}

// flattenRequirements expands bundle references transitively and merges
// duplicates, keeping the max min_level across occurrences.
func (r *Registry) flattenRequirements(roleID string, reqs []SkillRequirement) ([]SkillRequirement, error) {
	merged := make(map[string]SkillRequirement)

	var walk func(req SkillRequirement) error
	walk = func(req SkillRequirement) error {
		if req.MinLevel < 1 || req.MinLevel > 3 {
			return newConfigError(ErrLevelOutOfRange, "role",
				"role '%s' requires '%s' at level %d, levels are 1..3", roleID, req.SkillID, req.MinLevel)
		}
		if bundle, isBundle := r.bundles[req.SkillID]; isBundle {
			for _, inner := range bundle.Requirements {
				if err := walk(inner); err != nil {
					return err
				}
			}
			return nil
		}
		if _, ok := r.skills[req.SkillID]; !ok {
			return newConfigError(ErrMissingRef, "role",
				"role '%s' requires unknown skill '%s'", roleID, req.SkillID)
		}
		if prev, seen := merged[req.SkillID]; !seen || req.MinLevel > prev.MinLevel {
			merged[req.SkillID] = req
		}
		return nil
	}

	for _, req := range reqs {
		if err := walk(req); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	flat := make([]SkillRequirement, 0, len(merged))
	for _, id := range ids {
		flat = append(flat, merged[id])
	}
	return flat, nil
}

func (r *Registry) validateWorkflow() error {
	stages := make(map[string]Stage, len(r.workflow.Stages))
	for _, st := range r.workflow.Stages {
		if st.ID == "" {
			return newConfigError(ErrMissingRef, "workflow", "stage with empty id")
		}
		if _, dup := stages[st.ID]; dup {
			return newConfigError(ErrDuplicateID, "workflow", "duplicate stage id '%s'", st.ID)
		}
		stages[st.ID] = st
	}

	if r.workflow.DefaultRole != "" {
		if _, ok := r.roles[r.workflow.DefaultRole]; !ok {
			return newConfigError(ErrMissingRef, "workflow",
				"default role '%s' not found", r.workflow.DefaultRole)
		}
	}

	for _, st := range r.workflow.Stages {
		for _, dep := range st.DependsOn {
			if _, ok := stages[dep]; !ok {
				return newConfigError(ErrMissingRef, "workflow",
					"stage '%s' depends on unknown stage '%s'", st.ID, dep)
			}
		}
		if st.RoleID != "" {
			if _, ok := r.roles[st.RoleID]; !ok {
				return newConfigError(ErrMissingRef, "workflow",
					"stage '%s' references unknown role '%s'", st.ID, st.RoleID)
			}
		}
		for _, req := range st.RequiredSkills {
			if _, isBundle := r.bundles[req.SkillID]; isBundle {
				continue
			}
			if _, ok := r.skills[req.SkillID]; !ok {
				return newConfigError(ErrMissingRef, "workflow",
					"stage '%s' requires unknown skill '%s'", st.ID, req.SkillID)
			}
			// A stage bound to a role must only declare skills the role
			// authorizes; anything else is a load-time error, never a
			// runtime surprise.
			if st.RoleID != "" && !r.RoleAuthorizes(st.RoleID, req.SkillID) {
				return newConfigError(ErrUnauthorizedStageSkill, "workflow",
					"stage '%s' declares skill '%s' which role '%s' does not authorize",
					st.ID, req.SkillID, st.RoleID)
			}
		}
		for _, g := range st.QualityGates {
			if g.Kind == GateCustomPredicate {
				id, _ := g.Parameters["predicate"].(string)
				if id == "" || !r.predicates[id] {
					return newConfigError(ErrUnknownPredicate, "workflow",
						"stage '%s' gate '%s' references unregistered predicate '%s'",
						st.ID, g.ID, id)
				}
			}
		}
	}

	return r.checkStageCycles(stages)
}

// checkStageCycles runs Kahn's algorithm; leftover stages imply a cycle.
func (r *Registry) checkStageCycles(stages map[string]Stage) error {
	inDegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for id, st := range stages {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, dep := range st.DependsOn {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(stages))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(stages) {
		return newConfigError(ErrWorkflowCycle, "workflow", "stage dependency cycle detected")
	}
	return nil
}
