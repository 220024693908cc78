// Package registry holds the validated in-memory store of roles, skills,
// skill bundles, and the workflow definition. Entities are immutable once
// loaded; every downstream component assumes all references resolve.
package registry

// ============================================================================
// SKILL TYPES
// ============================================================================

// SkillType classifies how a skill produces its output.
type SkillType string

const (
	SkillTypeCognitive  SkillType = "cognitive"
	SkillTypeProcedural SkillType = "procedural"
	SkillTypeHybrid     SkillType = "hybrid"
)

// Skill is a capability unit with typed input/output and invoker hints.
type Skill struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Dimensions  []string       `json:"dimensions,omitempty"`
	Levels      map[int]string `json:"levels,omitempty"`
	Tools       []string       `json:"tools,omitempty"`
	Constraints []string       `json:"constraints,omitempty"`

	// ExecutionCapabilities declares what the skill may do at runtime;
	// matched against role forbidden_actions by the selector.
	ExecutionCapabilities []string `json:"execution_capabilities,omitempty"`

	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	// Metadata carries invoker hints (execution_mode, mcp, timeout_ms,
	// invoker_type) plus passthrough keys. Decoded by the invoker layer.
	Metadata map[string]any `json:"metadata,omitempty"`

	Type          SkillType `json:"skill_type"`
	Deterministic bool      `json:"deterministic"`
	Testable      bool      `json:"testable"`
	SideEffects   []string  `json:"side_effects,omitempty"`
}

// SkillRequirement references a skill (or a bundle, expanded at load time)
// with a minimum proficiency level.
type SkillRequirement struct {
	SkillID  string   `json:"skill_id"`
	MinLevel int      `json:"min_level"`
	Focus    []string `json:"focus,omitempty"`
}

// SkillBundle groups requirements under one id. Expansion is acyclic.
type SkillBundle struct {
	ID           string             `json:"id"`
	Requirements []SkillRequirement `json:"requirements"`
}

// ============================================================================
// ROLE TYPES
// ============================================================================

// RoleConstraints bounds what agents bound to a role may do.
// AllowedActions and ForbiddenActions are disjoint.
type RoleConstraints struct {
	AllowedActions   []string `json:"allowed_actions,omitempty"`
	ForbiddenActions []string `json:"forbidden_actions,omitempty"`
	ValidationRules  []string `json:"validation_rules,omitempty"`
}

// Role is a named set of required skills and action constraints. An
// Extends relation is expanded at load time; there is no runtime chain.
type Role struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	Extends        string             `json:"extends,omitempty"`
	RequiredSkills []SkillRequirement `json:"required_skills"`
	Constraints    RoleConstraints    `json:"constraints"`
}

// ============================================================================
// WORKFLOW TYPES
// ============================================================================

// GateKind enumerates quality gate evaluation strategies.
type GateKind string

const (
	GateArtifactExists  GateKind = "artifact_exists"
	GateRegexMatch      GateKind = "regex_match"
	GateCountThreshold  GateKind = "count_threshold"
	GateCustomPredicate GateKind = "custom_predicate"
)

// QualityGate is a predicate evaluated at stage completion.
type QualityGate struct {
	ID         string         `json:"id"`
	Kind       GateKind       `json:"kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Blocking   bool           `json:"blocking"`
}

// Stage is a node in the workflow DAG, resolved to one or more tasks at
// execution time.
type Stage struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	RoleID         string             `json:"role_id,omitempty"` // empty means inferred
	RequiredSkills []SkillRequirement `json:"required_skills,omitempty"`
	Inputs         []string           `json:"inputs,omitempty"`
	Outputs        []string           `json:"outputs,omitempty"`
	DependsOn      []string           `json:"depends_on,omitempty"`
	QualityGates   []QualityGate      `json:"quality_gates,omitempty"`
	Parallelizable bool               `json:"parallelizable"`

	// Mode is the stage's declared execution mode (e.g. "implementation",
	// "analysis"); matched against skill metadata by the selector.
	Mode string `json:"mode,omitempty"`
}

// Workflow is an ordered list of stages forming a DAG over DependsOn.
type Workflow struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Stages      []Stage `json:"stages"`
	DefaultRole string  `json:"default_role,omitempty"`
}

// Collection is the resolved config-provider output consumed by New.
// The on-disk form lives in the config package.
type Collection struct {
	Skills  []Skill
	Bundles []SkillBundle
	Roles   []Role
	Workflow Workflow

	// Predicates lists the registered custom_predicate ids; gates
	// referencing anything else are rejected at load.
	Predicates []string
}
