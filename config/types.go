// Package config provides the on-disk configuration form and the loader
// producing the in-memory registry collection. Unknown fields are ignored;
// duplicate ids are rejected by the registry, not here.
package config

import (
	"fmt"

	"github.com/atelierhq/atelier/registry"
)

// ============================================================================
// CONFIG TYPES
// ============================================================================

// Config is the single configuration entry point for an engine run.
type Config struct {
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Skills   map[string]SkillConfig  `yaml:"skills,omitempty" json:"skills,omitempty"`
	Bundles  map[string]BundleConfig `yaml:"bundles,omitempty" json:"bundles,omitempty"`
	Roles    map[string]RoleConfig   `yaml:"roles,omitempty" json:"roles,omitempty"`
	Workflow WorkflowConfig          `yaml:"workflow" json:"workflow"`

	// Predicates lists custom gate predicate ids the host registers.
	Predicates []string `yaml:"predicates,omitempty" json:"predicates,omitempty"`

	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty"`
}

// SkillConfig is the YAML form of a skill.
type SkillConfig struct {
	Name                  string         `yaml:"name" json:"name"`
	Description           string         `yaml:"description,omitempty" json:"description,omitempty"`
	Dimensions            []string       `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
	Levels                map[int]string `yaml:"levels,omitempty" json:"levels,omitempty"`
	Tools                 []string       `yaml:"tools,omitempty" json:"tools,omitempty"`
	Constraints           []string       `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	ExecutionCapabilities []string       `yaml:"execution_capabilities,omitempty" json:"execution_capabilities,omitempty"`
	InputSchema           map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema          map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	Metadata              map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Type                  string         `yaml:"skill_type,omitempty" json:"skill_type,omitempty"`
	Deterministic         bool           `yaml:"deterministic,omitempty" json:"deterministic,omitempty"`
	Testable              bool           `yaml:"testable,omitempty" json:"testable,omitempty"`
	SideEffects           []string       `yaml:"side_effects,omitempty" json:"side_effects,omitempty"`
}

// RequirementConfig is the YAML form of a skill requirement. A skill id
// may reference a bundle; expansion happens in the registry.
type RequirementConfig struct {
	SkillID  string   `yaml:"skill_id" json:"skill_id"`
	MinLevel int      `yaml:"min_level,omitempty" json:"min_level,omitempty"`
	Focus    []string `yaml:"focus,omitempty" json:"focus,omitempty"`
}

// BundleConfig groups requirements under one id.
type BundleConfig struct {
	Requirements []RequirementConfig `yaml:"requirements" json:"requirements"`
}

// RoleConfig is the YAML form of a role.
type RoleConfig struct {
	Name             string              `yaml:"name,omitempty" json:"name,omitempty"`
	Description      string              `yaml:"description,omitempty" json:"description,omitempty"`
	Extends          string              `yaml:"extends,omitempty" json:"extends,omitempty"`
	RequiredSkills   []RequirementConfig `yaml:"required_skills,omitempty" json:"required_skills,omitempty"`
	AllowedActions   []string            `yaml:"allowed_actions,omitempty" json:"allowed_actions,omitempty"`
	ForbiddenActions []string            `yaml:"forbidden_actions,omitempty" json:"forbidden_actions,omitempty"`
	ValidationRules  []string            `yaml:"validation_rules,omitempty" json:"validation_rules,omitempty"`
}

// GateConfig is the YAML form of a quality gate. Blocking defaults true;
// "relaxed" gates set blocking: false explicitly.
type GateConfig struct {
	ID         string         `yaml:"id" json:"id"`
	Kind       string         `yaml:"kind" json:"kind"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Blocking   *bool          `yaml:"blocking,omitempty" json:"blocking,omitempty"`
}

// StageConfig is the YAML form of a workflow stage.
type StageConfig struct {
	ID             string              `yaml:"id" json:"id"`
	Name           string              `yaml:"name,omitempty" json:"name,omitempty"`
	Role           string              `yaml:"role,omitempty" json:"role,omitempty"`
	RequiredSkills []RequirementConfig `yaml:"required_skills,omitempty" json:"required_skills,omitempty"`
	Inputs         []string            `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs        []string            `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	DependsOn      []string            `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	QualityGates   []GateConfig        `yaml:"quality_gates,omitempty" json:"quality_gates,omitempty"`
	Parallelizable bool                `yaml:"parallelizable,omitempty" json:"parallelizable,omitempty"`
	Mode           string              `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// WorkflowConfig is the YAML form of the workflow DAG.
type WorkflowConfig struct {
	ID          string        `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string        `yaml:"name,omitempty" json:"name,omitempty"`
	DefaultRole string        `yaml:"default_role,omitempty" json:"default_role,omitempty"`
	Stages      []StageConfig `yaml:"stages" json:"stages"`
}

// LoggerConfig configures the slog bootstrap.
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// ============================================================================
// DEFAULTS AND VALIDATION
// ============================================================================

// SetDefaults fills the gaps a hand-written config usually leaves.
func (c *Config) SetDefaults() {
	if c.Workflow.ID == "" {
		c.Workflow.ID = c.Name
	}
	if c.Workflow.ID == "" {
		c.Workflow.ID = "workflow"
	}
	for id, skill := range c.Skills {
		if skill.Name == "" {
			skill.Name = id
		}
		if skill.Type == "" {
			skill.Type = string(registry.SkillTypeProcedural)
		}
		c.Skills[id] = skill
	}
	for i := range c.Workflow.Stages {
		if c.Workflow.Stages[i].Name == "" {
			c.Workflow.Stages[i].Name = c.Workflow.Stages[i].ID
		}
	}
}

// Validate covers the purely syntactic checks; referential integrity is
// the registry's job.
func (c *Config) Validate() error {
	if len(c.Workflow.Stages) == 0 {
		return fmt.Errorf("workflow must declare at least one stage")
	}
	for i, st := range c.Workflow.Stages {
		if st.ID == "" {
			return fmt.Errorf("stage at index %d has no id", i)
		}
		for _, g := range st.QualityGates {
			switch registry.GateKind(g.Kind) {
			case registry.GateArtifactExists, registry.GateRegexMatch,
				registry.GateCountThreshold, registry.GateCustomPredicate:
			default:
				return fmt.Errorf("stage '%s' gate '%s' has unknown kind '%s'", st.ID, g.ID, g.Kind)
			}
		}
	}
	for id := range c.Roles {
		if id == "" {
			return fmt.Errorf("role with empty id")
		}
	}
	return nil
}

// ============================================================================
// COLLECTION CONVERSION
// ============================================================================

// ToCollection converts the parsed config into the registry's input form.
func (c *Config) ToCollection() registry.Collection {
	col := registry.Collection{
		Predicates: c.Predicates,
	}

	for id, sc := range c.Skills {
		col.Skills = append(col.Skills, registry.Skill{
			ID:                    id,
			Name:                  sc.Name,
			Description:           sc.Description,
			Dimensions:            sc.Dimensions,
			Levels:                sc.Levels,
			Tools:                 sc.Tools,
			Constraints:           sc.Constraints,
			ExecutionCapabilities: sc.ExecutionCapabilities,
			InputSchema:           sc.InputSchema,
			OutputSchema:          sc.OutputSchema,
			Metadata:              sc.Metadata,
			Type:                  registry.SkillType(sc.Type),
			Deterministic:         sc.Deterministic,
			Testable:              sc.Testable,
			SideEffects:           sc.SideEffects,
		})
	}

	for id, bc := range c.Bundles {
		col.Bundles = append(col.Bundles, registry.SkillBundle{
			ID:           id,
			Requirements: toRequirements(bc.Requirements),
		})
	}

	for id, rc := range c.Roles {
		name := rc.Name
		if name == "" {
			name = id
		}
		col.Roles = append(col.Roles, registry.Role{
			ID:             id,
			Name:           name,
			Description:    rc.Description,
			Extends:        rc.Extends,
			RequiredSkills: toRequirements(rc.RequiredSkills),
			Constraints: registry.RoleConstraints{
				AllowedActions:   rc.AllowedActions,
				ForbiddenActions: rc.ForbiddenActions,
				ValidationRules:  rc.ValidationRules,
			},
		})
	}

	col.Workflow = registry.Workflow{
		ID:          c.Workflow.ID,
		Name:        c.Workflow.Name,
		DefaultRole: c.Workflow.DefaultRole,
	}
	for _, sc := range c.Workflow.Stages {
		stage := registry.Stage{
			ID:             sc.ID,
			Name:           sc.Name,
			RoleID:         sc.Role,
			RequiredSkills: toRequirements(sc.RequiredSkills),
			Inputs:         sc.Inputs,
			Outputs:        sc.Outputs,
			DependsOn:      sc.DependsOn,
			Parallelizable: sc.Parallelizable,
			Mode:           sc.Mode,
		}
		for _, gc := range sc.QualityGates {
			blocking := true
			if gc.Blocking != nil {
				blocking = *gc.Blocking
			}
			stage.QualityGates = append(stage.QualityGates, registry.QualityGate{
				ID:         gc.ID,
				Kind:       registry.GateKind(gc.Kind),
				Parameters: gc.Parameters,
				Blocking:   blocking,
			})
		}
		col.Workflow.Stages = append(col.Workflow.Stages, stage)
	}

	return col
}

func toRequirements(reqs []RequirementConfig) []registry.SkillRequirement {
	out := make([]registry.SkillRequirement, 0, len(reqs))
	for _, r := range reqs {
		level := r.MinLevel
		if level == 0 {
			level = 1
		}
		out = append(out, registry.SkillRequirement{
			SkillID:  r.SkillID,
			MinLevel: level,
			Focus:    r.Focus,
		})
	}
	return out
}
