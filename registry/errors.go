package registry

import "fmt"

// ============================================================================
// CONFIG ERRORS
// ============================================================================

// ConfigErrorKind identifies the class of configuration failure.
type ConfigErrorKind string

const (
	ErrMissingRef              ConfigErrorKind = "missing_ref"
	ErrDuplicateID             ConfigErrorKind = "duplicate_id"
	ErrBundleCycle             ConfigErrorKind = "bundle_cycle"
	ErrForbiddenAllowedOverlap ConfigErrorKind = "forbidden_allowed_overlap"
	ErrLevelOutOfRange         ConfigErrorKind = "level_out_of_range"
	ErrWorkflowCycle           ConfigErrorKind = "workflow_cycle"
	ErrUnauthorizedStageSkill  ConfigErrorKind = "unauthorized_stage_skill"
	ErrUnknownPredicate        ConfigErrorKind = "unknown_predicate"
	ErrExtendsCycle            ConfigErrorKind = "extends_cycle"
)

// ConfigError represents malformed or inconsistent registry input.
// Fatal at startup: a partially-valid config is rejected.
type ConfigError struct {
	Kind      ConfigErrorKind
	Component string
	Message   string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[registry:%s] %s: %s: %v", e.Component, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[registry:%s] %s: %s", e.Component, e.Kind, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func newConfigError(kind ConfigErrorKind, component, format string, args ...any) *ConfigError {
	return &ConfigError{
		Kind:      kind,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
	}
}
