package orchestrator

import (
	"errors"
	"fmt"

	"github.com/atelierhq/atelier/agent"
	"github.com/atelierhq/atelier/invoker"
	"github.com/atelierhq/atelier/registry"
	"github.com/atelierhq/atelier/selector"
	"github.com/atelierhq/atelier/tracker"
)

// CancelledError reports workflow-level cancellation: outstanding
// invocations were signalled and newly-arriving intents are rejected.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("[orchestrator] workflow cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// InvocationError wraps a failed skill invocation with its recorded kind.
type InvocationError struct {
	SkillID string
	Kind    string
	Status  tracker.Status
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("[orchestrator] skill '%s' failed with %s (%s)", e.SkillID, e.Kind, e.Status)
}

func invocationError(skill registry.Skill, exec tracker.SkillExecution) error {
	return &InvocationError{
		SkillID: skill.ID,
		Kind:    exec.ErrorKind,
		Status:  exec.Status,
	}
}

// errorKind maps component errors to the engine's error-kind vocabulary
// recorded on failed tasks.
func errorKind(err error) string {
	var insufficient *agent.InsufficientContextError
	if errors.As(err, &insufficient) {
		return "insufficient_context"
	}
	var noSkill *selector.NoSkillAvailableError
	if errors.As(err, &noSkill) {
		return "no_skill_available"
	}
	var cancelled *CancelledError
	if errors.As(err, &cancelled) {
		return "cancelled"
	}
	var invocation *InvocationError
	if errors.As(err, &invocation) {
		return invocation.Kind
	}
	var invErr *invoker.Error
	if errors.As(err, &invErr) {
		return string(invErr.Kind)
	}
	return "execution"
}
