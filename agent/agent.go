// Package agent is the reasoning layer: an agent builds context, chooses
// intents, and coordinates with peers over the bus. It never invokes a
// skill directly — intents go back to the orchestrator, and this package
// deliberately has no import path to the invoker layer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/atelierhq/atelier/bus"
	"github.com/atelierhq/atelier/registry"
)

// ============================================================================
// AGENT CONTEXT AND INTENTS
// ============================================================================

// Context is the working state an agent accumulates for one assignment.
type Context struct {
	Role           registry.Role
	ProjectContext map[string]any
	SharedContext  map[string]any
	Outputs        map[string]any
	History        []string // SkillExecution ids, appended by the orchestrator
}

// Intent is one task description the agent wishes to achieve, in order.
type Intent struct {
	Description string
	Inputs      map[string]any
}

// Review is the result of reasoning over another agent's artifact.
type Review struct {
	Approved           bool     `json:"approved"`
	Comments           []string `json:"comments,omitempty"`
	SuggestedRevisions []string `json:"suggested_revisions,omitempty"`
}

// InsufficientContextError signals the agent could not produce intents.
type InsufficientContextError struct {
	AgentID string
	Reason  string
}

func (e *InsufficientContextError) Error() string {
	return fmt.Sprintf("[agent:%s] insufficient context: %s", e.AgentID, e.Reason)
}

// ============================================================================
// AGENT
// ============================================================================

// Agent is a reasoning actor bound to a role.
type Agent struct {
	id      string
	role    registry.Role
	bus     *bus.Bus
	project map[string]any
	log     *slog.Logger
}

func New(id string, role registry.Role, b *bus.Bus, project map[string]any) *Agent {
	if project == nil {
		project = map[string]any{}
	}
	b.Register(id)
	return &Agent{
		id:      id,
		role:    role,
		bus:     b,
		project: project,
		log:     slog.Default().With("agent", id, "role", role.ID),
	}
}

func (a *Agent) ID() string          { return a.id }
func (a *Agent) Role() registry.Role { return a.role }

// Prepare builds the agent context from project context, the shared-context
// snapshot, and pending messages, then derives an ordered list of intents
// from the goal. Pending messages are drained from the mailbox: context_share
// payloads fold into the shared context, request messages carrying a
// "description" become extra intents, and other messages are not kept.
func (a *Agent) Prepare(ctx context.Context, goal string) (*Context, []Intent, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	agentCtx := &Context{
		Role:           a.role,
		ProjectContext: a.project,
		SharedContext:  a.bus.ContextSnapshot(),
		Outputs:        make(map[string]any),
	}

	messages := a.bus.Subscribe(a.id)
	for _, msg := range messages {
		if msg.Kind == bus.KindContextShare {
			for key, value := range msg.Payload {
				agentCtx.SharedContext[key] = value
			}
		}
	}

	intents := deriveIntents(goal, messages)
	if len(intents) == 0 {
		return nil, nil, &InsufficientContextError{
			AgentID: a.id,
			Reason:  "no goal text and no actionable messages",
		}
	}

	a.log.Debug("prepared intents", "count", len(intents), "messages", len(messages))
	return agentCtx, intents, nil
}

// deriveIntents splits a goal into ordered task descriptions. Conjunctions
// and sequencing words delimit intents; request messages append theirs.
func deriveIntents(goal string, messages []bus.Message) []Intent {
	var intents []Intent
	for _, clause := range SplitClauses(goal) {
		intents = append(intents, Intent{Description: clause})
	}
	for _, msg := range messages {
		if msg.Kind != bus.KindRequest {
			continue
		}
		if desc, ok := msg.Payload["description"].(string); ok && desc != "" {
			intents = append(intents, Intent{
				Description: desc,
				Inputs:      msg.Payload,
			})
		}
	}
	return intents
}

// SplitClauses breaks a goal into sequential clauses on conjunctions and
// separators. Exported for the rule decomposition strategy, which applies
// the same reading of a goal.
func SplitClauses(goal string) []string {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil
	}

	replacer := strings.NewReplacer(
		" and then ", "\n",
		", then ", "\n",
		" then ", "\n",
		" and ", "\n",
		"; ", "\n",
		";", "\n",
	)
	var clauses []string
	for _, part := range strings.Split(replacer.Replace(goal), "\n") {
		part = strings.TrimSpace(part)
		if part != "" {
			clauses = append(clauses, part)
		}
	}
	return clauses
}

// ============================================================================
// PEER REVIEW
// ============================================================================

// ReviewOutput reasons over another agent's artifact. The checks are
// structural: an empty output, a null or empty-string artifact, or an
// "error" key rejects the output with a comment, and an error key also
// adds a suggested revision. Role dimensions are not inspected.
func (a *Agent) ReviewOutput(otherAgent string, output map[string]any) Review {
	review := Review{Approved: true}

	if len(output) == 0 {
		return Review{
			Approved: false,
			Comments: []string{fmt.Sprintf("output from %s is empty", otherAgent)},
		}
	}

	for key, value := range output {
		switch v := value.(type) {
		case nil:
			review.Approved = false
			review.Comments = append(review.Comments, fmt.Sprintf("artifact %q is null", key))
		case string:
			if v == "" {
				review.Approved = false
				review.Comments = append(review.Comments, fmt.Sprintf("artifact %q is empty", key))
			}
		}
		if key == "error" {
			review.Approved = false
			review.Comments = append(review.Comments, fmt.Sprintf("output carries error: %v", value))
			review.SuggestedRevisions = append(review.SuggestedRevisions, "resolve the reported error and resubmit")
		}
	}
	return review
}

// ============================================================================
// BUS WRAPPERS
// ============================================================================

// RequestFeedback asks another agent to review an artifact.
func (a *Agent) RequestFeedback(otherAgent string, artifact map[string]any) error {
	return a.bus.Publish(bus.Message{
		From: a.id,
		To:   otherAgent,
		Kind: bus.KindRequest,
		Payload: map[string]any{
			"description": "review artifact",
			"artifact":    artifact,
		},
	})
}

func (a *Agent) SendMessage(to string, kind bus.Kind, payload map[string]any) error {
	return a.bus.Publish(bus.Message{
		From:    a.id,
		To:      to,
		Kind:    kind,
		Payload: payload,
	})
}

// CheckMessages reports how many messages are pending without draining.
func (a *Agent) CheckMessages() int {
	return len(a.bus.Peek(a.id))
}

// GetMessages drains and returns pending messages.
func (a *Agent) GetMessages() []bus.Message {
	return a.bus.Subscribe(a.id)
}

func (a *Agent) ShareContext(key string, value any) error {
	return a.bus.ShareContext(a.id, key, value)
}
