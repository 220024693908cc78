// Package observability carries the engine's ambient concerns: Prometheus
// metrics and the slog bootstrap shared by the CLI and embedders.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's instrument set, registered on a per-engine
// registry so multiple engines can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	SkillInvocations *prometheus.CounterVec
	SkillDuration    *prometheus.HistogramVec
	StageTransitions *prometheus.CounterVec
	GateFailures     prometheus.Counter
	CheckpointSaves  prometheus.Counter
	MessagesRouted   prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SkillInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "skill_invocations_total",
			Help:      "Skill invocations by skill id and terminal status.",
		}, []string{"skill_id", "status"}),
		SkillDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "atelier",
			Name:      "skill_duration_seconds",
			Help:      "Wall-clock duration of skill invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"skill_id"}),
		StageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "stage_transitions_total",
			Help:      "Stage state-machine transitions by target state.",
		}, []string{"state"}),
		GateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "gate_failures_total",
			Help:      "Blocking quality-gate failures.",
		}),
		CheckpointSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoints persisted to the state store.",
		}),
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "bus_messages_total",
			Help:      "Messages routed through the agent bus.",
		}),
	}

	m.registry.MustRegister(
		m.SkillInvocations,
		m.SkillDuration,
		m.StageTransitions,
		m.GateFailures,
		m.CheckpointSaves,
		m.MessagesRouted,
	)
	return m
}

// Registry exposes the underlying registry for exposition by the caller.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
