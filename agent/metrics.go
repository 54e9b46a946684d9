package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts tool executions, compensating reversals, checkpoint
// creation, and rollback branches. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	toolInvocations *prometheus.CounterVec
	toolReversals   *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec
	rollbacks       prometheus.Counter
}

// NewMetrics creates and registers the agent metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgit",
			Name:      "tool_invocations_total",
			Help:      "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolReversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgit",
			Name:      "tool_reversals_total",
			Help:      "Compensating tool executions by outcome.",
		}, []string{"outcome"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgit",
			Name:      "checkpoints_created_total",
			Help:      "Checkpoints created by kind.",
		}, []string{"kind"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentgit",
			Name:      "rollbacks_total",
			Help:      "Rollback branches created.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.toolInvocations, m.toolReversals, m.checkpoints, m.rollbacks)
	}
	return m
}

func (m *Metrics) recordToolInvocation(tool string, success bool) {
	if m == nil {
		return
	}
	m.toolInvocations.WithLabelValues(tool, outcomeLabel(success)).Inc()
}

func (m *Metrics) recordReversal(success bool) {
	if m == nil {
		return
	}
	m.toolReversals.WithLabelValues(outcomeLabel(success)).Inc()
}

func (m *Metrics) recordCheckpoint(isAuto bool) {
	if m == nil {
		return
	}
	kind := "manual"
	if isAuto {
		kind = "auto"
	}
	m.checkpoints.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordRollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
