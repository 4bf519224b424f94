package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/aegis/pkg/config"
)

// DecisionMetrics tracks decisions and the policy engine.
//
// Metrics:
//   - aegis_governance_decisions_total: Final decisions by action
//   - aegis_governance_decision_duration_seconds: Time to produce a decision
//   - aegis_governance_engine_steps: Instructions used per policy execution
//   - aegis_governance_engine_errors_total: Failed executions by error kind
type DecisionMetrics struct {
	decisionsTotal   *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	engineSteps      prometheus.Histogram
	engineErrors     *prometheus.CounterVec
}

// NewDecisionMetrics creates and registers decision metrics.
func NewDecisionMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *DecisionMetrics {
	dm := &DecisionMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "decisions_total",
				Help:      "Total number of final governance decisions",
			},
			[]string{"decision"},
		),
		decisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "decision_duration_seconds",
				Help:      "Time to resolve, evaluate and combine policies for one decision",
				Buckets:   cfg.DurationBuckets,
			},
		),
		engineSteps: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "engine_steps",
				Help:      "Instructions executed per policy evaluation",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1 to 16K
			},
		),
		engineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "engine_errors_total",
				Help:      "Total number of failed policy evaluations",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		dm.decisionsTotal,
		dm.decisionDuration,
		dm.engineSteps,
		dm.engineErrors,
	)
	return dm
}

// RecordDecision records one final decision.
func (dm *DecisionMetrics) RecordDecision(decision string, duration time.Duration) {
	dm.decisionsTotal.WithLabelValues(decision).Inc()
	dm.decisionDuration.Observe(duration.Seconds())
}

// RecordSteps records the step count of one execution.
func (dm *DecisionMetrics) RecordSteps(steps int) {
	dm.engineSteps.Observe(float64(steps))
}

// RecordError records a failed execution.
func (dm *DecisionMetrics) RecordError(kind string) {
	dm.engineErrors.WithLabelValues(kind).Inc()
}
