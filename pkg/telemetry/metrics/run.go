package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/aegis/pkg/config"
)

// RunMetrics tracks the run orchestration kernel.
//
// Metrics:
//   - aegis_governance_run_phase_transitions_total: Transitions by from and to phase
//   - aegis_governance_checks_total: Governance checks by outcome
type RunMetrics struct {
	transitionsTotal *prometheus.CounterVec
	checksTotal      *prometheus.CounterVec
}

// NewRunMetrics creates and registers run metrics.
func NewRunMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RunMetrics {
	rm := &RunMetrics{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "run_phase_transitions_total",
				Help:      "Total number of run phase transitions",
			},
			[]string{"from", "to"},
		),
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "checks_total",
				Help:      "Total number of governance checks by outcome",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(rm.transitionsTotal, rm.checksTotal)
	return rm
}

// RecordTransition records one phase transition.
func (rm *RunMetrics) RecordTransition(from, to string) {
	rm.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordCheck records one governance check.
func (rm *RunMetrics) RecordCheck(outcome string) {
	rm.checksTotal.WithLabelValues(outcome).Inc()
}
