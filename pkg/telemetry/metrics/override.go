package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/aegis/pkg/config"
)

// OverrideMetrics tracks the override authority.
//
// Metrics:
//   - aegis_governance_override_checks_total: Checks by resulting status
//   - aegis_governance_override_activations_total: Activation attempts by result
type OverrideMetrics struct {
	checksTotal      *prometheus.CounterVec
	activationsTotal *prometheus.CounterVec
}

// NewOverrideMetrics creates and registers override metrics.
func NewOverrideMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *OverrideMetrics {
	om := &OverrideMetrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "override_checks_total",
				Help:      "Total number of override checks",
			},
			[]string{"status"},
		),
		activationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "override_activations_total",
				Help:      "Total number of override activation attempts",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(om.checksTotal, om.activationsTotal)
	return om
}

// RecordCheck records one override check.
func (om *OverrideMetrics) RecordCheck(status string) {
	om.checksTotal.WithLabelValues(status).Inc()
}

// RecordActivation records one activation attempt.
func (om *OverrideMetrics) RecordActivation(result string) {
	om.activationsTotal.WithLabelValues(result).Inc()
}
