package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/aegis/pkg/config"
)

// SnapshotMetrics tracks snapshots and threshold signals.
//
// Metrics:
//   - aegis_governance_snapshot_events_total: Snapshot lifecycle events
//   - aegis_governance_threshold_signals_total: Signals by type and metric
type SnapshotMetrics struct {
	eventsTotal  *prometheus.CounterVec
	signalsTotal *prometheus.CounterVec
}

// NewSnapshotMetrics creates and registers snapshot metrics.
func NewSnapshotMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *SnapshotMetrics {
	sm := &SnapshotMetrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "snapshot_events_total",
				Help:      "Total number of snapshot lifecycle events",
			},
			[]string{"event"},
		),
		signalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "threshold_signals_total",
				Help:      "Total number of threshold signals emitted",
			},
			[]string{"type", "metric"},
		),
	}

	registry.MustRegister(sm.eventsTotal, sm.signalsTotal)
	return sm
}

// RecordEvent records one snapshot event.
func (sm *SnapshotMetrics) RecordEvent(event string) {
	sm.eventsTotal.WithLabelValues(event).Inc()
}

// RecordSignal records one threshold signal.
func (sm *SnapshotMetrics) RecordSignal(signalType, metric string) {
	sm.signalsTotal.WithLabelValues(signalType, metric).Inc()
}
