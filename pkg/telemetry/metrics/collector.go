package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/aegis/pkg/config"
)

// maxSignalMetrics caps distinct threshold metric labels.
const maxSignalMetrics = 1000

// Collector owns every Prometheus metric of the control plane. It satisfies
// the metrics hooks of the run kernel, the override authority and the
// governance layer, so one instance can be handed to all of them.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	decisionMetrics *DecisionMetrics
	runMetrics      *RunMetrics
	overrideMetrics *OverrideMetrics
	snapshotMetrics *SnapshotMetrics

	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a collector and registers its metrics. If registry
// is nil, a fresh registry is used.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	http.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = config.DefaultMetricsSubsystem
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = append([]float64(nil), config.DefaultDurationBuckets...)
	}

	return &Collector{
		config:             cfg,
		registry:           registry,
		decisionMetrics:    NewDecisionMetrics(cfg, registry),
		runMetrics:         NewRunMetrics(cfg, registry),
		overrideMetrics:    NewOverrideMetrics(cfg, registry),
		snapshotMetrics:    NewSnapshotMetrics(cfg, registry),
		cardinalityLimiter: NewCardinalityLimiter(maxSignalMetrics),
	}
}

// ObserveDecision records a final decision and how long producing it took.
func (c *Collector) ObserveDecision(decision string, duration time.Duration) {
	if !c.config.IsEnabled() {
		return
	}
	c.decisionMetrics.RecordDecision(decision, duration)
}

// ObserveEngineSteps records the instructions one policy execution used.
func (c *Collector) ObserveEngineSteps(steps int) {
	if !c.config.IsEnabled() {
		return
	}
	c.decisionMetrics.RecordSteps(steps)
}

// ObserveEngineError records a policy execution that failed with kind.
func (c *Collector) ObserveEngineError(kind string) {
	if !c.config.IsEnabled() {
		return
	}
	c.decisionMetrics.RecordError(kind)
}

// ObservePhaseTransition records a run phase transition.
func (c *Collector) ObservePhaseTransition(from, to string) {
	if !c.config.IsEnabled() {
		return
	}
	c.runMetrics.RecordTransition(from, to)
}

// ObserveGovernanceCheck records a governance check outcome.
func (c *Collector) ObserveGovernanceCheck(outcome string) {
	if !c.config.IsEnabled() {
		return
	}
	c.runMetrics.RecordCheck(outcome)
}

// ObserveOverrideCheck records an override check by resulting status.
func (c *Collector) ObserveOverrideCheck(status string) {
	if !c.config.IsEnabled() {
		return
	}
	c.overrideMetrics.RecordCheck(status)
}

// ObserveOverrideActivation records an activation attempt by result.
func (c *Collector) ObserveOverrideActivation(result string) {
	if !c.config.IsEnabled() {
		return
	}
	c.overrideMetrics.RecordActivation(result)
}

// ObserveSnapshotEvent records a snapshot lifecycle event such as
// "created", "activated" or "verify_failed".
func (c *Collector) ObserveSnapshotEvent(event string) {
	if !c.config.IsEnabled() {
		return
	}
	c.snapshotMetrics.RecordEvent(event)
}

// ObserveThresholdSignal records an emitted threshold signal. Metric names
// past the cardinality limit are folded into "other".
func (c *Collector) ObserveThresholdSignal(signalType, metric string) {
	if !c.config.IsEnabled() {
		return
	}
	if !c.cardinalityLimiter.Allow(metric) {
		metric = "other"
	}
	c.snapshotMetrics.RecordSignal(signalType, metric)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label values.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether a label value may be used. Values already seen are
// always allowed; new ones only while under the limit.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
