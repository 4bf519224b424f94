// Package metrics exposes Prometheus metrics for the control plane.
//
// A single Collector records decisions, engine step counts, run phase
// transitions, governance check outcomes, override checks and activations,
// snapshot events and threshold signals. Its Observe* methods match the
// metrics hooks declared by the runkernel, override and governance packages,
// so the same collector is passed to each.
//
// All metrics share the configured namespace and subsystem, by default
// aegis_governance_*. Threshold metric names are cardinality-limited.
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	go collector.Serve(ctx)
package metrics
