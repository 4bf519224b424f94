// Package telemetry groups the observability packages of the control plane.
//
//   - logging: slog construction, context identifiers and secret redaction
//   - metrics: Prometheus collector and scrape endpoint
//   - tracing: OpenTelemetry provider and trace context propagation
//
// The policy, audit and run kernel packages never import these packages.
// They accept a *slog.Logger, a trace.Tracer and a small metrics interface,
// and cmd/aegis wires the implementations from here. The governance layer
// uses logging and tracing for run context propagation only.
package telemetry
