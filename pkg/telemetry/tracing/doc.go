// Package tracing sets up OpenTelemetry tracing for the control plane.
//
// New returns a noop provider when tracing is disabled and an OTLP gRPC
// exporter otherwise. Components receive tracers through Tracer(component)
// and name spans after the operation they wrap, for example
// "runkernel.Authorize" or "governance.Decide".
//
// Trace context crosses the intent boundary through InjectToMap and
// ExtractFromMap, so work done by executors joins the run's trace.
package tracing
