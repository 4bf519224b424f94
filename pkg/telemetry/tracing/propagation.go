package tracing

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// propagator carries W3C trace context and baggage. It is used directly
// rather than through the global so intents keep their trace even when the
// global propagator has not been installed.
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// InjectToMap writes the trace context of ctx into carrier. Intents handed
// to executors carry it so their work joins the run's trace.
func InjectToMap(ctx context.Context, carrier map[string]string) {
	propagator.Inject(ctx, propagation.MapCarrier(carrier))
}

// ExtractFromMap returns ctx with the trace context found in carrier. If
// none is found, ctx is returned unchanged.
func ExtractFromMap(ctx context.Context, carrier map[string]string) context.Context {
	return propagator.Extract(ctx, propagation.MapCarrier(carrier))
}
