package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"

	"mercator-hq/aegis/pkg/config"
)

// InstrumentationName names the tracer handed to components.
const InstrumentationName = "mercator-hq/aegis"

// Tracer owns the process tracer provider.
type Tracer struct {
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
	enabled  bool
}

// New creates a Tracer from configuration. When tracing is disabled the
// provider is a noop and nothing is exported. When enabled, spans are
// batched to an OTLP gRPC collector and the provider is installed globally.
//
// The tracer must be shut down when no longer needed:
//
//	defer tracer.Shutdown(context.Background())
func New(cfg *config.TracingConfig) (*Tracer, error) {
	if cfg == nil {
		return nil, errors.New("tracing config is nil")
	}
	if !cfg.Enabled {
		return &Tracer{provider: noop.NewTracerProvider()}, nil
	}

	sampler, err := createSampler(cfg.Sampler, cfg.SampleRatio)
	if err != nil {
		return nil, fmt.Errorf("failed to create sampler: %w", err)
	}

	exporter, err := createOTLPExporter(cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return NewWithExporter(exporter, sampler, res), nil
}

// NewWithExporter builds an enabled Tracer around the given exporter and
// installs it globally. Tests use it with an in-memory exporter.
func NewWithExporter(exporter sdktrace.SpanExporter, sampler sdktrace.Sampler, res *resource.Resource) *Tracer {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithBatcher(exporter)}
	if sampler != nil {
		opts = append(opts, sdktrace.WithSampler(sampler))
	}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	return &Tracer{provider: tp, sdk: tp, enabled: true}
}

// createOTLPExporter creates an OTLP gRPC exporter. The connection is made
// lazily, so an unreachable collector does not fail startup.
func createOTLPExporter(cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.IsInsecure() {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.Timeout))
	}

	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return exporter, nil
}

// Tracer returns a named tracer for a component.
func (t *Tracer) Tracer(component string) trace.Tracer {
	return t.provider.Tracer(InstrumentationName + "/" + component)
}

// Provider returns the underlying provider.
func (t *Tracer) Provider() trace.TracerProvider {
	return t.provider
}

// Enabled returns whether tracing is enabled.
func (t *Tracer) Enabled() bool {
	return t.enabled
}

// ForceFlush exports all ended spans.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return t.sdk.ForceFlush(ctx)
}

// Shutdown flushes any pending spans and shuts down the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	return t.sdk.Shutdown(ctx)
}

// TraceID returns the trace ID from the context as a string, or "" when the
// context carries no valid span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// SetStatus sets the span status based on an error and records it.
func SetStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
