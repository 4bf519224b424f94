package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Context keys for common log fields.
type contextKey string

const (
	// RunIDKey is the context key for run IDs.
	RunIDKey contextKey = "run_id"

	// TenantIDKey is the context key for tenant IDs.
	TenantIDKey contextKey = "tenant_id"

	// PolicyIDKey is the context key for policy IDs.
	PolicyIDKey contextKey = "policy_id"

	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
)

var contextKeys = []contextKey{RunIDKey, TenantIDKey, PolicyIDKey, RequestIDKey}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run ID from the context.
func GetRunID(ctx context.Context) string {
	return getString(ctx, RunIDKey)
}

// WithTenantID adds a tenant ID to the context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantID retrieves the tenant ID from the context.
func GetTenantID(ctx context.Context) string {
	return getString(ctx, TenantIDKey)
}

// WithPolicyID adds a policy ID to the context.
func WithPolicyID(ctx context.Context, policyID string) context.Context {
	return context.WithValue(ctx, PolicyIDKey, policyID)
}

// GetPolicyID retrieves the policy ID from the context.
func GetPolicyID(ctx context.Context) string {
	return getString(ctx, PolicyIDKey)
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func getString(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// contextAttrs extracts identifiers from the context, including the active
// span's trace and span IDs.
func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range contextKeys {
		if v := getString(ctx, key); v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return attrs
}

// contextHandler adds context identifiers to every record.
type contextHandler struct {
	next slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if attrs := contextAttrs(ctx); len(attrs) > 0 {
			r = r.Clone()
			r.AddAttrs(attrs...)
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name)}
}
