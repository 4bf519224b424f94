// Package logging builds the process slog logger.
//
// Loggers created by New write JSON, text or console output, mask secrets
// (credential-bearing keys, bearer tokens, URL passwords) and decorate each
// record with identifiers carried by the context:
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithTenantID(ctx, tenantID)
//	logger.InfoContext(ctx, "run authorized") // includes run_id, tenant_id
//
// When the context carries an OpenTelemetry span, trace_id and span_id are
// added as well.
package logging
