package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys for governance spans.
const (
	AttrRunID        = "aegis.run.id"
	AttrTenantID     = "aegis.tenant.id"
	AttrScopeType    = "aegis.scope.type"
	AttrScopeID      = "aegis.scope.id"
	AttrSnapshotID   = "aegis.snapshot.id"
	AttrPolicyID     = "aegis.policy.id"
	AttrRuleID       = "aegis.rule.id"
	AttrDecision     = "aegis.decision"
	AttrOverride     = "aegis.override.active"
	AttrEngineSteps  = "aegis.engine.steps"
	AttrGovernanceOK = "aegis.governance.passed"
)

// SetRunAttributes records run identity on span.
func SetRunAttributes(span trace.Span, runID, tenantID string) {
	attrs := []attribute.KeyValue{attribute.String(AttrRunID, runID)}
	if tenantID != "" {
		attrs = append(attrs, attribute.String(AttrTenantID, tenantID))
	}
	span.SetAttributes(attrs...)
}

// SetScopeAttributes records the scope a decision was made for.
func SetScopeAttributes(span trace.Span, scopeType, scopeID, snapshotID string) {
	span.SetAttributes(
		attribute.String(AttrScopeType, scopeType),
		attribute.String(AttrScopeID, scopeID),
		attribute.String(AttrSnapshotID, snapshotID),
	)
}

// SetDecisionAttributes records a decision and its provenance. Empty policy
// and rule IDs are omitted.
func SetDecisionAttributes(span trace.Span, decision, policyID, ruleID string) {
	attrs := []attribute.KeyValue{attribute.String(AttrDecision, decision)}
	if policyID != "" {
		attrs = append(attrs, attribute.String(AttrPolicyID, policyID))
	}
	if ruleID != "" {
		attrs = append(attrs, attribute.String(AttrRuleID, ruleID))
	}
	span.SetAttributes(attrs...)
}
