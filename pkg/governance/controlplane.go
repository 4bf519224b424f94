package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/engine"
	"mercator-hq/aegis/pkg/policy/override"
	"mercator-hq/aegis/pkg/policy/precedence"
	"mercator-hq/aegis/pkg/policy/snapshot"
	"mercator-hq/aegis/pkg/telemetry/tracing"
)

// RuleThresholdBreach prefixes the source rule of decisions denied because a
// run metric breached its threshold.
const RuleThresholdBreach = "threshold_breach"

// Engine error kinds reported to Metrics.
const (
	ErrorKindStepLimit = "step_limit"
	ErrorKindCallDepth = "call_depth"
	ErrorKindExecution = "execution"
	ErrorKindValidator = "validator"
	ErrorKindOther     = "other"
)

// Metrics receives evaluation observations.
type Metrics interface {
	ObserveDecision(decision string, duration time.Duration)
	ObserveEngineSteps(steps int)
	ObserveEngineError(kind string)
	ObserveThresholdSignal(signalType, metric string)
}

// Config controls the control plane.
type Config struct {
	Thresholds audit.ThresholdConfig

	// DenyOnBreach turns a threshold breach into a DENY decision.
	DenyOnBreach bool

	// StoreTimeout bounds snapshot reads and signal writes. Default: 5s
	StoreTimeout time.Duration

	// VerifySnapshots re-verifies the ACTIVE snapshot's content hash each
	// time a step is bound to it.
	VerifySnapshots bool
}

// Request is one evaluation of a run step.
type Request struct {
	Subject policy.Subject
	Input   engine.Input

	// Metrics are compared with the snapshot thresholds.
	Metrics map[string]float64
}

// Evaluation is the outcome of evaluating a step against its binding.
type Evaluation struct {
	RunID      string
	TenantID   string
	SnapshotID string

	Decision *precedence.Decision

	// Bypassed are the policies skipped by an active override.
	Bypassed map[string]override.CheckResult

	// Results holds the engine result of every evaluated policy, including
	// partial results of failed executions.
	Results map[string]*engine.Result

	// Intents are the non-terminal intents of every evaluated policy, in
	// precedence order.
	Intents []policy.Intent

	Signals []*audit.ThresholdSignal
	Steps   int
}

// Allowed reports whether the decision lets the run proceed.
func (e *Evaluation) Allowed() bool {
	if e == nil || e.Decision == nil {
		return false
	}
	return e.Decision.Action == policy.ActionAllow || e.Decision.Action == policy.ActionRoute
}

// ExecutionLimitError reports a policy that exceeded an engine limit. The run
// evaluating it must fail.
type ExecutionLimitError struct {
	PolicyID string
	Cause    error
}

// Error returns the error message.
func (e *ExecutionLimitError) Error() string {
	return fmt.Sprintf("policy %s exceeded an execution limit: %v", e.PolicyID, e.Cause)
}

// Unwrap returns the engine error.
func (e *ExecutionLimitError) Unwrap() error {
	return e.Cause
}

// ControlPlane ties policy resolution, overrides, the engine and threshold
// signals into one decision per step. It holds no per-run state and is safe
// for concurrent use.
type ControlPlane struct {
	resolver  *precedence.Resolver
	snapshots snapshot.Store
	provider  *snapshot.Provider
	engine    *engine.Engine
	overrides *override.Service
	audit     audit.Store

	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// Option configures a ControlPlane.
type Option func(*ControlPlane)

// WithOverrides enables override checks. Without it every policy is
// enforced.
func WithOverrides(s *override.Service) Option {
	return func(cp *ControlPlane) { cp.overrides = s }
}

// WithAuditStore persists threshold signals.
func WithAuditStore(s audit.Store) Option {
	return func(cp *ControlPlane) { cp.audit = s }
}

// WithClock sets the clock stamped on signals.
func WithClock(c clock.Clock) Option {
	return func(cp *ControlPlane) { cp.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cp *ControlPlane) {
		if l != nil {
			cp.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(cp *ControlPlane) {
		if t != nil {
			cp.tracer = t
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(cp *ControlPlane) { cp.metrics = m }
}

// New creates a control plane reading ACTIVE snapshots from snapshots.
func New(resolver *precedence.Resolver, snapshots snapshot.Store, eng *engine.Engine, cfg Config, opts ...Option) *ControlPlane {
	cfg.Thresholds.ApplyDefaults()
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	cp := &ControlPlane{
		resolver:  resolver,
		snapshots: snapshots,
		provider:  &snapshot.Provider{Store: snapshots, Verify: cfg.VerifySnapshots},
		engine:    eng,
		config:    cfg,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(cp)
	}
	cp.clock = clock.OrDefault(cp.clock)
	cp.logger = cp.logger.With("component", "governance")
	return cp
}

// Resolver returns the precedence resolver.
func (cp *ControlPlane) Resolver() *precedence.Resolver {
	return cp.resolver
}

// Provider returns the ACTIVE snapshot provider binders resolve against.
func (cp *ControlPlane) Provider() *snapshot.Provider {
	return cp.provider
}

// Binder returns a binder for the run identified by subject.
func (cp *ControlPlane) Binder(subject policy.Subject) *precedence.Binder {
	return precedence.NewBinder(cp.resolver, cp.provider, subject, cp.clock)
}

// Decide resolves the tenant's ACTIVE snapshot and evaluates req against
// it. It is the single-shot form of Evaluate for callers without a run.
func (cp *ControlPlane) Decide(ctx context.Context, req Request) (*Evaluation, error) {
	binding, err := cp.Binder(req.Subject).Start(ctx)
	if err != nil {
		return nil, err
	}
	return cp.Evaluate(ctx, binding, req)
}

// Evaluate decides one step against binding. Policies bypassed by an active
// override are not evaluated. When a policy exceeds an engine limit, the
// evaluation is returned together with an *ExecutionLimitError.
func (cp *ControlPlane) Evaluate(ctx context.Context, binding *precedence.Binding, req Request) (*Evaluation, error) {
	start := time.Now()
	subject := req.Subject
	ctx, span := cp.tracer.Start(ctx, "governance.Evaluate")
	defer span.End()
	tracing.SetRunAttributes(span, subject.RunID, subject.TenantID)
	span.SetAttributes(attribute.String(tracing.AttrSnapshotID, binding.SnapshotID))

	res := binding.Resolution
	eval := &Evaluation{
		RunID:      subject.RunID,
		TenantID:   subject.TenantID,
		SnapshotID: binding.SnapshotID,
		Results:    make(map[string]*engine.Result, len(res.Ordered)),
	}

	if cp.overrides != nil && len(res.Ordered) > 0 {
		eval.Bypassed = cp.overrides.Bypassed(ctx, subject.TenantID, res.PolicyIDs())
	}
	span.SetAttributes(attribute.Int(tracing.AttrOverride, len(eval.Bypassed)))

	in := inputFor(req)
	ectx := withCheckScope(ctx, &checkScope{snapshotID: binding.SnapshotID, set: binding.Set, input: in})
	outcomes := make(map[string]precedence.Outcome, len(res.Ordered))
	var limitErr error
	for _, e := range res.Ordered {
		id := e.Policy.ID
		if _, ok := eval.Bypassed[id]; ok {
			cp.logger.InfoContext(ctx, "policy bypassed by override", "policy_id", id)
			continue
		}

		p := e.Policy
		result, err := cp.engine.EvaluatePolicy(ectx, &p, in)
		if result != nil {
			eval.Results[id] = result
			eval.Steps += result.Steps
			cp.observeSteps(result.Steps)
		}
		if err != nil {
			kind := ErrorKind(err)
			cp.observeEngineError(kind)
			cp.logger.WarnContext(ctx, "policy evaluation failed", "policy_id", id, "kind", kind, "error", err)
			if limitErr == nil && (kind == ErrorKindStepLimit || kind == ErrorKindCallDepth) {
				limitErr = &ExecutionLimitError{PolicyID: id, Cause: err}
			}
			outcomes[id] = precedence.Outcome{Err: err}
			continue
		}
		outcomes[id] = precedence.Outcome{Intent: result.Decision}
		eval.Intents = append(eval.Intents, result.Intents...)
	}

	eval.Decision = cp.resolver.Decide(res, outcomes)
	eval.Signals = cp.thresholds(ctx, binding, req, eval.Decision)
	if breached := audit.Breached(eval.Signals); len(breached) > 0 && cp.config.DenyOnBreach {
		eval.Decision = breachDecision(eval.Decision, breached[0])
	}

	d := eval.Decision
	tracing.SetDecisionAttributes(span, string(d.Action), d.Intent.SourcePolicy, d.Intent.SourceRule)
	span.SetAttributes(attribute.Int(tracing.AttrEngineSteps, eval.Steps))
	tracing.SetStatus(span, limitErr)
	if cp.metrics != nil {
		cp.metrics.ObserveDecision(string(d.Action), time.Since(start))
	}
	cp.logger.DebugContext(ctx, "step decided",
		"snapshot_id", binding.SnapshotID,
		"decision", d.Action,
		"source_policy", d.Intent.SourcePolicy,
		"source_rule", d.Intent.SourceRule,
		"bypassed", len(eval.Bypassed),
		"steps", eval.Steps,
	)
	return eval, limitErr
}

// thresholds raises signals for req.Metrics against the bound snapshot.
// Failures to read thresholds or store signals are logged, never fatal.
func (cp *ControlPlane) thresholds(ctx context.Context, binding *precedence.Binding, req Request, d *precedence.Decision) []*audit.ThresholdSignal {
	if len(req.Metrics) == 0 {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, cp.config.StoreTimeout)
	defer cancel()

	snap, err := cp.snapshots.Get(sctx, binding.SnapshotID)
	if err != nil {
		cp.logger.WarnContext(ctx, "failed to load snapshot thresholds", "snapshot_id", binding.SnapshotID, "error", err)
		return nil
	}
	limits, err := snap.Thresholds()
	if err != nil {
		cp.logger.WarnContext(ctx, "failed to decode snapshot thresholds", "snapshot_id", binding.SnapshotID, "error", err)
		return nil
	}

	src := audit.SignalSource{
		RunID:      req.Subject.RunID,
		TenantID:   req.Subject.TenantID,
		PolicyID:   d.Intent.SourcePolicy,
		SnapshotID: binding.SnapshotID,
	}
	signals := audit.EvaluateThresholds(src, req.Metrics, limits, cp.config.Thresholds, cp.clock.Now())
	for _, s := range signals {
		if cp.metrics != nil {
			cp.metrics.ObserveThresholdSignal(string(s.Type), s.Metric)
		}
		cp.logger.InfoContext(ctx, "threshold signal",
			"type", s.Type,
			"metric", s.Metric,
			"value", s.CurrentValue,
			"threshold", s.ThresholdValue,
		)
		if cp.audit == nil {
			continue
		}
		if err := cp.audit.AddSignal(sctx, s); err != nil {
			cp.logger.ErrorContext(ctx, "failed to store threshold signal", "signal_id", s.SignalID, "error", err)
		}
	}
	return signals
}

func breachDecision(d *precedence.Decision, s *audit.ThresholdSignal) *precedence.Decision {
	if d.Action == policy.ActionDeny {
		return d
	}
	reason := fmt.Sprintf("metric %s at %v breached threshold %v", s.Metric, s.CurrentValue, s.ThresholdValue)
	out := *d
	out.Action = policy.ActionDeny
	out.Intent = policy.Intent{
		Action:       policy.ActionDeny,
		SourcePolicy: s.PolicyID,
		SourceRule:   RuleThresholdBreach + ":" + s.Metric,
		Reason:       reason,
		Terminal:     true,
	}
	out.Reason = reason
	return &out
}

// inputFor fills the engine input identifiers from the subject when the
// caller left them empty.
func inputFor(req Request) engine.Input {
	in := req.Input
	if in.RequestID == "" {
		in.RequestID = req.Subject.RunID
	}
	if in.AgentID == "" {
		in.AgentID = req.Subject.AgentID
	}
	if in.UserID == "" {
		in.UserID = req.Subject.HumanActorID
	}
	return in
}

// ErrorKind classifies an engine error for metrics.
func ErrorKind(err error) string {
	var (
		stepErr  *engine.StepLimitError
		depthErr *engine.CallDepthError
		execErr  *engine.ExecutionError
		panicErr *engine.ValidatorPanicError
	)
	switch {
	case errors.As(err, &stepErr):
		return ErrorKindStepLimit
	case errors.As(err, &depthErr):
		return ErrorKindCallDepth
	case errors.As(err, &execErr):
		return ErrorKindExecution
	case errors.As(err, &panicErr):
		return ErrorKindValidator
	default:
		return ErrorKindOther
	}
}

func (cp *ControlPlane) observeSteps(steps int) {
	if cp.metrics != nil {
		cp.metrics.ObserveEngineSteps(steps)
	}
}

func (cp *ControlPlane) observeEngineError(kind string) {
	if cp.metrics != nil {
		cp.metrics.ObserveEngineError(kind)
	}
}
