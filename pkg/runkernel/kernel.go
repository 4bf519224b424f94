package runkernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
)

// ExpectationConfig names an obligation declared for every run.
type ExpectationConfig struct {
	Domain string `yaml:"domain"`
	Action string `yaml:"action"`
}

// Config controls kernel behavior.
type Config struct {
	// GracePeriod is added to the declaration time to form expectation
	// deadlines. Default: 30s
	GracePeriod time.Duration `yaml:"grace_period"`

	// GovernanceTimeout bounds the reconciliation query. Default: 5s
	GovernanceTimeout time.Duration `yaml:"governance_timeout"`

	// StoreTimeout bounds audit store writes. Default: 5s
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// RequireAllAcks makes governance check failures block finalization.
	// Default: false
	RequireAllAcks bool `yaml:"require_all_acks"`

	// Expectations are declared when DeclareExpectations is called without
	// arguments.
	Expectations []ExpectationConfig `yaml:"expectations"`
}

// DefaultExpectations are the obligations of a governed run.
func DefaultExpectations() []ExpectationConfig {
	return []ExpectationConfig{
		{Domain: audit.DomainPolicyEvaluation, Action: "evaluate"},
		{Domain: audit.DomainTraceStart, Action: "open_trace"},
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.GracePeriod == 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.GovernanceTimeout == 0 {
		c.GovernanceTimeout = 5 * time.Second
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.Expectations == nil {
		c.Expectations = DefaultExpectations()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.GracePeriod < 0 || c.GovernanceTimeout < 0 || c.StoreTimeout < 0 {
		return errors.New("kernel durations must not be negative")
	}
	for i, e := range c.Expectations {
		if e.Domain == "" || e.Action == "" {
			return fmt.Errorf("expectation %d: domain and action are required", i)
		}
		if e.Domain == audit.DomainRun && e.Action == audit.ActionFinalizeRun {
			return fmt.Errorf("expectation %d: %s:%s is reserved", i, e.Domain, e.Action)
		}
	}
	return nil
}

// Metrics receives kernel observations.
type Metrics interface {
	ObservePhaseTransition(from, to string)
	ObserveGovernanceCheck(outcome string)
}

// Authorization is the decision a run is authorized with.
type Authorization struct {
	Decision     policy.Action
	SourcePolicy string
	SourceRule   string
	Reason       string
}

// RunContext is a point-in-time view of a run for observability.
type RunContext struct {
	RunID                 string                `json:"run_id"`
	TenantID              string                `json:"tenant_id,omitempty"`
	Phase                 Phase                 `json:"phase"`
	History               []Transition          `json:"history"`
	Authorization         *Authorization        `json:"authorization,omitempty"`
	ExpectationsDeclared  bool                  `json:"expectations_declared"`
	ExpectationsPersisted bool                  `json:"expectations_persisted"`
	ExecutionSucceeded    *bool                 `json:"execution_succeeded,omitempty"`
	ExecutionError        string                `json:"execution_error,omitempty"`
	GovernanceChecked     bool                  `json:"governance_checked"`
	GovernancePassed      bool                  `json:"governance_passed"`
	Reconciliation        *audit.Reconciliation `json:"reconciliation,omitempty"`
	FailureReason         string                `json:"failure_reason,omitempty"`
	FinalizeAcked         bool                  `json:"finalize_acked"`
}

// Kernel is the lifecycle state machine of one run. It is safe for
// concurrent use; domain acks may arrive from other goroutines.
type Kernel struct {
	config     Config
	store      audit.Store
	reconciler audit.Reconciler
	clock      clock.Clock
	logger     *slog.Logger
	metrics    Metrics
	tracer     trace.Tracer

	mu                sync.Mutex
	run               RunContext
	declarationFailed bool
	declared          map[expectationKey]struct{}
}

type expectationKey struct{ domain, action string }

// Option configures a Kernel.
type Option func(*Kernel)

// WithClock sets the clock used for deadlines and history.
func WithClock(c clock.Clock) Option {
	return func(k *Kernel) { k.clock = clock.OrDefault(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithTracer sets the tracer used for transition spans.
func WithTracer(t trace.Tracer) Option {
	return func(k *Kernel) {
		if t != nil {
			k.tracer = t
		}
	}
}

// WithTenant records the tenant the run belongs to.
func WithTenant(tenantID string) Option {
	return func(k *Kernel) { k.run.TenantID = tenantID }
}

// New creates a kernel for one run in phase CREATED. An empty runID gets a
// generated one.
func New(runID string, store audit.Store, reconciler audit.Reconciler, cfg Config, opts ...Option) *Kernel {
	cfg.ApplyDefaults()
	if runID == "" {
		runID = uuid.NewString()
	}
	k := &Kernel{
		config:     cfg,
		store:      store,
		reconciler: reconciler,
		clock:      clock.New(),
		tracer:     noop.NewTracerProvider().Tracer("runkernel"),
		run:        RunContext{RunID: runID, Phase: PhaseCreated},
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		k.logger = slog.Default().With("component", "runkernel")
	}
	k.logger = k.logger.With("run_id", runID)
	if k.run.TenantID != "" {
		k.logger = k.logger.With("tenant_id", k.run.TenantID)
	}
	return k
}

// RunID returns the run's identifier.
func (k *Kernel) RunID() string {
	return k.run.RunID
}

// Phase returns the current phase.
func (k *Kernel) Phase() Phase {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.run.Phase
}

// Context returns a copy of the run's state.
func (k *Kernel) Context() RunContext {
	k.mu.Lock()
	defer k.mu.Unlock()
	c := k.run
	c.History = append([]Transition(nil), k.run.History...)
	if k.run.Authorization != nil {
		a := *k.run.Authorization
		c.Authorization = &a
	}
	if k.run.ExecutionSucceeded != nil {
		v := *k.run.ExecutionSucceeded
		c.ExecutionSucceeded = &v
	}
	if k.run.Reconciliation != nil {
		r := *k.run.Reconciliation
		c.Reconciliation = &r
	}
	return c
}

// DeclareExpectations registers the run's audit obligations. Without
// arguments the configured expectations are declared. Zero deadlines get
// now plus the grace period. It must precede BeginExecution.
//
// A store failure is logged and does not block the run, but the later
// governance check will report UNKNOWN.
func (k *Kernel) DeclareExpectations(ctx context.Context, expectations ...audit.Expectation) error {
	ctx, span := k.tracer.Start(ctx, "runkernel.DeclareExpectations")
	defer span.End()

	k.mu.Lock()
	if p := k.run.Phase; p != PhaseCreated && p != PhaseAuthorized {
		k.mu.Unlock()
		err := &PhaseTransitionError{RunID: k.run.RunID, Op: "declare_expectations", From: p, To: p,
			Reason: "expectations must be declared before execution"}
		recordErr(span, err)
		return err
	}
	k.mu.Unlock()

	if len(expectations) == 0 {
		for _, e := range k.config.Expectations {
			expectations = append(expectations, audit.Expectation{Domain: e.Domain, Action: e.Action})
		}
	}
	for _, e := range expectations {
		if e.Domain == audit.DomainRun && e.Action == audit.ActionFinalizeRun {
			recordErr(span, ErrReservedAck)
			return ErrReservedAck
		}
	}
	// The caller's slice is left untouched.
	expectations = append([]audit.Expectation(nil), expectations...)
	deadline := k.clock.Now().Add(k.config.GracePeriod)
	for i := range expectations {
		expectations[i].RunID = k.run.RunID
		if expectations[i].Deadline.IsZero() {
			expectations[i].Deadline = deadline
		}
	}

	persisted := true
	if k.store != nil {
		sctx, cancel := context.WithTimeout(ctx, k.config.StoreTimeout)
		err := k.store.AddExpectations(sctx, k.run.RunID, expectations)
		cancel()
		if err != nil {
			persisted = false
			k.logger.Error("failed to persist audit expectations", "error", err)
			recordErr(span, err)
		}
	} else {
		persisted = false
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	// One failed write taints every later declaration of the run.
	k.declarationFailed = k.declarationFailed || !persisted
	k.run.ExpectationsDeclared = true
	k.run.ExpectationsPersisted = !k.declarationFailed
	if k.declared == nil {
		k.declared = make(map[expectationKey]struct{}, len(expectations))
	}
	for _, e := range expectations {
		k.declared[expectationKey{e.Domain, e.Action}] = struct{}{}
	}
	span.SetAttributes(attribute.Int("expectations", len(expectations)))
	k.logger.Debug("expectations declared", "count", len(expectations), "persisted", persisted)
	return nil
}

// Authorize moves CREATED to AUTHORIZED when the decision lets the run
// proceed (ALLOW or ROUTE). Any other decision fails the run and returns an
// *AuthorizationError naming the deciding policy and rule.
func (k *Kernel) Authorize(ctx context.Context, auth Authorization) error {
	ctx, span := k.tracer.Start(ctx, "runkernel.Authorize",
		trace.WithAttributes(attribute.String("decision", string(auth.Decision))))
	defer span.End()

	k.mu.Lock()
	if k.run.Phase != PhaseCreated {
		err := k.illegal("authorize", PhaseAuthorized, "")
		k.mu.Unlock()
		recordErr(span, err)
		return err
	}
	a := auth
	k.run.Authorization = &a
	if auth.Decision == policy.ActionAllow || auth.Decision == policy.ActionRoute {
		k.transition(PhaseAuthorized, "authorized: "+string(auth.Decision))
		k.mu.Unlock()
		return nil
	}
	k.mu.Unlock()

	err := &AuthorizationError{
		RunID:        k.run.RunID,
		Decision:     auth.Decision,
		SourcePolicy: auth.SourcePolicy,
		SourceRule:   auth.SourceRule,
		Reason:       auth.Reason,
	}
	recordErr(span, err)
	if ferr := k.Fail(ctx, err.Error()); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

// BeginExecution moves AUTHORIZED to EXECUTING. Expectations must have been
// declared.
func (k *Kernel) BeginExecution(ctx context.Context) error {
	_, span := k.tracer.Start(ctx, "runkernel.BeginExecution")
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.run.Phase != PhaseAuthorized {
		err := k.illegal("begin_execution", PhaseExecuting, "")
		recordErr(span, err)
		return err
	}
	if !k.run.ExpectationsDeclared {
		err := k.illegal("begin_execution", PhaseExecuting, "expectations not declared")
		recordErr(span, err)
		return err
	}
	k.transition(PhaseExecuting, "")
	return nil
}

// ExecutionComplete records the execution outcome and moves EXECUTING to
// GOVERNANCE_CHECK. The outcome is applied at finalization.
func (k *Kernel) ExecutionComplete(ctx context.Context, success bool, execErr error) error {
	_, span := k.tracer.Start(ctx, "runkernel.ExecutionComplete",
		trace.WithAttributes(attribute.Bool("success", success)))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.run.Phase != PhaseExecuting {
		err := k.illegal("execution_complete", PhaseGovernanceCheck, "")
		recordErr(span, err)
		return err
	}
	k.run.ExecutionSucceeded = &success
	if execErr != nil {
		k.run.ExecutionError = execErr.Error()
	}
	k.transition(PhaseGovernanceCheck, "")
	return nil
}

// GovernanceCheck reconciles the run's acks against its expectations within
// timeout. A non-clean result, a reconciler error, or a timeout (status
// UNKNOWN) fails the check only when requireAllAcks is set, in which case a
// *GovernanceCheckError is returned and finalization stays blocked.
// Otherwise the problem is logged and the run may proceed.
func (k *Kernel) GovernanceCheck(ctx context.Context, timeout time.Duration, requireAllAcks bool) (*audit.Reconciliation, error) {
	ctx, span := k.tracer.Start(ctx, "runkernel.GovernanceCheck",
		trace.WithAttributes(attribute.Bool("require_all_acks", requireAllAcks)))
	defer span.End()

	k.mu.Lock()
	if k.run.Phase != PhaseGovernanceCheck {
		err := k.illegal("governance_check", PhaseGovernanceCheck, "")
		k.mu.Unlock()
		recordErr(span, err)
		return nil, err
	}
	persisted := k.run.ExpectationsPersisted
	k.mu.Unlock()

	if timeout <= 0 {
		timeout = k.config.GovernanceTimeout
	}
	rec, cause := k.reconcile(ctx, timeout)
	if cause == nil && !persisted {
		cause = errors.New("expectations were not persisted")
		rec = k.unknown()
	}
	span.SetAttributes(attribute.String("status", string(rec.Status)))

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.run.Phase != PhaseGovernanceCheck {
		err := k.illegal("governance_check", PhaseGovernanceCheck, "run changed phase during check")
		recordErr(span, err)
		return rec, err
	}
	k.run.GovernanceChecked = true
	k.run.Reconciliation = rec

	if rec.IsClean {
		k.run.GovernancePassed = true
		k.observeCheck("clean")
		k.logger.Info("governance check passed")
		return rec, nil
	}

	if requireAllAcks {
		k.run.GovernancePassed = false
		k.observeCheck("blocked")
		err := &GovernanceCheckError{
			RunID:          k.run.RunID,
			Status:         rec.Status,
			MissingActions: rec.MissingActions,
			DriftActions:   rec.DriftActions,
			Cause:          cause,
		}
		k.logger.Error("governance check failed", "status", rec.Status,
			"missing", rec.MissingActions, "drift", rec.DriftActions, "error", cause)
		recordErr(span, err)
		return rec, err
	}

	k.run.GovernancePassed = true
	k.observeCheck("tolerated")
	k.logger.Warn("governance check not clean, proceeding",
		"status", rec.Status, "missing", rec.MissingActions, "drift", rec.DriftActions, "error", cause)
	return rec, nil
}

func (k *Kernel) reconcile(ctx context.Context, timeout time.Duration) (*audit.Reconciliation, error) {
	if k.reconciler == nil {
		return k.unknown(), errors.New("no reconciler configured")
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		rec *audit.Reconciliation
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := k.reconciler.Reconcile(rctx, k.run.RunID)
		done <- result{rec, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return k.unknown(), fmt.Errorf("reconcile: %w", r.err)
		}
		if r.rec == nil {
			return k.unknown(), errors.New("reconcile: empty result")
		}
		return r.rec, nil
	case <-rctx.Done():
		return k.unknown(), fmt.Errorf("reconcile: %w", rctx.Err())
	}
}

func (k *Kernel) unknown() *audit.Reconciliation {
	return &audit.Reconciliation{
		RunID:     k.run.RunID,
		Status:    audit.ReconcileUnknown,
		CheckedAt: k.clock.Now(),
	}
}

// BeginFinalization moves GOVERNANCE_CHECK to FINALIZING. The governance
// check must have been performed and passed.
func (k *Kernel) BeginFinalization(ctx context.Context) error {
	_, span := k.tracer.Start(ctx, "runkernel.BeginFinalization")
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	var err error
	switch {
	case k.run.Phase != PhaseGovernanceCheck:
		err = k.illegal("begin_finalization", PhaseFinalizing, "")
	case !k.run.GovernanceChecked:
		err = k.illegal("begin_finalization", PhaseFinalizing, "governance check not performed")
	case !k.run.GovernancePassed:
		err = k.illegal("begin_finalization", PhaseFinalizing, "governance check did not pass")
	}
	if err != nil {
		recordErr(span, err)
		return err
	}
	k.transition(PhaseFinalizing, "")
	return nil
}

// Finalize moves FINALIZING to COMPLETED, or to FAILED when success is
// false, and emits the finalize_run ack.
func (k *Kernel) Finalize(ctx context.Context, success bool, runErr error) error {
	ctx, span := k.tracer.Start(ctx, "runkernel.Finalize",
		trace.WithAttributes(attribute.Bool("success", success)))
	defer span.End()

	k.mu.Lock()
	if k.run.Phase != PhaseFinalizing {
		to := PhaseCompleted
		if !success {
			to = PhaseFailed
		}
		err := k.illegal("finalize", to, "")
		k.mu.Unlock()
		recordErr(span, err)
		return err
	}

	ackErr := ""
	if success {
		k.transition(PhaseCompleted, "")
	} else {
		ackErr = "run failed"
		if runErr != nil {
			ackErr = runErr.Error()
		}
		k.run.FailureReason = ackErr
		k.transition(PhaseFailed, ackErr)
	}
	k.mu.Unlock()

	k.emitFinalizeAck(ctx, ackErr)
	return nil
}

// Fail moves any non-terminal phase to FAILED and emits the finalize_run
// ack with the reason as its error.
func (k *Kernel) Fail(ctx context.Context, reason string) error {
	ctx, span := k.tracer.Start(ctx, "runkernel.Fail")
	defer span.End()

	if reason == "" {
		reason = "run failed"
	}
	k.mu.Lock()
	if k.run.Phase.Terminal() {
		err := k.illegal("fail", PhaseFailed, "")
		k.mu.Unlock()
		recordErr(span, err)
		return err
	}
	k.run.FailureReason = reason
	k.transition(PhaseFailed, reason)
	k.mu.Unlock()

	k.emitFinalizeAck(ctx, reason)
	return nil
}

// Ack records a domain's completion of an obligation. A non-nil domainErr
// records a failed obligation. The terminal liveness ack is reserved.
func (k *Kernel) Ack(ctx context.Context, domain, action, resultID string, domainErr error) error {
	if domain == audit.DomainRun && action == audit.ActionFinalizeRun {
		return ErrReservedAck
	}
	if k.store == nil {
		return errors.New("no audit store configured")
	}
	ack := audit.DomainAck{
		RunID:    k.run.RunID,
		Domain:   domain,
		Action:   action,
		ResultID: resultID,
		AckedAt:  k.clock.Now(),
	}
	if domainErr != nil {
		ack.Error = domainErr.Error()
	}
	sctx, cancel := context.WithTimeout(ctx, k.config.StoreTimeout)
	defer cancel()
	if err := k.store.AddAck(sctx, k.run.RunID, ack); err != nil {
		k.logger.Error("failed to record domain ack", "domain", domain, "action", action, "error", err)
		return fmt.Errorf("record ack %s:%s: %w", domain, action, err)
	}
	return nil
}

// Expects reports whether domain:action has been declared for the run.
// Acks for undeclared pairs are reported as unexpected drift.
func (k *Kernel) Expects(domain, action string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.declared[expectationKey{domain, action}]
	return ok
}

// emitFinalizeAck is reached once per run: only the single transition into
// a terminal phase calls it.
func (k *Kernel) emitFinalizeAck(ctx context.Context, ackErr string) {
	k.mu.Lock()
	phase := k.run.Phase
	k.mu.Unlock()

	acked := false
	if k.store != nil {
		ack := audit.DomainAck{
			RunID:    k.run.RunID,
			Domain:   audit.DomainRun,
			Action:   audit.ActionFinalizeRun,
			ResultID: string(phase),
			Error:    ackErr,
			AckedAt:  k.clock.Now(),
		}
		// The run is already terminal; the ack must not be lost to a
		// cancelled caller context.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.config.StoreTimeout)
		err := k.store.AddAck(sctx, k.run.RunID, ack)
		cancel()
		if err != nil {
			k.logger.Error("failed to emit finalize_run ack", "error", err)
		} else {
			acked = true
		}
	}

	k.mu.Lock()
	k.run.FinalizeAcked = acked
	k.mu.Unlock()
	k.logger.Info("run finalized", "phase", phase, "success", ackErr == "", "acked", acked)
}

// transition must be called with k.mu held.
func (k *Kernel) transition(to Phase, reason string) {
	from := k.run.Phase
	k.run.Phase = to
	k.run.History = append(k.run.History, Transition{From: from, To: to, At: k.clock.Now(), Reason: reason})
	if k.metrics != nil {
		k.metrics.ObservePhaseTransition(string(from), string(to))
	}
	k.logger.Debug("phase transition", "from", from, "to", to, "reason", reason)
}

// illegal must be called with k.mu held.
func (k *Kernel) illegal(op string, to Phase, reason string) *PhaseTransitionError {
	k.logger.Warn("illegal phase transition", "op", op, "from", k.run.Phase, "to", to, "reason", reason)
	return &PhaseTransitionError{RunID: k.run.RunID, Op: op, From: k.run.Phase, To: to, Reason: reason}
}

func (k *Kernel) observeCheck(outcome string) {
	if k.metrics != nil {
		k.metrics.ObserveGovernanceCheck(outcome)
	}
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
