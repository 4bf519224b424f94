package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/engine"
	"mercator-hq/aegis/pkg/policy/precedence"
	"mercator-hq/aegis/pkg/runkernel"
	"mercator-hq/aegis/pkg/telemetry/logging"
	"mercator-hq/aegis/pkg/telemetry/tracing"
)

// Actions acked by the runner for the default expectations.
const (
	ActionEvaluate  = "evaluate"
	ActionOpenTrace = "open_trace"
)

// Step is one unit of work in a run.
type Step struct {
	Name string

	// Input is evaluated before the step executes. Nil reuses the run
	// input.
	Input *engine.Input

	Metrics map[string]float64
}

// RunRequest describes a run to govern.
type RunRequest struct {
	// RunID identifies the run. A random ID is assigned when empty.
	RunID   string
	Subject policy.Subject

	// Input and Metrics are evaluated to authorize the run.
	Input   engine.Input
	Metrics map[string]float64

	Steps []Step
}

// RunResult is the outcome of a governed run.
type RunResult struct {
	RunID          string
	Phase          runkernel.Phase
	Authorization  *Evaluation
	Steps          []*Evaluation
	Reconciliation *audit.Reconciliation
	Context        runkernel.RunContext
}

// Executor performs an allowed step.
type Executor interface {
	ExecuteStep(ctx context.Context, runID string, step Step, intents []policy.Intent) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, runID string, step Step, intents []policy.Intent) error

// ExecuteStep calls f.
func (f ExecutorFunc) ExecuteStep(ctx context.Context, runID string, step Step, intents []policy.Intent) error {
	return f(ctx, runID, step, intents)
}

// StepDeniedError reports a step whose decision did not let the run
// proceed.
type StepDeniedError struct {
	RunID        string
	Step         string
	Decision     policy.Action
	SourcePolicy string
	SourceRule   string
	Reason       string
}

// Error returns the error message.
func (e *StepDeniedError) Error() string {
	return fmt.Sprintf("run %s step %q: %s by policy %s rule %s: %s",
		e.RunID, e.Step, e.Decision, e.SourcePolicy, e.SourceRule, e.Reason)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Kernel runkernel.Config

	// Sink receives the intents of allowed evaluations. Optional.
	Sink IntentSink

	// Executor performs steps. Without one, steps are only evaluated.
	Executor Executor

	Clock   clock.Clock
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics runkernel.Metrics
}

// Runner drives runs through the lifecycle: expectations are declared, the
// run is authorized, every step is bound and decided before it executes,
// acks are reconciled and the run is finalized. Runs are independent; a
// Runner is safe for concurrent use.
type Runner struct {
	cp         *ControlPlane
	store      audit.Store
	reconciler audit.Reconciler
	config     RunnerConfig
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewRunner creates a runner recording obligations in store.
func NewRunner(cp *ControlPlane, store audit.Store, reconciler audit.Reconciler, cfg RunnerConfig) *Runner {
	cfg.Kernel.ApplyDefaults()
	cfg.Clock = clock.OrDefault(cfg.Clock)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Runner{
		cp:         cp,
		store:      store,
		reconciler: reconciler,
		config:     cfg,
		logger:     logger.With("component", "governance.runner"),
		tracer:     tracer,
	}
}

// Run governs one run to a terminal phase. The returned error explains a
// FAILED run; the result is returned either way.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	subject := req.Subject
	subject.RunID = runID

	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithTenantID(ctx, subject.TenantID)
	ctx, span := r.tracer.Start(ctx, "governance.Run")
	defer span.End()
	tracing.SetRunAttributes(span, runID, subject.TenantID)

	k := r.kernel(runID, subject.TenantID)
	out := &RunResult{RunID: runID}

	res, err := r.run(ctx, k, subject, req, out)
	span.SetAttributes(attribute.String("phase", string(res.Phase)))
	span.SetAttributes(attribute.Bool(tracing.AttrGovernanceOK, res.Context.GovernancePassed))
	tracing.SetStatus(span, err)
	if err != nil {
		r.logger.WarnContext(ctx, "run failed", "phase", res.Phase, "error", err)
	} else {
		r.logger.InfoContext(ctx, "run completed", "steps", len(res.Steps))
	}
	return res, err
}

func (r *Runner) run(ctx context.Context, k *runkernel.Kernel, subject policy.Subject, req RunRequest, out *RunResult) (*RunResult, error) {
	if err := k.DeclareExpectations(ctx); err != nil {
		return r.fail(ctx, k, out, err)
	}

	traceRef := tracing.TraceID(ctx)
	if traceRef == "" {
		traceRef = subject.RunID
	}
	r.ack(ctx, k, audit.DomainTraceStart, ActionOpenTrace, traceRef, nil)

	binder := r.cp.Binder(subject)
	binding, err := binder.Start(ctx)
	if err != nil {
		r.ack(ctx, k, audit.DomainPolicyEvaluation, ActionEvaluate, "", err)
		return r.fail(ctx, k, out, fmt.Errorf("bind policies: %w", err))
	}

	auth, err := r.cp.Evaluate(ctx, binding, Request{Subject: subject, Input: req.Input, Metrics: req.Metrics})
	out.Authorization = auth
	r.ack(ctx, k, audit.DomainPolicyEvaluation, ActionEvaluate, binding.SnapshotID, err)
	if err != nil {
		return r.fail(ctx, k, out, err)
	}

	d := auth.Decision
	if err := k.Authorize(ctx, runkernel.Authorization{
		Decision:     d.Action,
		SourcePolicy: d.Intent.SourcePolicy,
		SourceRule:   d.Intent.SourceRule,
		Reason:       d.Reason,
	}); err != nil {
		// Authorize fails the run itself on a denial.
		if k.Phase().Terminal() {
			return r.finish(k, out), err
		}
		return r.fail(ctx, k, out, err)
	}

	if err := k.BeginExecution(ctx); err != nil {
		return r.fail(ctx, k, out, err)
	}

	execErr := r.consume(ctx, auth.Intents)
	if execErr == nil {
		var fatal error
		execErr, fatal = r.steps(ctx, binder, subject, req, out)
		if fatal != nil {
			return r.fail(ctx, k, out, fatal)
		}
	}

	if err := k.ExecutionComplete(ctx, execErr == nil, execErr); err != nil {
		return r.fail(ctx, k, out, err)
	}

	rec, err := k.GovernanceCheck(ctx, r.config.Kernel.GovernanceTimeout, r.config.Kernel.RequireAllAcks)
	out.Reconciliation = rec
	if err != nil {
		return r.fail(ctx, k, out, err)
	}

	if err := k.BeginFinalization(ctx); err != nil {
		return r.fail(ctx, k, out, err)
	}
	if err := k.Finalize(ctx, execErr == nil, execErr); err != nil {
		return r.fail(ctx, k, out, err)
	}
	return r.finish(k, out), execErr
}

// steps binds, decides and executes every step in order. A denial or an
// engine limit is fatal and fails the run at once. An executor or sink
// error ends execution unsuccessfully but the run is still reconciled.
func (r *Runner) steps(ctx context.Context, binder *precedence.Binder, subject policy.Subject, req RunRequest, out *RunResult) (execErr, fatal error) {
	for i, step := range req.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
			step.Name = name
		}

		binding, err := binder.ForStep(ctx)
		if err != nil {
			return nil, fmt.Errorf("bind step %q: %w", name, err)
		}

		in := req.Input
		if step.Input != nil {
			in = *step.Input
		}
		eval, err := r.cp.Evaluate(ctx, binding, Request{Subject: subject, Input: in, Metrics: step.Metrics})
		out.Steps = append(out.Steps, eval)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", name, err)
		}
		if !eval.Allowed() {
			d := eval.Decision
			return nil, &StepDeniedError{
				RunID:        subject.RunID,
				Step:         name,
				Decision:     d.Action,
				SourcePolicy: d.Intent.SourcePolicy,
				SourceRule:   d.Intent.SourceRule,
				Reason:       d.Reason,
			}
		}

		if err := r.consume(ctx, eval.Intents); err != nil {
			return err, nil
		}
		if r.config.Executor == nil {
			continue
		}
		if err := r.config.Executor.ExecuteStep(ctx, subject.RunID, step, eval.Intents); err != nil {
			return fmt.Errorf("execute step %q: %w", name, err), nil
		}
	}
	return nil, nil
}

func (r *Runner) consume(ctx context.Context, intents []policy.Intent) error {
	if r.config.Sink == nil || len(intents) == 0 {
		return nil
	}
	if err := r.config.Sink.Consume(ctx, intents); err != nil {
		return fmt.Errorf("deliver intents: %w", err)
	}
	return nil
}

func (r *Runner) kernel(runID, tenantID string) *runkernel.Kernel {
	opts := []runkernel.Option{
		runkernel.WithClock(r.config.Clock),
		runkernel.WithLogger(r.logger),
		runkernel.WithTracer(r.tracer),
		runkernel.WithTenant(tenantID),
	}
	if r.config.Metrics != nil {
		opts = append(opts, runkernel.WithMetrics(r.config.Metrics))
	}
	return runkernel.New(runID, r.store, r.reconciler, r.config.Kernel, opts...)
}

// ack records an obligation the run declared. Pairs left out of the run's
// expectations are skipped; acking them would read as unexpected drift. A
// store failure is logged by the kernel and later surfaces as a missing ack
// in the governance check.
func (r *Runner) ack(ctx context.Context, k *runkernel.Kernel, domain, action, resultID string, domainErr error) {
	if !k.Expects(domain, action) {
		r.logger.DebugContext(ctx, "ack skipped, not declared", "domain", domain, "action", action)
		return
	}
	if err := k.Ack(ctx, domain, action, resultID, domainErr); err != nil {
		r.logger.WarnContext(ctx, "ack not recorded", "domain", domain, "action", action, "error", err)
	}
}

func (r *Runner) fail(ctx context.Context, k *runkernel.Kernel, out *RunResult, cause error) (*RunResult, error) {
	if !k.Phase().Terminal() {
		if err := k.Fail(ctx, cause.Error()); err != nil {
			cause = errors.Join(cause, err)
		}
	}
	return r.finish(k, out), cause
}

func (r *Runner) finish(k *runkernel.Kernel, out *RunResult) *RunResult {
	out.Context = k.Context()
	out.Phase = out.Context.Phase
	return out
}
