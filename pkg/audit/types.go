package audit

import (
	"context"
	"time"
)

// Well-known obligation domains declared at run start.
const (
	DomainPolicyEvaluation = "policy_evaluation"
	DomainTraceStart       = "trace_start"
	DomainIncident         = "incident_creation"

	// DomainRun carries the terminal liveness ack.
	DomainRun = "run"
	// ActionFinalizeRun is the action of the terminal liveness ack.
	ActionFinalizeRun = "finalize_run"
)

// Expectation is an obligation a domain must fulfil during a run, declared
// before execution starts.
type Expectation struct {
	RunID    string    `json:"run_id"`
	Domain   string    `json:"domain"`
	Action   string    `json:"action"`
	Deadline time.Time `json:"deadline"`
}

// Key identifies the obligation within its run.
func (e Expectation) Key() string {
	return e.Domain + ":" + e.Action
}

// DomainAck records that a domain completed, or failed, an obligation.
type DomainAck struct {
	RunID    string    `json:"run_id"`
	Domain   string    `json:"domain"`
	Action   string    `json:"action"`
	ResultID string    `json:"result_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	AckedAt  time.Time `json:"acked_at"`
}

// Key identifies the obligation the ack answers.
func (a DomainAck) Key() string {
	return a.Domain + ":" + a.Action
}

// Succeeded reports whether the ack carries no error.
func (a DomainAck) Succeeded() bool {
	return a.Error == ""
}

// ReconcileStatus summarizes a reconciliation.
type ReconcileStatus string

const (
	// ReconcileClean means every expectation was acked in time without error.
	ReconcileClean ReconcileStatus = "CLEAN"
	// ReconcileMissing means at least one expectation has no ack.
	ReconcileMissing ReconcileStatus = "MISSING"
	// ReconcileDrift means all expectations were acked but some ack was
	// late, failed, or unexpected.
	ReconcileDrift ReconcileStatus = "DRIFT"
	// ReconcileUnknown means reconciliation could not be performed.
	ReconcileUnknown ReconcileStatus = "UNKNOWN"
)

// Reconciliation compares a run's declared expectations with its acks.
type Reconciliation struct {
	RunID          string          `json:"run_id"`
	Status         ReconcileStatus `json:"status"`
	MissingActions []string        `json:"missing_actions,omitempty"`
	DriftActions   []string        `json:"drift_actions,omitempty"`
	IsClean        bool            `json:"is_clean"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// Reconciler reconciles a run's audit trail.
type Reconciler interface {
	Reconcile(ctx context.Context, runID string) (*Reconciliation, error)
}

// SignalType classifies a threshold signal.
type SignalType string

const (
	SignalNear   SignalType = "near"
	SignalBreach SignalType = "breach"
)

// ThresholdSignal records a run metric reaching or approaching a threshold.
// Everything except the acknowledgement fields is immutable, and those can
// be set once.
type ThresholdSignal struct {
	SignalID       string     `json:"signal_id"`
	RunID          string     `json:"run_id"`
	TenantID       string     `json:"tenant_id"`
	PolicyID       string     `json:"policy_id,omitempty"`
	SnapshotID     string     `json:"snapshot_id,omitempty"`
	Type           SignalType `json:"signal_type"`
	Metric         string     `json:"metric"`
	CurrentValue   float64    `json:"current_value"`
	ThresholdValue float64    `json:"threshold_value"`
	ActionTaken    string     `json:"action_taken"`
	CreatedAt      time.Time  `json:"created_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// SignalQuery filters threshold signals. Zero fields match everything.
type SignalQuery struct {
	RunID          string
	TenantID       string
	Type           SignalType
	Metric         string
	Unacknowledged bool
	StartTime      *time.Time // inclusive
	EndTime        *time.Time // inclusive
	Limit          int
	Offset         int
}

// Store persists audit bookkeeping. Implementations must be safe for
// concurrent use.
type Store interface {
	// AddExpectations declares obligations for a run. Re-declaring an
	// existing (domain, action) keeps the first deadline.
	AddExpectations(ctx context.Context, runID string, expectations []Expectation) error

	// AddAck records a domain ack. Acks are append-only.
	AddAck(ctx context.Context, runID string, ack DomainAck) error

	Expectations(ctx context.Context, runID string) ([]Expectation, error)
	Acks(ctx context.Context, runID string) ([]DomainAck, error)

	AddSignal(ctx context.Context, signal *ThresholdSignal) error
	GetSignal(ctx context.Context, signalID string) (*ThresholdSignal, error)
	Signals(ctx context.Context, q *SignalQuery) ([]*ThresholdSignal, error)

	// AcknowledgeSignal sets the acknowledgement fields once. A second call
	// fails with *ImmutabilityViolationError.
	AcknowledgeSignal(ctx context.Context, signalID, by string, at time.Time) error

	// Prune deletes expectations, acks and acknowledged signals created
	// before the cutoff and returns how many rows were deleted.
	Prune(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
