package runkernel

import (
	"errors"
	"fmt"
	"strings"

	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/policy"
)

// ErrReservedAck is returned when a caller tries to record the terminal
// liveness ack through Ack.
var ErrReservedAck = errors.New("finalize_run ack is emitted by the kernel only")

// PhaseTransitionError reports an illegal transition. The phase is left
// unchanged.
type PhaseTransitionError struct {
	RunID  string
	Op     string
	From   Phase
	To     Phase
	Reason string
}

// Error implements the error interface.
func (e *PhaseTransitionError) Error() string {
	msg := fmt.Sprintf("run %s: %s: illegal transition %s -> %s", e.RunID, e.Op, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// GovernanceCheckError is returned by a strict governance check whose
// reconciliation was not clean.
type GovernanceCheckError struct {
	RunID          string
	Status         audit.ReconcileStatus
	MissingActions []string
	DriftActions   []string
	Cause          error
}

// Error implements the error interface.
func (e *GovernanceCheckError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: governance check failed: %s", e.RunID, e.Status)
	if len(e.MissingActions) > 0 {
		fmt.Fprintf(&b, " missing=%v", e.MissingActions)
	}
	if len(e.DriftActions) > 0 {
		fmt.Fprintf(&b, " drift=%v", e.DriftActions)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the reconciliation error, if any.
func (e *GovernanceCheckError) Unwrap() error {
	return e.Cause
}

// AuthorizationError is returned by Authorize when the decision does not
// let the run proceed. The run is failed.
type AuthorizationError struct {
	RunID        string
	Decision     policy.Action
	SourcePolicy string
	SourceRule   string
	Reason       string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("run %s not authorized: %s by policy %q rule %q: %s",
		e.RunID, e.Decision, e.SourcePolicy, e.SourceRule, e.Reason)
}
