package runkernel

import "time"

// Phase is a run lifecycle state.
type Phase string

const (
	PhaseCreated         Phase = "CREATED"
	PhaseAuthorized      Phase = "AUTHORIZED"
	PhaseExecuting       Phase = "EXECUTING"
	PhaseGovernanceCheck Phase = "GOVERNANCE_CHECK"
	PhaseFinalizing      Phase = "FINALIZING"
	PhaseCompleted       Phase = "COMPLETED"
	PhaseFailed          Phase = "FAILED"
)

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Transition is one entry of a run's phase history.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}
