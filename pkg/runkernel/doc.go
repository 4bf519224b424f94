// Package runkernel implements the lifecycle state machine of a governed
// run:
//
//	CREATED -> AUTHORIZED -> EXECUTING -> GOVERNANCE_CHECK -> FINALIZING -> COMPLETED
//
// Any non-terminal phase may move to FAILED through Fail. Illegal
// transitions return a *PhaseTransitionError and leave the phase unchanged.
//
// Audit obligations are declared before execution and reconciled in the
// governance check. The check always runs; whether a non-clean result blocks
// finalization is the caller's choice (requireAllAcks). Finalize and Fail
// are the only paths that emit the terminal finalize_run ack, exactly once
// per run.
package runkernel
