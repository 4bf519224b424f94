// Package audit keeps the audit bookkeeping of governed runs: the
// obligations a run declares before it executes, the acks domains record as
// they fulfil them, and the threshold signals raised while it runs.
//
// # Expectations and Acks
//
// At run start the kernel declares one Expectation per obligation, each with
// a grace-period deadline:
//
//	store.AddExpectations(ctx, runID, []audit.Expectation{
//	    {Domain: audit.DomainPolicyEvaluation, Action: "evaluate", Deadline: now.Add(30 * time.Second)},
//	    {Domain: audit.DomainTraceStart, Action: "open_trace", Deadline: now.Add(30 * time.Second)},
//	})
//
// Domains answer with a DomainAck once the obligation is done, or failed.
//
// # Reconciliation
//
// StoreReconciler compares the two sets:
//
//   - an expectation without ack is missing
//   - an ack that failed, arrived after its deadline, or answers nothing
//     declared is drift
//
// A run with missing actions is MISSING; a run with only drift is DRIFT;
// otherwise it is CLEAN. Callers that cannot reach the reconciler report
// UNKNOWN.
//
// # Threshold Signals
//
// EvaluateThresholds compares run metrics against the thresholds of the
// tenant's ACTIVE snapshot and produces near and breach signals. Signals are
// immutable except for a one-time acknowledgement.
package audit
