// Package governance wires the policy components into a control plane.
//
// A ControlPlane decides one step: the step's binding names the policies in
// precedence order, policies bypassed by an active override are skipped,
// the rest run in the deterministic engine, and the precedence resolver
// folds their outcomes into a single decision. Run metrics are compared
// with the bound snapshot's thresholds; a breach can turn the decision into
// a denial.
//
// A Runner drives a run through the kernel lifecycle and hands the
// intents of allowed steps to an IntentSink. A Pool runs many runs on a
// fixed set of workers. Runs share no state beyond the stores.
package governance
