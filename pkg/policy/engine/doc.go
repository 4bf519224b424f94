// Package engine interprets compiled policy modules (see package policy)
// against an execution context and produces exactly one outcome per
// execution: a terminal decision, an abstention, or an error.
//
// # Execution Model
//
// Execution starts at the entry block of the module's entry function and
// walks instructions until a terminal Action, a Return from the entry
// function, or the step limit:
//
//	entry function
//	       ↓
//	block: instruction → instruction → terminator
//	       ↓                                ↓
//	fallthrough (Order)             jump/branch by name lookup
//	       ↓
//	last block ends → implicit return
//
// Every executed instruction increments the step counter and appends a
// TraceRecord. The guard is a count: once more than Config.MaxSteps
// instructions have run, execution stops with a *StepLimitError.
//
// # Determinism
//
// No decision input comes from the wall clock or a random source. Two
// executions of the same module with the same Input and Config produce
// identical traces and identical decisions. Result.Duration is metadata.
//
// # Fail-Closed Checks
//
// CheckPolicy delegates to an injected PolicyValidator. A missing
// validator, a validator error and a validator panic all yield false.
// governance.NewPolicyEngine supplies a validator that evaluates the
// referenced policy from the snapshot the step is bound to.
// The matches builtin rejects over-long patterns and inputs, nested
// quantifiers and backreferences, and returns false for any of them.
//
// # Basic Usage
//
//	eng, err := engine.New(engine.DefaultConfig(), validator, logger)
//	if err != nil {
//	    return err
//	}
//	mod, err := policy.Compile(p.Logic)
//	if err != nil {
//	    return err
//	}
//	res, err := eng.Execute(ctx, mod, p.ID, engine.Input{
//	    RequestID: "req-1",
//	    AgentID:   "agent-1",
//	    Request:   map[string]any{"action": "rm -rf /"},
//	})
//
// # Thread Safety
//
// An Engine is safe for concurrent use. Each execution owns its
// ExecutionContext.
package engine
