// Package policy defines the governance data model shared by the control
// plane: policies, scopes, precedence rows, intents, and the register-based
// intermediate representation (IR) that compiled policy logic is expressed in.
//
// # IR
//
// A Module is a set of named Functions; a Function is a flat map of named
// Blocks plus an Order used for fallthrough. Blocks never own each other;
// jumps and branches name their target and are resolved by lookup while
// executing, so loops (back-edges) need no special handling.
//
// Instruction is a sealed sum type. Each kind is its own struct, and the
// interpreter in package engine dispatches with an exhaustive type switch.
// Adding a kind means adding a struct here and a case there.
//
// Policies carry their logic in serialized form (ModuleSpec) so that a
// snapshot of a policy set hashes and round-trips exactly. Compile turns a
// ModuleSpec into a Module and rejects dangling jump or call targets.
//
//	spec := policy.ModuleSpec{Functions: []policy.FunctionSpec{{
//	    Name: "main",
//	    Blocks: []policy.BlockSpec{{
//	        Name: "entry",
//	        Instructions: []policy.InstructionSpec{
//	            {Op: policy.OpAction, Action: "DENY", Rule: "no-rm"},
//	        },
//	    }},
//	}}}
//	mod, err := policy.Compile(spec)
package policy
