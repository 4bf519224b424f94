package governance

import (
	"context"
	"errors"
	"testing"

	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/engine"
)

// allowUnlessRmRf decides DENY on "rm -rf" and ALLOW otherwise.
func allowUnlessRmRf() policy.ModuleSpec {
	spec := denyRmRf()
	spec.Functions[0].Blocks[2].Instructions = []policy.InstructionSpec{
		{Op: policy.OpAction, Action: "ALLOW", Rule: "safe"},
	}
	return spec
}

// gate allows when the checked policy allows the step's request.
func gate(checked string) policy.ModuleSpec {
	return policy.ModuleSpec{Functions: []policy.FunctionSpec{{
		Name: "main",
		Blocks: []policy.BlockSpec{
			{Name: "entry", Instructions: []policy.InstructionSpec{
				{Op: policy.OpLoadVar, Dst: "req", Name: "request"},
				{Op: policy.OpCheckPolicy, Dst: "ok", Name: checked, Src: "req"},
				{Op: policy.OpBranch, Cond: "ok", Then: "pass", Else: "block"},
			}},
			{Name: "pass", Instructions: []policy.InstructionSpec{{Op: policy.OpAction, Action: "ALLOW", Rule: "gate-pass"}}},
			{Name: "block", Instructions: []policy.InstructionSpec{{Op: policy.OpAction, Action: "DENY", Rule: "gate-block"}}},
		},
	}}}
}

func TestEvaluate_CheckPolicyUsesBoundSnapshot(t *testing.T) {
	tests := []struct {
		name     string
		logic    map[string]policy.ModuleSpec
		order    []string
		action   string
		wantRule string
	}{
		{
			name:     "checked policy allows",
			logic:    map[string]policy.ModuleSpec{"inner": allowUnlessRmRf(), "gate": gate("inner")},
			order:    []string{"inner", "gate"},
			action:   "ls",
			wantRule: "gate-pass",
		},
		{
			name:     "checked policy denies",
			logic:    map[string]policy.ModuleSpec{"inner": allowUnlessRmRf(), "gate": gate("inner")},
			order:    []string{"inner", "gate"},
			action:   "rm -rf /",
			wantRule: "gate-block",
		},
		{
			name:     "checked policy abstains",
			logic:    map[string]policy.ModuleSpec{"guard": denyRmRf(), "gate": gate("guard")},
			order:    []string{"guard", "gate"},
			action:   "ls",
			wantRule: "gate-block",
		},
		{
			name:     "unknown policy fails closed",
			logic:    map[string]policy.ModuleSpec{"gate": gate("missing")},
			order:    []string{"gate"},
			action:   "ls",
			wantRule: "gate-block",
		},
		{
			name:     "self check stops at the depth limit",
			logic:    map[string]policy.ModuleSpec{"gate": gate("gate")},
			order:    []string{"gate"},
			action:   "ls",
			wantRule: "gate-block",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.activate(t, policySet(policy.BindRunStart, tt.logic, tt.order...), nil)

			eval, err := f.cp.Decide(context.Background(), Request{
				Subject: subject("run-1"),
				Input:   engine.Input{Request: map[string]any{"action": tt.action}},
			})
			if err != nil {
				t.Fatalf("Decide() error = %v", err)
			}
			res, ok := eval.Results["gate"]
			if !ok || res.Decision == nil {
				t.Fatalf("gate result = %+v", res)
			}
			if res.Decision.SourceRule != tt.wantRule {
				t.Errorf("gate decided %s, want %s", res.Decision.SourceRule, tt.wantRule)
			}
		})
	}
}

func TestSnapshotValidator_RequiresScope(t *testing.T) {
	eng, err := NewPolicyEngine(engine.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewPolicyEngine() error = %v", err)
	}
	mod, err := policy.Compile(gate("inner"))
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	// Executed outside ControlPlane.Evaluate there is no snapshot to check
	// against, so the check is false.
	res, err := eng.Execute(context.Background(), mod, "gate", engine.Input{Request: map[string]any{"action": "ls"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Decision == nil || res.Decision.SourceRule != "gate-block" {
		t.Errorf("decision = %+v, want gate-block", res.Decision)
	}

	v := &SnapshotValidator{engine: eng, maxDepth: 1}
	if _, err := v.Validate(context.Background(), "inner", nil); !errors.Is(err, ErrNoCheckScope) {
		t.Errorf("Validate() error = %v, want ErrNoCheckScope", err)
	}
	set := &policy.Set{Policies: []policy.Policy{{ID: "inner", Version: 1, Logic: allowUnlessRmRf()}}}
	ctx := withCheckScope(context.Background(), &checkScope{set: set})
	if _, err := v.Validate(ctx, "inner", "not a map"); err == nil {
		t.Error("Validate() with a non-map input should fail")
	}
}
