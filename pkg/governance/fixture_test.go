package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/audit/storage"
	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/engine"
	"mercator-hq/aegis/pkg/policy/override"
	"mercator-hq/aegis/pkg/policy/precedence"
	"mercator-hq/aegis/pkg/policy/snapshot"
)

const tenant = "tenant-a"

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ins(specs ...policy.InstructionSpec) policy.ModuleSpec {
	return policy.ModuleSpec{Functions: []policy.FunctionSpec{{
		Name:   "main",
		Blocks: []policy.BlockSpec{{Name: "entry", Instructions: specs}},
	}}}
}

func decide(action, rule string) policy.ModuleSpec {
	return ins(policy.InstructionSpec{Op: policy.OpAction, Action: action, Rule: rule})
}

// denyRmRf denies requests whose action contains "rm -rf" and abstains
// otherwise.
func denyRmRf() policy.ModuleSpec {
	return policy.ModuleSpec{Functions: []policy.FunctionSpec{{
		Name: "main",
		Blocks: []policy.BlockSpec{
			{Name: "entry", Instructions: []policy.InstructionSpec{
				{Op: policy.OpLoadVar, Dst: "a", Name: "request.action"},
				{Op: policy.OpLoadConst, Dst: "n", Value: "rm -rf"},
				{Op: policy.OpCall, Dst: "hit", Name: "contains", Args: []string{"a", "n"}},
				{Op: policy.OpBranch, Cond: "hit", Then: "deny", Else: "pass"},
			}},
			{Name: "deny", Instructions: []policy.InstructionSpec{{Op: policy.OpAction, Action: "DENY", Rule: "no-rm-rf"}}},
			{Name: "pass", Instructions: []policy.InstructionSpec{{Op: policy.OpReturn}}},
		},
	}}}
}

func loop() policy.ModuleSpec {
	return ins(policy.InstructionSpec{Op: policy.OpJump, Target: "entry"})
}

// policySet binds every logic to all runs of the tenant, with precedence in
// argument order.
func policySet(bindAt policy.BindAt, logic map[string]policy.ModuleSpec, order ...string) *policy.Set {
	set := &policy.Set{}
	for i, id := range order {
		set.Policies = append(set.Policies, policy.Policy{ID: id, Version: 1, Logic: logic[id]})
		set.Scopes = append(set.Scopes, policy.Scope{ScopeID: "s-" + id, PolicyID: id, Type: policy.ScopeAllRuns})
		set.Precedence = append(set.Precedence, policy.Precedence{
			PolicyID:         id,
			Precedence:       (i + 1) * 10,
			ConflictStrategy: policy.StrategyMostRestrictive,
			BindAt:           bindAt,
			FailureMode:      policy.FailClosed,
		})
	}
	return set
}

type fixture struct {
	clock     *clock.Fake
	snapshots *snapshot.MemoryStore
	overrides *override.Service
	audit     *storage.MemoryStorage
	metrics   *recordingMetrics
	cp        *ControlPlane
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.NewFake(start),
		audit:   storage.NewMemoryStorage(),
		metrics: &recordingMetrics{},
	}
	f.snapshots = snapshot.NewMemoryStore(f.clock)

	overrideStore := override.NewMemoryStore()
	if err := overrideStore.PutConfig(context.Background(), override.Config{
		PolicyID:        "deny-all",
		TenantID:        tenant,
		OverrideAllowed: true,
		AllowedRoles:    []string{"sre"},
		MaxDuration:     time.Hour,
	}); err != nil {
		t.Fatalf("PutConfig() error = %v", err)
	}
	svc, err := override.NewService(overrideStore, override.WithClock(f.clock))
	if err != nil {
		t.Fatalf("override.NewService() error = %v", err)
	}
	f.overrides = svc

	resolver, err := precedence.NewResolver(precedence.Config{}, nil)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	eng, err := NewPolicyEngine(engine.DefaultConfig().WithMaxSteps(100).WithMaxCallDepth(8), nil)
	if err != nil {
		t.Fatalf("NewPolicyEngine() error = %v", err)
	}

	f.cp = New(resolver, f.snapshots, eng, cfg,
		WithOverrides(f.overrides),
		WithAuditStore(f.audit),
		WithClock(f.clock),
		WithMetrics(f.metrics),
	)
	return f
}

func (f *fixture) activate(t *testing.T, set *policy.Set, thresholds snapshot.Thresholds) *snapshot.Snapshot {
	t.Helper()
	snap, err := f.snapshots.Create(context.Background(), tenant, set, thresholds)
	if err != nil {
		t.Fatalf("snapshot Create() error = %v", err)
	}
	return snap
}

func (f *fixture) runner(cfg RunnerConfig) *Runner {
	cfg.Clock = f.clock
	return NewRunner(f.cp, f.audit, audit.NewStoreReconciler(f.audit, f.clock), cfg)
}

type recordingMetrics struct {
	mu        sync.Mutex
	decisions []string
	errors    []string
	signals   []string
	steps     int
}

func (m *recordingMetrics) ObserveDecision(decision string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decision)
}

func (m *recordingMetrics) ObserveEngineSteps(steps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps += steps
}

func (m *recordingMetrics) ObserveEngineError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, kind)
}

func (m *recordingMetrics) ObserveThresholdSignal(signalType, metric string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, signalType+":"+metric)
}
