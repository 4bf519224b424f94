package precedence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/aegis/pkg/clock"
	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/engine"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	r, err := NewResolver(cfg, nil)
	require.NoError(t, err)
	return r
}

func row(id string, prec int, strategy policy.ConflictStrategy) policy.Precedence {
	return policy.Precedence{
		PolicyID: id, Precedence: prec, ConflictStrategy: strategy,
		BindAt: policy.BindRunStart, FailureMode: policy.FailClosed,
	}
}

func decided(action policy.Action, policyID, rule string) Outcome {
	return Outcome{Intent: &policy.Intent{Action: action, SourcePolicy: policyID, SourceRule: rule, Terminal: true}}
}

// scenarioSet is P1 (precedence 10, most_restrictive) scoped to agent-1
// denying "rm -rf", and P2 (precedence 100) scoped to all runs allowing.
func scenarioSet() *policy.Set {
	p1 := policy.ModuleSpec{Functions: []policy.FunctionSpec{{
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
	p2 := policy.ModuleSpec{Functions: []policy.FunctionSpec{{
		Name:   "main",
		Blocks: []policy.BlockSpec{{Name: "entry", Instructions: []policy.InstructionSpec{{Op: policy.OpAction, Action: "ALLOW", Rule: "generic-allow"}}}},
	}}}

	return &policy.Set{
		Policies: []policy.Policy{
			{ID: "P1", Version: 1, Logic: p1},
			{ID: "P2", Version: 1, Logic: p2},
		},
		Scopes: []policy.Scope{
			{ScopeID: "s1", PolicyID: "P1", Type: policy.ScopeAgent, TargetIDs: []string{"agent-1"}},
			{ScopeID: "s2", PolicyID: "P2", Type: policy.ScopeAllRuns},
		},
		Precedence: []policy.Precedence{
			row("P1", 10, policy.StrategyMostRestrictive),
			row("P2", 100, policy.StrategyMostRestrictive),
		},
	}
}

func TestEndToEnd_ScopeAndPrecedence(t *testing.T) {
	set := scenarioSet()
	require.NoError(t, set.Validate())

	r := newResolver(t, Config{})
	eng, err := engine.New(nil, nil, nil)
	require.NoError(t, err)

	evaluate := func(subject policy.Subject) *Decision {
		res := r.Resolve(set, subject, now)
		outcomes := make(map[string]Outcome)
		for _, e := range res.Ordered {
			result, err := eng.EvaluatePolicy(context.Background(), &e.Policy, engine.Input{
				AgentID: subject.AgentID,
				Request: map[string]any{"action": "rm -rf /"},
			})
			outcomes[e.Policy.ID] = Outcome{Intent: result.Decision, Err: err}
		}
		return r.Decide(res, outcomes)
	}

	d := evaluate(policy.Subject{TenantID: "t1", AgentID: "agent-1"})
	assert.Equal(t, policy.ActionDeny, d.Action)
	assert.Equal(t, "P1", d.Intent.SourcePolicy)
	assert.Equal(t, "no-rm-rf", d.Intent.SourceRule)
	assert.True(t, d.Conflict)

	d = evaluate(policy.Subject{TenantID: "t1", AgentID: "agent-2"})
	assert.Equal(t, policy.ActionAllow, d.Action)
	assert.Equal(t, "P2", d.Intent.SourcePolicy)
	assert.False(t, d.Conflict)
}

func TestResolve_Ordering(t *testing.T) {
	set := &policy.Set{
		Policies: []policy.Policy{{ID: "b"}, {ID: "a"}, {ID: "c"}},
		Scopes: []policy.Scope{
			{PolicyID: "a", Type: policy.ScopeAllRuns},
			{PolicyID: "b", Type: policy.ScopeAllRuns},
			{PolicyID: "c", Type: policy.ScopeAllRuns},
		},
		Precedence: []policy.Precedence{
			row("c", 1, policy.StrategyMostRestrictive),
			row("b", 5, policy.StrategyMostRestrictive),
			row("a", 5, policy.StrategyMostRestrictive),
		},
	}

	res := newResolver(t, Config{}).Resolve(set, policy.Subject{TenantID: "t"}, now)
	assert.Equal(t, []string{"c", "a", "b"}, res.PolicyIDs())
	assert.Empty(t, res.Unresolved)
}

func TestResolve_EffectiveWindow(t *testing.T) {
	later := now.Add(time.Hour)
	set := &policy.Set{
		Policies:   []policy.Policy{{ID: "future", EffectiveFrom: &later}, {ID: "live"}},
		Scopes:     []policy.Scope{{PolicyID: "future", Type: policy.ScopeAllRuns}, {PolicyID: "live", Type: policy.ScopeAllRuns}},
		Precedence: []policy.Precedence{row("future", 1, ""), row("live", 2, "")},
	}
	res := newResolver(t, Config{}).Resolve(set, policy.Subject{}, now)
	assert.Equal(t, []string{"live"}, res.PolicyIDs())
}

func TestResolve_BindAtIsMostDynamic(t *testing.T) {
	set := &policy.Set{
		Policies: []policy.Policy{{ID: "a"}, {ID: "b"}},
		Scopes:   []policy.Scope{{PolicyID: "a", Type: policy.ScopeAllRuns}, {PolicyID: "b", Type: policy.ScopeAllRuns}},
		Precedence: []policy.Precedence{
			{PolicyID: "a", Precedence: 1, BindAt: policy.BindRunStart},
			{PolicyID: "b", Precedence: 2, BindAt: policy.BindFirstToken},
		},
	}
	res := newResolver(t, Config{}).Resolve(set, policy.Subject{}, now)
	assert.Equal(t, policy.BindFirstToken, res.BindAt)
}

func TestDecide_Strategies(t *testing.T) {
	r := newResolver(t, Config{})

	tests := []struct {
		name       string
		strategy   policy.ConflictStrategy
		outcomes   map[string]Outcome
		wantAction policy.Action
		wantPolicy string
		conflict   bool
	}{
		{
			name:       "agreement",
			strategy:   policy.StrategyFailClosed,
			outcomes:   map[string]Outcome{"hi": decided(policy.ActionAllow, "hi", "r1"), "lo": decided(policy.ActionAllow, "lo", "r2")},
			wantAction: policy.ActionAllow,
			wantPolicy: "hi",
		},
		{
			name:       "explicit priority picks lowest precedence",
			strategy:   policy.StrategyExplicitPriority,
			outcomes:   map[string]Outcome{"hi": decided(policy.ActionRoute, "hi", "r1"), "lo": decided(policy.ActionDeny, "lo", "r2")},
			wantAction: policy.ActionRoute,
			wantPolicy: "hi",
			conflict:   true,
		},
		{
			name:       "most restrictive picks escalate over route",
			strategy:   policy.StrategyMostRestrictive,
			outcomes:   map[string]Outcome{"hi": decided(policy.ActionRoute, "hi", "r1"), "lo": decided(policy.ActionEscalate, "lo", "r2")},
			wantAction: policy.ActionEscalate,
			wantPolicy: "lo",
			conflict:   true,
		},
		{
			name:       "fail closed denies on any conflict",
			strategy:   policy.StrategyFailClosed,
			outcomes:   map[string]Outcome{"hi": decided(policy.ActionAllow, "hi", "r1"), "lo": decided(policy.ActionRoute, "lo", "r2")},
			wantAction: policy.ActionDeny,
			wantPolicy: "hi",
			conflict:   true,
		},
		{
			name:       "abstention does not conflict",
			strategy:   policy.StrategyFailClosed,
			outcomes:   map[string]Outcome{"hi": {}, "lo": decided(policy.ActionEscalate, "lo", "r2")},
			wantAction: policy.ActionEscalate,
			wantPolicy: "lo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &Resolution{Ordered: []Entry{
				{Policy: policy.Policy{ID: "hi"}, Precedence: row("hi", 1, tt.strategy)},
				{Policy: policy.Policy{ID: "lo"}, Precedence: row("lo", 50, policy.StrategyExplicitPriority)},
			}}
			d := r.Decide(res, tt.outcomes)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantPolicy, d.Intent.SourcePolicy)
			assert.Equal(t, tt.conflict, d.Conflict)
		})
	}
}

func TestDecide_EvaluationErrorFollowsFailureMode(t *testing.T) {
	r := newResolver(t, Config{})
	boom := errors.New("step limit")

	closed := row("p", 1, policy.StrategyMostRestrictive)
	res := &Resolution{Ordered: []Entry{{Policy: policy.Policy{ID: "p"}, Precedence: closed}}}
	d := r.Decide(res, map[string]Outcome{"p": {Err: boom}})
	assert.Equal(t, policy.ActionDeny, d.Action)
	assert.Equal(t, RuleEvaluationError, d.Intent.SourceRule)

	open := closed
	open.FailureMode = policy.FailOpen
	res = &Resolution{Ordered: []Entry{{Policy: policy.Policy{ID: "p"}, Precedence: open}}}
	d = r.Decide(res, map[string]Outcome{"p": {Err: boom}})
	assert.Equal(t, policy.ActionAllow, d.Action, "fail_open abstains and the no-decision default applies")
}

func TestDecide_Unresolved(t *testing.T) {
	set := &policy.Set{
		Policies: []policy.Policy{{ID: "orphan"}},
		Scopes:   []policy.Scope{{PolicyID: "orphan", Type: policy.ScopeAllRuns}},
	}

	closed := newResolver(t, Config{})
	res := closed.Resolve(set, policy.Subject{TenantID: "t"}, now)
	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, "orphan", res.Unresolved[0].PolicyID)
	d := closed.Decide(res, nil)
	assert.Equal(t, policy.ActionDeny, d.Action)
	assert.Equal(t, RuleUnresolved, d.Intent.SourceRule)

	open := newResolver(t, Config{DefaultFailureMode: policy.FailOpen, NoDecisionAction: policy.ActionDeny})
	d = open.Decide(open.Resolve(set, policy.Subject{TenantID: "t"}, now), nil)
	assert.Equal(t, policy.ActionAllow, d.Action)
}

func TestNewResolver_RejectsInvalidConfig(t *testing.T) {
	_, err := NewResolver(Config{DefaultFailureMode: "maybe"}, nil)
	assert.Error(t, err)
	_, err = NewResolver(Config{NoDecisionAction: policy.ActionExecute}, nil)
	assert.Error(t, err)
}

type swappableProvider struct {
	set   *policy.Set
	id    string
	calls int
}

func (p *swappableProvider) ActiveSet(context.Context, string) (*policy.Set, string, error) {
	p.calls++
	return p.set, p.id, nil
}

func bindSet(bindAt policy.BindAt, ids ...string) *policy.Set {
	set := &policy.Set{}
	for i, id := range ids {
		set.Policies = append(set.Policies, policy.Policy{ID: id})
		set.Scopes = append(set.Scopes, policy.Scope{PolicyID: id, Type: policy.ScopeAllRuns})
		set.Precedence = append(set.Precedence, policy.Precedence{PolicyID: id, Precedence: i, BindAt: bindAt})
	}
	return set
}

func TestBinder(t *testing.T) {
	r := newResolver(t, Config{})
	clk := clock.NewFake(now)

	tests := []struct {
		name      string
		bindAt    policy.BindAt
		wantAfter []string
	}{
		{name: "run_start never rebinds", bindAt: policy.BindRunStart, wantAfter: []string{"a"}},
		{name: "first_token rebinds once", bindAt: policy.BindFirstToken, wantAfter: []string{"a", "b"}},
		{name: "each_step sees live changes", bindAt: policy.BindEachStep, wantAfter: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &swappableProvider{set: bindSet(tt.bindAt, "a"), id: "snap-1"}
			b := NewBinder(r, provider, policy.Subject{TenantID: "t"}, clk)

			_, err := b.ForStep(context.Background())
			require.ErrorIs(t, err, ErrNotStarted)

			start, err := b.Start(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, start.Resolution.PolicyIDs())

			provider.set, provider.id = bindSet(tt.bindAt, "a", "b"), "snap-2"
			step, err := b.ForStep(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantAfter, step.Resolution.PolicyIDs())

			provider.set, provider.id = bindSet(tt.bindAt, "a", "b", "c"), "snap-3"
			step, err = b.ForStep(context.Background())
			require.NoError(t, err)
			if tt.bindAt == policy.BindEachStep {
				assert.Equal(t, "snap-3", step.SnapshotID)
				assert.Len(t, step.Resolution.Ordered, 3)
			} else {
				assert.Equal(t, tt.wantAfter, step.Resolution.PolicyIDs())
			}
			assert.Equal(t, 2, b.Steps())
		})
	}
}
