package policy

import (
	"fmt"
	"strings"
	"time"
)

// Action is the verb carried by an intent or a terminal engine decision.
type Action string

const (
	// ActionAllow lets the run step proceed.
	ActionAllow Action = "ALLOW"

	// ActionDeny blocks the run step.
	ActionDeny Action = "DENY"

	// ActionEscalate holds the run step for human judgment.
	ActionEscalate Action = "ESCALATE"

	// ActionRoute redirects the run step to another target.
	ActionRoute Action = "ROUTE"

	// ActionExecute asks a downstream collaborator to perform a side effect.
	// It is only valid on emitted intents, never as a governance decision.
	ActionExecute Action = "EXECUTE"
)

// ParseAction parses an action name case-insensitively.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionAllow, ActionDeny, ActionEscalate, ActionRoute, ActionExecute:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// IsDecision reports whether a is one of the four governance decisions.
func (a Action) IsDecision() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionEscalate, ActionRoute:
		return true
	}
	return false
}

// Restrictiveness ranks decisions for the most_restrictive strategy:
// DENY > ESCALATE > ROUTE > ALLOW. Unknown actions rank as DENY.
func (a Action) Restrictiveness() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionRoute:
		return 1
	case ActionEscalate:
		return 2
	default:
		return 3
	}
}

// ScopeType selects which run identifier a scope matches against.
type ScopeType string

const (
	ScopeAllRuns    ScopeType = "all_runs"
	ScopeAgent      ScopeType = "agent"
	ScopeAPIKey     ScopeType = "api_key"
	ScopeHumanActor ScopeType = "human_actor"
)

// Valid reports whether t is a known scope type.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeAllRuns, ScopeAgent, ScopeAPIKey, ScopeHumanActor:
		return true
	}
	return false
}

// ConflictStrategy decides between policies that disagree on a step.
type ConflictStrategy string

const (
	StrategyMostRestrictive  ConflictStrategy = "most_restrictive"
	StrategyExplicitPriority ConflictStrategy = "explicit_priority"
	StrategyFailClosed       ConflictStrategy = "fail_closed"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyMostRestrictive, StrategyExplicitPriority, StrategyFailClosed:
		return true
	}
	return false
}

// BindAt fixes the moment a run's policy ordering is frozen.
type BindAt string

const (
	BindRunStart   BindAt = "run_start"
	BindFirstToken BindAt = "first_token"
	BindEachStep   BindAt = "each_step"
)

// Valid reports whether b is a known bind point.
func (b BindAt) Valid() bool {
	switch b {
	case BindRunStart, BindFirstToken, BindEachStep:
		return true
	}
	return false
}

// Dynamism orders bind points from most static to most dynamic.
func (b BindAt) Dynamism() int {
	switch b {
	case BindEachStep:
		return 2
	case BindFirstToken:
		return 1
	default:
		return 0
	}
}

// FailureMode says what a policy decides when it cannot be resolved or evaluated.
type FailureMode string

const (
	FailClosed FailureMode = "fail_closed"
	FailOpen   FailureMode = "fail_open"
)

// Valid reports whether m is a known failure mode.
func (m FailureMode) Valid() bool {
	return m == FailClosed || m == FailOpen
}

// Policy is one versioned governance policy. A change is a new Version;
// earlier versions live on in superseded snapshots.
type Policy struct {
	ID       string   `json:"id" yaml:"id"`
	TenantID string   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Version  int      `json:"version" yaml:"version"`
	Priority int      `json:"priority" yaml:"priority"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Logic is the compiled rule payload executed by the engine.
	Logic ModuleSpec `json:"logic" yaml:"logic"`

	EffectiveFrom  *time.Time `json:"effective_from,omitempty" yaml:"effective_from,omitempty"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty" yaml:"effective_until,omitempty"`

	// Signature is the tamper-evidence signature supplied by the authoring side.
	Signature string `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// ActiveAt reports whether t falls inside the policy's effective window.
// The window is closed at the start and open at the end.
func (p *Policy) ActiveAt(t time.Time) bool {
	if p.EffectiveFrom != nil && t.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveUntil != nil && !t.Before(*p.EffectiveUntil) {
		return false
	}
	return true
}

// Scope selects the runs a policy applies to.
type Scope struct {
	ScopeID   string    `json:"scope_id" yaml:"scope_id"`
	PolicyID  string    `json:"policy_id" yaml:"policy_id"`
	TenantID  string    `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Type      ScopeType `json:"scope_type" yaml:"scope_type"`
	TargetIDs []string  `json:"target_ids,omitempty" yaml:"target_ids,omitempty"`
}

// Precedence carries the ordering and conflict metadata of a policy within a tenant.
type Precedence struct {
	PolicyID         string           `json:"policy_id" yaml:"policy_id"`
	TenantID         string           `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Precedence       int              `json:"precedence" yaml:"precedence"`
	ConflictStrategy ConflictStrategy `json:"conflict_strategy" yaml:"conflict_strategy"`
	BindAt           BindAt           `json:"bind_at" yaml:"bind_at"`
	FailureMode      FailureMode      `json:"failure_mode" yaml:"failure_mode"`
}

// Set is the full policy material bound to a tenant: the policies, their
// scopes and their precedence rows.
type Set struct {
	Policies   []Policy     `json:"policies" yaml:"policies"`
	Scopes     []Scope      `json:"scopes" yaml:"scopes"`
	Precedence []Precedence `json:"precedence" yaml:"precedence"`
}

// Policy returns the policy with the given ID.
func (s *Set) Policy(id string) (*Policy, bool) {
	for i := range s.Policies {
		if s.Policies[i].ID == id {
			return &s.Policies[i], true
		}
	}
	return nil, false
}

// ScopesFor returns the scopes attached to a policy.
func (s *Set) ScopesFor(policyID string) []Scope {
	var out []Scope
	for _, sc := range s.Scopes {
		if sc.PolicyID == policyID {
			out = append(out, sc)
		}
	}
	return out
}

// PrecedenceFor returns the precedence row of a policy for a tenant. A row
// scoped to the tenant wins over a global row.
func (s *Set) PrecedenceFor(policyID, tenantID string) (*Precedence, bool) {
	var global *Precedence
	for i := range s.Precedence {
		row := &s.Precedence[i]
		if row.PolicyID != policyID {
			continue
		}
		if row.TenantID == tenantID {
			return row, true
		}
		if row.TenantID == "" {
			global = row
		}
	}
	return global, global != nil
}

// Subject identifies the run a decision is being made for.
// Empty identifier fields mean "not supplied".
type Subject struct {
	TenantID     string `json:"tenant_id"`
	RunID        string `json:"run_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	APIKeyID     string `json:"api_key_id,omitempty"`
	HumanActorID string `json:"human_actor_id,omitempty"`
}

// Intent is an engine-emitted action that has not been applied yet.
type Intent struct {
	Action       Action         `json:"action"`
	Priority     int            `json:"priority"`
	SourcePolicy string         `json:"source_policy"`
	SourceRule   string         `json:"source_rule,omitempty"`
	Target       string         `json:"target,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Terminal     bool           `json:"terminal"`
}
