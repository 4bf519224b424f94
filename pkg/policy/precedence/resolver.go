// Package precedence orders the policies that bind a run and decides
// between them when they disagree.
//
// Resolve picks the applicable policies (scope match, tenant visibility,
// effective window), attaches each policy's precedence row and sorts them
// by precedence ascending with ties broken by policy ID. Decide folds the
// per-policy outcomes into a single decision using the conflict strategy
// of the highest-precedence policy that produced one.
package precedence

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/scope"
)

// UnresolvedError reports an applicable policy without a precedence row for
// the run's tenant.
type UnresolvedError struct {
	PolicyID string
	TenantID string
}

// Error returns the error message.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("precedence unresolved for policy %s in tenant %q", e.PolicyID, e.TenantID)
}

// Entry is one bound policy with its precedence row.
type Entry struct {
	Policy     policy.Policy
	Precedence policy.Precedence
}

// Resolution is the ordered policy set binding a run.
type Resolution struct {
	TenantID   string
	Ordered    []Entry
	BindAt     policy.BindAt
	Unresolved []*UnresolvedError
	ResolvedAt time.Time
}

// PolicyIDs returns the IDs of the ordered entries.
func (r *Resolution) PolicyIDs() []string {
	ids := make([]string, len(r.Ordered))
	for i, e := range r.Ordered {
		ids[i] = e.Policy.ID
	}
	return ids
}

// Config configures a Resolver.
type Config struct {
	// DefaultFailureMode decides runs with an unresolved policy.
	// Default: fail_closed.
	DefaultFailureMode policy.FailureMode

	// NoDecisionAction is the decision when every bound policy abstains or
	// no policy binds the run. Default: ALLOW.
	NoDecisionAction policy.Action
}

// Resolver resolves and decides policy sets. It holds no per-run state.
type Resolver struct {
	config Config
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg Config, logger *slog.Logger) (*Resolver, error) {
	if cfg.DefaultFailureMode == "" {
		cfg.DefaultFailureMode = policy.FailClosed
	}
	if cfg.NoDecisionAction == "" {
		cfg.NoDecisionAction = policy.ActionAllow
	}
	if !cfg.DefaultFailureMode.Valid() {
		return nil, fmt.Errorf("invalid default failure mode %q", cfg.DefaultFailureMode)
	}
	if !cfg.NoDecisionAction.IsDecision() {
		return nil, fmt.Errorf("invalid no-decision action %q", cfg.NoDecisionAction)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{config: cfg, logger: logger.With("component", "policy.precedence")}, nil
}

// Resolve returns the ordered policies of set that bind subject at now.
func (r *Resolver) Resolve(set *policy.Set, subject policy.Subject, now time.Time) *Resolution {
	res := &Resolution{TenantID: subject.TenantID, BindAt: policy.BindRunStart, ResolvedAt: now}

	for _, id := range scope.Applicable(set, subject) {
		p, _ := set.Policy(id)
		if !p.ActiveAt(now) {
			continue
		}
		row, ok := set.PrecedenceFor(id, subject.TenantID)
		if !ok {
			res.Unresolved = append(res.Unresolved, &UnresolvedError{PolicyID: id, TenantID: subject.TenantID})
			continue
		}
		res.Ordered = append(res.Ordered, Entry{Policy: *p, Precedence: *row})
		if row.BindAt.Dynamism() > res.BindAt.Dynamism() {
			res.BindAt = row.BindAt
		}
	}

	sort.SliceStable(res.Ordered, func(i, j int) bool {
		a, b := res.Ordered[i], res.Ordered[j]
		if a.Precedence.Precedence != b.Precedence.Precedence {
			return a.Precedence.Precedence < b.Precedence.Precedence
		}
		return a.Policy.ID < b.Policy.ID
	})

	for _, u := range res.Unresolved {
		r.logger.Warn("precedence unresolved",
			"policy_id", u.PolicyID,
			"tenant_id", u.TenantID,
			"failure_mode", r.config.DefaultFailureMode,
		)
	}
	return res
}
