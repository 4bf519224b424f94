// Package scope decides whether a policy applies to a concrete run.
//
// Scopes are mutually exclusive by type. An all_runs scope matches every
// run. Any other scope matches only when the run supplies the identifier of
// that type and the identifier is in the scope's target set. An empty
// target set matches nothing: omission denies, it never widens.
package scope

import (
	"fmt"
	"sort"

	"mercator-hq/aegis/pkg/policy"
)

// MismatchError explains why a scope does not apply. It is informational:
// a mismatch only means "does not apply", never a failure.
type MismatchError struct {
	ScopeID  string
	PolicyID string
	Reason   string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("scope %s of policy %s does not apply: %s", e.ScopeID, e.PolicyID, e.Reason)
}

// Matches reports whether sc applies to subject.
func Matches(sc policy.Scope, subject policy.Subject) bool {
	return Check(sc, subject) == nil
}

// Check returns nil when sc applies to subject and a *MismatchError otherwise.
func Check(sc policy.Scope, subject policy.Subject) error {
	mismatch := func(reason string) error {
		return &MismatchError{ScopeID: sc.ScopeID, PolicyID: sc.PolicyID, Reason: reason}
	}

	var id string
	switch sc.Type {
	case policy.ScopeAllRuns:
		return nil
	case policy.ScopeAgent:
		id = subject.AgentID
	case policy.ScopeAPIKey:
		id = subject.APIKeyID
	case policy.ScopeHumanActor:
		id = subject.HumanActorID
	default:
		return mismatch(fmt.Sprintf("unknown scope type %q", sc.Type))
	}

	if len(sc.TargetIDs) == 0 {
		return mismatch("empty target set")
	}
	if id == "" {
		return mismatch(fmt.Sprintf("run has no %s identifier", sc.Type))
	}
	for _, target := range sc.TargetIDs {
		if target == id {
			return nil
		}
	}
	return mismatch(fmt.Sprintf("%s %q not in target set", sc.Type, id))
}

// TenantVisible reports whether an object owned by ownerTenant is visible to
// a run of runTenant. An empty owner means global.
func TenantVisible(ownerTenant, runTenant string) bool {
	return ownerTenant == "" || ownerTenant == runTenant
}

// Applicable returns, sorted, the IDs of the policies in set that have at
// least one scope matching subject. Policies and scopes owned by another
// tenant are ignored; a policy without scopes applies to nothing.
func Applicable(set *policy.Set, subject policy.Subject) []string {
	matched := make(map[string]bool)
	for _, sc := range set.Scopes {
		if matched[sc.PolicyID] || !TenantVisible(sc.TenantID, subject.TenantID) {
			continue
		}
		if Matches(sc, subject) {
			matched[sc.PolicyID] = true
		}
	}

	ids := make([]string, 0, len(matched))
	for _, p := range set.Policies {
		if matched[p.ID] && TenantVisible(p.TenantID, subject.TenantID) {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
