package policy

// Validate checks the structural invariants of a Set: unique policy IDs,
// logic that compiles, well-formed scopes, and exactly one precedence row
// per policy per tenant.
func (s *Set) Validate() error {
	verr := &ValidationError{}

	ids := make(map[string]bool, len(s.Policies))
	for i := range s.Policies {
		p := &s.Policies[i]
		if p.ID == "" {
			verr.add("policy[%d]: id cannot be empty", i)
			continue
		}
		if ids[p.ID] {
			verr.add("policy %s: duplicate id", p.ID)
		}
		ids[p.ID] = true
		if p.Version < 1 {
			verr.add("policy %s: version must be >= 1", p.ID)
		}
		if p.EffectiveFrom != nil && p.EffectiveUntil != nil && !p.EffectiveUntil.After(*p.EffectiveFrom) {
			verr.add("policy %s: effective_until must be after effective_from", p.ID)
		}
		if _, err := Compile(p.Logic); err != nil {
			verr.add("policy %s: %v", p.ID, err)
		}
	}

	scopeIDs := make(map[string]bool, len(s.Scopes))
	for i, sc := range s.Scopes {
		if sc.ScopeID != "" {
			if scopeIDs[sc.ScopeID] {
				verr.add("scope %s: duplicate id", sc.ScopeID)
			}
			scopeIDs[sc.ScopeID] = true
		}
		if !ids[sc.PolicyID] {
			verr.add("scope[%d]: unknown policy %q", i, sc.PolicyID)
		}
		if !sc.Type.Valid() {
			verr.add("scope[%d]: invalid scope_type %q", i, sc.Type)
		}
		if sc.Type == ScopeAllRuns && len(sc.TargetIDs) > 0 {
			verr.add("scope[%d]: all_runs scope cannot carry target ids", i)
		}
	}

	type rowKey struct{ policy, tenant string }
	rows := make(map[rowKey]bool, len(s.Precedence))
	for i, row := range s.Precedence {
		k := rowKey{row.PolicyID, row.TenantID}
		if rows[k] {
			verr.add("precedence[%d]: duplicate row for policy %s tenant %q", i, row.PolicyID, row.TenantID)
		}
		rows[k] = true
		if !ids[row.PolicyID] {
			verr.add("precedence[%d]: unknown policy %q", i, row.PolicyID)
		}
		if !row.ConflictStrategy.Valid() {
			verr.add("precedence[%d]: invalid conflict_strategy %q", i, row.ConflictStrategy)
		}
		if !row.BindAt.Valid() {
			verr.add("precedence[%d]: invalid bind_at %q", i, row.BindAt)
		}
		if !row.FailureMode.Valid() {
			verr.add("precedence[%d]: invalid failure_mode %q", i, row.FailureMode)
		}
	}

	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

// ApplyDefaults fills unset precedence fields with the fail-closed defaults.
func (s *Set) ApplyDefaults() {
	for i := range s.Precedence {
		row := &s.Precedence[i]
		if row.ConflictStrategy == "" {
			row.ConflictStrategy = StrategyMostRestrictive
		}
		if row.BindAt == "" {
			row.BindAt = BindRunStart
		}
		if row.FailureMode == "" {
			row.FailureMode = FailClosed
		}
	}
	for i := range s.Policies {
		if s.Policies[i].Version == 0 {
			s.Policies[i].Version = 1
		}
	}
}
