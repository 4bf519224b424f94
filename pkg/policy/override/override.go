// Package override grants time-boxed, role-gated bypasses of policy
// enforcement and keeps an append-only record of every bypass.
//
// An Authority carries both the override configuration of one policy in one
// tenant and its current override state. Check is a pure function of the
// authority and the current time; expiry is decided by comparing
// ExpiresAt with the clock at check time, so an override can never outlive
// its window even if nothing ends it explicitly.
package override

import (
	"math"
	"time"
)

// Status is the outcome of an override check.
type Status string

const (
	StatusNoOverride Status = "NO_OVERRIDE"
	StatusActive     Status = "OVERRIDE_ACTIVE"
	StatusExpired    Status = "OVERRIDE_EXPIRED"
	StatusNotAllowed Status = "OVERRIDE_NOT_ALLOWED"
)

const counterDayLayout = "2006-01-02"

// Config is the administrator-controlled part of an Authority.
type Config struct {
	PolicyID        string        `json:"policy_id" yaml:"policy_id"`
	TenantID        string        `json:"tenant_id" yaml:"tenant_id"`
	OverrideAllowed bool          `json:"override_allowed" yaml:"override_allowed"`
	AllowedRoles    []string      `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
	RequiresReason  bool          `json:"requires_reason" yaml:"requires_reason"`
	MaxDuration     time.Duration `json:"max_duration" yaml:"max_duration"`

	// MaxOverridesPerDay caps activations per UTC day. Zero means unlimited.
	MaxOverridesPerDay int `json:"max_overrides_per_day" yaml:"max_overrides_per_day"`
}

// Validate checks the configuration. An override that is allowed must have
// a positive MaxDuration and at least one allowed role.
func (c *Config) Validate() error {
	if c.PolicyID == "" {
		return &ConfigError{Message: "policy_id cannot be empty"}
	}
	if c.MaxOverridesPerDay < 0 {
		return &ConfigError{PolicyID: c.PolicyID, Message: "max_overrides_per_day cannot be negative"}
	}
	if !c.OverrideAllowed {
		return nil
	}
	if c.MaxDuration <= 0 {
		return &ConfigError{PolicyID: c.PolicyID, Message: "max_duration must be positive when overrides are allowed"}
	}
	if len(c.AllowedRoles) == 0 {
		return &ConfigError{PolicyID: c.PolicyID, Message: "allowed_roles cannot be empty when overrides are allowed"}
	}
	return nil
}

// Authority is the override configuration and current state of one policy.
type Authority struct {
	Config

	CurrentlyOverridden bool       `json:"currently_overridden"`
	StartedAt           *time.Time `json:"override_started_at,omitempty"`
	ExpiresAt           *time.Time `json:"override_expires_at,omitempty"`
	By                  string     `json:"override_by,omitempty"`
	Reason              string     `json:"override_reason,omitempty"`
	ActiveRecordID      string     `json:"active_record_id,omitempty"`

	OverridesToday int    `json:"overrides_today"`
	CounterDay     string `json:"counter_day,omitempty"` // UTC date OverridesToday counts
}

// RoleAllowed reports whether role may activate an override.
func (a *Authority) RoleAllowed(role string) bool {
	for _, r := range a.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// clearState ends the current override state without touching counters.
func (a *Authority) clearState() {
	a.CurrentlyOverridden = false
	a.StartedAt = nil
	a.ExpiresAt = nil
	a.By = ""
	a.Reason = ""
	a.ActiveRecordID = ""
}

// rollDay resets the daily counter when now falls on a new UTC day.
func (a *Authority) rollDay(now time.Time) {
	day := now.UTC().Format(counterDayLayout)
	if a.CounterDay != day {
		a.CounterDay = day
		a.OverridesToday = 0
	}
}

// setState copies the override state and counters of from, leaving the
// configuration untouched.
func (a *Authority) setState(from *Authority) {
	c := from.clone()
	a.CurrentlyOverridden = c.CurrentlyOverridden
	a.StartedAt = c.StartedAt
	a.ExpiresAt = c.ExpiresAt
	a.By = c.By
	a.Reason = c.Reason
	a.ActiveRecordID = c.ActiveRecordID
	a.OverridesToday = c.OverridesToday
	a.CounterDay = c.CounterDay
}

func (a *Authority) clone() *Authority {
	c := *a
	c.AllowedRoles = append([]string(nil), a.AllowedRoles...)
	if a.StartedAt != nil {
		t := *a.StartedAt
		c.StartedAt = &t
	}
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Record is the append-only audit entry of one override activation. Only
// the ended fields may be set after creation, and only once.
type Record struct {
	RecordID         string     `json:"record_id"`
	PolicyID         string     `json:"policy_id"`
	TenantID         string     `json:"tenant_id"`
	OverrideBy       string     `json:"override_by"`
	Role             string     `json:"role"`
	Reason           string     `json:"reason"`
	StartedAt        time.Time  `json:"started_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	WasManuallyEnded bool       `json:"was_manually_ended"`
	EndedBy          string     `json:"ended_by,omitempty"`
}

// Ended reports whether the record has been closed.
func (r *Record) Ended() bool {
	return r.EndedAt != nil
}

func (r *Record) clone() *Record {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CheckResult is the structured outcome of Check.
type CheckResult struct {
	Status           Status `json:"status"`
	SkipEnforcement  bool   `json:"skip_enforcement"`
	RemainingSeconds int64  `json:"remaining_seconds,omitempty"`
}

// Check decides whether enforcement of the authority's policy is currently
// bypassed. A nil authority is treated as NO_OVERRIDE. The order is fixed:
// not allowed, not overridden, expired (ExpiresAt absent or not after now),
// then active.
func Check(a *Authority, now time.Time) CheckResult {
	switch {
	case a == nil:
		return CheckResult{Status: StatusNoOverride}
	case !a.OverrideAllowed:
		return CheckResult{Status: StatusNotAllowed}
	case !a.CurrentlyOverridden:
		return CheckResult{Status: StatusNoOverride}
	case a.ExpiresAt == nil || !a.ExpiresAt.After(now):
		return CheckResult{Status: StatusExpired}
	default:
		remaining := a.ExpiresAt.Sub(now).Seconds()
		return CheckResult{
			Status:           StatusActive,
			SkipEnforcement:  true,
			RemainingSeconds: int64(math.Ceil(remaining)),
		}
	}
}
