package override

import (
	"context"
	"time"
)

// End describes how an override ended.
type End struct {
	At     time.Time
	Manual bool
	By     string // empty when ended by expiry
}

// Store persists authorities and override records. Writes that change both
// an authority's state and a record are committed together.
type Store interface {
	// PutConfig creates or updates the configuration part of an authority,
	// keeping its current override state. Writers racing with activation go
	// through Service.PutConfig.
	PutConfig(ctx context.Context, cfg Config) error

	// GetAuthority returns ErrNotFound when no authority row exists.
	GetAuthority(ctx context.Context, tenantID, policyID string) (*Authority, error)

	// ListAuthorities returns the tenant's authorities ordered by policy ID.
	ListAuthorities(ctx context.Context, tenantID string) ([]*Authority, error)

	// ListOverridden returns every authority currently marked overridden.
	ListOverridden(ctx context.Context) ([]*Authority, error)

	// CommitActivation saves the authority's new state and appends r. The
	// stored configuration is kept, whatever a carries.
	CommitActivation(ctx context.Context, a *Authority, r *Record) error

	// CommitEnd clears the authority's override state and sets the ended
	// fields of its active record. The ended fields can be set once; a
	// second end fails with *ImmutabilityViolationError.
	CommitEnd(ctx context.Context, a *Authority, recordID string, end End) error

	// ResetDailyCounters zeroes OverridesToday of every authority whose
	// counter day is not day and returns how many were reset.
	ResetDailyCounters(ctx context.Context, day string) (int, error)

	GetRecord(ctx context.Context, recordID string) (*Record, error)

	// Records returns a policy's records ordered by start time.
	Records(ctx context.Context, tenantID, policyID string) ([]*Record, error)

	// AmendRecord always fails with *ImmutabilityViolationError; records
	// are only ever closed through CommitEnd.
	AmendRecord(ctx context.Context, recordID, field string, value any) error

	Close() error
}
