// Package snapshot stores immutable, versioned snapshots of a tenant's
// policy set and thresholds.
//
// A snapshot's content is write-once. Its two hashes always re-derive from
// its stored payloads; Verify recomputes them and marks the snapshot
// INVALID on mismatch without repairing it. Each tenant has exactly one
// ACTIVE snapshot at any time: Create assigns version = previous + 1 and
// supersedes the previous ACTIVE snapshot in the same critical section.
//
// Lifecycle:
//
//	ACTIVE → SUPERSEDED → ARCHIVED → (deleted)
//	any    → INVALID (integrity failure)
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mercator-hq/aegis/pkg/policy"
)

// Status is the lifecycle state of a snapshot.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusSuperseded Status = "SUPERSEDED"
	StatusArchived   Status = "ARCHIVED"
	StatusInvalid    Status = "INVALID"
)

// Thresholds are the named numeric limits a tenant's runs are measured
// against, e.g. {"cost_usd": 50, "steps": 200}.
type Thresholds map[string]float64

// Snapshot is one sealed version of a tenant's policy material.
type Snapshot struct {
	ID                string          `json:"snapshot_id"`
	TenantID          string          `json:"tenant_id"`
	Version           int64           `json:"version"`
	PoliciesPayload   json.RawMessage `json:"policies_payload"`
	ThresholdsPayload json.RawMessage `json:"thresholds_payload"`
	ContentHash       string          `json:"content_hash"`
	ThresholdHash     string          `json:"threshold_hash"`
	Status            Status          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	SupersededAt      *time.Time      `json:"superseded_at,omitempty"`
	ArchivedAt        *time.Time      `json:"archived_at,omitempty"`

	// SourceRevision records where the content came from, such as the
	// commit SHA of a policy repository.
	SourceRevision string `json:"source_revision,omitempty"`
}

// PolicySet decodes the policies payload.
func (s *Snapshot) PolicySet() (*policy.Set, error) {
	var set policy.Set
	if err := json.Unmarshal(s.PoliciesPayload, &set); err != nil {
		return nil, fmt.Errorf("decode policies of snapshot %s: %w", s.ID, err)
	}
	return &set, nil
}

// Thresholds decodes the thresholds payload.
func (s *Snapshot) Thresholds() (Thresholds, error) {
	t := Thresholds{}
	if err := json.Unmarshal(s.ThresholdsPayload, &t); err != nil {
		return nil, fmt.Errorf("decode thresholds of snapshot %s: %w", s.ID, err)
	}
	return t, nil
}

// clone returns a deep copy so callers can never reach a store's state.
func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.PoliciesPayload = append(json.RawMessage(nil), s.PoliciesPayload...)
	c.ThresholdsPayload = append(json.RawMessage(nil), s.ThresholdsPayload...)
	if s.SupersededAt != nil {
		t := *s.SupersededAt
		c.SupersededAt = &t
	}
	if s.ArchivedAt != nil {
		t := *s.ArchivedAt
		c.ArchivedAt = &t
	}
	return &c
}

// Store persists snapshots.
type Store interface {
	// Create seals set and thresholds into the tenant's next ACTIVE snapshot.
	Create(ctx context.Context, tenantID string, set *policy.Set, thresholds Thresholds, opts ...CreateOption) (*Snapshot, error)

	// Get returns a snapshot by ID.
	Get(ctx context.Context, id string) (*Snapshot, error)

	// Active returns the tenant's ACTIVE snapshot.
	Active(ctx context.Context, tenantID string) (*Snapshot, error)

	// History returns the tenant's snapshots ordered by version ascending.
	History(ctx context.Context, tenantID string) ([]*Snapshot, error)

	// Verify recomputes both hashes and marks the snapshot INVALID on
	// mismatch. It reports whether the snapshot is intact.
	Verify(ctx context.Context, id string) (bool, error)

	// Archive moves a SUPERSEDED snapshot to ARCHIVED.
	Archive(ctx context.Context, id string) error

	// Delete removes an ARCHIVED snapshot.
	Delete(ctx context.Context, id string) error

	// Amend always fails with *ImmutabilityViolationError.
	Amend(ctx context.Context, id, field string, value any) error

	// Close releases resources held by the store.
	Close() error
}

// CreateOption customizes Create.
type CreateOption func(*createOptions)

type createOptions struct {
	sourceRevision string
}

// WithSourceRevision records the revision the content was built from.
func WithSourceRevision(rev string) CreateOption {
	return func(o *createOptions) {
		o.sourceRevision = rev
	}
}

func applyCreateOptions(opts []CreateOption) createOptions {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
