package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the snapshot does not exist.
	ErrNotFound = errors.New("snapshot not found")

	// ErrNoActiveSnapshot indicates the tenant has no ACTIVE snapshot.
	ErrNoActiveSnapshot = errors.New("no active snapshot")

	// ErrEmptyTenant indicates a create without tenant.
	ErrEmptyTenant = errors.New("tenant id cannot be empty")
)

// IntegrityError reports a stored hash that no longer re-derives from the
// stored payload.
type IntegrityError struct {
	SnapshotID string
	Field      string
	Expected   string
	Actual     string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("snapshot %s integrity violation: %s is %s, payload hashes to %s",
		e.SnapshotID, e.Field, e.Expected, e.Actual)
}

// ImmutabilityViolationError reports an attempt to change sealed content.
type ImmutabilityViolationError struct {
	SnapshotID string
	Field      string
}

// Error implements the error interface.
func (e *ImmutabilityViolationError) Error() string {
	return fmt.Sprintf("snapshot %s is immutable: field %q cannot be changed", e.SnapshotID, e.Field)
}

// TransitionError reports a lifecycle operation from the wrong status.
type TransitionError struct {
	SnapshotID string
	Operation  string
	Status     Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s snapshot %s in status %s", e.Operation, e.SnapshotID, e.Status)
}

// StorageError represents an error from the storage backend.
type StorageError struct {
	Backend   string // "memory", "sqlite", "postgres"
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("snapshot storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}
