package audit

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested signal does not exist.
var ErrNotFound = errors.New("not found")

// ImmutabilityViolationError reports an attempt to change a sealed field of
// a threshold signal.
type ImmutabilityViolationError struct {
	SignalID string
	Field    string
}

// Error implements the error interface.
func (e *ImmutabilityViolationError) Error() string {
	return fmt.Sprintf("threshold signal %s is immutable: field %q cannot be changed", e.SignalID, e.Field)
}

// StorageError represents an error from the storage backend.
type StorageError struct {
	Backend   string // "memory", "sqlite"
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("audit storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}
