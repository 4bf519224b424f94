package override

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the authority or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotActive indicates End was called on a policy with no override.
	ErrNotActive = errors.New("no active override")
)

// Rejection names why an activation was refused.
type Rejection string

const (
	RejectNotAllowed      Rejection = "override_not_allowed"
	RejectRole            Rejection = "role_not_allowed"
	RejectReasonRequired  Rejection = "reason_required"
	RejectDuration        Rejection = "duration_exceeds_max"
	RejectDailyLimit      Rejection = "daily_limit_reached"
	RejectAlreadyActive   Rejection = "override_already_active"
	RejectInvalidDuration Rejection = "invalid_duration"
)

// ActivationError reports a refused override activation.
type ActivationError struct {
	PolicyID  string
	TenantID  string
	Rejection Rejection
	Detail    string
}

// Error implements the error interface.
func (e *ActivationError) Error() string {
	msg := fmt.Sprintf("override of policy %s in tenant %q rejected: %s", e.PolicyID, e.TenantID, e.Rejection)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// ImmutabilityViolationError reports an attempt to change a sealed field of
// an override record.
type ImmutabilityViolationError struct {
	RecordID string
	Field    string
}

// Error implements the error interface.
func (e *ImmutabilityViolationError) Error() string {
	return fmt.Sprintf("override record %s is immutable: field %q cannot be changed", e.RecordID, e.Field)
}

// ConfigError reports an invalid authority configuration.
type ConfigError struct {
	PolicyID string
	Message  string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("override config for policy %q: %s", e.PolicyID, e.Message)
}

// StorageError represents an error from the storage backend.
type StorageError struct {
	Backend   string // "memory", "sqlite", "postgres"
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("override storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}
