package manager

import (
	"fmt"
	"strings"
)

// LoadError represents a failure to read a bundle file: missing files,
// permission problems, size limits or invalid encoding.
type LoadError struct {
	FilePath string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load bundle %q: %s: %v", e.FilePath, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load bundle %q: %s", e.FilePath, e.Message)
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// ParseError represents a bundle file that is not valid bundle YAML.
type ParseError struct {
	FilePath string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error in %q: %s: %v", e.FilePath, e.Message, e.Cause)
	}
	return fmt.Sprintf("parse error in %q: %s", e.FilePath, e.Message)
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// ValidationError represents a bundle that parsed but breaks the policy
// set or override rules. Cause is a *policy.ValidationError or an
// *override.ConfigError when one of those produced it.
type ValidationError struct {
	FilePath string
	Tenant   string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := []string{"validation error"}
	if e.FilePath != "" {
		parts = append(parts, fmt.Sprintf("in %q", e.FilePath))
	}
	if e.Tenant != "" {
		parts = append(parts, fmt.Sprintf("for tenant %q", e.Tenant))
	}
	msg := e.Message
	if e.Cause != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Cause.Error()
	}
	return strings.Join(parts, " ") + ": " + msg
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// SyncError reports a failure writing a tenant's snapshot or override
// configuration. Tenants synced before the failure keep their new state.
type SyncError struct {
	Tenant string
	Op     string
	Cause  error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync tenant %q: %s: %v", e.Tenant, e.Op, e.Cause)
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ErrorList contains the errors of several bundle files.
type ErrorList struct {
	Errors []error
}

// Error implements the error interface.
func (e *ErrorList) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors occurred:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&sb, "  %d. %v\n", i+1, err)
	}
	return sb.String()
}

// Unwrap returns the collected errors so errors.Is and errors.As see them.
func (e *ErrorList) Unwrap() []error {
	return e.Errors
}

// Add adds an error to the list.
func (e *ErrorList) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if the list contains any errors.
func (e *ErrorList) HasErrors() bool {
	return len(e.Errors) > 0
}

// ToError returns nil if there are no errors, the single error if there is one,
// or the ErrorList itself if there are multiple errors.
func (e *ErrorList) ToError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return e
}
