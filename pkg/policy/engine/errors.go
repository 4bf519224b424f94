package engine

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	// ErrInvalidConfig indicates invalid engine configuration.
	ErrInvalidConfig = errors.New("invalid engine configuration")

	// ErrNoValidator indicates a CheckPolicy ran without an injected validator.
	ErrNoValidator = errors.New("no policy validator configured")

	// ErrNilModule indicates Execute was called without a compiled module.
	ErrNilModule = errors.New("module cannot be nil")
)

// StepLimitError reports an execution that ran more instructions than
// allowed. It is fatal to the execution and is surfaced as a run failure.
type StepLimitError struct {
	PolicyID string
	Limit    int
	Function string
	Block    string
}

// Error returns the error message.
func (e *StepLimitError) Error() string {
	return fmt.Sprintf("policy %s: step limit %d exceeded in %s/%s", e.PolicyID, e.Limit, e.Function, e.Block)
}

// CallDepthError reports a call chain deeper than MaxCallDepth.
type CallDepthError struct {
	PolicyID string
	Limit    int
	Function string
}

// Error returns the error message.
func (e *CallDepthError) Error() string {
	return fmt.Sprintf("policy %s: call depth %d exceeded calling %s", e.PolicyID, e.Limit, e.Function)
}

// ExecutionError reports a malformed module discovered while executing it,
// such as a jump to a block that does not exist.
type ExecutionError struct {
	PolicyID string
	Function string
	Block    string
	Index    int
	Message  string
	Cause    error
}

// Error returns the error message.
func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("policy %s: %s/%s[%d]: %s", e.PolicyID, e.Function, e.Block, e.Index, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// ValidatorPanicError wraps a panic raised inside a PolicyValidator.
type ValidatorPanicError struct {
	PolicyID string
	Value    any
}

// Error returns the error message.
func (e *ValidatorPanicError) Error() string {
	return fmt.Sprintf("validator panicked checking policy %s: %v", e.PolicyID, e.Value)
}
