package policy

import (
	"fmt"
	"strings"
)

// CompileError reports where a ModuleSpec failed to compile.
type CompileError struct {
	Function string
	Block    string
	Index    int
	Message  string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	switch {
	case e.Block != "":
		return fmt.Sprintf("compile error in %s/%s[%d]: %s", e.Function, e.Block, e.Index, e.Message)
	case e.Function != "":
		return fmt.Sprintf("compile error in %s: %s", e.Function, e.Message)
	default:
		return fmt.Sprintf("compile error: %s", e.Message)
	}
}

// ValidationError collects the problems found in a policy Set.
type ValidationError struct {
	Errors []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "policy set validation error: " + e.Errors[0]
	}
	return fmt.Sprintf("policy set has %d validation errors: %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}
