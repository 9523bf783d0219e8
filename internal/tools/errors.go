package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a name that
// is not in the registry. It is a capability mismatch, not a transient
// execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q not found", e.ToolName)
}

// ErrInvalidArgs is returned when model-supplied arguments do not match
// the tool's schema.
type ErrInvalidArgs struct {
	ToolName string
	Err      error
}

// Error implements the error interface.
func (e *ErrInvalidArgs) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Err)
}

func (e *ErrInvalidArgs) Unwrap() error { return e.Err }
