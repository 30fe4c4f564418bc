package toolexec

import (
	"fmt"
	"runtime/debug"
)

// UnknownToolError reports a call to a tool that is not registered.
type UnknownToolError struct {
	Tool   string
	CallID string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q (call %s)", e.Tool, e.CallID)
}

// ToolExecutionError reports a call whose retry budget is exhausted.
type ToolExecutionError struct {
	Tool     string
	CallID   string
	Attempts int
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

// PanicError is the error recorded when a tool panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tool panicked: %v", e.Value)
}

func panicError(r any) error { return &PanicError{Value: r, Stack: debug.Stack()} }

// failureError converts a failed record into the error ExecuteBatch returns
// when it stops at that record.
func failureError(r Record) error {
	switch r.Outcome.Kind {
	case FailureUnknownTool:
		return &UnknownToolError{Tool: r.Call.Name, CallID: r.Call.ID}
	case FailureExhausted:
		return &ToolExecutionError{Tool: r.Call.Name, CallID: r.Call.ID, Attempts: r.Attempts, Cause: r.Outcome.Err}
	default:
		if r.Outcome.Err != nil {
			return r.Outcome.Err
		}
		return &ToolError{Message: r.Outcome.Message}
	}
}
