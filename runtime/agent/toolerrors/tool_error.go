// Package toolerrors provides the structured error carried by failed tool
// results. ToolError keeps a human-readable message, a coarse Kind used for
// metrics and event payloads, and a Cause chain that survives JSON
// serialization (tool results are cached and persisted) while still
// supporting errors.Is/As.
package toolerrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies tool failures.
type Kind string

const (
	// KindNotFound indicates the requested tool is not registered.
	KindNotFound Kind = "not_found"
	// KindInvalidArguments indicates malformed or schema-violating arguments.
	KindInvalidArguments Kind = "invalid_arguments"
	// KindPermissionDenied indicates the permission manager denied the call.
	KindPermissionDenied Kind = "permission_denied"
	// KindTimeout indicates the tool exceeded its execution timeout.
	KindTimeout Kind = "timeout"
	// KindCanceled indicates the run was cancelled while the tool executed.
	KindCanceled Kind = "canceled"
	// KindPanic indicates the tool handler panicked.
	KindPanic Kind = "panic"
	// KindNotExecuted indicates the call was skipped because the batch was
	// interrupted by a suspension.
	KindNotExecuted Kind = "not_executed"
	// KindExecution indicates the tool handler returned an error.
	KindExecution Kind = "execution"
)

// ToolError represents a structured tool failure.
type ToolError struct {
	// Kind classifies the failure.
	Kind Kind `json:"kind"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Cause links to the underlying error.
	Cause *ToolError `json:"cause,omitempty"`
}

// New constructs a ToolError of the given kind.
func New(kind Kind, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	if kind == "" {
		kind = KindExecution
	}
	return &ToolError{Kind: kind, Message: message}
}

// Errorf formats a message and returns it as a ToolError of the given kind.
func Errorf(kind Kind, format string, args ...any) *ToolError {
	return New(kind, fmt.Sprintf(format, args...))
}

// NewWithCause constructs a ToolError wrapping an underlying error. The cause
// is converted into a ToolError chain.
func NewWithCause(kind Kind, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	te := New(kind, message)
	te.Cause = FromError(cause)
	return te
}

// FromError converts an arbitrary error into a ToolError chain. Context
// deadline and cancellation errors map to KindTimeout and KindCanceled.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	kind := KindExecution
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	}
	return &ToolError{
		Kind:    kind,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// KindOf returns the Kind of the first ToolError in err's chain, or the empty
// string.
func KindOf(err error) Kind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
