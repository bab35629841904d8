package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ProviderErrorKind classifies provider failures into a small set of
// categories used for retry and fatality decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication or authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest indicates a request the provider will
	// never accept without changes.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited indicates provider throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable indicates a transient failure (5xx, network).
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown indicates an unclassified failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. It crosses
// package boundaries so the step loop can decide between retrying and failing
// the run without knowing provider SDK error types.
type ProviderError struct {
	provider  string
	operation string
	http      int
	kind      ProviderErrorKind
	message   string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are required.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, message string, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// ClassifyHTTPStatus builds a ProviderError from an HTTP status code returned
// by a provider API. Adapters call it with the status extracted from their SDK
// error type.
func ClassifyHTTPStatus(provider, operation string, status int, message string, cause error) *ProviderError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewProviderError(provider, operation, status, ProviderErrorKindAuth, message, false, cause)
	case status == http.StatusTooManyRequests:
		return NewProviderError(provider, operation, status, ProviderErrorKindRateLimited, message, true, cause)
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		return NewProviderError(provider, operation, status, ProviderErrorKindUnavailable, message, true, cause)
	case status >= http.StatusBadRequest:
		return NewProviderError(provider, operation, status, ProviderErrorKindInvalidRequest, message, false, cause)
	default:
		return NewProviderError(provider, operation, status, ProviderErrorKindUnknown, message, true, cause)
	}
}

// Provider returns the provider identifier (for example, "openai").
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status code when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Message returns the provider error message when available.
func (e *ProviderError) Message() string { return e.message }

// Retryable reports whether retrying the same request may succeed.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.http > 0 {
		return fmt.Sprintf("%s %s %d (%s): %s", e.provider, e.kind, e.http, op, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.provider, e.kind, op, msg)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.cause }

// Is reports rate limited provider errors as ErrRateLimited.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsFatal reports whether a model call error must fail the run immediately.
// Authentication and invalid request failures are fatal, as is any provider
// error marked non-retryable. Timeouts, throttling, transient provider
// failures and unclassified errors are not.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRateLimited) {
		return false
	}
	pe, ok := AsProviderError(err)
	if !ok {
		return false
	}
	switch pe.Kind() {
	case ProviderErrorKindAuth, ProviderErrorKindInvalidRequest:
		return true
	default:
		return !pe.Retryable()
	}
}
