// Package errs defines the single error-kind sum type that categorizes every
// failure surfaced across the turn pipeline. Kinds are not Go types: they
// are a categorizing wrapper around an underlying cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the ten failure categories the pipeline recognizes.
type Kind string

const (
	Validation Kind = "validation"
	Auth       Kind = "auth"
	NotFound   Kind = "notFound"
	RateLimit  Kind = "rateLimited"
	Timeout    Kind = "timeout"
	Tool       Kind = "tool"
	Upstream   Kind = "upstream"
	Storage    Kind = "storage"
	Degraded   Kind = "degraded"
	Cancelled  Kind = "cancelled"
)

// Retryable reports whether a single jittered retry is worth attempting for
// this kind. Only "upstream" failures are retried; every other kind is
// either fatal to the turn or already handled locally.
func (k Kind) Retryable() bool {
	return k == Upstream
}

// Terminal reports whether this kind ends the turn (as opposed to "tool" and
// "degraded", which are recovered locally and never escape the pipeline).
func (k Kind) Terminal() bool {
	switch k {
	case Tool, Degraded:
		return false
	default:
		return true
	}
}

// HTTPStatus maps a Kind to the status code the HTTP surface reports for
// non-streaming requests. Streaming requests instead emit an SSE "error"
// event carrying the same Kind as Code.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return 400
	case Auth:
		return 401
	case NotFound:
		return 404
	case RateLimit:
		return 429
	case Timeout:
		return 504
	default:
		return 500
	}
}

// Error is a categorized failure: a Kind plus the component that raised it,
// a human-readable message, and the underlying cause (if any).
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %v", e.Kind, e.Component, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Component, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind, attributed to component.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap categorizes an existing error under the given kind and component.
func Wrap(kind Kind, component string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Cause: cause}
}

// Wrapf is Wrap with a formatted message attached alongside the cause.
func Wrapf(kind Kind, component string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As extracts the *Error and its Kind from err, walking the Unwrap chain.
// ok is false if err (or nothing in its chain) is an *Error.
func As(err error) (k Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// KindOf returns the Kind of err if it (or something in its chain) is an
// *Error, and Upstream otherwise — an unclassified failure from an external
// collaborator (LLM provider, CRM client) defaults to the retryable kind
// rather than being silently swallowed as "storage" or "tool".
func KindOf(err error) Kind {
	if k, ok := As(err); ok {
		return k
	}
	return Upstream
}
