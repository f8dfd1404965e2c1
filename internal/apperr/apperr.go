// Package apperr defines the structured error type used across ragserve.
// Every error that crosses a component boundary carries a Kind so callers
// can decide between retry, degradation, and surfacing to the client.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	// KindAuth covers invalid or expired credentials.
	KindAuth Kind = "auth"
	// KindForbidden covers disabled users and insufficient permissions.
	KindForbidden Kind = "forbidden"
	// KindValidation covers malformed or missing request fields.
	KindValidation Kind = "validation"
	// KindNotFound covers missing entities (knowledge ids, versions, tasks).
	KindNotFound Kind = "not_found"
	// KindRateLimited covers login lockout and throttling.
	KindRateLimited Kind = "rate_limited"
	// KindUpstreamTransient covers WAF blocks, timeouts, and 5xx from
	// the LLM, embedding API, or vector store. Retried internally.
	KindUpstreamTransient Kind = "upstream_transient"
	// KindUpstreamPermanent covers bad model names and malformed responses.
	KindUpstreamPermanent Kind = "upstream_permanent"
	// KindInternal covers pool exhaustion and unexpected failures.
	KindInternal Kind = "internal"
)

// Error is the structured error type for ragserve.
type Error struct {
	// Kind drives retry decisions and the HTTP status mapping.
	Kind Kind

	// Message is the caller-facing message. Internals (SQL, stack traces)
	// must never appear here.
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// RetryAfterSeconds is set for rate-limited errors.
	RetryAfterSeconds int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by Kind so errors.Is works with sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error from an existing error. Returns nil for nil input.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil && message == "" {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Authf creates an auth error.
func Authf(format string, args ...any) *Error {
	return New(KindAuth, fmt.Sprintf(format, args...))
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// NotFoundf creates a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// RateLimited creates a rate-limited error with the remaining lockout.
func RateLimited(message string, retryAfterSeconds int) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfterSeconds: retryAfterSeconds}
}

// Internal wraps an unexpected failure. The cause is kept for logs; the
// message is what the client sees.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// Transient wraps a retryable upstream failure.
func Transient(message string, cause error) *Error {
	return &Error{Kind: KindUpstreamTransient, Message: message, Cause: cause}
}

// Permanent wraps a non-retryable upstream failure.
func Permanent(message string, cause error) *Error {
	return &Error{Kind: KindUpstreamPermanent, Message: message, Cause: cause}
}

// KindOf extracts the Kind from an error chain. Unknown errors map to
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error is worth retrying.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUpstreamTransient
}

// HTTPStatus maps an error to its HTTP status code per the service taxonomy.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamTransient:
		return http.StatusServiceUnavailable
	case KindUpstreamPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the message safe to send to clients. Internal
// errors collapse to a generic string so internals never leak.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal error"
		}
		return e.Message
	}
	return "internal error"
}
