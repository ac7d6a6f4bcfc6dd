// Package apperrors defines the structured error taxonomy shared by every
// client and service in this module.
package apperrors

import (
	"errors"
	"fmt"
)

// ErrorType categorizes a failure the way §7 of the specification does.
type ErrorType int

const (
	// Unauthorized means the credential was rejected outright; fatal to
	// the invocation and never retried.
	Unauthorized ErrorType = iota
	// Forbidden means the credential was accepted but lacks permission;
	// fatal to the invocation and never retried.
	Forbidden
	// NotFound is an expected miss; per-item operations record it, batch
	// operations omit the item.
	NotFound
	// Transport covers connection-level failures; retried once.
	Transport
	// Timeout covers a request that exceeded its deadline; retried once.
	Timeout
	// HTTPStatus wraps an unexpected non-2xx response; the numeric Code
	// field carries the status.
	HTTPStatus
	// Validation means the upstream payload could not be parsed; the
	// item is skipped and never cached.
	Validation
	// RateLimit means the upstream returned 429; always retried after
	// honouring backoff.
	RateLimit
	// CacheCorruption means a cache entry's payload failed to decode; the
	// caller sees a miss and the entry is deleted.
	CacheCorruption
)

// String returns the error type's name.
func (t ErrorType) String() string {
	switch t {
	case Unauthorized:
		return "Unauthorized"
	case Forbidden:
		return "Forbidden"
	case NotFound:
		return "NotFound"
	case Transport:
		return "Transport"
	case Timeout:
		return "Timeout"
	case HTTPStatus:
		return "HTTPStatus"
	case Validation:
		return "Validation"
	case RateLimit:
		return "RateLimit"
	case CacheCorruption:
		return "CacheCorruption"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(t))
	}
}

// Error is a structured error carrying a type, message, HTTP status (when
// applicable), and wrapped cause.
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.Cause }

// New creates a structured error of the given type.
func New(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a structured error of the given type around a cause.
func Wrap(t ErrorType, cause error, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithStatus creates an HTTPStatus error carrying the given status code.
func WithStatus(code int, format string, args ...interface{}) *Error {
	return &Error{Type: HTTPStatus, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error of the given type.
func Is(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// IsFatal reports whether err must abort the containing invocation rather
// than be retried or skipped, per §7's propagation policy.
func IsFatal(err error) bool {
	return Is(err, Unauthorized) || Is(err, Forbidden)
}

// IsRetryable reports whether err is a transient failure worth a single
// retry with backoff.
func IsRetryable(err error) bool {
	if Is(err, Transport) || Is(err, Timeout) || Is(err, RateLimit) {
		return true
	}
	var e *Error
	if errors.As(err, &e) && e.Type == HTTPStatus {
		return e.Code >= 500 || e.Code == 429
	}
	return false
}
