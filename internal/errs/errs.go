// Package errs provides the typed error taxonomy shared by the presence
// engine and the delivery pipeline.
package errs

import (
	"errors"
	"time"
)

// Code is a machine-readable error class.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Monitoring limit exceeded. Rejected synchronously; the caller decides
	// what to evict.
	CodeCapacity Code = "CAPACITY_EXCEEDED"

	// Location or radio permission denied. A standing condition, not retried.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// Timeout, connection loss, 5xx, 429. Retried with backoff.
	CodeTransient Code = "TRANSIENT"

	// 4xx other than 429, malformed payload. Dead-lettered, never retried.
	CodeTerminal Code = "TERMINAL"

	// Endpoint breaker is open; no I/O was attempted.
	CodeCircuitOpen Code = "CIRCUIT_OPEN"

	CodeInvalidTask     Code = "INVALID_TASK"
	CodeUnexpectedEvent Code = "UNEXPECTED_EVENT"
	CodeNotFound        Code = "NOT_FOUND"
)

// Retryable reports whether errors of this class should be retried.
func (c Code) Retryable() bool {
	switch c {
	case CodeTransient, CodeCircuitOpen:
		return true
	default:
		return false
	}
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error

	// RetryAfter, when non-zero, is the earliest time a retry makes sense
	// (breaker reset time, server Retry-After).
	RetryAfter time.Time
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Retryable reports whether err is worth retrying. Errors outside the
// taxonomy are treated as transient: an unclassified failure must not
// silently drop an attendance event.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	code := CodeOf(err)
	if code == CodeUnknown {
		return true
	}
	return code.Retryable()
}

// Transient wraps cause as a retryable delivery failure.
func Transient(message string, cause error) *Error {
	return Wrap(CodeTransient, message, cause)
}

// Terminal wraps cause as a non-retryable delivery failure.
func Terminal(message string, cause error) *Error {
	return Wrap(CodeTerminal, message, cause)
}
