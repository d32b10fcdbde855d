package connector

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorClass partitions provider failures by how callers must react.
type ErrorClass string

const (
	// ClassAuthExpired means the access token was rejected; refresh once and
	// retry, then treat as transient.
	ClassAuthExpired ErrorClass = "auth_expired"
	// ClassRateLimited means the provider throttled the call; retry after
	// backing off.
	ClassRateLimited ErrorClass = "rate_limited"
	// ClassUnavailable covers transient network and server-side failures.
	ClassUnavailable ErrorClass = "unavailable"
	// ClassRejected means the provider refused the payload or permission;
	// retrying cannot succeed.
	ClassRejected ErrorClass = "rejected"
)

// Error is the typed failure every adapter method returns on I/O problems.
type Error struct {
	Class      ErrorClass
	Provider   ProviderKind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the executor may retry the failed operation.
func (e *Error) Retryable() bool { return e.Class != ClassRejected }

// ClassOf extracts the error class, defaulting to ClassUnavailable for
// untyped errors so unknown failures stay retryable.
func ClassOf(err error) ErrorClass {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnavailable
}

// NewError builds a typed adapter error.
func NewError(class ErrorClass, provider ProviderKind, op string, err error) *Error {
	return &Error{Class: class, Provider: provider, Op: op, Err: err}
}

// ClassifyStatus maps an HTTP response status to an error class. The mapping
// is shared by the REST adapters so every provider reports the same taxonomy.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return ClassAuthExpired
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status >= 500:
		return ClassUnavailable
	default:
		return ClassRejected
	}
}

// StatusError builds a typed error from an HTTP status, honoring a
// Retry-After header when present.
func StatusError(provider ProviderKind, op string, status int, retryAfter string, body string) *Error {
	e := &Error{
		Class:    ClassifyStatus(status),
		Provider: provider,
		Op:       op,
		Err:      fmt.Errorf("status %d: %s", status, body),
	}
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}
