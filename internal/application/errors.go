package application

import "errors"

var (
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrSessionExpired is returned when the pending draft outlived its TTL.
	ErrSessionExpired = errors.New("application: session expired")
	// ErrSessionFinalised is returned for transitions on a session that
	// already reached a terminal state.
	ErrSessionFinalised = errors.New("application: session already finalised")
	// ErrNoIntegration is returned when an operation needs a provider the
	// user has not connected.
	ErrNoIntegration = errors.New("application: provider not connected")
	// ErrProviderRejected is returned when a provider refused the supplied
	// credentials during connection.
	ErrProviderRejected = errors.New("application: provider rejected credentials")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	return "validation failed"
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}
