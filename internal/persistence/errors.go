package persistence

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrDuplicate is returned when an insert collides with a unique index.
	ErrDuplicate = errors.New("persistence: duplicate")
	// ErrConstraintViolation is returned when a record fails a schema or
	// invariant check.
	ErrConstraintViolation = errors.New("persistence: constraint violation")
	// ErrStaleRecord is returned when a conditional update finds the record
	// changed since it was loaded.
	ErrStaleRecord = errors.New("persistence: stale record")
)
