package persistence

import (
	"context"
	"time"
)

// CalendarHandleRepository stores the calendars discovered per integration.
type CalendarHandleRepository interface {
	UpsertHandle(ctx context.Context, handle CalendarHandle) error
	ListHandles(ctx context.Context, userID string) ([]CalendarHandle, error)
	ListEnabledHandles(ctx context.Context, userID string) ([]CalendarHandle, error)
	GetHandle(ctx context.Context, id string) (CalendarHandle, error)
	// SetPrimary marks the handle primary and clears the flag on every other
	// handle of the same user within one transaction.
	SetPrimary(ctx context.Context, userID, handleID string) error
	SetEnabled(ctx context.Context, handleID string, enabled bool) error
	DeleteHandlesForProvider(ctx context.Context, userID, provider string) error
}

// CredentialRepository stores sealed provider credentials.
type CredentialRepository interface {
	UpsertCredential(ctx context.Context, cred ProviderCredential) error
	GetCredential(ctx context.Context, userID, provider string) (ProviderCredential, error)
	ListExpiringCredentials(ctx context.Context, before time.Time) ([]ProviderCredential, error)
	DeleteCredential(ctx context.Context, userID, provider string) error
}

// ConfirmedEventRepository is an append-only log of provider writes.
type ConfirmedEventRepository interface {
	AppendEvent(ctx context.Context, event ConfirmedEvent) error
	ListEventsForUser(ctx context.Context, userID string, limit int) ([]ConfirmedEvent, error)
}

// JobRepository stores durable job records for the executor.
type JobRepository interface {
	// InsertJob stores a new queued record, or returns ErrDuplicate together
	// with the existing record when the idempotency key is already present.
	InsertJob(ctx context.Context, job JobRecord) (JobRecord, error)
	GetJobByKey(ctx context.Context, idempotencyKey string) (JobRecord, error)
	// ClaimJob atomically flips one due queued or retryable record to
	// running and returns it; ErrNotFound when nothing is due.
	ClaimJob(ctx context.Context, now time.Time) (JobRecord, error)
	// CompleteJob records the outcome of a run. The update is conditional on
	// the record still being in running state.
	CompleteJob(ctx context.Context, job JobRecord) error
	// ReleaseStalledJobs flips running records last touched at or before the
	// cutoff back to retryable, so a worker that died mid-run does not strand
	// its claim. Returns the number of released records.
	ReleaseStalledJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// KVStore is the shared TTL key-value contract used for pending sessions and
// rate counters. Expired keys behave as absent.
type KVStore interface {
	Get(ctx context.Context, key string) (KVEntry, error)
	// Set writes the value unconditionally with the TTL, superseding any
	// existing entry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (KVEntry, error)
	// CompareAndSwap writes only when the stored revision matches; it
	// returns ErrStaleRecord otherwise. The entry's remaining TTL is kept.
	CompareAndSwap(ctx context.Context, key string, value []byte, revision int64) (KVEntry, error)
	Delete(ctx context.Context, key string) error
	// Increment atomically adds one to an integer value, initialising it
	// with the TTL on first use, and returns the new count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
