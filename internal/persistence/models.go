package persistence

import "time"

// CalendarHandle references one calendar on one provider integration.
// A user owns many handles; at most one carries IsPrimary.
type CalendarHandle struct {
	ID         string
	UserID     string
	Provider   string
	ExternalID string
	Name       string
	IsPrimary  bool
	IsEnabled  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProviderCredential stores the sealed secret material for one integration.
// The blob is opaque to persistence; only the vault can open it.
type ProviderCredential struct {
	ID        string
	UserID    string
	Provider  string
	Blob      []byte
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConfirmedEventStatus is the terminal outcome of a provider write.
type ConfirmedEventStatus string

const (
	EventStatusCreated   ConfirmedEventStatus = "created"
	EventStatusFailed    ConfirmedEventStatus = "failed"
	EventStatusCancelled ConfirmedEventStatus = "cancelled"
)

// ConfirmedEvent is an append-only record of a draft that reached a provider.
// Rows are immutable once written.
type ConfirmedEvent struct {
	ID               string
	UserID           string
	CalendarHandleID string
	ExternalEventID  string
	Title            string
	Start            time.Time
	End              time.Time
	Status           ConfirmedEventStatus
	SourceText       string
	CreatedAt        time.Time
}

// JobStatus tracks a job record through the executor.
type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusSucceeded       JobStatus = "succeeded"
	JobStatusFailedRetryable JobStatus = "failed_retryable"
	JobStatusFailedTerminal  JobStatus = "failed_terminal"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailedTerminal
}

// JobRecord is one durable unit of provider-mutating work, deduplicated by
// its idempotency key.
type JobRecord struct {
	ID             string
	IdempotencyKey string
	Kind           string
	Payload        []byte
	Result         []byte
	LastError      string
	AttemptCount   int
	Status         JobStatus
	RunAfter       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// KVEntry is one row of the TTL key-value table backing pending sessions and
// rate counters. Revision increments on every write so callers can do
// compare-and-swap updates.
type KVEntry struct {
	Key       string
	Value     []byte
	Revision  int64
	ExpiresAt time.Time
}
