// Package jobs runs every provider-mutating operation as a durable,
// idempotent job: enqueue writes a deduplicated record, a worker pool
// claims due records one at a time, and failures retry with backoff
// until an attempt ceiling converts them to terminal failures.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/calendar-assistant/internal/persistence"
)

// Job kinds known to the executor.
const (
	KindCreateEvent  = "create_event"
	KindCreateNote   = "create_note"
	KindRefreshToken = "refresh_token"
	KindTranscribe   = "transcribe"
)

// Queue enqueues durable jobs with idempotency-key deduplication.
type Queue struct {
	repo        persistence.JobRepository
	now         func() time.Time
	idGenerator func() string
}

// NewQueue builds a Queue.
func NewQueue(repo persistence.JobRepository, now func() time.Time, idGenerator func() string) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{repo: repo, now: now, idGenerator: idGenerator}
}

// Enqueue stores a new job unless one with the same idempotency key
// already exists, in which case the existing record is returned and
// enqueued is false. Callers use the existing record's Result to replay
// the earlier outcome instead of doing the work again.
func (q *Queue) Enqueue(ctx context.Context, kind, userID string, payload []byte) (record persistence.JobRecord, enqueued bool, err error) {
	now := q.now()
	job := persistence.JobRecord{
		ID:             q.idGenerator(),
		IdempotencyKey: IdempotencyKey(kind, userID, payload),
		Kind:           kind,
		Payload:        payload,
		Status:         persistence.JobStatusQueued,
		RunAfter:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, err := q.repo.InsertJob(ctx, job)
	if errors.Is(err, persistence.ErrDuplicate) {
		return stored, false, nil
	}
	if err != nil {
		return persistence.JobRecord{}, false, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return stored, true, nil
}

// EnqueueDelayed is Enqueue with a first run no earlier than runAfter,
// used when a rate window has to reopen first.
func (q *Queue) EnqueueDelayed(ctx context.Context, kind, userID string, payload []byte, runAfter time.Time) (persistence.JobRecord, bool, error) {
	now := q.now()
	job := persistence.JobRecord{
		ID:             q.idGenerator(),
		IdempotencyKey: IdempotencyKey(kind, userID, payload),
		Kind:           kind,
		Payload:        payload,
		Status:         persistence.JobStatusQueued,
		RunAfter:       runAfter,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, err := q.repo.InsertJob(ctx, job)
	if errors.Is(err, persistence.ErrDuplicate) {
		return stored, false, nil
	}
	if err != nil {
		return persistence.JobRecord{}, false, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return stored, true, nil
}
