package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/example/calendar-assistant/internal/persistence"
)

// JobRepository implements the durable job queue. The unique index on the
// idempotency key and the conditional status updates are the atomicity the
// executor's delivery guarantees rest on.
type JobRepository struct {
	pool *ConnectionPool
}

// NewJobRepository creates the repository.
func NewJobRepository(pool *ConnectionPool) *JobRepository {
	return &JobRepository{pool: pool}
}

// InsertJob stores a queued record. A colliding idempotency key returns the
// existing record together with persistence.ErrDuplicate so callers can
// replay its result.
func (r *JobRepository) InsertJob(ctx context.Context, job persistence.JobRecord) (persistence.JobRecord, error) {
	if job.ID == "" || job.IdempotencyKey == "" || job.Kind == "" {
		return persistence.JobRecord{}, persistence.ErrConstraintViolation
	}
	now := time.Now().UTC()
	job.Status = persistence.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}

	_, err := r.pool.db.ExecContext(ctx, `
		INSERT INTO job_records (id, idempotency_key, kind, payload, result, last_error, attempt_count, status, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, '', 0, ?, ?, ?, ?)
	`,
		job.ID,
		job.IdempotencyKey,
		job.Kind,
		job.Payload,
		string(job.Status),
		job.RunAfter.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, persistence.ErrDuplicate) {
			existing, getErr := r.GetJobByKey(ctx, job.IdempotencyKey)
			if getErr != nil {
				return persistence.JobRecord{}, getErr
			}
			return existing, persistence.ErrDuplicate
		}
		return persistence.JobRecord{}, mapped
	}
	return job, nil
}

// GetJobByKey fetches a record by its idempotency key.
func (r *JobRepository) GetJobByKey(ctx context.Context, idempotencyKey string) (persistence.JobRecord, error) {
	row := r.pool.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, kind, payload, result, last_error, attempt_count, status, run_after, created_at, updated_at
		FROM job_records
		WHERE idempotency_key = ?
	`, idempotencyKey)
	return scanJob(row)
}

// ClaimJob flips the oldest due queued or retryable record to running. The
// claim is a single conditional UPDATE, so two workers cannot both win the
// same record.
func (r *JobRepository) ClaimJob(ctx context.Context, now time.Time) (persistence.JobRecord, error) {
	var claimed persistence.JobRecord
	err := r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT id FROM job_records
			WHERE status IN (?, ?) AND run_after <= ?
			ORDER BY run_after ASC
			LIMIT 1
		`,
			string(persistence.JobStatusQueued),
			string(persistence.JobStatusFailedRetryable),
			now.UTC().Format(time.RFC3339),
		)
		var id string
		if err := row.Scan(&id); err != nil {
			return mapError(err)
		}

		result, err := tx.Exec(`
			UPDATE job_records
			SET status = ?, attempt_count = attempt_count + 1, updated_at = ?
			WHERE id = ? AND status IN (?, ?)
		`,
			string(persistence.JobStatusRunning),
			now.UTC().Format(time.RFC3339),
			id,
			string(persistence.JobStatusQueued),
			string(persistence.JobStatusFailedRetryable),
		)
		if err != nil {
			return mapError(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return mapError(err)
		}
		if affected == 0 {
			return persistence.ErrNotFound
		}

		jobRow := tx.QueryRow(`
			SELECT id, idempotency_key, kind, payload, result, last_error, attempt_count, status, run_after, created_at, updated_at
			FROM job_records WHERE id = ?
		`, id)
		job, err := scanJob(jobRow)
		if err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return persistence.JobRecord{}, err
	}
	return claimed, nil
}

// CompleteJob records the run outcome, conditional on the record still being
// in running state so a lost worker cannot clobber a newer claim.
func (r *JobRepository) CompleteJob(ctx context.Context, job persistence.JobRecord) error {
	result, err := r.pool.db.ExecContext(ctx, `
		UPDATE job_records
		SET status = ?, result = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(job.Status),
		job.Result,
		job.LastError,
		job.RunAfter.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		job.ID,
		string(persistence.JobStatusRunning),
	)
	if err != nil {
		return mapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		return persistence.ErrStaleRecord
	}
	return nil
}

// ReleaseStalledJobs requeues claims whose worker stopped reporting. The
// attempt the lost run consumed stays counted, so a crash loop still hits
// the attempt ceiling.
func (r *JobRepository) ReleaseStalledJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.pool.db.ExecContext(ctx, `
		UPDATE job_records
		SET status = ?, last_error = 'claim lease expired', run_after = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?
	`,
		string(persistence.JobStatusFailedRetryable),
		now,
		now,
		string(persistence.JobStatusRunning),
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, mapError(err)
	}
	released, err := result.RowsAffected()
	if err != nil {
		return 0, mapError(err)
	}
	return released, nil
}

func scanJob(row rowScanner) (persistence.JobRecord, error) {
	var job persistence.JobRecord
	var result []byte
	var status, runAfter, createdAt, updatedAt string
	if err := row.Scan(
		&job.ID,
		&job.IdempotencyKey,
		&job.Kind,
		&job.Payload,
		&result,
		&job.LastError,
		&job.AttemptCount,
		&status,
		&runAfter,
		&createdAt,
		&updatedAt,
	); err != nil {
		return persistence.JobRecord{}, mapError(err)
	}
	job.Result = result
	job.Status = persistence.JobStatus(status)
	job.RunAfter, _ = time.Parse(time.RFC3339, runAfter)
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return job, nil
}
