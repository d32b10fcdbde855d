package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/example/calendar-assistant/internal/persistence"
)

// CalendarHandleRepository implements persistence.CalendarHandleRepository.
type CalendarHandleRepository struct {
	pool *ConnectionPool
}

// NewCalendarHandleRepository creates the repository.
func NewCalendarHandleRepository(pool *ConnectionPool) *CalendarHandleRepository {
	return &CalendarHandleRepository{pool: pool}
}

// UpsertHandle inserts or refreshes a discovered calendar, keyed by the
// provider-side identity. Enabled and primary flags survive refreshes.
func (r *CalendarHandleRepository) UpsertHandle(ctx context.Context, handle persistence.CalendarHandle) error {
	if handle.ID == "" || handle.UserID == "" || handle.Provider == "" || handle.ExternalID == "" {
		return persistence.ErrConstraintViolation
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.pool.db.ExecContext(ctx, `
		INSERT INTO calendar_handles (id, user_id, provider, external_id, name, is_primary, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider, external_id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at
	`,
		handle.ID,
		handle.UserID,
		handle.Provider,
		handle.ExternalID,
		handle.Name,
		boolToInt(handle.IsPrimary),
		boolToInt(handle.IsEnabled),
		now,
		now,
	)
	return mapError(err)
}

// ListHandles returns every calendar of the user, enabled or not.
func (r *CalendarHandleRepository) ListHandles(ctx context.Context, userID string) ([]persistence.CalendarHandle, error) {
	rows, err := r.pool.db.QueryContext(ctx, `
		SELECT id, user_id, provider, external_id, name, is_primary, is_enabled, created_at, updated_at
		FROM calendar_handles
		WHERE user_id = ?
		ORDER BY provider ASC, is_primary DESC, name ASC
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var handles []persistence.CalendarHandle
	for rows.Next() {
		handle, err := scanHandle(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	return handles, mapError(rows.Err())
}

// ListEnabledHandles returns the user's enabled calendars, primary first.
func (r *CalendarHandleRepository) ListEnabledHandles(ctx context.Context, userID string) ([]persistence.CalendarHandle, error) {
	rows, err := r.pool.db.QueryContext(ctx, `
		SELECT id, user_id, provider, external_id, name, is_primary, is_enabled, created_at, updated_at
		FROM calendar_handles
		WHERE user_id = ? AND is_enabled = 1
		ORDER BY is_primary DESC, name ASC
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var handles []persistence.CalendarHandle
	for rows.Next() {
		handle, err := scanHandle(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	return handles, mapError(rows.Err())
}

// GetHandle retrieves one handle by id.
func (r *CalendarHandleRepository) GetHandle(ctx context.Context, id string) (persistence.CalendarHandle, error) {
	row := r.pool.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, external_id, name, is_primary, is_enabled, created_at, updated_at
		FROM calendar_handles WHERE id = ?
	`, id)
	handle, err := scanHandle(row)
	if err != nil {
		return persistence.CalendarHandle{}, err
	}
	return handle, nil
}

// SetPrimary flips the primary flag to the named handle inside one
// transaction, preserving the at-most-one-primary invariant.
func (r *CalendarHandleRepository) SetPrimary(ctx context.Context, userID, handleID string) error {
	return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.Exec(
			`UPDATE calendar_handles SET is_primary = 1, updated_at = ? WHERE id = ? AND user_id = ?`,
			time.Now().UTC().Format(time.RFC3339), handleID, userID,
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
		_, err = tx.Exec(
			`UPDATE calendar_handles SET is_primary = 0 WHERE user_id = ? AND id != ?`,
			userID, handleID,
		)
		return mapError(err)
	})
}

// SetEnabled toggles a handle's participation in availability aggregation.
func (r *CalendarHandleRepository) SetEnabled(ctx context.Context, handleID string, enabled bool) error {
	result, err := r.pool.db.ExecContext(ctx,
		`UPDATE calendar_handles SET is_enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC().Format(time.RFC3339), handleID,
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
	return nil
}

// DeleteHandlesForProvider removes every handle of one integration, used on
// disconnect.
func (r *CalendarHandleRepository) DeleteHandlesForProvider(ctx context.Context, userID, provider string) error {
	_, err := r.pool.db.ExecContext(ctx,
		`DELETE FROM calendar_handles WHERE user_id = ? AND provider = ?`,
		userID, provider,
	)
	return mapError(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHandle(row rowScanner) (persistence.CalendarHandle, error) {
	var handle persistence.CalendarHandle
	var isPrimary, isEnabled int
	var createdAt, updatedAt string
	if err := row.Scan(
		&handle.ID,
		&handle.UserID,
		&handle.Provider,
		&handle.ExternalID,
		&handle.Name,
		&isPrimary,
		&isEnabled,
		&createdAt,
		&updatedAt,
	); err != nil {
		return persistence.CalendarHandle{}, mapError(err)
	}
	handle.IsPrimary = isPrimary == 1
	handle.IsEnabled = isEnabled == 1
	handle.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	handle.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return handle, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
