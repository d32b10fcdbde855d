package sqlite

import (
	"context"
	"time"

	"github.com/example/calendar-assistant/internal/persistence"
)

// ConfirmedEventRepository implements the append-only event log.
type ConfirmedEventRepository struct {
	pool *ConnectionPool
}

// NewConfirmedEventRepository creates the repository.
func NewConfirmedEventRepository(pool *ConnectionPool) *ConfirmedEventRepository {
	return &ConfirmedEventRepository{pool: pool}
}

// AppendEvent writes one immutable log entry. There is no update path.
func (r *ConfirmedEventRepository) AppendEvent(ctx context.Context, event persistence.ConfirmedEvent) error {
	if event.ID == "" || event.UserID == "" {
		return persistence.ErrConstraintViolation
	}
	_, err := r.pool.db.ExecContext(ctx, `
		INSERT INTO confirmed_events (id, user_id, calendar_handle_id, external_event_id, title, start_time, end_time, status, source_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.UserID,
		event.CalendarHandleID,
		event.ExternalEventID,
		event.Title,
		event.Start.UTC().Format(time.RFC3339),
		event.End.UTC().Format(time.RFC3339),
		string(event.Status),
		event.SourceText,
		time.Now().UTC().Format(time.RFC3339),
	)
	return mapError(err)
}

// ListEventsForUser returns the most recent log entries for a user.
func (r *ConfirmedEventRepository) ListEventsForUser(ctx context.Context, userID string, limit int) ([]persistence.ConfirmedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.db.QueryContext(ctx, `
		SELECT id, user_id, calendar_handle_id, external_event_id, title, start_time, end_time, status, source_text, created_at
		FROM confirmed_events
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var events []persistence.ConfirmedEvent
	for rows.Next() {
		var event persistence.ConfirmedEvent
		var status, start, end, createdAt string
		if err := rows.Scan(
			&event.ID,
			&event.UserID,
			&event.CalendarHandleID,
			&event.ExternalEventID,
			&event.Title,
			&start,
			&end,
			&status,
			&event.SourceText,
			&createdAt,
		); err != nil {
			return nil, mapError(err)
		}
		event.Status = persistence.ConfirmedEventStatus(status)
		event.Start, _ = time.Parse(time.RFC3339, start)
		event.End, _ = time.Parse(time.RFC3339, end)
		event.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, event)
	}
	return events, mapError(rows.Err())
}
