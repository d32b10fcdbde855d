package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/example/calendar-assistant/internal/persistence"
)

// KVStore implements the TTL key-value contract on the kv_entries table.
// Expiry is lazy: expired rows read as absent and are purged on access.
// Revisions increment on every write so session transitions can
// compare-and-swap against the copy they loaded.
type KVStore struct {
	pool *ConnectionPool
	now  func() time.Time
}

// NewKVStore creates the store. A nil clock uses time.Now.
func NewKVStore(pool *ConnectionPool, now func() time.Time) *KVStore {
	if now == nil {
		now = time.Now
	}
	return &KVStore{pool: pool, now: now}
}

// Get returns the live entry for a key. Expired or missing keys return
// persistence.ErrNotFound.
func (s *KVStore) Get(ctx context.Context, key string) (persistence.KVEntry, error) {
	row := s.pool.db.QueryRowContext(ctx,
		`SELECT key, value, revision, expires_at FROM kv_entries WHERE key = ?`, key)
	entry, err := s.scanEntry(row)
	if err != nil {
		return persistence.KVEntry{}, err
	}
	if !entry.ExpiresAt.After(s.now()) {
		_, _ = s.pool.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
		return persistence.KVEntry{}, persistence.ErrNotFound
	}
	return entry, nil
}

// Set writes the value with the TTL, superseding any existing entry and
// bumping its revision.
func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (persistence.KVEntry, error) {
	if ttl <= 0 {
		return persistence.KVEntry{}, fmt.Errorf("kv: ttl must be positive")
	}
	expiresAt := s.now().Add(ttl)
	var entry persistence.KVEntry
	err := s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO kv_entries (key, value, revision, expires_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (key) DO UPDATE SET
				value = excluded.value,
				revision = kv_entries.revision + 1,
				expires_at = excluded.expires_at
		`, key, value, expiresAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return mapError(err)
		}
		row := tx.QueryRow(`SELECT key, value, revision, expires_at FROM kv_entries WHERE key = ?`, key)
		loaded, err := s.scanEntry(row)
		if err != nil {
			return err
		}
		entry = loaded
		return nil
	})
	if err != nil {
		return persistence.KVEntry{}, err
	}
	return entry, nil
}

// CompareAndSwap writes only when the stored revision matches the one the
// caller loaded; a lost race returns persistence.ErrStaleRecord. The entry's
// expiry is preserved.
func (s *KVStore) CompareAndSwap(ctx context.Context, key string, value []byte, revision int64) (persistence.KVEntry, error) {
	var entry persistence.KVEntry
	err := s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT expires_at FROM kv_entries WHERE key = ?`, key)
		var expiresAtRaw string
		if err := row.Scan(&expiresAtRaw); err != nil {
			return mapError(err)
		}
		expiresAt, err := time.Parse(time.RFC3339Nano, expiresAtRaw)
		if err != nil {
			return fmt.Errorf("kv: bad expiry on %q: %w", key, err)
		}
		if !expiresAt.After(s.now()) {
			_, _ = tx.Exec(`DELETE FROM kv_entries WHERE key = ?`, key)
			return persistence.ErrNotFound
		}

		result, err := tx.Exec(`
			UPDATE kv_entries SET value = ?, revision = revision + 1
			WHERE key = ? AND revision = ?
		`, value, key, revision)
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

		loadedRow := tx.QueryRow(`SELECT key, value, revision, expires_at FROM kv_entries WHERE key = ?`, key)
		loaded, err := s.scanEntry(loadedRow)
		if err != nil {
			return err
		}
		entry = loaded
		return nil
	})
	if err != nil {
		return persistence.KVEntry{}, err
	}
	return entry, nil
}

// Delete removes the key. Deleting an absent key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
	return mapError(err)
}

// Increment atomically bumps an integer counter, creating it with the TTL on
// first use, and returns the new count. The TTL is only set at creation so
// the window keeps its original end.
func (s *KVStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("kv: ttl must be positive")
	}
	var count int64
	err := s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT value, expires_at FROM kv_entries WHERE key = ?`, key)
		var raw []byte
		var expiresAtRaw string
		err := row.Scan(&raw, &expiresAtRaw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			count = 1
			_, err = tx.Exec(
				`INSERT INTO kv_entries (key, value, revision, expires_at) VALUES (?, ?, 1, ?)`,
				key, []byte("1"), s.now().Add(ttl).UTC().Format(time.RFC3339Nano),
			)
			return mapError(err)
		case err != nil:
			return mapError(err)
		}

		expiresAt, parseErr := time.Parse(time.RFC3339Nano, expiresAtRaw)
		if parseErr != nil || !expiresAt.After(s.now()) {
			// Window rolled over: restart the counter with a fresh TTL.
			count = 1
			_, err = tx.Exec(`
				UPDATE kv_entries SET value = ?, revision = revision + 1, expires_at = ?
				WHERE key = ?
			`, []byte("1"), s.now().Add(ttl).UTC().Format(time.RFC3339Nano), key)
			return mapError(err)
		}

		current, parseErr := strconv.ParseInt(string(raw), 10, 64)
		if parseErr != nil {
			return fmt.Errorf("kv: non-integer counter at %q", key)
		}
		count = current + 1
		_, err = tx.Exec(`
			UPDATE kv_entries SET value = ?, revision = revision + 1 WHERE key = ?
		`, []byte(strconv.FormatInt(count, 10)), key)
		return mapError(err)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *KVStore) scanEntry(row rowScanner) (persistence.KVEntry, error) {
	var entry persistence.KVEntry
	var expiresAtRaw string
	if err := row.Scan(&entry.Key, &entry.Value, &entry.Revision, &expiresAtRaw); err != nil {
		return persistence.KVEntry{}, mapError(err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, expiresAtRaw)
	if err != nil {
		return persistence.KVEntry{}, fmt.Errorf("kv: bad expiry on %q: %w", entry.Key, err)
	}
	entry.ExpiresAt = expiresAt
	return entry, nil
}
