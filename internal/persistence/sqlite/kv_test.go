package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/calendar-assistant/internal/persistence"
)

func openTestPool(t *testing.T) *ConnectionPool {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	pool, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("close pool: %v", err)
		}
	})
	return pool
}

// manualClock lets tests move time forward past TTLs.
type manualClock struct {
	current time.Time
}

func newManualClock() *manualClock {
	return &manualClock{current: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time          { return c.current }
func (c *manualClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func TestKVStore_SetGetDelete(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := NewKVStore(openTestPool(t), clock.Now)
	ctx := context.Background()

	entry, err := store.Set(ctx, "pending:conv-1", []byte(`{"state":"awaiting"}`), 30*time.Minute)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if entry.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", entry.Revision)
	}

	got, err := store.Get(ctx, "pending:conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != `{"state":"awaiting"}` {
		t.Fatalf("value mismatch: %s", got.Value)
	}

	if err := store.Delete(ctx, "pending:conv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "pending:conv-1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestKVStore_ExpiredKeyReadsAsAbsent(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := NewKVStore(openTestPool(t), clock.Now)
	ctx := context.Background()

	if _, err := store.Set(ctx, "pending:conv-1", []byte("x"), 30*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	clock.Advance(31 * time.Minute)

	if _, err := store.Get(ctx, "pending:conv-1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired key, got %v", err)
	}
}

func TestKVStore_SetSupersedesAndBumpsRevision(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := NewKVStore(openTestPool(t), clock.Now)
	ctx := context.Background()

	first, _ := store.Set(ctx, "k", []byte("a"), time.Minute)
	second, err := store.Set(ctx, "k", []byte("b"), time.Minute)
	if err != nil {
		t.Fatalf("second Set: %v", err)
	}
	if second.Revision <= first.Revision {
		t.Fatalf("revision did not advance: %d -> %d", first.Revision, second.Revision)
	}
}

func TestKVStore_CompareAndSwap(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := NewKVStore(openTestPool(t), clock.Now)
	ctx := context.Background()

	entry, _ := store.Set(ctx, "k", []byte("v1"), time.Minute)

	updated, err := store.CompareAndSwap(ctx, "k", []byte("v2"), entry.Revision)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if string(updated.Value) != "v2" {
		t.Fatalf("value not swapped: %s", updated.Value)
	}

	// The stale revision must lose.
	if _, err := store.CompareAndSwap(ctx, "k", []byte("v3"), entry.Revision); !errors.Is(err, persistence.ErrStaleRecord) {
		t.Fatalf("expected ErrStaleRecord, got %v", err)
	}
}

func TestKVStore_CompareAndSwapOnExpiredKey(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := NewKVStore(openTestPool(t), clock.Now)
	ctx := context.Background()

	entry, _ := store.Set(ctx, "k", []byte("v1"), time.Minute)
	clock.Advance(2 * time.Minute)

	if _, err := store.CompareAndSwap(ctx, "k", []byte("v2"), entry.Revision); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on expired key, got %v", err)
	}
}

func TestKVStore_IncrementCountsAndRollsOver(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := NewKVStore(openTestPool(t), clock.Now)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Increment(ctx, "ratelimit:u1:ai_parse:w1", time.Hour)
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if got != want {
			t.Fatalf("expected count %d, got %d", want, got)
		}
	}

	// After the window expires the counter restarts.
	clock.Advance(2 * time.Hour)
	got, err := store.Increment(ctx, "ratelimit:u1:ai_parse:w1", time.Hour)
	if err != nil {
		t.Fatalf("Increment after rollover: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected counter restart at 1, got %d", got)
	}
}
