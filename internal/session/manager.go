package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/calendar-assistant/internal/availability"
	"github.com/example/calendar-assistant/internal/parse"
	"github.com/example/calendar-assistant/internal/persistence"
)

var (
	// ErrNotFound means the conversation has no session on record.
	ErrNotFound = errors.New("session not found")
	// ErrExpired means the pending draft outlived its TTL before a
	// decision arrived.
	ErrExpired = errors.New("session expired")
	// ErrTerminal rejects transitions on confirmed, cancelled or
	// expired sessions.
	ErrTerminal = errors.New("session already finalised")
	// ErrNoSuchSlot rejects a slot index outside the suggested list.
	ErrNoSuchSlot = errors.New("no such suggested slot")
)

// expiredRetention keeps expired sessions readable for a while so the
// user gets "this expired" rather than "never heard of it".
const expiredRetention = time.Hour

// casRetries bounds transition retries under concurrent updates.
const casRetries = 3

// Manager runs the pending-session state machine over the TTL store.
type Manager struct {
	store       persistence.KVStore
	ttl         time.Duration
	now         func() time.Time
	idGenerator func() string
}

// NewManager builds a Manager. A zero ttl uses DefaultTTL.
func NewManager(store persistence.KVStore, ttl time.Duration, now func() time.Time, idGenerator func() string) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, ttl: ttl, now: now, idGenerator: idGenerator}
}

func sessionKey(conversationID string) string {
	return "pending:" + conversationID
}

// Begin opens a new pending session for the conversation, superseding
// any session already there. A fresh message always wins over a stale
// draft.
func (m *Manager) Begin(ctx context.Context, conversationID, userID string, draft parse.Result, slots []availability.Slot) (Session, error) {
	now := m.now()
	session := Session{
		ID:             m.idGenerator(),
		ConversationID: conversationID,
		UserID:         userID,
		State:          StateAwaitingConfirmation,
		Draft:          draft,
		Slots:          slots,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	entry, err := m.store.Set(ctx, sessionKey(conversationID), mustEncode(session), m.ttl+expiredRetention)
	if err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	session.revision = entry.Revision
	return session, nil
}

// Get returns the conversation's session. Pending sessions past their
// deadline come back as ErrExpired with the expired snapshot.
func (m *Manager) Get(ctx context.Context, conversationID string) (Session, error) {
	return m.load(ctx, conversationID)
}

// Confirm moves the session to confirmed. Confirming an already
// confirmed session is a no-op returning the same session, so retried
// deliveries of the same "yes" stay harmless.
func (m *Manager) Confirm(ctx context.Context, conversationID string) (Session, error) {
	return m.transition(ctx, conversationID, func(s *Session) error {
		s.State = StateConfirmed
		return nil
	}, StateConfirmed)
}

// BeginEdit moves the session into editing so the next message is
// interpreted as replacement details.
func (m *Manager) BeginEdit(ctx context.Context, conversationID string) (Session, error) {
	return m.transition(ctx, conversationID, func(s *Session) error {
		s.State = StateEditing
		return nil
	}, "")
}

// ApplyEdit rewrites draft fields and returns the session to awaiting
// confirmation.
func (m *Manager) ApplyEdit(ctx context.Context, conversationID string, edits FieldEdits) (Session, error) {
	return m.transition(ctx, conversationID, func(s *Session) error {
		edits.apply(&s.Draft)
		s.State = StateAwaitingConfirmation
		return nil
	}, "")
}

// Reselect replaces the draft's time with one of the suggested slots.
func (m *Manager) Reselect(ctx context.Context, conversationID string, slotIndex int) (Session, error) {
	return m.transition(ctx, conversationID, func(s *Session) error {
		if slotIndex < 0 || slotIndex >= len(s.Slots) {
			return ErrNoSuchSlot
		}
		slot := s.Slots[slotIndex]
		if s.Draft.Event == nil {
			return ErrNoSuchSlot
		}
		s.Draft.Event.Start = slot.Start
		s.Draft.Event.End = slot.End
		s.State = StateAwaitingConfirmation
		return nil
	}, "")
}

// Cancel moves the session to cancelled. Idempotent like Confirm.
func (m *Manager) Cancel(ctx context.Context, conversationID string) (Session, error) {
	return m.transition(ctx, conversationID, func(s *Session) error {
		s.State = StateCancelled
		return nil
	}, StateCancelled)
}

// transition loads, mutates and compare-and-swaps the session. When a
// concurrent writer wins the swap, the session is reloaded and the
// mutation retried, unless the reloaded state already matches
// idempotentTarget, in which case the other writer's result stands.
func (m *Manager) transition(ctx context.Context, conversationID string, mutate func(*Session) error, idempotentTarget State) (Session, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		session, err := m.load(ctx, conversationID)
		if err != nil {
			return session, err
		}
		if idempotentTarget != "" && session.State == idempotentTarget {
			return session, nil
		}
		if session.State.Terminal() {
			return session, fmt.Errorf("%w: %s", ErrTerminal, session.State)
		}
		if err := mutate(&session); err != nil {
			return session, err
		}
		session.UpdatedAt = m.now()

		entry, err := m.store.CompareAndSwap(ctx, sessionKey(conversationID), mustEncode(session), session.revision)
		if err == nil {
			session.revision = entry.Revision
			return session, nil
		}
		if !errors.Is(err, persistence.ErrStaleRecord) {
			return Session{}, fmt.Errorf("store session: %w", err)
		}
	}
	return Session{}, fmt.Errorf("update session: %w", persistence.ErrStaleRecord)
}

func (m *Manager) load(ctx context.Context, conversationID string) (Session, error) {
	entry, err := m.store.Get(ctx, sessionKey(conversationID))
	if errors.Is(err, persistence.ErrNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(entry.Value, &session); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	session.revision = entry.Revision

	if !session.State.Terminal() && m.now().After(session.ExpiresAt) {
		session.State = StateExpired
		return session, ErrExpired
	}
	return session, nil
}

func mustEncode(session Session) []byte {
	data, err := json.Marshal(session)
	if err != nil {
		// Session contains only marshalable fields.
		panic(fmt.Sprintf("session: encode: %v", err))
	}
	return data
}
