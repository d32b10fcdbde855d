// Package session tracks the pending draft per conversation: the
// parsed event or note waiting for the user to confirm, edit, pick an
// alternative slot, or cancel. State lives in the shared TTL store so
// it survives restarts, and every transition is a compare-and-swap so
// concurrent updates from the same conversation cannot interleave.
package session

import (
	"time"

	"github.com/example/calendar-assistant/internal/availability"
	"github.com/example/calendar-assistant/internal/parse"
)

// State names one stage of the confirmation flow.
type State string

const (
	// StateAwaitingConfirmation waits for a yes/no/edit from the user.
	StateAwaitingConfirmation State = "awaiting_confirmation"
	// StateEditing waits for the user to send replacement details.
	StateEditing   State = "editing"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateCancelled || s == StateExpired
}

// DefaultTTL is how long a pending draft waits for a decision before
// it expires.
const DefaultTTL = 30 * time.Minute

// Session is one conversation's pending draft and its lifecycle state.
type Session struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	UserID         string              `json:"user_id"`
	State          State               `json:"state"`
	Draft          parse.Result        `json:"draft"`
	Slots          []availability.Slot `json:"slots,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ExpiresAt      time.Time           `json:"expires_at"`

	// revision is the store revision the session was loaded at; it
	// backs the compare-and-swap on the next transition.
	revision int64
}

// FieldEdits carries replacement values for an event draft. Nil fields
// are left untouched.
type FieldEdits struct {
	Title        *string
	Start        *time.Time
	End          *time.Time
	Location     *string
	Participants *[]string
}

// apply rewrites the draft in place. End moves with Start when only
// the start was edited, keeping the original span.
func (e FieldEdits) apply(draft *parse.Result) {
	if draft.Event == nil {
		return
	}
	event := draft.Event
	if e.Start != nil {
		span := event.End.Sub(event.Start)
		event.Start = *e.Start
		if e.End == nil && span > 0 {
			event.End = event.Start.Add(span)
		}
	}
	if e.End != nil {
		event.End = *e.End
	}
	if e.Title != nil {
		event.Title = *e.Title
	}
	if e.Location != nil {
		event.Location = *e.Location
	}
	if e.Participants != nil {
		event.Participants = *e.Participants
	}
	if event.End.After(event.Start) {
		event.DurationMinutes = int(event.End.Sub(event.Start).Minutes())
	}
}
