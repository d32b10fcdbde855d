package application

import (
	"time"

	"github.com/example/calendar-assistant/internal/availability"
	"github.com/example/calendar-assistant/internal/connector"
	"github.com/example/calendar-assistant/internal/persistence"
	"github.com/example/calendar-assistant/internal/session"
)

// IncomingMessage is one user message handed to the assistant. Either
// Text or Audio is set; voice messages are transcribed first.
type IncomingMessage struct {
	UserID         string
	ConversationID string
	Text           string
	Audio          []byte
	AudioFilename  string
	ForwardedFrom  string
	Timezone       string
}

// ReplyKind tells the caller what the reply asks of the user.
type ReplyKind string

const (
	// ReplyConfirmEvent presents an event draft for confirmation.
	ReplyConfirmEvent ReplyKind = "confirm_event"
	// ReplyConfirmNote presents a note draft for confirmation.
	ReplyConfirmNote ReplyKind = "confirm_note"
	// ReplyClarify asks the user for missing details.
	ReplyClarify ReplyKind = "clarify"
	// ReplyQueued means the work was deferred, typically a voice
	// message past the transcription budget.
	ReplyQueued ReplyKind = "queued"
)

// MessageReply is the assistant's answer to one incoming message.
type MessageReply struct {
	Kind    ReplyKind
	Prompt  string
	Session *session.Session
	// Conflicts lists existing busy intervals overlapping the draft.
	Conflicts []connector.BusyInterval
	// Slots suggests alternative free times when conflicts exist.
	Slots []availability.Slot
	// Warnings names calendars that could not be queried; the conflict
	// view may be optimistic.
	Warnings []string
}

// ConfirmationOutcome reports what happened to a confirmed draft.
type ConfirmationOutcome struct {
	Session session.Session
	Job     persistence.JobRecord
	// Replayed is true when an identical confirmation had already been
	// accepted and the stored job is returned instead of a new one.
	Replayed bool
}

// EditInput carries replacement draft fields from the user.
type EditInput struct {
	Title        *string
	Start        *time.Time
	End          *time.Time
	Location     *string
	Participants *[]string
}

// ConnectInput carries the material needed to connect a provider.
type ConnectInput struct {
	UserID      string
	Provider    string
	Credentials connector.Credentials
}

// CalendarInfo is one calendar of a connected provider.
type CalendarInfo struct {
	ID         string
	ExternalID string
	Name       string
	IsPrimary  bool
	IsEnabled  bool
}

// IntegrationStatus summarises one provider connection.
type IntegrationStatus struct {
	Provider  string
	Connected bool
	ExpiresAt *time.Time
	Calendars []CalendarInfo
}

// AvailabilityRequest asks for free slots inside a window.
type AvailabilityRequest struct {
	UserID      string
	WindowStart time.Time
	WindowEnd   time.Time
	Duration    time.Duration
}

// AvailabilityResponse carries the merged busy view and suggestions.
type AvailabilityResponse struct {
	Busy     []connector.BusyInterval
	Slots    []availability.Slot
	Warnings []string
}
