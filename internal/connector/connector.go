// Package connector defines the uniform capability contract implemented by
// every external calendar and notes provider adapter. Adapters translate
// these calls into their provider's own protocol; callers discover what an
// adapter can do through its capability set rather than its concrete type.
package connector

import (
	"context"
	"time"
)

// ProviderKind identifies an external provider family.
type ProviderKind string

const (
	ProviderGoogle       ProviderKind = "google"
	ProviderCalDAVApple  ProviderKind = "caldav_apple"
	ProviderCalDAVYandex ProviderKind = "caldav_yandex"
	ProviderNotion       ProviderKind = "notion"
)

// Capability names one tier of provider functionality.
type Capability string

const (
	CapabilityCalendarRead  Capability = "calendar_read"
	CapabilityCalendarWrite Capability = "calendar_write"
	CapabilityNotesWrite    Capability = "notes_write"
)

// Calendar describes one calendar owned by the user on a provider.
type Calendar struct {
	ID        string
	Name      string
	IsPrimary bool
}

// BusyInterval is a half-open [Start, End) range during which a calendar
// reports the user unavailable.
type BusyInterval struct {
	Start      time.Time
	End        time.Time
	CalendarID string
}

// Overlaps reports whether two half-open intervals intersect. Back-to-back
// intervals do not overlap.
func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && b.Start.Before(end)
}

// EventInput carries the fields needed to create a provider event.
// IdempotencyID, when the provider supports a client-generated identifier,
// must make a repeated create with the same value a no-op.
type EventInput struct {
	Title         string
	Start         time.Time
	End           time.Time
	Location      string
	Description   string
	Participants  []string
	IdempotencyID string
	WantsMeetLink bool
}

// Event is a provider-side event, returned after creation or listing.
type Event struct {
	ID         string
	CalendarID string
	Title      string
	Start      time.Time
	End        time.Time
	Location   string
	MeetingURL string
}

// NoteInput carries the fields needed to create a note page.
type NoteInput struct {
	Title   string
	Content string
}

// Note is a created note with its provider-side identity.
type Note struct {
	ID        string
	Title     string
	URL       string
	CreatedAt time.Time
}

// NotesDatabase describes a destination container for notes.
type NotesDatabase struct {
	ID   string
	Name string
}

// Credentials is the decrypted secret material an adapter needs to speak to
// its provider. Values never outlive the connector call they were opened for.
type Credentials struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Username     string    `json:"username,omitempty"`
	AppPassword  string    `json:"app_password,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// refreshBuffer is how long before the recorded expiry a token is already
// treated as stale, so refreshes happen ahead of provider rejections.
const refreshBuffer = 5 * time.Minute

// NeedsRefresh reports whether the credentials expire within the refresh
// buffer. Credentials without an expiry never need refreshing.
func (c Credentials) NeedsRefresh(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt.Add(-refreshBuffer))
}

// Connector is the base contract every adapter fulfils.
type Connector interface {
	Provider() ProviderKind
	Capabilities() []Capability
	TestConnection(ctx context.Context, creds Credentials) error
	// RefreshToken exchanges the refresh material for new credentials.
	// Adapters whose providers use static secrets return the input unchanged.
	RefreshToken(ctx context.Context, creds Credentials) (Credentials, error)
}

// CalendarReader is implemented by adapters with the CalendarRead capability.
type CalendarReader interface {
	Connector
	ListCalendars(ctx context.Context, creds Credentials) ([]Calendar, error)
	ListEvents(ctx context.Context, creds Credentials, calendarID string, start, end time.Time) ([]Event, error)
	BusyIntervals(ctx context.Context, creds Credentials, calendarID string, start, end time.Time) ([]BusyInterval, error)
}

// CalendarWriter is implemented by adapters with the CalendarWrite capability.
type CalendarWriter interface {
	Connector
	CreateEvent(ctx context.Context, creds Credentials, calendarID string, input EventInput) (Event, error)
}

// NotesWriter is implemented by adapters with the NotesWrite capability.
type NotesWriter interface {
	Connector
	ListDatabases(ctx context.Context, creds Credentials) ([]NotesDatabase, error)
	CreateNote(ctx context.Context, creds Credentials, databaseID string, input NoteInput) (Note, error)
}

// HasCapability reports whether the adapter declares the given capability.
func HasCapability(c Connector, cap Capability) bool {
	for _, have := range c.Capabilities() {
		if have == cap {
			return true
		}
	}
	return false
}
