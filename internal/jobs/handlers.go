package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
	"github.com/example/calendar-assistant/internal/logging"
	"github.com/example/calendar-assistant/internal/parse"
	"github.com/example/calendar-assistant/internal/persistence"
	"github.com/example/calendar-assistant/internal/session"
	"github.com/example/calendar-assistant/internal/vault"
)

// CreateEventPayload is the create_event job input.
type CreateEventPayload struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	SessionID      string    `json:"session_id"`
	Title          string    `json:"title"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Location       string    `json:"location"`
	Participants   []string  `json:"participants,omitempty"`
	SourceText     string    `json:"source_text,omitempty"`
	WantsMeetLink  bool      `json:"wants_meet_link,omitempty"`
}

// CreateEventResult is the stored create_event outcome.
type CreateEventResult struct {
	EventID    string `json:"event_id"`
	CalendarID string `json:"calendar_id"`
	Provider   string `json:"provider"`
	MeetingURL string `json:"meeting_url,omitempty"`
}

// CreateNotePayload is the create_note job input.
type CreateNotePayload struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	DatabaseID     string `json:"database_id,omitempty"`
}

// CreateNoteResult is the stored create_note outcome.
type CreateNoteResult struct {
	NoteID string `json:"note_id"`
	URL    string `json:"url,omitempty"`
}

// RefreshTokenPayload is the refresh_token job input. ExpiresAt is
// the expiry generation being renewed; it keeps the idempotency key
// distinct across successive refreshes of the same credential.
type RefreshTokenPayload struct {
	UserID    string     `json:"user_id"`
	Provider  string     `json:"provider"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// TranscribePayload is the transcribe job input. Audio travels base64
// encoded inside the JSON payload.
type TranscribePayload struct {
	UserID   string `json:"user_id"`
	Audio    []byte `json:"audio"`
	Filename string `json:"filename"`
}

// TranscribeResult is the stored transcribe outcome.
type TranscribeResult struct {
	Text string `json:"text"`
}

// Handlers bundles the dependencies the job kinds need and registers
// them on an executor.
type Handlers struct {
	sessions    *session.Manager
	handles     persistence.CalendarHandleRepository
	credentials persistence.CredentialRepository
	events      persistence.ConfirmedEventRepository
	vault       *vault.Vault
	registry    *connector.Registry
	transcriber parse.Transcriber
	now         func() time.Time
	idGenerator func() string
}

// NewHandlers builds the handler set.
func NewHandlers(
	sessions *session.Manager,
	handles persistence.CalendarHandleRepository,
	credentials persistence.CredentialRepository,
	events persistence.ConfirmedEventRepository,
	v *vault.Vault,
	registry *connector.Registry,
	transcriber parse.Transcriber,
	now func() time.Time,
	idGenerator func() string,
) *Handlers {
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		sessions:    sessions,
		handles:     handles,
		credentials: credentials,
		events:      events,
		vault:       v,
		registry:    registry,
		transcriber: transcriber,
		now:         now,
		idGenerator: idGenerator,
	}
}

// RegisterAll binds every known kind on the executor. The transcribe
// kind is skipped when no transcriber is configured.
func (h *Handlers) RegisterAll(e *Executor) {
	e.Register(KindCreateEvent, h.CreateEvent)
	e.Register(KindCreateNote, h.CreateNote)
	e.Register(KindRefreshToken, h.RefreshToken)
	if h.transcriber != nil {
		e.Register(KindTranscribe, h.Transcribe)
	}
}

// CreateEvent writes a confirmed draft to the user's primary calendar.
// The session is re-checked first so a cancellation that raced the
// confirmation wins.
func (h *Handlers) CreateEvent(ctx context.Context, job persistence.JobRecord) ([]byte, error) {
	var payload CreateEventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrTerminal, err)
	}

	if payload.ConversationID != "" {
		sess, err := h.sessions.Get(ctx, payload.ConversationID)
		if err == nil && sess.State == session.StateCancelled {
			return nil, fmt.Errorf("%w: session was cancelled", ErrTerminal)
		}
	}

	handle, err := h.primaryHandle(ctx, payload.UserID)
	if err != nil {
		return nil, err
	}
	kind := connector.ProviderKind(handle.Provider)
	writer, err := h.registry.Writer(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTerminal, err)
	}

	creds, err := h.openCredentials(ctx, payload.UserID, writer)
	if err != nil {
		return nil, err
	}

	event, err := writer.CreateEvent(h.withRefreshSink(ctx, payload.UserID), creds, handle.ExternalID, connector.EventInput{
		Title:         payload.Title,
		Start:         payload.Start,
		End:           payload.End,
		Location:      payload.Location,
		Participants:  payload.Participants,
		IdempotencyID: job.IdempotencyKey,
		WantsMeetLink: payload.WantsMeetLink,
	})
	if err != nil {
		return nil, fmt.Errorf("create event on %s: %w", kind, err)
	}

	record := persistence.ConfirmedEvent{
		ID:               h.idGenerator(),
		UserID:           payload.UserID,
		CalendarHandleID: handle.ID,
		ExternalEventID:  event.ID,
		Title:            payload.Title,
		Start:            payload.Start,
		End:              payload.End,
		Status:           persistence.EventStatusCreated,
		SourceText:       payload.SourceText,
		CreatedAt:        h.now(),
	}
	if err := h.events.AppendEvent(ctx, record); err != nil {
		// The provider write landed; losing the local record is bad
		// but retrying the whole job would duplicate the event.
		logging.FromContext(ctx).Error("record confirmed event", logging.Error(err))
	}

	return json.Marshal(CreateEventResult{
		EventID:    event.ID,
		CalendarID: handle.ExternalID,
		Provider:   handle.Provider,
		MeetingURL: event.MeetingURL,
	})
}

// CreateNote writes a confirmed note draft to the notes provider.
func (h *Handlers) CreateNote(ctx context.Context, job persistence.JobRecord) ([]byte, error) {
	var payload CreateNotePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrTerminal, err)
	}

	notes, err := h.registry.Notes(connector.ProviderNotion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTerminal, err)
	}

	creds, err := h.openCredentials(ctx, payload.UserID, notes)
	if err != nil {
		return nil, err
	}

	databaseID := payload.DatabaseID
	if databaseID == "" {
		databases, err := notes.ListDatabases(ctx, creds)
		if err != nil {
			return nil, fmt.Errorf("list note databases: %w", err)
		}
		if len(databases) == 0 {
			return nil, fmt.Errorf("%w: no notes database available", ErrTerminal)
		}
		databaseID = databases[0].ID
	}

	note, err := notes.CreateNote(ctx, creds, databaseID, connector.NoteInput{
		Title:   payload.Title,
		Content: payload.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	return json.Marshal(CreateNoteResult{NoteID: note.ID, URL: note.URL})
}

// RefreshToken reseals a provider credential with fresh tokens.
func (h *Handlers) RefreshToken(ctx context.Context, job persistence.JobRecord) ([]byte, error) {
	var payload RefreshTokenPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrTerminal, err)
	}

	conn, err := h.registry.Get(connector.ProviderKind(payload.Provider))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTerminal, err)
	}
	cred, err := h.credentials.GetCredential(ctx, payload.UserID, payload.Provider)
	if errors.Is(err, persistence.ErrNotFound) {
		// The integration was disconnected while the job waited.
		return nil, fmt.Errorf("%w: credential gone", ErrTerminal)
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	sealed, refreshed, err := h.vault.Refresh(ctx, payload.UserID, cred.Blob, conn)
	if err != nil {
		if errors.Is(err, vault.ErrSealBroken) {
			return nil, fmt.Errorf("%w: %v", ErrTerminal, err)
		}
		return nil, fmt.Errorf("refresh %s token: %w", payload.Provider, err)
	}
	if !refreshed {
		return json.Marshal(map[string]bool{"refreshed": false})
	}

	cred.Blob = sealed
	cred.UpdatedAt = h.now()
	if expiry, ok := h.credentialExpiry(payload.UserID, sealed); ok {
		cred.ExpiresAt = &expiry
	}
	if err := h.credentials.UpsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("store refreshed credential: %w", err)
	}
	logging.FromContext(ctx).Info("credential refreshed",
		slog.String("user_id", payload.UserID),
		slog.String("provider", payload.Provider),
	)
	return json.Marshal(map[string]bool{"refreshed": true})
}

// Transcribe converts queued voice audio to text. Used when the live
// transcription budget was exhausted and the work was deferred.
func (h *Handlers) Transcribe(ctx context.Context, job persistence.JobRecord) ([]byte, error) {
	var payload TranscribePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrTerminal, err)
	}
	text, err := h.transcriber.Transcribe(ctx, payload.Audio, payload.Filename)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	return json.Marshal(TranscribeResult{Text: text})
}

// primaryHandle picks the user's primary enabled calendar, falling
// back to the first enabled one.
func (h *Handlers) primaryHandle(ctx context.Context, userID string) (persistence.CalendarHandle, error) {
	handles, err := h.handles.ListEnabledHandles(ctx, userID)
	if err != nil {
		return persistence.CalendarHandle{}, fmt.Errorf("list calendars: %w", err)
	}
	if len(handles) == 0 {
		return persistence.CalendarHandle{}, fmt.Errorf("%w: no enabled calendar", ErrTerminal)
	}
	for _, handle := range handles {
		if handle.IsPrimary {
			return handle, nil
		}
	}
	return handles[0], nil
}

// openCredentials loads and unseals the user's credential for the
// connector's provider, refreshing stale tokens on the way.
func (h *Handlers) openCredentials(ctx context.Context, userID string, conn connector.Connector) (connector.Credentials, error) {
	provider := string(conn.Provider())
	cred, err := h.credentials.GetCredential(ctx, userID, provider)
	if errors.Is(err, persistence.ErrNotFound) {
		return connector.Credentials{}, fmt.Errorf("%w: %s not connected", ErrTerminal, provider)
	}
	if err != nil {
		return connector.Credentials{}, fmt.Errorf("load credential: %w", err)
	}

	sealed, refreshed, err := h.vault.Refresh(ctx, userID, cred.Blob, conn)
	if err != nil {
		if errors.Is(err, vault.ErrSealBroken) {
			return connector.Credentials{}, fmt.Errorf("%w: %v", ErrTerminal, err)
		}
		return connector.Credentials{}, fmt.Errorf("refresh credential: %w", err)
	}
	if refreshed {
		cred.Blob = sealed
		cred.UpdatedAt = h.now()
		if expiry, ok := h.credentialExpiry(userID, sealed); ok {
			cred.ExpiresAt = &expiry
		}
		if err := h.credentials.UpsertCredential(ctx, cred); err != nil {
			return connector.Credentials{}, fmt.Errorf("store refreshed credential: %w", err)
		}
	}

	creds, err := h.vault.Open(userID, cred.Blob)
	if err != nil {
		return connector.Credentials{}, fmt.Errorf("%w: %v", ErrTerminal, err)
	}
	return creds, nil
}

// withRefreshSink stores any credentials the adapter renews reactively
// during the call, so the dead access token does not outlive this job.
func (h *Handlers) withRefreshSink(ctx context.Context, userID string) context.Context {
	return connector.WithRefreshSink(ctx, func(kind connector.ProviderKind, refreshed connector.Credentials) {
		provider := string(kind)
		logger := logging.FromContext(ctx).With(slog.String("provider", provider))
		cred, err := h.credentials.GetCredential(ctx, userID, provider)
		if err != nil {
			logger.Warn("refreshed credential not stored", logging.Error(err))
			return
		}
		sealed, err := h.vault.Seal(userID, refreshed)
		if err != nil {
			logger.Warn("seal refreshed credential", logging.Error(err))
			return
		}
		cred.Blob = sealed
		cred.UpdatedAt = h.now()
		if !refreshed.ExpiresAt.IsZero() {
			expiry := refreshed.ExpiresAt
			cred.ExpiresAt = &expiry
		}
		if err := h.credentials.UpsertCredential(ctx, cred); err != nil {
			logger.Warn("store refreshed credential", logging.Error(err))
		}
	})
}

// credentialExpiry peeks at the sealed credential's expiry for the
// refresh sweep's indexing. Failure to open is not fatal here.
func (h *Handlers) credentialExpiry(userID string, sealed []byte) (time.Time, bool) {
	creds, err := h.vault.Open(userID, sealed)
	if err != nil || creds.ExpiresAt.IsZero() {
		return time.Time{}, false
	}
	return creds.ExpiresAt, true
}
