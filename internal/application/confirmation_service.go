package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/calendar-assistant/internal/jobs"
	"github.com/example/calendar-assistant/internal/parse"
	"github.com/example/calendar-assistant/internal/session"
)

// ConfirmationService drives a pending session to its outcome. A
// confirmed draft becomes a durable job; everything the user can still
// change goes through the session state machine.
type ConfirmationService struct {
	sessions *session.Manager
	queue    *jobs.Queue
	logger   *slog.Logger
}

// NewConfirmationService wires dependencies for confirmation handling.
func NewConfirmationService(sessions *session.Manager, queue *jobs.Queue, logger *slog.Logger) *ConfirmationService {
	return &ConfirmationService{
		sessions: sessions,
		queue:    queue,
		logger:   defaultLogger(logger),
	}
}

// GetSession returns the conversation's pending session.
func (s *ConfirmationService) GetSession(ctx context.Context, conversationID string) (session.Session, error) {
	sess, err := s.sessions.Get(ctx, conversationID)
	return sess, mapSessionError(err)
}

// Confirm finalises the draft and enqueues the provider write. A
// repeated confirmation of the same draft returns the already-stored
// job instead of enqueueing a second one.
func (s *ConfirmationService) Confirm(ctx context.Context, conversationID string) (ConfirmationOutcome, error) {
	logger := serviceLogger(ctx, s.logger, "confirmation", "confirm",
		slog.String("conversation_id", conversationID),
	)

	sess, err := s.sessions.Confirm(ctx, conversationID)
	if err != nil {
		return ConfirmationOutcome{}, mapSessionError(err)
	}

	kind, payload, err := jobInput(sess)
	if err != nil {
		return ConfirmationOutcome{}, err
	}

	job, enqueued, err := s.queue.Enqueue(ctx, kind, sess.UserID, payload)
	if err != nil {
		return ConfirmationOutcome{}, err
	}
	logger.Info("draft confirmed",
		slog.String("kind", kind),
		slog.String("job_id", job.ID),
		slog.Bool("replayed", !enqueued),
	)
	return ConfirmationOutcome{Session: sess, Job: job, Replayed: !enqueued}, nil
}

// Edit applies replacement fields and puts the draft back up for
// confirmation.
func (s *ConfirmationService) Edit(ctx context.Context, conversationID string, input EditInput) (session.Session, error) {
	sess, err := s.sessions.ApplyEdit(ctx, conversationID, session.FieldEdits{
		Title:        input.Title,
		Start:        input.Start,
		End:          input.End,
		Location:     input.Location,
		Participants: input.Participants,
	})
	return sess, mapSessionError(err)
}

// Reselect swaps the draft's time for one of the suggested slots.
func (s *ConfirmationService) Reselect(ctx context.Context, conversationID string, slotIndex int) (session.Session, error) {
	sess, err := s.sessions.Reselect(ctx, conversationID, slotIndex)
	if errors.Is(err, session.ErrNoSuchSlot) {
		vErr := &ValidationError{}
		vErr.add("slot", "no such suggested slot")
		return sess, vErr
	}
	return sess, mapSessionError(err)
}

// Cancel abandons the pending draft.
func (s *ConfirmationService) Cancel(ctx context.Context, conversationID string) (session.Session, error) {
	sess, err := s.sessions.Cancel(ctx, conversationID)
	return sess, mapSessionError(err)
}

// jobInput maps a confirmed session to the job kind and payload that
// will carry it to the provider.
func jobInput(sess session.Session) (string, []byte, error) {
	draft := sess.Draft
	switch draft.Type {
	case parse.ContentEvent:
		if draft.Event == nil || !draft.Event.HasTime() {
			vErr := &ValidationError{}
			vErr.add("draft", "event draft has no time")
			return "", nil, vErr
		}
		wantsMeet := draft.Event.Location == "" ||
			strings.HasPrefix(draft.Event.Location, "http")
		payload, err := json.Marshal(jobs.CreateEventPayload{
			UserID:         sess.UserID,
			ConversationID: sess.ConversationID,
			SessionID:      sess.ID,
			Title:          draft.Event.Title,
			Start:          draft.Event.Start,
			End:            draft.Event.End,
			Location:       draft.Event.Location,
			Participants:   draft.Event.Participants,
			SourceText:     draft.SourceText,
			WantsMeetLink:  wantsMeet,
		})
		if err != nil {
			return "", nil, fmt.Errorf("encode event payload: %w", err)
		}
		return jobs.KindCreateEvent, payload, nil
	case parse.ContentNote:
		if draft.Note == nil {
			vErr := &ValidationError{}
			vErr.add("draft", "note draft is empty")
			return "", nil, vErr
		}
		payload, err := json.Marshal(jobs.CreateNotePayload{
			UserID:         sess.UserID,
			ConversationID: sess.ConversationID,
			Title:          draft.Note.Title,
			Content:        draft.Note.Content,
		})
		if err != nil {
			return "", nil, fmt.Errorf("encode note payload: %w", err)
		}
		return jobs.KindCreateNote, payload, nil
	default:
		vErr := &ValidationError{}
		vErr.add("draft", "nothing to confirm")
		return "", nil, vErr
	}
}

func mapSessionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, session.ErrExpired):
		return ErrSessionExpired
	case errors.Is(err, session.ErrTerminal):
		return ErrSessionFinalised
	default:
		return err
	}
}
