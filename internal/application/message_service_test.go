package application

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/calendar-assistant/internal/jobs"
	"github.com/example/calendar-assistant/internal/parse"
	"github.com/example/calendar-assistant/internal/ratelimit"
	"github.com/example/calendar-assistant/internal/session"
)

func TestHandleMessageEventWithConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.connectCalendar(t, "u1")

	// Existing appointment overlapping the requested slot.
	f.calendar.addBusy("cal-main",
		time.Date(2025, time.March, 13, 15, 0, 0, 0, time.UTC),
		time.Date(2025, time.March, 13, 15, 30, 0, 0, time.UTC),
	)

	reply, err := f.messages.HandleMessage(context.Background(), IncomingMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Text:           "meeting with Alex tomorrow at 15:00",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != ReplyConfirmEvent {
		t.Fatalf("kind = %s, want %s", reply.Kind, ReplyConfirmEvent)
	}
	if reply.Session == nil {
		t.Fatal("expected a pending session")
	}
	if reply.Session.State != session.StateAwaitingConfirmation {
		t.Errorf("state = %s, want %s", reply.Session.State, session.StateAwaitingConfirmation)
	}
	if len(reply.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(reply.Conflicts))
	}
	if len(reply.Slots) == 0 {
		t.Error("expected alternative slots alongside the conflict")
	}
	if !strings.Contains(reply.Prompt, "overlaps") {
		t.Errorf("prompt %q does not mention the overlap", reply.Prompt)
	}

	event := reply.Session.Draft.Event
	if event == nil {
		t.Fatal("draft has no event")
	}
	wantStart := time.Date(2025, time.March, 13, 15, 0, 0, 0, time.UTC)
	if !event.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", event.Start, wantStart)
	}
}

func TestHandleMessageEventNoCalendars(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	reply, err := f.messages.HandleMessage(context.Background(), IncomingMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Text:           "call with Dana today at 11:00",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != ReplyConfirmEvent {
		t.Fatalf("kind = %s, want %s", reply.Kind, ReplyConfirmEvent)
	}
	if len(reply.Conflicts) != 0 {
		t.Errorf("conflicts = %d, want 0", len(reply.Conflicts))
	}
	if len(reply.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", reply.Warnings)
	}
}

func TestHandleMessageNote(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	reply, err := f.messages.HandleMessage(context.Background(), IncomingMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Text:           "note to self: remember the launch checklist idea",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != ReplyConfirmNote {
		t.Fatalf("kind = %s, want %s", reply.Kind, ReplyConfirmNote)
	}
	if reply.Session == nil || reply.Session.Draft.Note == nil {
		t.Fatal("expected a note draft in the session")
	}
	if !strings.Contains(reply.Prompt, "Save note") {
		t.Errorf("prompt = %q", reply.Prompt)
	}
}

func TestHandleMessageUnclearAsksForClarification(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	reply, err := f.messages.HandleMessage(context.Background(), IncomingMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Text:           "ok sounds good",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != ReplyClarify {
		t.Fatalf("kind = %s, want %s", reply.Kind, ReplyClarify)
	}
	if reply.Prompt == "" {
		t.Error("expected a clarification prompt")
	}
	if reply.Session != nil {
		t.Error("clarification must not open a session")
	}
}

func TestHandleMessageValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	tests := []struct {
		name  string
		msg   IncomingMessage
		field string
	}{
		{"missing user", IncomingMessage{ConversationID: "c1", Text: "hi"}, "user_id"},
		{"missing conversation", IncomingMessage{UserID: "u1", Text: "hi"}, "conversation_id"},
		{"empty body", IncomingMessage{UserID: "u1", ConversationID: "c1"}, "message"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.messages.HandleMessage(context.Background(), tt.msg)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error = %v, want validation error", err)
			}
			if _, ok := vErr.FieldErrors[tt.field]; !ok {
				t.Errorf("fields = %v, want %s", vErr.FieldErrors, tt.field)
			}
		})
	}
}

func TestHandleMessageDegradesWhenCalendarStoreDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.handles.listErr = errors.New("store down")

	reply, err := f.messages.HandleMessage(context.Background(), IncomingMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Text:           "sync with Priya tomorrow at 10:00",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != ReplyConfirmEvent {
		t.Fatalf("kind = %s, want %s", reply.Kind, ReplyConfirmEvent)
	}
	found := false
	for _, w := range reply.Warnings {
		if strings.Contains(w, "conflicts not checked") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want a conflicts-not-checked notice", reply.Warnings)
	}
}

func TestHandleMessageVoiceTranscribed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.transcriber.text = "meeting with Alex tomorrow at 15:00"

	reply, err := f.messages.HandleMessage(context.Background(), IncomingMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Audio:          []byte("opus-bytes"),
		AudioFilename:  "voice.ogg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != ReplyConfirmEvent {
		t.Fatalf("kind = %s, want %s", reply.Kind, ReplyConfirmEvent)
	}
}

func TestHandleMessageVoiceOverBudgetQueues(t *testing.T) {
	t.Parallel()
	quotas := ratelimit.DefaultQuotas()
	quotas[ratelimit.OpTranscribe] = ratelimit.Quota{PerHour: 1, PerDay: 100}
	f := newFixture(t, quotas)
	f.transcriber.text = "meeting with Alex tomorrow at 15:00"

	msg := IncomingMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Audio:          []byte("opus-bytes"),
		AudioFilename:  "voice.ogg",
	}
	if _, err := f.messages.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("first message: %v", err)
	}

	msg.ConversationID = "c2"
	reply, err := f.messages.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("second message: %v", err)
	}
	if reply.Kind != ReplyQueued {
		t.Fatalf("kind = %s, want %s", reply.Kind, ReplyQueued)
	}

	queued := f.jobsRepo.byKind(jobs.KindTranscribe)
	if len(queued) != 1 {
		t.Fatalf("transcribe jobs = %d, want 1", len(queued))
	}
	if !queued[0].RunAfter.After(f.clock.Now()) {
		t.Errorf("run after = %v, want in the future", queued[0].RunAfter)
	}
}

func TestHandleMessageVoiceWithoutTranscriber(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	svc := NewMessageService(f.router, f.sessions, f.availabilitySvc, f.limiter, nil, f.queue, nil, f.clock.Now)

	_, err := svc.HandleMessage(context.Background(), IncomingMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Audio:          []byte("opus-bytes"),
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestHandleMessageModelResultPreferred(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	start := time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)
	f.model.err = nil
	f.model.result = parse.Result{
		Type:       parse.ContentEvent,
		Confidence: 0.92,
		Event: &parse.EventDraft{
			Title:           "Quarterly planning",
			Start:           start,
			End:             start.Add(2 * time.Hour),
			DurationMinutes: 120,
		},
	}

	// Recurrence wording plus a reminder pushes this past the local
	// parser straight to the model.
	reply, err := f.messages.HandleMessage(context.Background(), IncomingMessage{
		UserID:         "u1",
		ConversationID: "c1",
		Text:           "set up quarterly planning, remind me an hour before",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != ReplyConfirmEvent {
		t.Fatalf("kind = %s, want %s", reply.Kind, ReplyConfirmEvent)
	}
	if got := reply.Session.Draft.Event.Title; got != "Quarterly planning" {
		t.Errorf("title = %q, want model draft", got)
	}
	if f.model.calls != 1 {
		t.Errorf("model calls = %d, want 1", f.model.calls)
	}
}
