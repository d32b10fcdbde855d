package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/calendar-assistant/internal/jobs"
	"github.com/example/calendar-assistant/internal/parse"
	"github.com/example/calendar-assistant/internal/ratelimit"
	"github.com/example/calendar-assistant/internal/router"
	"github.com/example/calendar-assistant/internal/session"
)

// MessageService turns inbound messages into pending drafts awaiting
// confirmation.
type MessageService struct {
	router       *router.Router
	sessions     *session.Manager
	availability *AvailabilityService
	limiter      *ratelimit.Limiter
	transcriber  parse.Transcriber
	queue        *jobs.Queue
	logger       *slog.Logger
	now          func() time.Time
}

// NewMessageService wires dependencies for message handling.
func NewMessageService(
	r *router.Router,
	sessions *session.Manager,
	availabilitySvc *AvailabilityService,
	limiter *ratelimit.Limiter,
	transcriber parse.Transcriber,
	queue *jobs.Queue,
	logger *slog.Logger,
	now func() time.Time,
) *MessageService {
	if now == nil {
		now = time.Now
	}
	return &MessageService{
		router:       r,
		sessions:     sessions,
		availability: availabilitySvc,
		limiter:      limiter,
		transcriber:  transcriber,
		queue:        queue,
		logger:       defaultLogger(logger),
		now:          now,
	}
}

// HandleMessage parses the message, checks an event draft against the
// user's calendars, and opens a pending session for confirmation.
func (s *MessageService) HandleMessage(ctx context.Context, msg IncomingMessage) (MessageReply, error) {
	logger := serviceLogger(ctx, s.logger, "message", "handle",
		slog.String("user_id", msg.UserID),
		slog.String("conversation_id", msg.ConversationID),
	)

	vErr := &ValidationError{}
	if msg.UserID == "" {
		vErr.add("user_id", "user_id is required")
	}
	if msg.ConversationID == "" {
		vErr.add("conversation_id", "conversation_id is required")
	}
	if msg.Text == "" && len(msg.Audio) == 0 {
		vErr.add("message", "text or audio is required")
	}
	if vErr.HasErrors() {
		return MessageReply{}, vErr
	}

	text := msg.Text
	if text == "" {
		var reply *MessageReply
		var err error
		text, reply, err = s.transcribe(ctx, msg)
		if err != nil {
			return MessageReply{}, err
		}
		if reply != nil {
			return *reply, nil
		}
	}

	result := s.router.Route(ctx, router.Message{
		UserID:        msg.UserID,
		Text:          text,
		Timezone:      msg.Timezone,
		ForwardedFrom: msg.ForwardedFrom,
	})

	switch result.Type {
	case parse.ContentEvent:
		return s.eventReply(ctx, logger, msg, result)
	case parse.ContentNote:
		return s.noteReply(ctx, msg, result)
	default:
		return MessageReply{Kind: ReplyClarify, Prompt: result.Clarification}, nil
	}
}

// transcribe resolves voice audio to text, or defers the work when the
// transcription budget is exhausted. A non-nil reply short-circuits
// message handling.
func (s *MessageService) transcribe(ctx context.Context, msg IncomingMessage) (string, *MessageReply, error) {
	if s.transcriber == nil {
		vErr := &ValidationError{}
		vErr.add("audio", "voice messages are not supported")
		return "", nil, vErr
	}

	decision, err := s.limiter.TryAcquire(ctx, msg.UserID, ratelimit.OpTranscribe)
	if err == nil && !decision.Allowed {
		payload, merr := json.Marshal(jobs.TranscribePayload{
			UserID:   msg.UserID,
			Audio:    msg.Audio,
			Filename: msg.AudioFilename,
		})
		if merr != nil {
			return "", nil, fmt.Errorf("encode transcribe payload: %w", merr)
		}
		runAfter := s.now().Add(decision.RetryAfter)
		if _, _, qerr := s.queue.EnqueueDelayed(ctx, jobs.KindTranscribe, msg.UserID, payload, runAfter); qerr != nil {
			return "", nil, qerr
		}
		return "", &MessageReply{
			Kind:   ReplyQueued,
			Prompt: "You have sent a lot of voice messages; I will transcribe this one a bit later.",
		}, nil
	}

	text, err := s.transcriber.Transcribe(ctx, msg.Audio, msg.AudioFilename)
	if err != nil {
		return "", nil, fmt.Errorf("transcribe voice message: %w", err)
	}
	return text, nil, nil
}

func (s *MessageService) eventReply(ctx context.Context, logger *slog.Logger, msg IncomingMessage, result parse.Result) (MessageReply, error) {
	event := result.Event

	conflicts, slots, warnings, err := s.availability.ConflictCheck(ctx, msg.UserID, event.Start, event.End)
	if err != nil {
		// A dead provider must not block the confirmation flow; the
		// draft simply goes out without a conflict view.
		logger.Warn("conflict check failed", slog.String("error", err.Error()))
		warnings = append(warnings, "calendars unavailable, conflicts not checked")
	}

	sess, err := s.sessions.Begin(ctx, msg.ConversationID, msg.UserID, result, slots)
	if err != nil {
		return MessageReply{}, err
	}

	return MessageReply{
		Kind:      ReplyConfirmEvent,
		Prompt:    eventPrompt(*event, len(conflicts)),
		Session:   &sess,
		Conflicts: conflicts,
		Slots:     slots,
		Warnings:  warnings,
	}, nil
}

func (s *MessageService) noteReply(ctx context.Context, msg IncomingMessage, result parse.Result) (MessageReply, error) {
	sess, err := s.sessions.Begin(ctx, msg.ConversationID, msg.UserID, result, nil)
	if err != nil {
		return MessageReply{}, err
	}
	return MessageReply{
		Kind:    ReplyConfirmNote,
		Prompt:  fmt.Sprintf("Save note %q?", result.TitleOrFallback()),
		Session: &sess,
	}, nil
}

func eventPrompt(event parse.EventDraft, conflictCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create %q on %s from %s to %s?",
		event.Title,
		event.Start.Format("Mon, 2 Jan"),
		event.Start.Format("15:04"),
		event.End.Format("15:04"),
	)
	if event.Location != "" {
		fmt.Fprintf(&b, " Location: %s.", event.Location)
	}
	if conflictCount > 0 {
		fmt.Fprintf(&b, " Heads up: this overlaps %d existing event(s); I included some free alternatives.", conflictCount)
	}
	return b.String()
}
