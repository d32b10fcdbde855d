package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/calendar-assistant/internal/application"
	"github.com/example/calendar-assistant/internal/availability"
	"github.com/example/calendar-assistant/internal/connector"
	"github.com/example/calendar-assistant/internal/parse"
	"github.com/example/calendar-assistant/internal/session"
)

type confirmationService interface {
	GetSession(ctx context.Context, conversationID string) (session.Session, error)
	Confirm(ctx context.Context, conversationID string) (application.ConfirmationOutcome, error)
	Edit(ctx context.Context, conversationID string, input application.EditInput) (session.Session, error)
	Reselect(ctx context.Context, conversationID string, slotIndex int) (session.Session, error)
	Cancel(ctx context.Context, conversationID string) (session.Session, error)
}

type SessionHandler struct {
	service   confirmationService
	responder responder
	logger    *slog.Logger
}

func NewSessionHandler(service confirmationService, logger *slog.Logger) *SessionHandler {
	base := defaultLogger(logger)
	return &SessionHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *SessionHandler) conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := ConversationIDFromContext(r.Context())
	if !ok || strings.TrimSpace(id) == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidConversation)
		return "", false
	}
	return id, true
}

// Get returns the conversation's pending session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	sess, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toSessionDTO(sess))
}

// Confirm finalises the pending draft and enqueues the provider write.
func (h *SessionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	logger := handlerLogger(r.Context(), h.logger, "SessionHandler", "Confirm", "conversation_id", id)

	outcome, err := h.service.Confirm(r.Context(), id)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "draft confirmed", "job_id", outcome.Job.ID, "replayed", outcome.Replayed)
	h.responder.writeJSON(r.Context(), w, http.StatusOK, confirmationDTO{
		Session: toSessionDTO(outcome.Session),
		Job: jobDTO{
			ID:     outcome.Job.ID,
			Kind:   outcome.Job.Kind,
			Status: string(outcome.Job.Status),
		},
		Replayed: outcome.Replayed,
	})
}

// Edit rewrites draft fields and re-arms the confirmation.
func (h *SessionHandler) Edit(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	sess, err := h.service.Edit(r.Context(), id, application.EditInput{
		Title:        req.Title,
		Start:        req.Start,
		End:          req.End,
		Location:     req.Location,
		Participants: req.Participants,
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toSessionDTO(sess))
}

// Reselect swaps the draft's time for a suggested slot.
func (h *SessionHandler) Reselect(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	var req reselectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	sess, err := h.service.Reselect(r.Context(), id, req.SlotIndex)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toSessionDTO(sess))
}

// Cancel abandons the pending draft.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	sess, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toSessionDTO(sess))
}

type editRequest struct {
	Title        *string    `json:"title,omitempty"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Location     *string    `json:"location,omitempty"`
	Participants *[]string  `json:"participants,omitempty"`
}

type reselectRequest struct {
	SlotIndex int `json:"slot_index"`
}

type confirmationDTO struct {
	Session  sessionDTO `json:"session"`
	Job      jobDTO     `json:"job"`
	Replayed bool       `json:"replayed"`
}

type jobDTO struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

type sessionDTO struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	State          string    `json:"state"`
	Draft          draftDTO  `json:"draft"`
	Slots          []slotDTO `json:"slots,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type draftDTO struct {
	Type          string    `json:"type"`
	Confidence    float64   `json:"confidence"`
	Event         *eventDTO `json:"event,omitempty"`
	Note          *noteDTO  `json:"note,omitempty"`
	Clarification string    `json:"clarification,omitempty"`
}

type eventDTO struct {
	Title           string    `json:"title"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
	Location        string    `json:"location,omitempty"`
	Participants    []string  `json:"participants,omitempty"`
}

type noteDTO struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type slotDTO struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	InWorkingHours bool      `json:"in_working_hours"`
}

type busyDTO struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	CalendarID string    `json:"calendar_id"`
}

func toSessionDTO(sess session.Session) sessionDTO {
	dto := sessionDTO{
		ID:             sess.ID,
		ConversationID: sess.ConversationID,
		UserID:         sess.UserID,
		State:          string(sess.State),
		Draft:          toDraftDTO(sess.Draft),
		ExpiresAt:      sess.ExpiresAt,
	}
	for _, slot := range sess.Slots {
		dto.Slots = append(dto.Slots, toSlotDTO(slot))
	}
	return dto
}

func toDraftDTO(draft parse.Result) draftDTO {
	dto := draftDTO{
		Type:          string(draft.Type),
		Confidence:    draft.Confidence,
		Clarification: draft.Clarification,
	}
	if draft.Event != nil {
		dto.Event = &eventDTO{
			Title:           draft.Event.Title,
			Start:           draft.Event.Start,
			End:             draft.Event.End,
			DurationMinutes: draft.Event.DurationMinutes,
			Location:        draft.Event.Location,
			Participants:    draft.Event.Participants,
		}
	}
	if draft.Note != nil {
		dto.Note = &noteDTO{Title: draft.Note.Title, Content: draft.Note.Content}
	}
	return dto
}

func toSlotDTO(slot availability.Slot) slotDTO {
	return slotDTO{Start: slot.Start, End: slot.End, InWorkingHours: slot.InWorkingHours}
}

func toBusyDTOs(intervals []connector.BusyInterval) []busyDTO {
	if len(intervals) == 0 {
		return nil
	}
	out := make([]busyDTO, 0, len(intervals))
	for _, b := range intervals {
		out = append(out, busyDTO{Start: b.Start, End: b.End, CalendarID: b.CalendarID})
	}
	return out
}
