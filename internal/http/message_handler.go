package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/example/calendar-assistant/internal/application"
)

type messageService interface {
	HandleMessage(ctx context.Context, msg application.IncomingMessage) (application.MessageReply, error)
}

type MessageHandler struct {
	service   messageService
	responder responder
	logger    *slog.Logger
}

func NewMessageHandler(service messageService, logger *slog.Logger) *MessageHandler {
	base := defaultLogger(logger)
	return &MessageHandler{service: service, responder: newResponder(base), logger: base}
}

// Create accepts one inbound message and returns the assistant's reply.
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := handlerLogger(r.Context(), h.logger, "MessageHandler", "Create",
		"user_id", req.UserID,
		"conversation_id", req.ConversationID,
	)

	reply, err := h.service.HandleMessage(r.Context(), application.IncomingMessage{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Audio:          req.Audio,
		AudioFilename:  req.AudioFilename,
		ForwardedFrom:  req.ForwardedFrom,
		Timezone:       req.Timezone,
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "message handled", "reply_kind", string(reply.Kind))
	h.responder.writeJSON(r.Context(), w, http.StatusOK, toReplyDTO(reply))
}

type messageRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text,omitempty"`
	Audio          []byte `json:"audio,omitempty"`
	AudioFilename  string `json:"audio_filename,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	ForwardedFrom  string `json:"forwarded_from,omitempty"`
}

type replyDTO struct {
	Kind      string      `json:"kind"`
	Prompt    string      `json:"prompt,omitempty"`
	Session   *sessionDTO `json:"session,omitempty"`
	Conflicts []busyDTO   `json:"conflicts,omitempty"`
	Slots     []slotDTO   `json:"slots,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
}

func toReplyDTO(reply application.MessageReply) replyDTO {
	dto := replyDTO{
		Kind:      string(reply.Kind),
		Prompt:    reply.Prompt,
		Conflicts: toBusyDTOs(reply.Conflicts),
		Warnings:  reply.Warnings,
	}
	if reply.Session != nil {
		session := toSessionDTO(*reply.Session)
		dto.Session = &session
	}
	for _, slot := range reply.Slots {
		dto.Slots = append(dto.Slots, toSlotDTO(slot))
	}
	return dto
}
