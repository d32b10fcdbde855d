package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/calendar-assistant/internal/application"
)

type availabilityService interface {
	FindSlots(ctx context.Context, req application.AvailabilityRequest) (application.AvailabilityResponse, error)
}

type AvailabilityHandler struct {
	service   availabilityService
	responder responder
	logger    *slog.Logger
}

func NewAvailabilityHandler(service availabilityService, logger *slog.Logger) *AvailabilityHandler {
	base := defaultLogger(logger)
	return &AvailabilityHandler{service: service, responder: newResponder(base), logger: base}
}

// Find returns merged busy intervals and free slots for the window in
// the query string.
func (h *AvailabilityHandler) Find(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	query := r.URL.Query()
	userID := strings.TrimSpace(query.Get("user_id"))
	if userID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingUserID)
		return
	}

	start, err := time.Parse(time.RFC3339, query.Get("start"))
	if err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidWindowQuery)
		return
	}
	end, err := time.Parse(time.RFC3339, query.Get("end"))
	if err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidWindowQuery)
		return
	}

	minutes := 60
	if raw := query.Get("duration_minutes"); raw != "" {
		minutes, err = strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidDurationQuery)
			return
		}
	}

	resp, err := h.service.FindSlots(r.Context(), application.AvailabilityRequest{
		UserID:      userID,
		WindowStart: start,
		WindowEnd:   end,
		Duration:    time.Duration(minutes) * time.Minute,
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	dto := availabilityDTO{
		Busy:     toBusyDTOs(resp.Busy),
		Warnings: resp.Warnings,
	}
	for _, slot := range resp.Slots {
		dto.Slots = append(dto.Slots, toSlotDTO(slot))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, dto)
}

type availabilityDTO struct {
	Busy     []busyDTO `json:"busy"`
	Slots    []slotDTO `json:"slots"`
	Warnings []string  `json:"warnings,omitempty"`
}
