package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/calendar-assistant/internal/application"
	"github.com/example/calendar-assistant/internal/connector"
)

type integrationService interface {
	Connect(ctx context.Context, input application.ConnectInput) (application.IntegrationStatus, error)
	Disconnect(ctx context.Context, userID, provider string) error
	List(ctx context.Context, userID string) ([]application.IntegrationStatus, error)
	SetPrimaryCalendar(ctx context.Context, userID, handleID string) error
	SetCalendarEnabled(ctx context.Context, handleID string, enabled bool) error
}

type IntegrationHandler struct {
	service   integrationService
	responder responder
	logger    *slog.Logger
}

func NewIntegrationHandler(service integrationService, logger *slog.Logger) *IntegrationHandler {
	base := defaultLogger(logger)
	return &IntegrationHandler{service: service, responder: newResponder(base), logger: base}
}

// Connect verifies and stores provider credentials, importing calendars.
func (h *IntegrationHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := handlerLogger(r.Context(), h.logger, "IntegrationHandler", "Connect",
		"user_id", req.UserID,
		"provider", req.Provider,
	)

	status, err := h.service.Connect(r.Context(), application.ConnectInput{
		UserID:      req.UserID,
		Provider:    req.Provider,
		Credentials: req.Credentials.toCredentials(),
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "provider connected", "calendars", len(status.Calendars))
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, toIntegrationDTO(status))
}

// List reports every provider's connection state for the user.
func (h *IntegrationHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingUserID)
		return
	}

	statuses, err := h.service.List(r.Context(), userID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	dtos := make([]integrationDTO, 0, len(statuses))
	for _, status := range statuses {
		dtos = append(dtos, toIntegrationDTO(status))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, integrationListDTO{Integrations: dtos})
}

// Disconnect removes the provider's credential and calendars.
func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	provider, ok := ProviderFromContext(r.Context())
	if !ok || strings.TrimSpace(provider) == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidProvider)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingUserID)
		return
	}

	if err := h.service.Disconnect(r.Context(), userID, provider); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// SetPrimary marks a calendar as the default write target.
func (h *IntegrationHandler) SetPrimary(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	handleID, ok := HandleIDFromContext(r.Context())
	if !ok || strings.TrimSpace(handleID) == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidHandleID)
		return
	}

	var req primaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingUserID)
		return
	}

	if err := h.service.SetPrimaryCalendar(r.Context(), req.UserID, handleID); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// SetEnabled includes or excludes a calendar from aggregation.
func (h *IntegrationHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	handleID, ok := HandleIDFromContext(r.Context())
	if !ok || strings.TrimSpace(handleID) == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidHandleID)
		return
	}

	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	if err := h.service.SetCalendarEnabled(r.Context(), handleID, req.Enabled); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

type connectRequest struct {
	UserID      string         `json:"user_id"`
	Provider    string         `json:"provider"`
	Credentials credentialsDTO `json:"credentials"`
}

type credentialsDTO struct {
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Username     string     `json:"username,omitempty"`
	AppPassword  string     `json:"app_password,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (d credentialsDTO) toCredentials() connector.Credentials {
	creds := connector.Credentials{
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		Username:     d.Username,
		AppPassword:  d.AppPassword,
	}
	if d.ExpiresAt != nil {
		creds.ExpiresAt = *d.ExpiresAt
	}
	return creds
}

type primaryRequest struct {
	UserID string `json:"user_id"`
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

type integrationListDTO struct {
	Integrations []integrationDTO `json:"integrations"`
}

type integrationDTO struct {
	Provider  string        `json:"provider"`
	Connected bool          `json:"connected"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	Calendars []calendarDTO `json:"calendars,omitempty"`
}

type calendarDTO struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	IsPrimary  bool   `json:"is_primary"`
	IsEnabled  bool   `json:"is_enabled"`
}

func toIntegrationDTO(status application.IntegrationStatus) integrationDTO {
	dto := integrationDTO{
		Provider:  status.Provider,
		Connected: status.Connected,
		ExpiresAt: status.ExpiresAt,
	}
	for _, cal := range status.Calendars {
		dto.Calendars = append(dto.Calendars, calendarDTO{
			ID:         cal.ID,
			ExternalID: cal.ExternalID,
			Name:       cal.Name,
			IsPrimary:  cal.IsPrimary,
			IsEnabled:  cal.IsEnabled,
		})
	}
	return dto
}
