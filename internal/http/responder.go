package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/calendar-assistant/internal/application"
	"github.com/example/calendar-assistant/internal/logging"
)

var (
	errBadRequestBody       = errors.New("the request body could not be parsed")
	errInvalidConversation  = errors.New("a conversation id is required in the path")
	errInvalidHandleID      = errors.New("a calendar id is required in the path")
	errInvalidProvider      = errors.New("a provider name is required in the path")
	errMissingServiceToken  = errors.New("a bearer token is required")
	errInvalidServiceToken  = errors.New("the bearer token is not valid")
	errMissingUserID        = errors.New("the user_id query parameter is required")
	errInvalidWindowQuery   = errors.New("start and end must be RFC 3339 timestamps")
	errInvalidDurationQuery = errors.New("duration_minutes must be a positive integer")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	if logger == nil {
		logger = slog.Default()
	}
	return responder{logger: logger}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	switch {
	case errors.Is(err, application.ErrNotFound):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{Message: "the requested resource was not found"})
	case errors.Is(err, application.ErrSessionExpired):
		r.writeJSON(ctx, w, http.StatusGone, errorResponse{
			ErrorCode: "SESSION_EXPIRED",
			Message:   "the pending draft expired; send the request again",
		})
	case errors.Is(err, application.ErrSessionFinalised):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{
			ErrorCode: "SESSION_FINALISED",
			Message:   "the draft was already confirmed or cancelled",
		})
	case errors.Is(err, application.ErrNoIntegration):
		r.writeJSON(ctx, w, http.StatusPreconditionFailed, errorResponse{
			ErrorCode: "NO_INTEGRATION",
			Message:   "no provider is connected for this user",
		})
	case errors.Is(err, application.ErrProviderRejected):
		r.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{
			ErrorCode: "PROVIDER_REJECTED",
			Message:   "the provider rejected the supplied credentials",
		})
	default:
		var vErr *application.ValidationError
		if errors.As(err, &vErr) {
			r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
				Message: "the request content is invalid",
				Errors:  vErr.FieldErrors,
			})
			return
		}

		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "error", err)
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Message: "an internal error occurred"})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

type errorResponse struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
}
