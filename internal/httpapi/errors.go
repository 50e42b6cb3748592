package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/signalsfoundry/satops/command"
	"github.com/signalsfoundry/satops/gateway"
	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/internal/logging"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Detail    string              `json:"detail"`
	Errors    []apperr.FieldError `json:"errors,omitempty"`
	RequestID string              `json:"requestId,omitempty"`
}

// StatusFor maps the core error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrBadRequest),
		errors.Is(err, apperr.ErrProtocolViolation),
		errors.Is(err, command.ErrUnknownCommandType):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrPartialDelivery):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrNotConnected),
		errors.Is(err, apperr.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, log logging.Logger, err error) {
	code := StatusFor(err)
	body := errorBody{Detail: err.Error(), RequestID: logging.RequestIDFromContext(r.Context())}
	if verr, ok := apperr.AsValidation(err); ok {
		body.Detail = "validation failed"
		body.Errors = verr.Fields
	}
	if code >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), log).Error(r.Context(), "request failed",
			logging.Int("status", code), logging.Err(err))
		if code == http.StatusInternalServerError {
			body.Detail = "internal error"
		}
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
