package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/helphut/ticket-service/internal/app"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/rs/zerolog"
)

// Error types carried in the "type" field of every error body.
const (
	ErrorTypeNotFound          = "NOT_FOUND"
	ErrorTypeConflict          = "CONFLICT"
	ErrorTypeInvalidTransition = "INVALID_TRANSITION"
	ErrorTypeForbidden         = "FORBIDDEN"
	ErrorTypeAlreadyExists     = "ALREADY_EXISTS"
	ErrorTypeRateLimited       = "RATE_LIMITED"
	ErrorTypeBadRequest        = "BAD_REQUEST"
	ErrorTypeUnauthorized      = "UNAUTHORIZED"
	ErrorTypeInternal          = "INTERNAL_ERROR"
)

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

func writeErrorBody(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Type: errorType, Message: message}})
}

// writeError maps a service error onto its HTTP status. Store failures and
// unrecognized errors are logged and answered with a generic message.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeErrorBody(w, http.StatusTooManyRequests, ErrorTypeRateLimited, "Too many claim attempts, retry later")
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeErrorBody(w, http.StatusNotFound, ErrorTypeNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeErrorBody(w, http.StatusConflict, ErrorTypeConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeErrorBody(w, http.StatusBadRequest, ErrorTypeInvalidTransition, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeErrorBody(w, http.StatusForbidden, ErrorTypeForbidden, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeErrorBody(w, http.StatusConflict, ErrorTypeAlreadyExists, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeErrorBody(w, http.StatusTooManyRequests, ErrorTypeRateLimited, "Too many claim attempts, retry later")
	case errors.Is(err, domain.ErrInvalidInput):
		writeErrorBody(w, http.StatusBadRequest, ErrorTypeBadRequest, err.Error())
	default:
		logger.Error().Err(err).Msg("request failed")
		writeErrorBody(w, http.StatusInternalServerError, ErrorTypeInternal, "Internal server error")
	}
}
