package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ziptility/rxsync/internal/auth"
	"github.com/ziptility/rxsync/internal/models"
	"github.com/ziptility/rxsync/internal/validation"
	"github.com/ziptility/rxsync/pkg/api"
)

// maxBodyBytes caps pull and push request bodies.
const maxBodyBytes = 10 << 20

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps engine errors onto HTTP statuses. Internal failures are
// logged and reported without detail.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var authErr *auth.AuthorizationError
	switch {
	case errors.As(err, &authErr):
		status, code := http.StatusForbidden, "forbidden"
		if errors.Is(err, auth.ErrUnauthenticated) {
			status, code = http.StatusUnauthorized, "unauthenticated"
		}
		logger.Warn("Request denied", "error", err)
		writeJSON(w, logger, status, api.ErrorResponse{Error: code, Message: err.Error()})

	case errors.Is(err, validation.ErrInvalidInput), errors.Is(err, models.ErrInvalidCheckpoint):
		logger.Warn("Invalid request", "error", err)
		writeJSON(w, logger, http.StatusBadRequest, api.ErrorResponse{Error: "invalid_request", Message: err.Error()})

	default:
		logger.Error("Request failed", "error", err)
		writeJSON(w, logger, http.StatusInternalServerError, api.ErrorResponse{Error: "internal_error"})
	}
}

func writeBadRequest(w http.ResponseWriter, logger *slog.Logger, message string, err error) {
	logger.Warn(message, "error", err)
	writeJSON(w, logger, http.StatusBadRequest, api.ErrorResponse{Error: "invalid_request", Message: message})
}
