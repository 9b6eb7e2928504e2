package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ziptility/rxsync/internal/server/storage"
	"github.com/ziptility/rxsync/pkg/api"
)

const healthPingTimeout = 2 * time.Second

// HealthHandler serves the health check.
type HealthHandler struct {
	logger  *slog.Logger
	store   storage.Pinger
	version string
}

// NewHealthHandler creates a health handler. store may be nil.
func NewHealthHandler(logger *slog.Logger, store storage.Pinger, version string) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		store:   store,
		version: version,
	}
}

// Health handles GET /api/v1/health. It reports 503 when the store does not
// answer a ping.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{Status: "ok", Version: h.version}
	status := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			h.logger.Error("Storage health check failed", "error", err)
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, h.logger, status, resp)
}
