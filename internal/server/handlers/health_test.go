package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziptility/rxsync/pkg/api"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(context.Context) error {
	return m.err
}

func TestHealthHandler_Health(t *testing.T) {
	tests := []struct {
		store      *mockPinger
		name       string
		wantStatus string
		wantCode   int
	}{
		{name: "no store", wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "store reachable", store: &mockPinger{}, wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "store down", store: &mockPinger{err: errors.New("database is closed")}, wantCode: http.StatusServiceUnavailable, wantStatus: "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handler *HealthHandler
			if tt.store != nil {
				handler = NewHealthHandler(setupTestLogger(), tt.store, "1.2.3")
			} else {
				handler = NewHealthHandler(setupTestLogger(), nil, "1.2.3")
			}

			w := httptest.NewRecorder()
			handler.Health(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

			resp := w.Result()
			defer func() {
				assert.NoError(t, resp.Body.Close())
			}()

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var health api.HealthResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Equal(t, "1.2.3", health.Version)
		})
	}
}
