package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziptility/rxsync/internal/auth"
	"github.com/ziptility/rxsync/internal/events"
	"github.com/ziptility/rxsync/internal/models"
	"github.com/ziptility/rxsync/internal/replication"
	"github.com/ziptility/rxsync/internal/server/storage/sqlite"
)

var testJWT = auth.JWTConfig{
	Secret:         []byte("0123456789abcdef0123456789abcdef"),
	AccessTokenTTL: time.Hour,
}

type runningServer struct {
	done   chan error
	cancel context.CancelFunc
	url    string
}

func startTestServer(t *testing.T, opts Options) *runningServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewMemoryBus(0, logger)
	t.Cleanup(func() { _ = bus.Close() })

	opts.Store = store
	srv := New(logger, opts)

	hero := models.HeroDescriptor()
	Register(srv, replication.NewEngine(replication.Config[*models.Hero]{
		Descriptor: hero,
		Store:      sqlite.NewCollection(store, hero),
		Bus:        bus,
		Logger:     logger,
	}))
	workspace := models.WorkspaceDescriptor()
	Register(srv, replication.NewEngine(replication.Config[*models.Workspace]{
		Descriptor: workspace,
		Store:      sqlite.NewCollection(store, workspace),
		Bus:        bus,
		Logger:     logger,
	}))
	assert.Equal(t, []string{"hero", "workspace"}, srv.Collections())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningServer{
		done:   make(chan error, 1),
		cancel: cancel,
		url:    "http://" + ln.Addr().String(),
	}
	go func() { rs.done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		<-rs.done
	})

	return rs
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_Routes(t *testing.T) {
	rs := startTestServer(t, Options{JWT: &testJWT})

	token, _, err := auth.GenerateAccessToken(testJWT, "u1", "user", nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{name: "health is public", path: "/api/v1/health", want: http.StatusOK},
		{name: "pull requires token", path: "/api/v1/hero/pull", want: http.StatusUnauthorized},
		{name: "pull with token", path: "/api/v1/hero/pull", token: token, want: http.StatusOK},
		{name: "second collection", path: "/api/v1/workspace/pull", token: token, want: http.StatusOK},
		{name: "unknown collection", path: "/api/v1/villain/pull", token: token, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, rs.url+tt.path, tt.token)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_RateLimit(t *testing.T) {
	rs := startTestServer(t, Options{RateLimit: 2, RateWindow: time.Minute})

	assert.Equal(t, http.StatusOK, get(t, rs.url+"/api/v1/hero/pull", "").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, rs.url+"/api/v1/hero/pull", "").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, get(t, rs.url+"/api/v1/hero/pull", "").StatusCode)

	// health is not limited
	assert.Equal(t, http.StatusOK, get(t, rs.url+"/api/v1/health", "").StatusCode)
}

func TestServer_ShutdownEndsStreams(t *testing.T) {
	rs := startTestServer(t, Options{ShutdownTimeout: 2 * time.Second})

	resp := get(t, rs.url+"/api/v1/hero/stream", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	rs.cancel()

	select {
	case err := <-rs.done:
		assert.NoError(t, err)
		rs.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	rest, _ := io.ReadAll(reader)
	assert.False(t, strings.Contains(string(rest), "data:"))
}
