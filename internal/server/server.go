// Package server assembles the HTTP surface: routes per registered
// collection, the middleware chain and the listener lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ziptility/rxsync/internal/auth"
	"github.com/ziptility/rxsync/internal/models"
	"github.com/ziptility/rxsync/internal/replication"
	"github.com/ziptility/rxsync/internal/server/handlers"
	"github.com/ziptility/rxsync/internal/server/middleware"
	"github.com/ziptility/rxsync/internal/server/storage"
)

// APIPrefix is the path prefix of every endpoint.
const APIPrefix = "/api/v1"

// Options configures a Server.
type Options struct {
	// JWT enables bearer authentication when non-nil.
	JWT   *auth.JWTConfig
	Store storage.Pinger

	Addr              string
	Version           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	HeartbeatInterval time.Duration

	// RateLimit requests per RateWindow per user or IP; 0 disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Server is the replication HTTP server.
type Server struct {
	logger        *slog.Logger
	mux           *http.ServeMux
	limiter       *middleware.RateLimiter
	streamCtx     context.Context
	cancelStreams context.CancelFunc
	collections   []string
	opts          Options
}

// New creates a server with the health route registered.
func New(logger *slog.Logger, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}

	streamCtx, cancelStreams := context.WithCancel(context.Background())

	s := &Server{
		logger:        logger,
		mux:           http.NewServeMux(),
		streamCtx:     streamCtx,
		cancelStreams: cancelStreams,
		opts:          opts,
	}

	if opts.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(opts.RateLimit, opts.RateWindow, logger)
	}

	health := handlers.NewHealthHandler(logger, opts.Store, opts.Version)
	s.mux.HandleFunc(APIPrefix+"/health", health.Health)

	return s
}

// Register exposes engine's collection under /api/v1/<name>/ where name is
// the lower-cased descriptor name.
func Register[D models.Document](s *Server, engine *replication.Engine[D]) {
	name := strings.ToLower(engine.Descriptor().Name)
	h := handlers.NewReplicationHandler(s.logger, engine).WithHeartbeat(s.opts.HeartbeatInterval)

	base := APIPrefix + "/" + name
	s.mux.Handle(base+"/pull", s.protect(http.HandlerFunc(h.Pull)))
	s.mux.Handle(base+"/push", s.protect(http.HandlerFunc(h.Push)))
	s.mux.Handle(base+"/stream", s.protect(s.streaming(http.HandlerFunc(h.Stream))))
	s.mux.Handle(base+"/ws", s.protect(s.streaming(http.HandlerFunc(h.WebSocket))))

	s.collections = append(s.collections, name)
	s.logger.Info("Collection registered", "collection", engine.Descriptor().Name, "path", base)
}

// Collections returns the path names of the registered collections.
func (s *Server) Collections() []string {
	return s.collections
}

// protect applies authentication and rate limiting to a collection route.
func (s *Server) protect(next http.Handler) http.Handler {
	if s.limiter != nil {
		next = middleware.RateLimitMiddleware(s.limiter, s.logger)(next)
	}
	if s.opts.JWT != nil {
		next = middleware.AuthMiddleware(s.logger, *s.opts.JWT)(next)
	}
	return next
}

// streaming ends long-lived streams when the server shuts down;
// http.Server.Shutdown does not cancel in-flight request contexts.
func (s *Server) streaming(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		stop := context.AfterFunc(s.streamCtx, cancel)
		defer stop()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Handler returns the root handler with recovery and request logging.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = middleware.LoggingWithSkip(s.logger, []string{APIPrefix + "/health"})(h)
	h = middleware.RecoveryMiddleware(s.logger)(h)
	return h
}

// Run listens on Options.Addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(httpServer)
	})

	return g.Wait()
}

func (s *Server) shutdown(httpServer *http.Server) error {
	s.logger.Info("Shutting down server", "timeout", s.opts.ShutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.cancelStreams()

	err := httpServer.Shutdown(ctx)
	if err != nil {
		err = multierr.Append(fmt.Errorf("failed to shutdown http server: %w", err), httpServer.Close())
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}

	return err
}
