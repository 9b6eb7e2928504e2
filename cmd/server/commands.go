package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ziptility/rxsync/internal/auth"
	"github.com/ziptility/rxsync/internal/config"
	"github.com/ziptility/rxsync/internal/events"
	"github.com/ziptility/rxsync/internal/models"
	"github.com/ziptility/rxsync/internal/replication"
	"github.com/ziptility/rxsync/internal/server"
	"github.com/ziptility/rxsync/internal/server/storage/sqlite"
	"github.com/ziptility/rxsync/pkg/api"
)

func loadConfig(flags *rootFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, cfg.Log.NewLogger(os.Stderr), nil
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	var addr, dbPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("db") {
				cfg.Storage.Path = dbPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path, overrides storage.path")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	logger.Info("Starting rxsync server", "version", Version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(ctx, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	bus, err := newBus(cfg.Events, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, bus.Close())
	}()

	opts := server.Options{
		Addr:              cfg.Server.Addr,
		Version:           Version,
		Store:             store,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		RateLimit:         cfg.RateLimit.Requests,
		RateWindow:        cfg.RateLimit.Window,
	}

	var authorizer auth.Authorizer = auth.AllowAll{}
	if cfg.Auth.Enabled {
		jwtConfig := cfg.JWT()
		opts.JWT = &jwtConfig
		authorizer = auth.NewRolePolicy(cfg.Auth.Rules)
	} else {
		logger.Warn("Authentication disabled, every request is allowed")
	}

	engineOpts := replication.Options{
		DefaultPullLimit: cfg.Replication.PullLimit,
		MaxPullLimit:     cfg.Replication.MaxPullLimit,
		StreamRetryDelay: cfg.Replication.StreamRetryDelay,
		StreamBufferSize: cfg.Replication.StreamBufferSize,
	}

	srv := server.New(logger, opts)

	hero := models.HeroDescriptor()
	server.Register(srv, replication.NewEngine(replication.Config[*models.Hero]{
		Descriptor: hero,
		Store:      sqlite.NewCollection(store, hero),
		Bus:        bus,
		Authorizer: authorizer,
		Logger:     logger,
		Options:    engineOpts,
	}))

	workspace := models.WorkspaceDescriptor()
	server.Register(srv, replication.NewEngine(replication.Config[*models.Workspace]{
		Descriptor: workspace,
		Store:      sqlite.NewCollection(store, workspace),
		Bus:        bus,
		Authorizer: authorizer,
		Logger:     logger,
		Options:    engineOpts,
	}))

	return srv.Run(ctx)
}

func newBus(cfg config.EventsConfig, logger *slog.Logger) (events.Bus, error) {
	switch cfg.Driver {
	case config.EventsNats:
		nc, err := events.ConnectNats(cfg.NatsURL, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Using NATS event bus", "url", cfg.NatsURL)
		return events.NewNatsBus(nc, cfg.BufferSize, logger).WithPublishTimeout(cfg.PublishTimeout), nil
	default:
		logger.Info("Using in-process event bus")
		return events.NewMemoryBus(cfg.BufferSize, logger), nil
	}
}

func newMigrateCommand(flags *rootFlags) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.Storage.Path = dbPath
			}

			store, err := sqlite.New(cmd.Context(), cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}

			logger.Info("Migrations applied", "path", cfg.Storage.Path)
			return store.Close()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path, overrides storage.path")

	return cmd
}

func newTokenCommand(flags *rootFlags) *cobra.Command {
	var (
		userID, username string
		roles            []string
		ttl              time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("auth.secret is not configured")
			}

			jwtConfig := cfg.JWT()
			if ttl > 0 {
				jwtConfig.AccessTokenTTL = ttl
			}

			token, expiresIn, err := auth.GenerateAccessToken(jwtConfig, userID, username, roles)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(api.TokenResponse{AccessToken: token, ExpiresIn: expiresIn})
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "subject user id")
	cmd.Flags().StringVar(&username, "username", "", "display name")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to auth.token_ttl")
	_ = cmd.MarkFlagRequired("user-id")

	return cmd
}
