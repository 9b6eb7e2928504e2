// Package config loads server settings from defaults, an optional YAML file
// and RXSYNC_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ziptility/rxsync/internal/auth"
)

// Event bus drivers.
const (
	EventsMemory = "memory"
	EventsNats   = "nats"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Events      EventsConfig      `yaml:"events"`
	Replication ReplicationConfig `yaml:"replication"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // SSE and WebSocket keepalive
}

// StorageConfig configures the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// EventsConfig selects the change event bus.
type EventsConfig struct {
	Driver         string        `yaml:"driver"` // memory or nats
	NatsURL        string        `yaml:"nats_url"`
	BufferSize     int           `yaml:"buffer_size"`     // per subscriber
	PublishTimeout time.Duration `yaml:"publish_timeout"` // nats flush bound
}

// ReplicationConfig tunes the replication engines.
type ReplicationConfig struct {
	PullLimit        int           `yaml:"pull_limit"`
	MaxPullLimit     int           `yaml:"max_pull_limit"`
	StreamRetryDelay time.Duration `yaml:"stream_retry_delay"`
	StreamBufferSize int           `yaml:"stream_buffer_size"`
}

// AuthConfig configures JWT authentication and the role policy.
// With Enabled false every request is allowed.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Rules    []auth.Rule   `yaml:"rules"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Enabled  bool          `yaml:"enabled"`
}

// RateLimitConfig limits requests per user or client IP. Requests 0 disables it.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			HeartbeatInterval: 15 * time.Second,
		},
		Storage: StorageConfig{Path: "rxsync.db"},
		Events: EventsConfig{
			Driver:         EventsMemory,
			NatsURL:        "nats://127.0.0.1:4222",
			BufferSize:     256,
			PublishTimeout: 5 * time.Second,
		},
		Replication: ReplicationConfig{
			PullLimit:        100,
			MaxPullLimit:     1000,
			StreamRetryDelay: 5 * time.Second,
			StreamBufferSize: 64,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
			Rules: []auth.Rule{
				{Collection: auth.Wildcard, Operations: []auth.Operation{auth.Wildcard}, Roles: []string{auth.Wildcard}},
			},
		},
		RateLimit: RateLimitConfig{Requests: 600, Window: time.Minute},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty to skip the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// applyEnv overrides settings from RXSYNC_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RXSYNC_ADDR":          &c.Server.Addr,
		"RXSYNC_DB_PATH":       &c.Storage.Path,
		"RXSYNC_EVENTS_DRIVER": &c.Events.Driver,
		"RXSYNC_NATS_URL":      &c.Events.NatsURL,
		"RXSYNC_JWT_SECRET":    &c.Auth.Secret,
		"RXSYNC_LOG_LEVEL":     &c.Log.Level,
		"RXSYNC_LOG_FORMAT":    &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"RXSYNC_PULL_LIMIT":          &c.Replication.PullLimit,
		"RXSYNC_MAX_PULL_LIMIT":      &c.Replication.MaxPullLimit,
		"RXSYNC_RATE_LIMIT_REQUESTS": &c.RateLimit.Requests,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup("RXSYNC_AUTH_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: RXSYNC_AUTH_ENABLED: %v", ErrInvalidConfig, err)
		}
		c.Auth.Enabled = enabled
	}

	return nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Storage.Path == "" {
		problems = append(problems, "storage.path is required")
	}
	switch c.Events.Driver {
	case EventsMemory:
	case EventsNats:
		if c.Events.NatsURL == "" {
			problems = append(problems, "events.nats_url is required for the nats driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("events.driver %q is not one of memory, nats", c.Events.Driver))
	}
	if c.Replication.PullLimit > c.Replication.MaxPullLimit && c.Replication.MaxPullLimit > 0 {
		problems = append(problems, "replication.pull_limit exceeds max_pull_limit")
	}
	if c.Auth.Enabled && len(c.Auth.Secret) < 32 {
		problems = append(problems, "auth.secret must be at least 32 bytes when auth is enabled")
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		problems = append(problems, "rate_limit.window must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// JWT returns the token settings for the auth package.
func (c *Config) JWT() auth.JWTConfig {
	return auth.JWTConfig{
		Secret:         []byte(c.Auth.Secret),
		AccessTokenTTL: c.Auth.TokenTTL,
	}
}

// NewLogger builds the slog logger described by the configuration.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
	return level, nil
}
