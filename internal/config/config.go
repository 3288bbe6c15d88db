// Package config handles chatsync configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Cache     CacheConfig     `toml:"cache" mapstructure:"cache"`
	Transport TransportConfig `toml:"transport" mapstructure:"transport"`
	Remote    RemoteConfig    `toml:"remote" mapstructure:"remote"`
	Init      InitConfig      `toml:"init" mapstructure:"init"`
	Queue     QueueConfig     `toml:"queue" mapstructure:"queue"`
	Logging   LoggingConfig   `toml:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
}

// ServerConfig locates the chat server.
type ServerConfig struct {
	// BaseURL is the HTTP API root.
	BaseURL string `toml:"base_url" mapstructure:"base_url"`

	// WSURL overrides the transport endpoint derived from BaseURL.
	WSURL string `toml:"ws_url,omitempty" mapstructure:"ws_url"`
}

// CacheConfig selects the local cache backend.
type CacheConfig struct {
	// Backend is memory, pebble or sqlite.
	Backend string `toml:"backend" mapstructure:"backend"`

	// Path is the pebble directory or sqlite file.
	Path string `toml:"path" mapstructure:"path"`
}

type TransportConfig struct {
	HandshakeTimeout  time.Duration `toml:"handshake_timeout" mapstructure:"handshake_timeout"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay" mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `toml:"reconnect_max_delay" mapstructure:"reconnect_max_delay"`
	Exponential       bool          `toml:"exponential" mapstructure:"exponential"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
}

// RemoteConfig bounds conversation list and history fetches.
type RemoteConfig struct {
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
	Attempts int           `toml:"attempts" mapstructure:"attempts"`
	Backoff  time.Duration `toml:"backoff" mapstructure:"backoff"`
}

type InitConfig struct {
	MaxAttempts int           `toml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelay  time.Duration `toml:"retry_delay" mapstructure:"retry_delay"`
}

// QueueConfig paces outbox draining.
type QueueConfig struct {
	// DrainRate is envelopes per second. Zero sends as fast as possible.
	DrainRate float64 `toml:"drain_rate" mapstructure:"drain_rate"`
}

type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `toml:"format" mapstructure:"format"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9464".
	Addr string `toml:"addr,omitempty" mapstructure:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
		},
		Cache: CacheConfig{
			Backend: "pebble",
			Path:    filepath.Join(Dir(), "cache"),
		},
		Transport: TransportConfig{
			HandshakeTimeout:  10 * time.Second,
			ReconnectDelay:    3 * time.Second,
			ReconnectMaxDelay: 30 * time.Second,
			HeartbeatInterval: 25 * time.Second,
		},
		Remote: RemoteConfig{
			Timeout:  5 * time.Second,
			Attempts: 3,
			Backoff:  800 * time.Millisecond,
		},
		Init: InitConfig{
			MaxAttempts: 3,
			RetryDelay:  2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Dir is ~/.chatsync.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatsync"
	}
	return filepath.Join(home, ".chatsync")
}

// FilePath is the default config file.
func FilePath() string {
	return filepath.Join(Dir(), "config.toml")
}

// CredentialsPath is where the token pair is kept.
func CredentialsPath() string {
	return filepath.Join(Dir(), "credentials.toml")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("server.base_url must be an http(s) URL, got %q", c.Server.BaseURL)
	}

	switch c.Cache.Backend {
	case "memory":
	case "pebble", "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the %s backend", c.Cache.Backend)
		}
	default:
		return fmt.Errorf("invalid cache.backend: %q (must be memory, pebble or sqlite)", c.Cache.Backend)
	}

	if c.Transport.HandshakeTimeout <= 0 {
		return fmt.Errorf("transport.handshake_timeout must be positive")
	}
	if c.Transport.ReconnectDelay <= 0 {
		return fmt.Errorf("transport.reconnect_delay must be positive")
	}
	if c.Transport.ReconnectMaxDelay < c.Transport.ReconnectDelay {
		return fmt.Errorf("transport.reconnect_max_delay must be at least transport.reconnect_delay")
	}
	if c.Remote.Attempts < 1 {
		return fmt.Errorf("remote.attempts must be at least 1")
	}
	if c.Init.MaxAttempts < 1 {
		return fmt.Errorf("init.max_attempts must be at least 1")
	}
	if c.Queue.DrainRate < 0 {
		return fmt.Errorf("queue.drain_rate must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %q (must be json or console)", c.Logging.Format)
	}
	return nil
}
