package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Transport.HandshakeTimeout)
	assert.Equal(t, 3*time.Second, cfg.Transport.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Transport.ReconnectMaxDelay)
	assert.Equal(t, 800*time.Millisecond, cfg.Remote.Backoff)
	assert.Equal(t, 3, cfg.Init.MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"missing base url", func(c *Config) { c.Server.BaseURL = "" }, "server.base_url is required"},
		{"non-http base url", func(c *Config) { c.Server.BaseURL = "ftp://x" }, "http(s) URL"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "redis" }, "invalid cache.backend"},
		{"pebble without path", func(c *Config) { c.Cache.Path = "" }, "cache.path is required"},
		{"max below delay", func(c *Config) { c.Transport.ReconnectMaxDelay = time.Second }, "reconnect_max_delay"},
		{"zero attempts", func(c *Config) { c.Remote.Attempts = 0 }, "remote.attempts"},
		{"negative rate", func(c *Config) { c.Queue.DrainRate = -1 }, "drain_rate"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}

	t.Run("memory backend needs no path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Cache.Backend = "memory"
		cfg.Cache.Path = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
base_url = "https://chat.example.com"

[cache]
backend = "sqlite"
path = "/tmp/chatsync.db"

[transport]
reconnect_delay = "5s"
exponential = true

[remote]
attempts = 5
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Second, cfg.Transport.ReconnectDelay)
	assert.True(t, cfg.Transport.Exponential)
	assert.Equal(t, 5, cfg.Remote.Attempts)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Transport.HandshakeTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"warn\"\n"), 0o600))

	t.Setenv("CHATSYNC_LOGGING_LEVEL", "debug")
	t.Setenv("CHATSYNC_INIT_RETRY_DELAY", "500ms")
	t.Setenv("CHATSYNC_CACHE_BACKEND", "memory")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 500*time.Millisecond, cfg.Init.RetryDelay)
	assert.Equal(t, "memory", cfg.Cache.Backend)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	require.NoError(t, SetValue(path, "server.base_url", "https://chat.example.com"))
	require.NoError(t, SetValue(path, "remote.attempts", "4"))
	require.NoError(t, SetValue(path, "transport.heartbeat_interval", "10s"))
	assert.ErrorContains(t, SetValue(path, "server.nope", "x"), "unknown config key")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.Server.BaseURL)
	assert.Equal(t, 4, cfg.Remote.Attempts)
	assert.Equal(t, 10*time.Second, cfg.Transport.HeartbeatInterval)
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "cache"), expandTilde("~/cache"))
	assert.Equal(t, home, expandTilde("~"))
	assert.Equal(t, "/abs", expandTilde("/abs"))
}
