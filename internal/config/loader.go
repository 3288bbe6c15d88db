package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CHATSYNC_SERVER_BASE_URL.
const EnvPrefix = "CHATSYNC"

// keys lists every configurable key. Each is bound to its environment
// variable so Unmarshal sees overrides for nested structs.
var keys = []string{
	"server.base_url",
	"server.ws_url",
	"cache.backend",
	"cache.path",
	"transport.handshake_timeout",
	"transport.reconnect_delay",
	"transport.reconnect_max_delay",
	"transport.exponential",
	"transport.heartbeat_interval",
	"remote.timeout",
	"remote.attempts",
	"remote.backoff",
	"init.max_attempts",
	"init.retry_delay",
	"queue.drain_rate",
	"logging.level",
	"logging.format",
	"metrics.addr",
}

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load resolves configuration with precedence
// defaults < config file < env vars.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setup(cfg)

	if err := l.readConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Cache.Path = expandTilde(cfg.Cache.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the config file that was loaded, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setup(cfg *Config) {
	v := l.v
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(Dir())
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("server.base_url", cfg.Server.BaseURL)
	v.SetDefault("server.ws_url", cfg.Server.WSURL)
	v.SetDefault("cache.backend", cfg.Cache.Backend)
	v.SetDefault("cache.path", cfg.Cache.Path)
	v.SetDefault("transport.handshake_timeout", cfg.Transport.HandshakeTimeout)
	v.SetDefault("transport.reconnect_delay", cfg.Transport.ReconnectDelay)
	v.SetDefault("transport.reconnect_max_delay", cfg.Transport.ReconnectMaxDelay)
	v.SetDefault("transport.exponential", cfg.Transport.Exponential)
	v.SetDefault("transport.heartbeat_interval", cfg.Transport.HeartbeatInterval)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.attempts", cfg.Remote.Attempts)
	v.SetDefault("remote.backoff", cfg.Remote.Backoff)
	v.SetDefault("init.max_attempts", cfg.Init.MaxAttempts)
	v.SetDefault("init.retry_delay", cfg.Init.RetryDelay)
	v.SetDefault("queue.drain_rate", cfg.Queue.DrainRate)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	for _, key := range keys {
		_ = v.BindEnv(key, envName(key))
	}
	v.AutomaticEnv()
}

// readConfigFile loads the config file. A missing default file is fine;
// a missing explicit one is not.
func (l *Loader) readConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	err := l.v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// envName converts a key to its variable: cache.path -> CHATSYNC_CACHE_PATH.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// IsKey reports whether key is a known dotted config key.
func IsKey(key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// Keys returns every configurable key.
func Keys() []string {
	return append([]string(nil), keys...)
}

// SetValue writes one dotted key into the TOML file at path, keeping the
// other keys in place. The value is stored as typed by the user; Load
// decodes it against the field type.
func SetValue(path, key, value string) error {
	if !IsKey(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return err
	}

	section, field, _ := strings.Cut(key, ".")
	table, ok := doc[section].(map[string]any)
	if !ok {
		table = map[string]any{}
		doc[section] = table
	}
	table[field] = value

	out, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}

func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
