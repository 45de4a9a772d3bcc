package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"framecast-server-go/internal/platform/errors"
)

// Loader reads configuration from an optional yaml file layered over the
// defaults, with environment variables applied last.
type Loader struct {
	useDotEnv bool
	path      string
}

// NewLoader creates a loader with the default search order.
func NewLoader() *Loader {
	return &Loader{useDotEnv: true}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath pins the loader to a specific config file (useful for tests).
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// Result captures the loaded configuration and its origin path. Path is empty
// when only defaults and environment were used.
type Result struct {
	Config *Config
	Path   string
}

// Load assembles the effective configuration: defaults, then the first config
// file found, then environment overrides.
func (l *Loader) Load() (*Result, error) {
	if l.useDotEnv {
		if err := godotenv.Load(); err != nil {
			fmt.Println("no .env file found, using system environment variables")
		}
	}

	cfg := DefaultConfig()

	path := l.path
	if path == "" {
		path = firstExisting(
			os.Getenv("FRAMECAST_CONFIG"),
			"config.yaml",
			"configs/config.yaml",
		)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.KindConfig, "config.Load", "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.KindConfig, "config.Load", "parse config file", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Result{Config: cfg, Path: path}, nil
}

func firstExisting(candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// applyEnvOverrides lets deployment environments adjust the hot knobs without
// touching the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FRAMECAST_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTP.Port = port
		}
	}
	if v := os.Getenv("FRAMECAST_WS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.WebSocket.Port = port
		}
	}
	if v := os.Getenv("FRAMECAST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FRAMECAST_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("FRAMECAST_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("FRAMECAST_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("FRAMECAST_SQLITE_PATH"); v != "" {
		cfg.Store.SQLite.Path = v
	}
	if v := os.Getenv("FRAMECAST_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("FRAMECAST_ALLOW_PRIVATE_NETWORKS"); v != "" {
		cfg.Security.AllowPrivateNetworks = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.HTTP.Port <= 0 || c.Server.HTTP.Port > 65535 {
		return errors.New(errors.KindConfig, "config.Validate",
			fmt.Sprintf("invalid http port %d", c.Server.HTTP.Port))
	}
	if c.Server.WebSocket.Enabled && (c.Server.WebSocket.Port <= 0 || c.Server.WebSocket.Port > 65535) {
		return errors.New(errors.KindConfig, "config.Validate",
			fmt.Sprintf("invalid websocket port %d", c.Server.WebSocket.Port))
	}
	if c.Security.MaxPayloadBytes <= 0 {
		return errors.New(errors.KindConfig, "config.Validate", "max_payload_bytes must be positive")
	}
	if len(c.Security.AllowedFormats) == 0 {
		return errors.New(errors.KindConfig, "config.Validate", "allowed_formats must not be empty")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "memory", "sqlite", "redis":
	default:
		return errors.New(errors.KindConfig, "config.Validate",
			fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return errors.New(errors.KindConfig, "config.Validate", "auth enabled without a secret")
	}
	if c.Broadcast.SendBuffer < 0 {
		return errors.New(errors.KindConfig, "config.Validate", "send_buffer must not be negative")
	}
	return nil
}
