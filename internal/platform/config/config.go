package config

import (
	"time"
)

type Config struct {
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Web           WebConfig           `yaml:"web" mapstructure:"web"`
	Security      SecurityConfig      `yaml:"security" mapstructure:"security"`
	Broadcast     BroadcastConfig     `yaml:"broadcast" mapstructure:"broadcast"`
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Auth          AuthConfig          `yaml:"auth" mapstructure:"auth"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

type ServerConfig struct {
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
}

type HTTPConfig struct {
	IP   string `yaml:"ip" mapstructure:"ip"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	IP      string `yaml:"ip" mapstructure:"ip"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

type LogConfig struct {
	Level string `yaml:"log_level" mapstructure:"log_level"`
	Dir   string `yaml:"log_dir" mapstructure:"log_dir"`
	File  string `yaml:"log_file" mapstructure:"log_file"`
}

type WebConfig struct {
	StaticDir string `yaml:"static_dir" mapstructure:"static_dir"`
}

// SecurityConfig bounds what the ingestion paths accept and how remote
// fetches behave.
type SecurityConfig struct {
	MaxPayloadBytes      int64    `yaml:"max_payload_bytes" mapstructure:"max_payload_bytes"`
	FetchTimeout         string   `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
	FetchUserAgent       string   `yaml:"fetch_user_agent" mapstructure:"fetch_user_agent"`
	MaxRedirects         int      `yaml:"max_redirects" mapstructure:"max_redirects"`
	AllowedFormats       []string `yaml:"allowed_formats" mapstructure:"allowed_formats"`
	AllowPrivateNetworks bool     `yaml:"allow_private_networks" mapstructure:"allow_private_networks"`
	EnableFingerprint    bool     `yaml:"enable_fingerprint" mapstructure:"enable_fingerprint"`
}

// FetchTimeoutDuration parses the configured fetch timeout, falling back to
// ten seconds on absent or malformed values.
func (s SecurityConfig) FetchTimeoutDuration() time.Duration {
	return parseDuration(s.FetchTimeout, 10*time.Second)
}

// BroadcastConfig tunes the websocket hub.
type BroadcastConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	LivenessTimeout   string `yaml:"liveness_timeout" mapstructure:"liveness_timeout"`
	SendBuffer        int    `yaml:"send_buffer" mapstructure:"send_buffer"`
}

// HeartbeatIntervalDuration parses the heartbeat interval, default 30s.
func (b BroadcastConfig) HeartbeatIntervalDuration() time.Duration {
	return parseDuration(b.HeartbeatInterval, 30*time.Second)
}

// LivenessTimeoutDuration parses the liveness window, default twice the
// heartbeat interval.
func (b BroadcastConfig) LivenessTimeoutDuration() time.Duration {
	return parseDuration(b.LivenessTimeout, 2*b.HeartbeatIntervalDuration())
}

type StoreConfig struct {
	Driver     string            `yaml:"driver" mapstructure:"driver"`
	MaxHistory int               `yaml:"max_history" mapstructure:"max_history"`
	SQLite     SQLiteStoreConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Redis      RedisStoreConfig  `yaml:"redis,omitempty" mapstructure:"redis"`
}

type SQLiteStoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

type RedisStoreConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Username  string `yaml:"username,omitempty" mapstructure:"username"`
	Password  string `yaml:"password,omitempty" mapstructure:"password"`
	DB        int    `yaml:"db,omitempty" mapstructure:"db"`
	Namespace string `yaml:"namespace,omitempty" mapstructure:"namespace"`
}

// AuthConfig gates the ingestion endpoints behind a bearer token when
// enabled. Disabled by default.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Secret   string `yaml:"secret" mapstructure:"secret"`
	TokenTTL string `yaml:"token_ttl" mapstructure:"token_ttl"`
}

// TokenTTLDuration parses the token lifetime, default 24h.
func (a AuthConfig) TokenTTLDuration() time.Duration {
	return parseDuration(a.TokenTTL, 24*time.Hour)
}

type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// DefaultConfig returns the configuration the server runs with when no file
// or environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTP:      HTTPConfig{IP: "0.0.0.0", Port: 8080},
			WebSocket: WebSocketConfig{Enabled: true, IP: "0.0.0.0", Port: 8081},
		},
		Log: LogConfig{
			Level: "INFO",
			Dir:   "logs",
			File:  "server.log",
		},
		Web: WebConfig{
			StaticDir: "web",
		},
		Security: SecurityConfig{
			MaxPayloadBytes:   10 * 1024 * 1024,
			FetchTimeout:      "10s",
			FetchUserAgent:    "framecast/1.0",
			MaxRedirects:      3,
			AllowedFormats:    []string{"jpeg", "png", "gif", "webp"},
			EnableFingerprint: true,
		},
		Broadcast: BroadcastConfig{
			HeartbeatInterval: "30s",
			SendBuffer:        16,
		},
		Store: StoreConfig{
			Driver: "memory",
			SQLite: SQLiteStoreConfig{Path: "data/framecast.db"},
			Redis:  RedisStoreConfig{Addr: "localhost:6379", Namespace: "framecast"},
		},
		Auth: AuthConfig{
			Enabled:  false,
			TokenTTL: "24h",
		},
		Observability: ObservabilityConfig{Enabled: true},
	}
}
