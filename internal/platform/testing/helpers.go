package testing

import (
	"testing"

	"framecast-server-go/internal/platform/config"
	"framecast-server-go/internal/platform/logging"
)

// SetupTestConfig returns a config suitable for unit tests: loopback
// addresses, a small payload ceiling and a fast heartbeat.
func SetupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.HTTP = config.HTTPConfig{IP: "127.0.0.1", Port: 8080}
	cfg.Server.WebSocket = config.WebSocketConfig{Enabled: true, IP: "127.0.0.1", Port: 8081}
	cfg.Log = config.LogConfig{
		Level: "DEBUG",
		Dir:   t.TempDir(),
		File:  "test.log",
	}
	cfg.Security.MaxPayloadBytes = 1 << 20
	cfg.Broadcast.HeartbeatInterval = "100ms"
	cfg.Broadcast.LivenessTimeout = "200ms"

	return cfg
}

// SetupTestLogger builds a logger writing into a per-test temp directory.
func SetupTestLogger(t *testing.T) *logging.Logger {
	t.Helper()

	cfg := SetupTestConfig(t)
	logger, err := logging.NewLogger(&logging.LogCfg{
		LogLevel: cfg.Log.Level,
		LogDir:   cfg.Log.Dir,
		LogFile:  cfg.Log.File,
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	return logger
}

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

func AssertEqual(t *testing.T, expected, actual interface{}) {
	t.Helper()
	if expected != actual {
		t.Fatalf("expected %v, got %v", expected, actual)
	}
}
