package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	platformerrors "framecast-server-go/internal/platform/errors"
	platformlogging "framecast-server-go/internal/platform/logging"
	"framecast-server-go/internal/transport/ws"
)

// writeSmokeConfig pins FRAMECAST_CONFIG at a throwaway config so the init
// graph never touches the working directory or a real database.
func writeSmokeConfig(t *testing.T) {
	t.Helper()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.yaml")
	content := fmt.Sprintf(`server:
  http:
    ip: "127.0.0.1"
    port: 18080
  websocket:
    enabled: true
    ip: "127.0.0.1"
    port: 18081
log:
  log_level: "info"
  log_dir: %q
  log_file: "smoke.log"
store:
  driver: "memory"
  max_history: 4
auth:
  enabled: true
  secret: "smoke-test-secret"
  token_ttl: "1h"
`, filepath.Join(tmp, "logs"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FRAMECAST_CONFIG", path)
}

func TestSmokeLoadConfigAndLogger(t *testing.T) {
	writeSmokeConfig(t)

	config, logger, err := loadConfigAndLogger()
	if err != nil {
		t.Fatalf("loadConfigAndLogger failed: %v", err)
	}
	if config == nil {
		t.Fatal("config is nil")
	}
	if logger == nil {
		t.Fatal("logger is nil")
	}
	if config.Server.HTTP.Port != 18080 {
		t.Errorf("http port not taken from config file: got %d", config.Server.HTTP.Port)
	}
	logger.Close()
}

func TestInitGraphOrder(t *testing.T) {
	steps := InitGraph()
	want := []string{
		"config:load",
		"logging:init",
		"observability:setup",
		"storage:init",
		"store:init",
		"ingest:init",
		"hub:init",
		"auth:init",
		"events:wire",
	}
	if len(steps) != len(want) {
		t.Fatalf("unexpected step count: got %d want %d", len(steps), len(want))
	}
	for i, step := range steps {
		if step.ID != want[i] {
			t.Fatalf("step %d mismatch: got %s want %s", i, step.ID, want[i])
		}
	}
}

func TestInitGraphDependenciesComeFirst(t *testing.T) {
	seen := map[string]bool{}
	for _, step := range InitGraph() {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				t.Errorf("step %s depends on %s which does not precede it", step.ID, dep)
			}
		}
		seen[step.ID] = true
	}
}

func TestExecuteInitGraph(t *testing.T) {
	writeSmokeConfig(t)

	state := &appState{}
	if err := executeInitSteps(context.Background(), InitGraph(), state); err != nil {
		t.Fatalf("executeInitSteps failed: %v", err)
	}
	if state.config == nil {
		t.Fatal("config is nil after init")
	}
	if state.logger == nil {
		t.Fatal("logger is nil after init")
	}
	if state.observabilityShutdown == nil {
		t.Fatal("observability shutdown hook not set")
	}
	if state.store == nil {
		t.Fatal("image store is nil after init")
	}
	if state.ingestor == nil {
		t.Fatal("ingestor is nil after init")
	}
	if state.hub == nil {
		t.Fatal("hub is nil after init")
	}
	if state.tokens == nil {
		t.Fatal("token manager is nil with auth enabled")
	}
	if state.journal != nil {
		t.Error("memory driver should not build an event journal")
	}

	state.hub.CloseAll(ws.ErrHubShutdown)
	if err := state.store.Close(); err != nil {
		t.Errorf("store close: %v", err)
	}
	state.observabilityShutdown(context.Background())
	state.logger.Close()
}

func TestExecuteInitStepsRejectsUnknownDependency(t *testing.T) {
	steps := []initStep{
		{
			ID:        "late",
			Title:     "Depends on a missing step",
			DependsOn: []string{"never-ran"},
			Execute:   func(context.Context, *appState) error { return nil },
		},
	}
	err := executeInitSteps(context.Background(), steps, &appState{})
	if err == nil {
		t.Fatal("expected dependency error")
	}
	if !strings.Contains(err.Error(), "never-ran") {
		t.Errorf("error should name the missing dependency: %v", err)
	}
	if !platformerrors.IsKind(err, platformerrors.KindBootstrap) {
		t.Errorf("dependency failure should carry the bootstrap kind: %v", err)
	}
}

func TestExecuteInitStepsWrapsErrors(t *testing.T) {
	plain := []initStep{
		{
			ID:    "store:test",
			Title: "Fails with a plain error",
			Kind:  platformerrors.KindStore,
			Execute: func(context.Context, *appState) error {
				return errors.New("disk on fire")
			},
		},
	}
	err := executeInitSteps(context.Background(), plain, &appState{})
	if !platformerrors.IsKind(err, platformerrors.KindStore) {
		t.Errorf("plain error should be wrapped with the step kind: %v", err)
	}

	typed := []initStep{
		{
			ID:    "store:test",
			Title: "Fails with a typed error",
			Kind:  platformerrors.KindStore,
			Execute: func(context.Context, *appState) error {
				return platformerrors.New(platformerrors.KindConfig, "store:test", "bad value")
			},
		},
	}
	err = executeInitSteps(context.Background(), typed, &appState{})
	if !platformerrors.IsKind(err, platformerrors.KindConfig) {
		t.Errorf("typed error should pass through unwrapped: %v", err)
	}
}

func TestLogBootstrapGraphOutput(t *testing.T) {
	tmp := t.TempDir()
	logCfg := &platformlogging.LogCfg{
		LogLevel: "info",
		LogDir:   tmp,
		LogFile:  "graph.log",
	}
	logger, err := platformlogging.NewLogger(logCfg)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logBootstrapGraph(logger, InitGraph())
	logger.Close()

	data, err := os.ReadFile(filepath.Join(tmp, logCfg.LogFile))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "initialisation order") {
		t.Fatalf("graph header missing in log output: %s", content)
	}
	for _, id := range []string{
		"config:load",
		"logging:init",
		"observability:setup",
		"storage:init",
		"store:init",
		"ingest:init",
		"hub:init",
		"auth:init",
		"events:wire",
	} {
		if !strings.Contains(content, id) {
			t.Fatalf("expected graph output to contain %q, got: %s", id, content)
		}
	}
}
