package system

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"framecast-server-go/internal/domain/image"
	imagestore "framecast-server-go/internal/domain/image/store"
	"framecast-server-go/internal/platform/config"
	platformtesting "framecast-server-go/internal/platform/testing"
	"framecast-server-go/internal/transport/ws"
)

func testEngine(t *testing.T, hub *ws.Hub, store image.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := platformtesting.SetupTestLogger(t)

	svc, err := NewService(config.DefaultConfig(), logger, hub, store, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	engine := gin.New()
	if err := svc.Register(context.Background(), engine.Group("/api")); err != nil {
		t.Fatalf("register: %v", err)
	}
	return engine
}

func statusPayload(t *testing.T, engine *gin.Engine, path string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (body %s)", rec.Code, rec.Body.String())
	}

	var env struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.Success {
		t.Fatalf("expected success envelope: %s", rec.Body.String())
	}
	return env.Data
}

func TestHealthEndpoint(t *testing.T) {
	engine := testEngine(t, nil, nil)

	data := statusPayload(t, engine, "/api/system/health")
	if data["status"] != "up" {
		t.Errorf("health payload: got %v", data)
	}
}

func TestStatusEndpointReportsRuntimeAndStore(t *testing.T) {
	store, err := imagestore.New(imagestore.Config{Driver: imagestore.DriverMemory, MaxHistory: 4}, imagestore.Dependencies{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Commit(context.Background(), image.Image{
		ID:         "seed-1",
		SourceType: image.SourceUpload,
		Format:     "png",
		Payload:    "data:image/png;base64,AAAA",
		SizeBytes:  3,
		IngestedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	engine := testEngine(t, nil, store)
	data := statusPayload(t, engine, "/api/system/status")

	if _, ok := data["uptime_seconds"]; !ok {
		t.Error("status should report uptime")
	}
	if g, ok := data["goroutines"].(float64); !ok || g < 1 {
		t.Errorf("status should report goroutines, got %v", data["goroutines"])
	}
	if _, ok := data["hub"]; ok {
		t.Error("hub block should be absent when no hub is wired")
	}

	storeBlock, ok := data["store"].(map[string]interface{})
	if !ok {
		t.Fatalf("store block missing: %v", data)
	}
	if images, ok := storeBlock["images"].(float64); !ok || images != 1 {
		t.Errorf("store image count: got %v", storeBlock["images"])
	}
}

func TestStatusEndpointReportsHub(t *testing.T) {
	store, err := imagestore.New(imagestore.Config{Driver: imagestore.DriverMemory, MaxHistory: 4}, imagestore.Dependencies{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	hub := ws.NewHub(ws.HubOptions{Store: store, Heartbeat: time.Minute, Liveness: 2 * time.Minute})
	t.Cleanup(func() { hub.CloseAll(ws.ErrHubShutdown) })

	engine := testEngine(t, hub, store)
	data := statusPayload(t, engine, "/api/system/status")

	hubBlock, ok := data["hub"].(map[string]interface{})
	if !ok {
		t.Fatalf("hub block missing: %v", data)
	}
	if subs, ok := hubBlock["subscribers"].(float64); !ok || subs != 0 {
		t.Errorf("subscriber count: got %v", hubBlock["subscribers"])
	}
	if hb, ok := hubBlock["heartbeat_seconds"].(float64); !ok || hb != 60 {
		t.Errorf("heartbeat seconds: got %v", hubBlock["heartbeat_seconds"])
	}
}
