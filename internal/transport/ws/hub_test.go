package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"framecast-server-go/internal/domain/image"
	"framecast-server-go/internal/domain/image/store"
	platformtesting "framecast-server-go/internal/platform/testing"
)

func newTestHub(t *testing.T, heartbeat, liveness time.Duration) (*Hub, image.Store) {
	t.Helper()

	st, err := store.New(store.Config{Driver: store.DriverMemory}, store.Dependencies{})
	if err != nil {
		t.Fatalf("failed to build memory store: %v", err)
	}
	hub := NewHub(HubOptions{
		Store:      st,
		Logger:     platformtesting.SetupTestLogger(t),
		Heartbeat:  heartbeat,
		Liveness:   liveness,
		SendBuffer: 8,
	})
	t.Cleanup(func() { hub.CloseAll(ErrHubShutdown) })
	return hub, st
}

func newTestEndpoint(t *testing.T, hub *Hub) string {
	t.Helper()

	cfg := platformtesting.SetupTestConfig(t)
	srv := NewServer(cfg, hub.logger, hub)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleUpgrade))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialTestHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func readFrame(t *testing.T, client *websocket.Conn, out interface{}) {
	t.Helper()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if err := sonic.Unmarshal(payload, out); err != nil {
		t.Fatalf("failed to decode frame %s: %v", payload, err)
	}
}

func testImage(id string) image.Image {
	return image.Image{
		ID:         id,
		SourceType: image.SourceInline,
		Format:     "png",
		Width:      1,
		Height:     1,
		SizeBytes:  68,
		Payload:    "data:image/png;base64,iVBORw0KGgo=",
		IngestedAt: time.Now().UTC(),
	}
}

func TestHubSendsHelloOnConnect(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	if hello.Type != frameHello {
		t.Fatalf("expected hello frame, got %q", hello.Type)
	}
	if hello.SubscriberID == "" {
		t.Fatal("hello frame is missing the subscriber id")
	}
	if hello.HeartbeatInterval != 1 {
		t.Fatalf("expected heartbeat interval 1s, got %d", hello.HeartbeatInterval)
	}
	if hub.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Count())
	}
}

func TestHubSendsCurrentImageOnJoin(t *testing.T) {
	hub, st := newTestHub(t, time.Second, 0)

	committed, err := st.Commit(context.Background(), testImage("joined-before"))
	if err != nil {
		t.Fatalf("failed to commit image: %v", err)
	}

	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	var update imageUpdateFrame
	readFrame(t, client, &update)

	if update.Type != frameImageUpdate {
		t.Fatalf("expected image_update frame, got %q", update.Type)
	}
	if update.Seq != committed.Seq {
		t.Fatalf("expected catch-up seq %d, got %d", committed.Seq, update.Seq)
	}
	if update.Image.ID != committed.ID {
		t.Fatalf("expected image %s, got %s", committed.ID, update.Image.ID)
	}
}

func TestHubJoinWithEmptyStoreSendsNoCatchUp(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatal("expected no frame after hello when the store is empty")
	}
}

func TestHubBroadcastReachesAllSubscribers(t *testing.T) {
	hub, st := newTestHub(t, time.Second, 0)
	url := newTestEndpoint(t, hub)

	first := dialTestHub(t, url)
	second := dialTestHub(t, url)

	var hello helloFrame
	readFrame(t, first, &hello)
	readFrame(t, second, &hello)

	committed, err := st.Commit(context.Background(), testImage("fanout"))
	if err != nil {
		t.Fatalf("failed to commit image: %v", err)
	}
	hub.Broadcast(committed)

	for _, client := range []*websocket.Conn{first, second} {
		var update imageUpdateFrame
		readFrame(t, client, &update)
		if update.Seq != committed.Seq || update.Image.ID != committed.ID {
			t.Fatalf("expected seq %d image %s, got seq %d image %s",
				committed.Seq, committed.ID, update.Seq, update.Image.ID)
		}
	}
}

func TestHubSuppressesStaleBroadcasts(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	newer := testImage("newer")
	newer.Seq = 5
	stale := testImage("stale")
	stale.Seq = 3
	newest := testImage("newest")
	newest.Seq = 7

	hub.Broadcast(newer)
	hub.Broadcast(stale)
	hub.Broadcast(newest)

	var update imageUpdateFrame
	readFrame(t, client, &update)
	if update.Seq != 5 {
		t.Fatalf("expected seq 5 first, got %d", update.Seq)
	}
	readFrame(t, client, &update)
	if update.Seq != 7 {
		t.Fatalf("expected the stale seq 3 to be suppressed, got seq %d", update.Seq)
	}
	if hub.Count() != 1 {
		t.Fatalf("suppression must not remove the subscriber, got count %d", hub.Count())
	}
}

func TestHubAnswersPingWithPong(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	ping := []byte(`{"type":"ping","timestamp":1724500000}`)
	if err := client.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}

	var pong pongFrame
	readFrame(t, client, &pong)
	if pong.Type != framePong {
		t.Fatalf("expected pong frame, got %q", pong.Type)
	}
	if pong.Timestamp != 1724500000 {
		t.Fatalf("expected pong to echo timestamp, got %d", pong.Timestamp)
	}
}

func TestHubIgnoresUnknownFrames(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
	if err := client.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}

	// The connection must survive both frames.
	time.Sleep(100 * time.Millisecond)
	if hub.Count() != 1 {
		t.Fatalf("expected subscriber to survive unknown frames, got count %d", hub.Count())
	}
}

func TestHubRemovesSlowConsumer(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)

	// A subscriber whose write loop never runs: the buffer fills and the
	// next broadcast must drop it without touching anyone else.
	slow := newSubscriber(NewConnection("slow", nil), hub, 1)
	hub.mu.Lock()
	hub.subscribers[slow.id] = slow
	hub.mu.Unlock()

	healthy := dialTestHub(t, newTestEndpoint(t, hub))
	var hello helloFrame
	readFrame(t, healthy, &hello)

	first := testImage("first")
	first.Seq = 1
	second := testImage("second")
	second.Seq = 2

	hub.Broadcast(first)
	hub.Broadcast(second)

	deadline := time.Now().Add(time.Second)
	for hub.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Count() != 1 {
		t.Fatalf("expected slow consumer to be removed, got count %d", hub.Count())
	}
	if slow.State() != "closed" {
		t.Fatalf("expected slow consumer to be closed, got %s", slow.State())
	}

	var update imageUpdateFrame
	readFrame(t, healthy, &update)
	if update.Seq != 1 {
		t.Fatalf("expected healthy subscriber to get seq 1, got %d", update.Seq)
	}
	readFrame(t, healthy, &update)
	if update.Seq != 2 {
		t.Fatalf("expected healthy subscriber to get seq 2, got %d", update.Seq)
	}
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	hub.Unregister(hello.SubscriberID, ErrSlowConsumer)
	hub.Unregister(hello.SubscriberID, ErrSlowConsumer)
	hub.Unregister("never-existed", ErrSlowConsumer)

	if hub.Count() != 0 {
		t.Fatalf("expected empty hub, got count %d", hub.Count())
	}
}

func TestHubReapsSilentSubscribers(t *testing.T) {
	hub, _ := newTestHub(t, 50*time.Millisecond, 100*time.Millisecond)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	// The client never pings, so the reaper must drop it once the
	// liveness window passes.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if hub.Count() != 0 {
		t.Fatalf("expected silent subscriber to be reaped, got count %d", hub.Count())
	}
}

func TestHubPingKeepsSubscriberAlive(t *testing.T) {
	hub, _ := newTestHub(t, 50*time.Millisecond, 150*time.Millisecond)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	// Ping faster than the liveness window for half a second.
	for i := 0; i < 10; i++ {
		if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("failed to send ping: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if hub.Count() != 1 {
		t.Fatalf("expected pinging subscriber to stay connected, got count %d", hub.Count())
	}
}

func TestHubCloseAllRejectsNewRegistrations(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	hub.CloseAll(ErrHubShutdown)
	if hub.Count() != 0 {
		t.Fatalf("expected empty hub after CloseAll, got count %d", hub.Count())
	}

	_, err := hub.Register(context.Background(), NewConnection("late", nil))
	if err != ErrHubShutdown {
		t.Fatalf("expected ErrHubShutdown, got %v", err)
	}
}

func TestSubscriberTrySendGuardsSequence(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	sub := newSubscriber(NewConnection("guard", nil), hub, 4)

	if !sub.trySend(5, []byte("a")) {
		t.Fatal("expected first send to succeed")
	}
	if !sub.trySend(3, []byte("b")) {
		t.Fatal("suppressed sends must not report failure")
	}
	if !sub.trySend(7, []byte("c")) {
		t.Fatal("expected newer send to succeed")
	}

	if got := len(sub.out); got != 2 {
		t.Fatalf("expected 2 enqueued frames, got %d", got)
	}
	if sub.lastSeq != 7 {
		t.Fatalf("expected lastSeq 7, got %d", sub.lastSeq)
	}
}

func TestSubscriberTrySendReportsFullBuffer(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	sub := newSubscriber(NewConnection("full", nil), hub, 1)

	if !sub.trySend(1, []byte("a")) {
		t.Fatal("expected first send to fill the buffer")
	}
	if sub.trySend(2, []byte("b")) {
		t.Fatal("expected second send to fail on the full buffer")
	}
	if sub.lastSeq != 1 {
		t.Fatalf("failed send must not advance lastSeq, got %d", sub.lastSeq)
	}
}

func TestHubStats(t *testing.T) {
	hub, _ := newTestHub(t, time.Second, 0)
	client := dialTestHub(t, newTestEndpoint(t, hub))

	var hello helloFrame
	readFrame(t, client, &hello)

	stats := hub.Stats()
	if stats["subscribers"] != 1 {
		t.Fatalf("expected 1 subscriber in stats, got %v", stats["subscribers"])
	}
	if stats["heartbeat_seconds"] != 1 {
		t.Fatalf("expected heartbeat_seconds 1, got %v", stats["heartbeat_seconds"])
	}
}
