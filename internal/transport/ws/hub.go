package ws

import (
	"context"
	"sync"
	"time"

	"framecast-server-go/internal/domain/eventbus"
	"framecast-server-go/internal/domain/image"
	"framecast-server-go/internal/platform/logging"
	"framecast-server-go/internal/platform/observability"
)

const (
	defaultHeartbeat  = 30 * time.Second
	defaultSendBuffer = 16
)

// Hub fans committed images out to every connected subscriber. One slow or
// dead peer only ever costs itself: sends never block, failures remove the
// offending subscriber and the rest keep receiving.
type Hub struct {
	store  image.Store
	logger *logging.Logger

	heartbeat  time.Duration
	liveness   time.Duration
	sendBuffer int

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	stop     chan struct{}
	stopOnce sync.Once
}

// HubOptions configures a Hub. Store is required; everything else has a
// working default.
type HubOptions struct {
	Store      image.Store
	Logger     *logging.Logger
	Heartbeat  time.Duration
	Liveness   time.Duration
	SendBuffer int
}

// NewHub builds a hub and starts its liveness reaper.
func NewHub(opts HubOptions) *Hub {
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	liveness := opts.Liveness
	if liveness <= 0 {
		liveness = 2 * heartbeat
	}
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger
	}

	h := &Hub{
		store:       opts.Store,
		logger:      logger,
		heartbeat:   heartbeat,
		liveness:    liveness,
		sendBuffer:  buffer,
		subscribers: make(map[string]*Subscriber),
		stop:        make(chan struct{}),
	}
	go h.reapLoop()
	return h
}

// Register adopts an upgraded connection. The subscriber is placed in the
// registry before catch-up so an update committed during the handshake is
// never lost; the sequence guard suppresses whichever of the two frames
// arrives second.
func (h *Hub) Register(ctx context.Context, conn *Connection) (*Subscriber, error) {
	sub := newSubscriber(conn, h, h.sendBuffer)

	h.mu.Lock()
	select {
	case <-h.stop:
		h.mu.Unlock()
		_ = conn.Close()
		return nil, ErrHubShutdown
	default:
	}
	h.subscribers[sub.id] = sub
	total := len(h.subscribers)
	h.mu.Unlock()

	go sub.writeLoop()
	go sub.readLoop()

	hello, err := encodeHello(sub.id, h.heartbeat)
	if err != nil {
		h.Unregister(sub.id, err)
		return nil, err
	}
	sub.trySend(0, hello)

	// Catch-up happens outside the hub lock: the store fetch must never
	// stall other registrations or broadcasts.
	current, ok, err := h.store.Current(ctx)
	if err != nil {
		h.logger.WarnTag("WebSocket", "catch-up fetch failed for subscriber %s: %v", sub.id, err)
	} else if ok {
		if frame, encErr := encodeImageUpdate(current); encErr == nil {
			sub.trySend(current.Seq, frame)
		}
	}

	sub.markLive()
	h.logger.InfoTag("WebSocket", "subscriber %s connected from %s (%d online)", sub.id, conn.RemoteAddr(), total)
	eventbus.PublishAsync(eventbus.EventSubscriberJoined, eventbus.SubscriberEventData{
		SubscriberID: sub.id,
		RemoteAddr:   conn.RemoteAddr(),
		Subscribers:  total,
		OccurredAt:   time.Now().UTC(),
	})
	return sub, nil
}

// Broadcast delivers one committed image to every live subscriber. The frame
// is encoded once and shared. Subscribers whose buffers are full are removed
// as slow consumers; everyone else is unaffected.
func (h *Hub) Broadcast(img image.Image) {
	frame, err := encodeImageUpdate(img)
	if err != nil {
		h.logger.ErrorTag("WebSocket", "failed to encode update for image %s: %v", img.ID, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	sent := 0
	for _, sub := range targets {
		if sub.trySend(img.Seq, frame) {
			sent++
			continue
		}
		observability.IncrCounter(observability.CounterBroadcastDropped, 1)
		h.Unregister(sub.id, ErrSlowConsumer)
	}
	if sent > 0 {
		observability.IncrCounter(observability.CounterBroadcastSent, uint64(sent))
	}
	h.logger.DebugTag("WebSocket", "broadcast seq %d reached %d/%d subscribers", img.Seq, sent, len(targets))
}

// Unregister removes a subscriber and closes its connection. Calling it for
// an id that already left is a no-op, so socket errors racing the reaper are
// harmless.
func (h *Hub) Unregister(id string, reason error) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	total := len(h.subscribers)
	h.mu.Unlock()
	if !ok {
		return
	}

	sub.Close()
	h.logger.InfoTag("WebSocket", "subscriber %s disconnected: %v (%d online)", id, reason, total)
	eventbus.PublishAsync(eventbus.EventSubscriberLeft, eventbus.SubscriberEventData{
		SubscriberID: id,
		Subscribers:  total,
		Reason:       reasonString(reason),
		OccurredAt:   time.Now().UTC(),
	})
}

func (h *Hub) reapLoop() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.reapStale()
		case <-h.stop:
			return
		}
	}
}

// reapStale removes subscribers whose sockets have been silent past the
// liveness window. Any inbound frame, ping included, resets the clock.
func (h *Hub) reapStale() {
	h.mu.RLock()
	var stale []*Subscriber
	for _, sub := range h.subscribers {
		if sub.conn.IsStale(h.liveness) {
			stale = append(stale, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range stale {
		observability.IncrCounter(observability.CounterSubscriberReaped, 1)
		h.Unregister(sub.id, ErrLivenessTimeout)
	}
}

// CloseAll stops the reaper and disconnects every subscriber. Used on
// shutdown; the hub accepts no registrations afterwards.
func (h *Hub) CloseAll(reason error) {
	h.stopOnce.Do(func() {
		close(h.stop)
	})

	h.mu.Lock()
	remaining := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		remaining = append(remaining, sub)
	}
	h.mu.Unlock()

	for _, sub := range remaining {
		h.Unregister(sub.id, reason)
	}
}

// Count reports how many subscribers are registered.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Stats exposes hub state for the status endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	states := make(map[string]int)
	for _, sub := range h.subscribers {
		states[sub.State()]++
	}
	total := len(h.subscribers)
	h.mu.RUnlock()

	return map[string]any{
		"subscribers":        total,
		"states":             states,
		"heartbeat_seconds":  int(h.heartbeat.Seconds()),
		"liveness_seconds":   int(h.liveness.Seconds()),
		"send_buffer_frames": h.sendBuffer,
	}
}

func reasonString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
