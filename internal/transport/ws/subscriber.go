package ws

import (
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Subscriber states. CLOSED is terminal; a reconnecting client gets a fresh
// subscriber in JOINING.
const (
	stateJoining int32 = iota
	stateLive
	stateClosed
)

// Subscriber is one live consumer of image updates. A writer goroutine
// drains the outbound channel so a stalled peer never blocks the hub, and a
// reader goroutine answers heartbeat pings.
type Subscriber struct {
	id   string
	conn *Connection
	hub  *Hub

	// sendMu orders the seq guard and the enqueue as one step so no
	// subscriber can observe updates out of commit order.
	sendMu  sync.Mutex
	lastSeq uint64
	out     chan []byte

	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(conn *Connection, hub *Hub, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	return &Subscriber{
		id:   conn.ID(),
		conn: conn,
		hub:  hub,
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// State reports the lifecycle phase for stats and tests.
func (s *Subscriber) State() string {
	switch s.state.Load() {
	case stateLive:
		return "live"
	case stateClosed:
		return "closed"
	default:
		return "joining"
	}
}

func (s *Subscriber) markLive() {
	s.state.CompareAndSwap(stateJoining, stateLive)
}

// trySend enqueues a pre-encoded frame without blocking. Frames carrying a
// sequence at or below the last accepted one are suppressed so the client
// never sees the current image move backward. A full buffer reports failure
// and leaves removal to the caller.
func (s *Subscriber) trySend(seq uint64, frame []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.state.Load() == stateClosed {
		return false
	}
	if seq > 0 && seq <= s.lastSeq {
		return true
	}

	select {
	case s.out <- frame:
		if seq > 0 {
			s.lastSeq = seq
		}
		return true
	default:
		return false
	}
}

func (s *Subscriber) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.hub.Unregister(s.id, err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) readLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.hub.Unregister(s.id, err)
			return
		}
		s.handleInbound(payload)
	}
}

// handleInbound answers ping frames and ignores everything else. Reading
// the frame already refreshed the liveness clock.
func (s *Subscriber) handleInbound(payload []byte) {
	var frame inboundFrame
	if err := sonic.Unmarshal(payload, &frame); err != nil {
		s.hub.logger.DebugTag("WebSocket", "subscriber %s sent an undecodable frame", s.id)
		return
	}

	switch frame.Type {
	case framePing:
		pong, err := sonic.Marshal(pongFrame{Type: framePong, Timestamp: frame.Timestamp})
		if err != nil {
			return
		}
		s.trySend(0, pong)
	default:
		s.hub.logger.DebugTag("WebSocket", "subscriber %s sent unknown frame type %q", s.id, frame.Type)
	}
}

// Close moves the subscriber to its terminal state and closes the socket.
// Safe to call any number of times.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		close(s.done)
		_ = s.conn.Close()
	})
}
