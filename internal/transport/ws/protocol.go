package ws

import (
	"time"

	"github.com/bytedance/sonic"

	"framecast-server-go/internal/domain/image"
)

// Frame types exchanged over the websocket. All frames are JSON text
// messages discriminated by "type".
const (
	frameHello       = "hello"
	frameImageUpdate = "image_update"
	framePing        = "ping"
	framePong        = "pong"
)

type helloFrame struct {
	Type         string `json:"type"`
	SubscriberID string `json:"subscriberId"`
	// HeartbeatInterval tells clients the expected ping cadence, seconds.
	HeartbeatInterval int `json:"heartbeatInterval"`
}

type imageUpdateFrame struct {
	Type  string      `json:"type"`
	Seq   uint64      `json:"seq"`
	Image image.Image `json:"image"`
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// inboundFrame is the minimal shape decoded off client messages.
type inboundFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// encodeImageUpdate builds the fan-out envelope. Broadcast encodes once and
// reuses the bytes for every subscriber.
func encodeImageUpdate(img image.Image) ([]byte, error) {
	return sonic.Marshal(imageUpdateFrame{
		Type:  frameImageUpdate,
		Seq:   img.Seq,
		Image: img,
	})
}

func encodeHello(subscriberID string, heartbeat time.Duration) ([]byte, error) {
	return sonic.Marshal(helloFrame{
		Type:              frameHello,
		SubscriberID:      subscriberID,
		HeartbeatInterval: int(heartbeat.Seconds()),
	})
}
