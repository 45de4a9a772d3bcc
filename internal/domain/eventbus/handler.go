package eventbus

import (
	"framecast-server-go/internal/platform/logging"
)

// EventHandler receives events already projected into their flat payloads.
type EventHandler interface {
	Handle(eventType string, data interface{})
}

// LogHandler writes pipeline events to the structured log. It is the
// default sink when no journal is configured.
type LogHandler struct {
	logger *logging.Logger
}

// NewLogHandler creates a handler bound to logger.
func NewLogHandler(logger *logging.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

// Handle logs one event.
func (h *LogHandler) Handle(eventType string, data interface{}) {
	switch d := data.(type) {
	case ImageCommittedData:
		h.logger.InfoTag("EventBus", "image committed id=%s seq=%d source=%s format=%s size=%d degraded=%v",
			d.ImageID, d.Seq, d.SourceType, d.Format, d.SizeBytes, d.Degraded)
	case ImageRejectedData:
		h.logger.WarnTag("EventBus", "image rejected source=%s kind=%s reason=%s",
			d.SourceType, d.Kind, d.Reason)
	case SubscriberEventData:
		h.logger.InfoTag("EventBus", "%s subscriber=%s remote=%s total=%d",
			eventType, d.SubscriberID, d.RemoteAddr, d.Subscribers)
	case SystemEventData:
		h.logger.ErrorTag("EventBus", "%s component=%s message=%s error=%s",
			eventType, d.Component, d.Message, d.Error)
	default:
		h.logger.DebugTag("EventBus", "unhandled event type %s", eventType)
	}
}
