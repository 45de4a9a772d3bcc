package eventbus

import "time"

// Topics published across the pipeline. Handlers subscribe by constant,
// never by literal string.
const (
	// EventImageCommitted fires after a new image has been committed to
	// the store. The single argument is the committed image record.
	EventImageCommitted = "image:committed"

	// EventImageRejected fires when an ingestion attempt is refused
	// before reaching the store. Argument: ImageRejectedData.
	EventImageRejected = "image:rejected"

	// EventSubscriberJoined fires when a live connection finishes its
	// catch-up and enters the broadcast set. Argument: SubscriberEventData.
	EventSubscriberJoined = "subscriber:joined"

	// EventSubscriberLeft fires when a connection leaves the broadcast
	// set, whether by its own close or by reaping. Argument: SubscriberEventData.
	EventSubscriberLeft = "subscriber:left"

	// EventSystemError fires for faults worth surfacing outside their
	// component. Argument: SystemEventData.
	EventSystemError = "system:error"
)

// ImageCommittedData is the flat projection of a commit used by the
// journal and log handlers. The broadcast path receives the full record
// instead.
type ImageCommittedData struct {
	ImageID    string    `json:"image_id"`
	Seq        uint64    `json:"seq"`
	SourceType string    `json:"source_type"`
	Format     string    `json:"format"`
	SizeBytes  int64     `json:"size_bytes"`
	Degraded   bool      `json:"degraded"`
	Duplicate  bool      `json:"duplicate"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ImageRejectedData describes a refused ingestion attempt.
type ImageRejectedData struct {
	SourceType string    `json:"source_type"`
	Kind       string    `json:"kind"`
	Reason     string    `json:"reason"`
	SourceURL  string    `json:"source_url,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SubscriberEventData describes a membership change in the broadcast set.
type SubscriberEventData struct {
	SubscriberID string    `json:"subscriber_id"`
	RemoteAddr   string    `json:"remote_addr"`
	Subscribers  int       `json:"subscribers"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// SystemEventData describes a component-level fault.
type SystemEventData struct {
	Component  string    `json:"component"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
