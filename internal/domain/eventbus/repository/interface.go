package repository

import (
	"context"
	"time"
)

// EventRepository is the data access interface for the pipeline event
// journal.
type EventRepository interface {
	// Store appends one event to the journal.
	Store(ctx context.Context, event Event) error

	// FindByEventType returns up to limit events of one type, newest first.
	FindByEventType(ctx context.Context, eventType string, limit int) ([]Event, error)

	// FindByImageID returns every journaled event touching one image,
	// oldest first.
	FindByImageID(ctx context.Context, imageID string) ([]Event, error)

	// FindByTimeRange returns events between startTime and endTime,
	// oldest first.
	FindByTimeRange(ctx context.Context, startTime, endTime time.Time) ([]Event, error)

	// DeleteOldEvents removes events recorded before beforeTime.
	DeleteOldEvents(ctx context.Context, beforeTime time.Time) error

	// GetEventStats returns journaled event counts grouped by type.
	GetEventStats(ctx context.Context) (map[string]int64, error)
}

// Event is one journaled pipeline event.
type Event struct {
	ID           string
	EventType    string
	SubscriberID string
	ImageID      string
	Data         interface{}
	CreatedAt    time.Time
}
