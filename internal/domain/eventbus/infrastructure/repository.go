package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"framecast-server-go/internal/domain/eventbus/repository"
	"framecast-server-go/internal/platform/errors"
	"framecast-server-go/internal/platform/storage"
)

// eventRepository persists journal events through gorm.
type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a journal backed by db.
func NewEventRepository(db *gorm.DB) repository.EventRepository {
	return &eventRepository{
		db: db,
	}
}

func (r *eventRepository) Store(ctx context.Context, event repository.Event) error {
	var dataBytes []byte
	if event.Data != nil {
		var err error
		dataBytes, err = sonic.Marshal(event.Data)
		if err != nil {
			return errors.Wrap(errors.KindStore, "event.store.marshal", "failed to marshal event data", err)
		}
	}

	record := &storage.EventRecord{
		EventType:    event.EventType,
		SubscriberID: event.SubscriberID,
		ImageID:      event.ImageID,
		Data:         datatypes.JSON(dataBytes),
		CreatedAt:    event.CreatedAt,
	}

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return errors.Wrap(errors.KindStore, "event.store.create", "failed to store event", err)
	}

	return nil
}

func (r *eventRepository) FindByEventType(ctx context.Context, eventType string, limit int) ([]repository.Event, error) {
	var records []storage.EventRecord
	query := r.db.WithContext(ctx).
		Where("event_type = ?", eventType).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&records).Error; err != nil {
		return nil, errors.Wrap(errors.KindStore, "event.find.type", "failed to find events by type", err)
	}

	return r.convertRecords(records)
}

func (r *eventRepository) FindByImageID(ctx context.Context, imageID string) ([]repository.Event, error) {
	var records []storage.EventRecord
	if err := r.db.WithContext(ctx).
		Where("image_id = ?", imageID).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, errors.Wrap(errors.KindStore, "event.find.image", "failed to find events by image ID", err)
	}

	return r.convertRecords(records)
}

func (r *eventRepository) FindByTimeRange(ctx context.Context, startTime, endTime time.Time) ([]repository.Event, error) {
	var records []storage.EventRecord
	if err := r.db.WithContext(ctx).
		Where("created_at BETWEEN ? AND ?", startTime, endTime).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, errors.Wrap(errors.KindStore, "event.find.time", "failed to find events by time range", err)
	}

	return r.convertRecords(records)
}

func (r *eventRepository) DeleteOldEvents(ctx context.Context, beforeTime time.Time) error {
	if err := r.db.WithContext(ctx).
		Where("created_at < ?", beforeTime).
		Delete(&storage.EventRecord{}).Error; err != nil {
		return errors.Wrap(errors.KindStore, "event.delete.old", "failed to delete old events", err)
	}

	return nil
}

func (r *eventRepository) GetEventStats(ctx context.Context) (map[string]int64, error) {
	var stats []struct {
		EventType string
		Count     int64
	}

	if err := r.db.WithContext(ctx).
		Model(&storage.EventRecord{}).
		Select("event_type, count(*) as count").
		Group("event_type").
		Scan(&stats).Error; err != nil {
		return nil, errors.Wrap(errors.KindStore, "event.stats", "failed to get event stats", err)
	}

	result := make(map[string]int64)
	for _, stat := range stats {
		result[stat.EventType] = stat.Count
	}

	return result, nil
}

func (r *eventRepository) convertRecords(records []storage.EventRecord) ([]repository.Event, error) {
	events := make([]repository.Event, len(records))

	for i, rec := range records {
		var data interface{}
		if len(rec.Data) > 0 {
			if err := sonic.Unmarshal(rec.Data, &data); err != nil {
				return nil, errors.Wrap(errors.KindStore, "event.convert.unmarshal", "failed to unmarshal event data", err)
			}
		}

		events[i] = repository.Event{
			ID:           fmt.Sprintf("%d", rec.ID),
			EventType:    rec.EventType,
			SubscriberID: rec.SubscriberID,
			ImageID:      rec.ImageID,
			Data:         data,
			CreatedAt:    rec.CreatedAt,
		}
	}

	return events, nil
}
