package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"framecast-server-go/internal/domain/image"
	"framecast-server-go/internal/platform/storage"
)

type sqliteStore struct {
	db         *gorm.DB
	maxHistory int
}

// NewSQLite builds the sqlite-backed driver over an initialized database.
func NewSQLite(db *gorm.DB, cfg Config) (image.Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	return &sqliteStore{db: db, maxHistory: cfg.MaxHistory}, nil
}

func (s *sqliteStore) Commit(ctx context.Context, img image.Image) (image.Image, error) {
	if img.ID == "" {
		return image.Image{}, fmt.Errorf("image id required")
	}
	if img.IngestedAt.IsZero() {
		img.IngestedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last storage.ImageRecord
		switch err := tx.Order("seq DESC").First(&last).Error; {
		case err == nil:
			img.Seq = last.Seq + 1
			if img.IngestedAt.Before(last.IngestedAt) {
				img.IngestedAt = last.IngestedAt
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			img.Seq = 1
		default:
			return err
		}

		record, err := toRecord(img)
		if err != nil {
			return err
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&storage.StorePointer{}).
			Where("id = ?", 1).
			Updates(map[string]any{"current_id": img.ID, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(&storage.StorePointer{ID: 1, CurrentID: img.ID, UpdatedAt: now}).Error; err != nil {
				return err
			}
		}

		return s.evict(tx, img.ID)
	})
	if err != nil {
		return image.Image{}, err
	}
	return img, nil
}

func (s *sqliteStore) evict(tx *gorm.DB, currentID string) error {
	if s.maxHistory <= 0 {
		return nil
	}
	var total int64
	if err := tx.Model(&storage.ImageRecord{}).Count(&total).Error; err != nil {
		return err
	}
	excess := int(total) - s.maxHistory
	if excess <= 0 {
		return nil
	}
	var victims []string
	if err := tx.Model(&storage.ImageRecord{}).
		Where("id <> ?", currentID).
		Order("seq ASC").
		Limit(excess).
		Pluck("id", &victims).Error; err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}
	return tx.Where("id IN ?", victims).Delete(&storage.ImageRecord{}).Error
}

func (s *sqliteStore) Current(ctx context.Context) (image.Image, bool, error) {
	var pointer storage.StorePointer
	err := s.db.WithContext(ctx).First(&pointer, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return image.Image{}, false, nil
	}
	if err != nil {
		return image.Image{}, false, err
	}
	if pointer.CurrentID == "" {
		return image.Image{}, false, nil
	}
	return s.Get(ctx, pointer.CurrentID)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (image.Image, bool, error) {
	var record storage.ImageRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return image.Image{}, false, nil
	}
	if err != nil {
		return image.Image{}, false, err
	}
	img, err := fromRecord(record)
	if err != nil {
		return image.Image{}, false, err
	}
	return img, true, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]image.Image, error) {
	var records []storage.ImageRecord
	if err := s.db.WithContext(ctx).
		Order("ingested_at DESC, seq DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	images := make([]image.Image, 0, len(records))
	for _, rec := range records {
		img, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func (s *sqliteStore) Count(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&storage.ImageRecord{}).Count(&total).Error
	return total, err
}

func (s *sqliteStore) Stats() map[string]any {
	stats := map[string]any{
		"type":        "sqlite",
		"max_history": s.maxHistory,
	}
	if total, err := s.Count(context.Background()); err == nil {
		stats["total"] = total
	}
	return stats
}

// Close is a no-op; the database handle is owned by the storage package.
func (s *sqliteStore) Close() error {
	return nil
}

func toRecord(img image.Image) (*storage.ImageRecord, error) {
	record := &storage.ImageRecord{
		ID:          img.ID,
		Seq:         img.Seq,
		SourceType:  string(img.SourceType),
		Format:      img.Format,
		Width:       img.Width,
		Height:      img.Height,
		SizeBytes:   img.SizeBytes,
		Payload:     img.Payload,
		Filename:    img.Filename,
		SourceURL:   img.SourceURL,
		Fingerprint: img.Fingerprint,
		IngestedAt:  img.IngestedAt,
	}
	if img.Attribution != nil {
		data, err := sonic.Marshal(img.Attribution)
		if err != nil {
			return nil, fmt.Errorf("marshal attribution: %w", err)
		}
		record.Attribution = datatypes.JSON(data)
	}
	return record, nil
}

func fromRecord(rec storage.ImageRecord) (image.Image, error) {
	img := image.Image{
		ID:          rec.ID,
		Seq:         rec.Seq,
		SourceType:  image.SourceType(rec.SourceType),
		Format:      rec.Format,
		Width:       rec.Width,
		Height:      rec.Height,
		SizeBytes:   rec.SizeBytes,
		Payload:     rec.Payload,
		Filename:    rec.Filename,
		SourceURL:   rec.SourceURL,
		Fingerprint: rec.Fingerprint,
		IngestedAt:  rec.IngestedAt,
	}
	if len(rec.Attribution) > 0 {
		var attr image.Attribution
		if err := sonic.Unmarshal(rec.Attribution, &attr); err != nil {
			return image.Image{}, fmt.Errorf("unmarshal attribution: %w", err)
		}
		img.Attribution = &attr
	}
	return img, nil
}
