package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"framecast-server-go/internal/platform/storage/migrations"
)

// Global database instance shared by the sqlite-backed store driver.
var db *gorm.DB

// InitDatabase opens the SQLite database at path and prepares the schema.
// Calling it twice is a no-op.
func InitDatabase(path string) error {
	if db != nil {
		return nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	var err error
	db, err = gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Auto-migrate as a fallback so a fresh database is usable even before
	// the versioned migrations run.
	if err := db.AutoMigrate(&ImageRecord{}, &StorePointer{}, &EventRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	migrationManager := NewMigrationManager(db)
	migrationManager.AddMigration(&migrations.Migration001Initial{})
	migrationManager.AddMigration(&migrations.Migration002Events{})

	if err := migrationManager.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// GetDB returns the global database instance.
func GetDB() *gorm.DB {
	if db == nil {
		panic("database not initialized, call InitDatabase() first")
	}
	return db
}

// ImageRecord is the persisted form of a committed image.
type ImageRecord struct {
	ID          string         `gorm:"type:varchar(36);primaryKey"           json:"id"`
	Seq         uint64         `gorm:"uniqueIndex;not null"                  json:"seq"`
	SourceType  string         `gorm:"type:varchar(16);index;not null"       json:"source_type"`
	Format      string         `gorm:"type:varchar(16)"                      json:"format"`
	Width       int            `                                             json:"width"`
	Height      int            `                                             json:"height"`
	SizeBytes   int64          `gorm:"not null"                              json:"size_bytes"`
	Payload     string         `gorm:"type:text;not null"                    json:"payload"`
	Filename    string         `gorm:"type:varchar(255)"                     json:"filename,omitempty"`
	SourceURL   string         `gorm:"type:text"                             json:"source_url,omitempty"`
	Fingerprint string         `gorm:"type:varchar(64);index"                json:"fingerprint,omitempty"`
	Attribution datatypes.JSON `                                             json:"attribution,omitempty"`
	IngestedAt  time.Time      `gorm:"index;not null"                        json:"ingested_at"`
	CreatedAt   time.Time      `                                             json:"created_at"`
}

// StorePointer is the single-row table holding the current image pointer.
type StorePointer struct {
	ID        uint      `gorm:"primaryKey"`
	CurrentID string    `gorm:"type:varchar(36)"`
	UpdatedAt time.Time
}

// EventRecord is a row in the domain event journal.
type EventRecord struct {
	ID           uint           `gorm:"primaryKey"                      json:"id"`
	EventType    string         `gorm:"type:varchar(64);index;not null" json:"event_type"`
	SubscriberID string         `gorm:"type:varchar(64);index"          json:"subscriber_id,omitempty"`
	ImageID      string         `gorm:"type:varchar(36);index"          json:"image_id,omitempty"`
	Data         datatypes.JSON `                                       json:"data,omitempty"`
	CreatedAt    time.Time      `gorm:"index"                           json:"created_at"`
}
