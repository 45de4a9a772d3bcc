package migrations

import (
	"gorm.io/gorm"
)

// Migration002Events creates the domain event journal table.
type Migration002Events struct{}

func (m *Migration002Events) Version() string {
	return "002_events"
}

func (m *Migration002Events) Description() string {
	return "Create event journal table"
}

func (m *Migration002Events) Up(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS event_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type VARCHAR(64) NOT NULL,
			subscriber_id VARCHAR(64),
			image_id VARCHAR(36),
			data JSON,
			created_at DATETIME
		)
	`).Error; err != nil {
		return err
	}

	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_event_records_event_type ON event_records(event_type)`).Error; err != nil {
		return err
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_event_records_image_id ON event_records(image_id)`).Error; err != nil {
		return err
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_event_records_created_at ON event_records(created_at)`).Error; err != nil {
		return err
	}

	return nil
}

func (m *Migration002Events) Down(db *gorm.DB) error {
	return db.Exec(`DROP TABLE IF EXISTS event_records`).Error
}
