package migrations

import (
	"gorm.io/gorm"
)

// Migration001Initial creates the image archive schema.
type Migration001Initial struct{}

func (m *Migration001Initial) Version() string {
	return "001_initial"
}

func (m *Migration001Initial) Description() string {
	return "Create image records and store pointer tables"
}

func (m *Migration001Initial) Up(db *gorm.DB) error {
	// Raw SQL keeps the migration deterministic; AutoMigrate stays a
	// fallback for fresh databases only.
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS image_records (
			id VARCHAR(36) PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			source_type VARCHAR(16) NOT NULL,
			format VARCHAR(16),
			width INTEGER,
			height INTEGER,
			size_bytes INTEGER NOT NULL,
			payload TEXT NOT NULL,
			filename VARCHAR(255),
			source_url TEXT,
			fingerprint VARCHAR(64),
			attribution JSON,
			ingested_at DATETIME NOT NULL,
			created_at DATETIME
		)
	`).Error; err != nil {
		return err
	}

	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_image_records_source_type ON image_records(source_type)`).Error; err != nil {
		return err
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_image_records_ingested_at ON image_records(ingested_at)`).Error; err != nil {
		return err
	}
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_image_records_fingerprint ON image_records(fingerprint)`).Error; err != nil {
		return err
	}

	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS store_pointers (
			id INTEGER PRIMARY KEY,
			current_id VARCHAR(36),
			updated_at DATETIME
		)
	`).Error; err != nil {
		return err
	}

	return nil
}

func (m *Migration001Initial) Down(db *gorm.DB) error {
	if err := db.Exec(`DROP TABLE IF EXISTS store_pointers`).Error; err != nil {
		return err
	}
	if err := db.Exec(`DROP TABLE IF EXISTS image_records`).Error; err != nil {
		return err
	}
	return nil
}
