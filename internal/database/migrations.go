package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSyncState = "2026-06-18_backfill_collection_sync_state"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSyncState, apply: backfillCollectionSyncState},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCollectionSyncState seeds a sync-state row for owners whose entries
// predate the freshness clock, using their latest entry write as the changed-at
// mark. Databases created after the clock existed are untouched.
func backfillCollectionSyncState(db *gorm.DB) error {
	const insert = `
INSERT INTO collection_sync_state (owner_id, version, changed_at_s)
SELECT e.owner_id, 1, MAX(e.updated_at_s)
FROM collection_entries e
WHERE e.owner_id NOT IN (SELECT s.owner_id FROM collection_sync_state s)
GROUP BY e.owner_id;`
	return db.Exec(insert).Error
}
