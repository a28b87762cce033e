package database

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"go.uber.org/zap"
)

const migrationBackfillCounterFloor = "2026-08-12_backfill_classification_counter_floor"

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
		{name: migrationBackfillCounterFloor, apply: backfillCounterFloor},
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

// backfillCounterFloor clears zero-count classification rows left behind by
// databases written before the delete-at-zero rule was enforced.
func backfillCounterFloor(db *gorm.DB) error {
	for _, table := range []string{"trusted_numbers", "organizations", "miscellaneous_numbers"} {
		if err := db.Exec("DELETE FROM " + table + " WHERE counter <= 0").Error; err != nil {
			return err
		}
	}
	return nil
}
