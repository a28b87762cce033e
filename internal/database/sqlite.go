package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/perchlabs/dialtone/internal/keystore"
	"github.com/perchlabs/dialtone/internal/sync"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the local store connection and performs schema
// migrations. The single-connection limit keeps every agent's
// check-then-act inside SQLite's serialized writer, which is the contract
// the reference counters rely on.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates or updates the schema for every persisted table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&sync.Instance{},
		&sync.ChangeLog{},
		&sync.QueueToExecute{},
		&sync.QueueToUpload{},
		&sync.Contact{},
		&sync.ContactNumber{},
		&sync.TrustedNumber{},
		&sync.Organization{},
		&sync.MiscellaneousNumber{},
		&sync.CallEvent{},
		&keystore.KeyStorage{},
		&migrationRecord{},
	)
}
