package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/filestore"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncstate"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table of the local database.
func Models() []interface{} {
	models := records.Models()
	models = append(models, &changelog.Entry{}, &changelog.Tombstone{}, &filestore.Request{})
	models = append(models, syncstate.Models()...)
	models = append(models, users.Models()...)
	return append(models, &migrationRecord{})
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
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

	if err := db.AutoMigrate(Models()...); err != nil {
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
