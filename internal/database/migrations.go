package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillChangePriority = "2025-06-01_backfill_change_log_priority"
	migrationCanonicalJournalUsers  = "2025-06-15_canonical_journal_user_ids"
)

// providerPrefix is the login provider prefix older clients wrote into user ids.
const providerPrefix = "google:"

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
		{name: migrationBackfillChangePriority, apply: backfillChangePriority},
		{name: migrationCanonicalJournalUsers, apply: canonicalJournalUserIDs},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillChangePriority derives the push priority of journal rows written before
// priorities existed.
func backfillChangePriority(db *gorm.DB) error {
	operations := []changelog.OperationType{
		changelog.OperationHardDelete,
		changelog.OperationDelete,
		changelog.OperationCreate,
		changelog.OperationUpdate,
	}
	for _, operation := range operations {
		err := db.Model(&changelog.Entry{}).
			Where("operation_type = ? AND (priority IS NULL OR priority = 0)", operation).
			Update("priority", int(changelog.PriorityFor(operation))).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func canonicalJournalUserIDs(db *gorm.DB) error {
	start := len(providerPrefix) + 1
	pattern := providerPrefix + "%"
	updateChanges := fmt.Sprintf("UPDATE change_log SET user_id = substr(user_id, %d) WHERE user_id LIKE ?;", start)
	if err := db.Exec(updateChanges, pattern).Error; err != nil {
		return err
	}
	updateTombstones := fmt.Sprintf("UPDATE tombstones SET deleted_by = substr(deleted_by, %d) WHERE deleted_by LIKE ?;", start)
	return db.Exec(updateTombstones, pattern).Error
}
