package changelog

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew           = "changelog.store.new"
	opCreateChangeLog    = "changelog.create_change_log"
	opCreateTombstone    = "changelog.create_tombstone"
	opFindUnprocessed    = "changelog.find_unprocessed"
	opFindByEntity       = "changelog.find_by_entity"
	opFindTombstones     = "changelog.find_tombstones"
	opAssignBatch        = "changelog.assign_batch"
	opMarkProcessed      = "changelog.mark_processed"
	opMarkTombstone      = "changelog.mark_tombstone_pushed"
	opRecordRemoteChange = "changelog.record_remote_change"
)

// StoreConfig describes the dependencies of Store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Store is the append-only journal and tombstone store. Every *WithTx method runs
// on the caller's transaction and must not retain it.
type Store struct {
	db         *gorm.DB
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewStore constructs the change log and tombstone store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperr.Internalf(opStoreNew+".missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.Internalf(opStoreNew+".missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, idProvider: cfg.IDProvider, logger: logger}, nil
}

// NewOperationID issues an id shared by a journal entry and its tombstone.
func (s *Store) NewOperationID() (string, error) {
	return s.idProvider.NewID()
}

// CreateChangeLog journals entry in its own transaction.
func (s *Store) CreateChangeLog(ctx context.Context, entry *Entry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CreateChangeLogWithTx(tx, entry)
	})
}

// CreateChangeLogWithTx appends entry. Re-inserting an existing operation id is a no-op.
func (s *Store) CreateChangeLogWithTx(tx *gorm.DB, entry *Entry) error {
	if err := s.prepareEntry(entry); err != nil {
		return err
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error; err != nil {
		s.logError(opCreateChangeLog, "insert_failed", err,
			zap.String("operation_id", entry.OperationID),
			zap.String("entity_table", entry.EntityTable),
			zap.String("entity_id", entry.EntityID))
		return apperr.Database(err)
	}
	return nil
}

// CreateChangeLogs appends entries in one transaction.
func (s *Store) CreateChangeLogs(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range entries {
			if err := s.CreateChangeLogWithTx(tx, &entries[index]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) prepareEntry(entry *Entry) error {
	if entry == nil {
		return apperr.Validation("missing_change_log_entry")
	}
	if !entry.OperationType.Valid() {
		return apperr.Validation("invalid_operation_type")
	}
	if entry.EntityTable == "" || entry.EntityID == "" {
		return apperr.Validation("missing_entity_reference")
	}
	if entry.OperationID == "" {
		operationID, err := s.idProvider.NewID()
		if err != nil {
			return apperr.Internalf("operation_id_generation_failed", err)
		}
		entry.OperationID = operationID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	entry.Priority = PriorityFor(entry.OperationType)
	return nil
}

// CreateTombstone records tombstone in its own transaction.
func (s *Store) CreateTombstone(ctx context.Context, tombstone *Tombstone) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CreateTombstoneWithTx(tx, tombstone)
	})
}

// CreateTombstoneWithTx records a hard delete. A tombstone already present for the
// same entity is kept untouched.
func (s *Store) CreateTombstoneWithTx(tx *gorm.DB, tombstone *Tombstone) error {
	if tombstone == nil || tombstone.EntityType == "" || tombstone.EntityID == "" {
		return apperr.Validation("missing_entity_reference")
	}
	if tombstone.OperationID == "" {
		return apperr.Validation("missing_operation_id")
	}
	if tombstone.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			return apperr.Internalf("tombstone_id_generation_failed", err)
		}
		tombstone.ID = id
	}
	if tombstone.DeletedAt.IsZero() {
		tombstone.DeletedAt = time.Now()
	}
	tombstone.DeletedAt = tombstone.DeletedAt.UTC()
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(tombstone).Error
	if err != nil {
		s.logError(opCreateTombstone, "insert_failed", err,
			zap.String("entity_type", tombstone.EntityType),
			zap.String("entity_id", tombstone.EntityID))
		return apperr.Database(err)
	}
	return nil
}

// CreateTombstones records tombstones in one transaction.
func (s *Store) CreateTombstones(ctx context.Context, tombstones []Tombstone) error {
	if len(tombstones) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range tombstones {
			if err := s.CreateTombstoneWithTx(tx, &tombstones[index]); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindUnprocessedChanges returns entries not yet carried by any batch at or above
// minPriority, highest priority first and oldest first within a priority.
func (s *Store) FindUnprocessedChanges(ctx context.Context, minPriority Priority, limit int) ([]Entry, error) {
	var entries []Entry
	query := s.db.WithContext(ctx).
		Where("processed_at IS NULL AND sync_batch_id IS NULL AND priority >= ?", int(minPriority)).
		Order("priority DESC").
		Order("timestamp ASC").
		Order("operation_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		s.logError(opFindUnprocessed, "query_failed", err)
		return nil, apperr.Database(err)
	}
	return entries, nil
}

// FindChangeLogsByEntity returns the audit trail of one entity ordered by timestamp.
func (s *Store) FindChangeLogsByEntity(ctx context.Context, table, id string) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("entity_table = ? AND entity_id = ?", table, id).
		Order("timestamp ASC").
		Order("operation_id ASC").
		Find(&entries).Error
	if err != nil {
		s.logError(opFindByEntity, "query_failed", err,
			zap.String("entity_table", table), zap.String("entity_id", id))
		return nil, apperr.Database(err)
	}
	return entries, nil
}

// FindPendingLocalChangeWithTx returns the newest unprocessed entry written by deviceID
// for the entity, optionally restricted to one field (whole-row entries always match).
// Entries the receiver rejected are awaiting review and are not pending.
func (s *Store) FindPendingLocalChangeWithTx(tx *gorm.DB, table, id, deviceID string, fieldName *string) (*Entry, error) {
	query := tx.
		Where("entity_table = ? AND entity_id = ? AND device_id = ? AND processed_at IS NULL AND sync_error IS NULL", table, id, deviceID).
		Where("operation_type IN ?", []string{string(OperationCreate), string(OperationUpdate)})
	if fieldName != nil && *fieldName != "" {
		query = query.Where("(field_name = ? OR field_name IS NULL)", *fieldName)
	}
	var entry Entry
	err := query.Order("timestamp DESC").Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &entry, nil
}

// FindErroredChangesForBatch returns the entries of a batch that carry a sync error.
func (s *Store) FindErroredChangesForBatch(ctx context.Context, batchID string) ([]Entry, error) {
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("sync_batch_id = ? AND sync_error IS NOT NULL", batchID).
		Order("timestamp ASC").
		Find(&entries).Error
	if err != nil {
		return nil, apperr.Database(err)
	}
	return entries, nil
}

// FindUnpushedTombstones returns tombstones not yet uploaded, oldest first.
func (s *Store) FindUnpushedTombstones(ctx context.Context, limit int) ([]Tombstone, error) {
	var tombstones []Tombstone
	query := s.db.WithContext(ctx).
		Where("pushed_at IS NULL").
		Order("deleted_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&tombstones).Error; err != nil {
		s.logError(opFindTombstones, "query_failed", err)
		return nil, apperr.Database(err)
	}
	return tombstones, nil
}

func (s *Store) FindTombstonesByEntityType(ctx context.Context, entityType string) ([]Tombstone, error) {
	var tombstones []Tombstone
	err := s.db.WithContext(ctx).
		Where("entity_type = ?", entityType).
		Order("deleted_at ASC").
		Find(&tombstones).Error
	if err != nil {
		return nil, apperr.Database(err)
	}
	return tombstones, nil
}

// FindTombstone returns the tombstone for an entity or EntityNotFound.
func (s *Store) FindTombstone(ctx context.Context, entityType, entityID string) (*Tombstone, error) {
	var tombstone Tombstone
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&tombstone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.EntityNotFound(Tombstone{}.TableName(), entityType+"/"+entityID)
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &tombstone, nil
}

// IsTombstoned reports whether (entityType, entityID) was hard deleted.
func (s *Store) IsTombstoned(ctx context.Context, entityType, entityID string) (bool, error) {
	return s.IsTombstonedWithTx(s.db.WithContext(ctx), entityType, entityID)
}

func (s *Store) IsTombstonedWithTx(tx *gorm.DB, entityType, entityID string) (bool, error) {
	var count int64
	err := tx.Model(&Tombstone{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Count(&count).Error
	if err != nil {
		return false, apperr.Database(err)
	}
	return count > 0, nil
}

// AssignBatchWithTx tags entries with batchID. Entries already carried by a batch keep
// their original assignment. Returns the number of entries tagged.
func (s *Store) AssignBatchWithTx(tx *gorm.DB, batchID string, operationIDs []string) (int64, error) {
	if batchID == "" {
		return 0, apperr.Validation("missing_batch_id")
	}
	if len(operationIDs) == 0 {
		return 0, nil
	}
	result := tx.Model(&Entry{}).
		Where("operation_id IN ? AND sync_batch_id IS NULL", operationIDs).
		Update("sync_batch_id", batchID)
	if result.Error != nil {
		s.logError(opAssignBatch, "update_failed", result.Error, zap.String("batch_id", batchID))
		return 0, apperr.Database(result.Error)
	}
	return result.RowsAffected, nil
}

// MarkProcessedWithTx stamps processed_at and fills sync_batch_id if it is still empty.
func (s *Store) MarkProcessedWithTx(tx *gorm.DB, operationID, batchID string, processedAt time.Time) error {
	updates := map[string]interface{}{
		"processed_at": processedAt.UTC(),
		"sync_error":   nil,
	}
	if batchID != "" {
		updates["sync_batch_id"] = gorm.Expr("COALESCE(sync_batch_id, ?)", batchID)
	}
	result := tx.Model(&Entry{}).Where("operation_id = ?", operationID).Updates(updates)
	if result.Error != nil {
		s.logError(opMarkProcessed, "update_failed", result.Error, zap.String("operation_id", operationID))
		return apperr.Database(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.EntityNotFound(Entry{}.TableName(), operationID)
	}
	return nil
}

// MarkSyncErrorWithTx records why an entry failed to sync. It stays unprocessed.
func (s *Store) MarkSyncErrorWithTx(tx *gorm.DB, operationID, batchID, message string) error {
	updates := map[string]interface{}{"sync_error": message}
	if batchID != "" {
		updates["sync_batch_id"] = gorm.Expr("COALESCE(sync_batch_id, ?)", batchID)
	}
	result := tx.Model(&Entry{}).Where("operation_id = ?", operationID).Updates(updates)
	if result.Error != nil {
		s.logError(opMarkProcessed, "sync_error_update_failed", result.Error, zap.String("operation_id", operationID))
		return apperr.Database(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.EntityNotFound(Entry{}.TableName(), operationID)
	}
	return nil
}

func (s *Store) MarkTombstonePushedWithTx(tx *gorm.DB, tombstoneID, batchID string, pushedAt time.Time) error {
	updates := map[string]interface{}{"pushed_at": pushedAt.UTC()}
	if batchID != "" {
		updates["sync_batch_id"] = gorm.Expr("COALESCE(sync_batch_id, ?)", batchID)
	}
	result := tx.Model(&Tombstone{}).Where("id = ?", tombstoneID).Updates(updates)
	if result.Error != nil {
		s.logError(opMarkTombstone, "update_failed", result.Error, zap.String("tombstone_id", tombstoneID))
		return apperr.Database(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.EntityNotFound(Tombstone{}.TableName(), tombstoneID)
	}
	return nil
}

// RecordRemoteChangeWithTx journals a change received from another device, tagged with
// the download batch. The entry is stored as processed so it is never pushed back.
// syncErr, when set, marks the entry as failed or conflicted for batch diagnostics.
func (s *Store) RecordRemoteChangeWithTx(tx *gorm.DB, entry Entry, batchID string, processedAt time.Time, syncErr *string) error {
	if batchID == "" {
		return apperr.Validation("missing_batch_id")
	}
	processed := processedAt.UTC()
	entry.SyncBatchID = &batchID
	entry.ProcessedAt = &processed
	entry.SyncError = syncErr
	if err := s.prepareEntry(&entry); err != nil {
		return err
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "operation_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"processed_at":  processed,
			"sync_error":    syncErr,
			"sync_batch_id": gorm.Expr("COALESCE(sync_batch_id, ?)", batchID),
		}),
	}).Create(&entry).Error
	if err != nil {
		s.logError(opRecordRemoteChange, "upsert_failed", err, zap.String("operation_id", entry.OperationID))
		return apperr.Database(err)
	}
	return nil
}

// Stats summarises the journal for diagnostics.
type Stats struct {
	Unprocessed        int64 `json:"unprocessed"`
	Errored            int64 `json:"errored"`
	UnpushedTombstones int64 `json:"unpushed_tombstones"`
}

// Stats counts unprocessed and errored entries and unpushed tombstones.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&Entry{}).Where("processed_at IS NULL").Count(&stats.Unprocessed).Error; err != nil {
		return Stats{}, apperr.Database(err)
	}
	if err := db.Model(&Entry{}).Where("sync_error IS NOT NULL").Count(&stats.Errored).Error; err != nil {
		return Stats{}, apperr.Database(err)
	}
	if err := db.Model(&Tombstone{}).Where("pushed_at IS NULL").Count(&stats.UnpushedTombstones).Error; err != nil {
		return Stats{}, apperr.Database(err)
	}
	return stats, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("change log error", attrs...)
}
