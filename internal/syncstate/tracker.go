package syncstate

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ids"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

const (
	opTrackerNew     = "syncstate.tracker.new"
	opCreateBatch    = "syncstate.create_batch"
	opTransition     = "syncstate.transition"
	opUpdateStats    = "syncstate.update_batch_stats"
	opRecordConflict = "syncstate.record_conflict"
	opResolve        = "syncstate.resolve_conflict"
	opDeviceState    = "syncstate.device_state"
	opConfig         = "syncstate.config"

	defaultPushLimit           = 500
	defaultSyncIntervalMinutes = 30
	defaultMaxOfflineDays      = 30
	defaultRecentBatches       = 50
)

// TrackerConfig describes the dependencies of Tracker.
type TrackerConfig struct {
	Database   *gorm.DB
	ChangeLog  *changelog.Store
	BatchIDs   ids.Provider
	IDProvider ids.Provider
	Clock      func() time.Time
	Defaults   SyncConfig
	Logger     *zap.Logger
}

// Tracker owns sync batches, conflicts, device watermarks and per-user sync settings.
type Tracker struct {
	db         *gorm.DB
	changeLog  *changelog.Store
	batchIDs   ids.Provider
	idProvider ids.Provider
	clock      func() time.Time
	defaults   SyncConfig
	logger     *zap.Logger
}

// NewTracker constructs the batch and conflict tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, apperr.Internalf(opTrackerNew+".missing_database", errors.New("database handle is required"))
	}
	if cfg.ChangeLog == nil {
		return nil, apperr.Internal(opTrackerNew + ".missing_change_log")
	}
	batchIDs := cfg.BatchIDs
	if batchIDs == nil {
		batchIDs = ids.NewULIDProvider()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	defaults := cfg.Defaults
	if defaults.PriorityThreshold == 0 {
		defaults.PriorityThreshold = changelog.PriorityBackground
	}
	if defaults.PushLimit <= 0 {
		defaults.PushLimit = defaultPushLimit
	}
	if defaults.SyncIntervalMinutes <= 0 {
		defaults.SyncIntervalMinutes = defaultSyncIntervalMinutes
	}
	if defaults.MaxOfflineDays <= 0 {
		defaults.MaxOfflineDays = defaultMaxOfflineDays
	}
	defaults.SyncEnabled = true
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{
		db:         cfg.Database,
		changeLog:  cfg.ChangeLog,
		batchIDs:   batchIDs,
		idProvider: idProvider,
		clock:      clock,
		defaults:   defaults,
		logger:     logger,
	}, nil
}

// CreateBatch opens a pending batch for deviceID.
func (t *Tracker) CreateBatch(ctx context.Context, deviceID string, direction Direction, priority changelog.Priority) (*SyncBatch, error) {
	if deviceID == "" {
		return nil, apperr.Validation("missing_device_id")
	}
	if !direction.Valid() {
		return nil, apperr.Validation("invalid_sync_direction")
	}
	batchID, err := t.batchIDs.NewID()
	if err != nil {
		return nil, apperr.Internalf("batch_id_generation_failed", err)
	}
	batch := SyncBatch{
		BatchID:   batchID,
		DeviceID:  deviceID,
		Direction: direction,
		Status:    BatchPending,
		Priority:  priority,
		CreatedAt: t.clock().UTC(),
	}
	if err := t.db.WithContext(ctx).Create(&batch).Error; err != nil {
		t.logError(opCreateBatch, "insert_failed", err, zap.String("device_id", deviceID))
		return nil, apperr.Database(err)
	}
	return &batch, nil
}

// MarkProcessing moves a batch to processing and records its size.
func (t *Tracker) MarkProcessing(ctx context.Context, batchID string, itemCount, totalSize int64) error {
	batch, err := t.transition(ctx, batchID, BatchProcessing, map[string]interface{}{
		"item_count": itemCount,
		"total_size": totalSize,
	})
	if err != nil {
		return err
	}
	metrics.BatchSize.WithLabelValues(string(batch.Direction)).Observe(float64(itemCount))
	return nil
}

// FinalizeBatch moves a batch to a terminal status.
func (t *Tracker) FinalizeBatch(ctx context.Context, batchID string, status BatchStatus, errorMessage *string) error {
	if !status.Terminal() {
		return apperr.Validation("non_terminal_batch_status")
	}
	batch, err := t.transition(ctx, batchID, status, map[string]interface{}{
		"error_message": errorMessage,
		"completed_at":  t.clock().UTC(),
	})
	if err != nil {
		return err
	}
	metrics.BatchesFinalized.WithLabelValues(string(batch.Direction), string(status)).Inc()
	return nil
}

// transition bumps attempts and last_attempt_at for every attempt. Batches in a
// terminal status never change status again.
func (t *Tracker) transition(ctx context.Context, batchID string, next BatchStatus, updates map[string]interface{}) (SyncBatch, error) {
	var rejected error
	var current SyncBatch
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch SyncBatch
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("batch_id = ?", batchID).Take(&batch).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.EntityNotFound(SyncBatch{}.TableName(), batchID)
		}
		if err != nil {
			return apperr.Database(err)
		}

		now := t.clock().UTC()
		changes := map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
		}
		if batch.Status.Terminal() {
			rejected = apperr.Validation("batch_already_finalized")
		} else {
			changes["status"] = next
			for column, value := range updates {
				changes[column] = value
			}
		}
		if err := tx.Model(&SyncBatch{}).Where("batch_id = ?", batchID).Updates(changes).Error; err != nil {
			return apperr.Database(err)
		}
		current = batch
		return nil
	})
	if err != nil {
		if !apperr.IsNotFound(err) {
			t.logError(opTransition, "update_failed", err, zap.String("batch_id", batchID), zap.String("status", string(next)))
		}
		return SyncBatch{}, err
	}
	if rejected != nil {
		t.logger.Warn("batch transition rejected",
			zap.String("batch_id", batchID),
			zap.String("current_status", string(current.Status)),
			zap.String("requested_status", string(next)))
		return SyncBatch{}, rejected
	}
	return current, nil
}

// UpdateBatchStatsWithTx adds per-item outcomes inside the merge transaction they describe.
func (t *Tracker) UpdateBatchStatsWithTx(tx *gorm.DB, batchID string, processed, failed int64) error {
	if processed == 0 && failed == 0 {
		return nil
	}
	result := tx.Model(&SyncBatch{}).Where("batch_id = ?", batchID).Updates(map[string]interface{}{
		"processed_count": gorm.Expr("processed_count + ?", processed),
		"error_count":     gorm.Expr("error_count + ?", failed),
	})
	if result.Error != nil {
		t.logError(opUpdateStats, "update_failed", result.Error, zap.String("batch_id", batchID))
		return apperr.Database(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.EntityNotFound(SyncBatch{}.TableName(), batchID)
	}
	return nil
}

// FindBatch returns the batch batchID.
func (t *Tracker) FindBatch(ctx context.Context, batchID string) (*SyncBatch, error) {
	var batch SyncBatch
	err := t.db.WithContext(ctx).Where("batch_id = ?", batchID).Take(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.EntityNotFound(SyncBatch{}.TableName(), batchID)
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &batch, nil
}

// ListRecentBatches returns the newest batches, optionally for one device.
func (t *Tracker) ListRecentBatches(ctx context.Context, deviceID string, limit int) ([]SyncBatch, error) {
	if limit <= 0 {
		limit = defaultRecentBatches
	}
	query := t.db.WithContext(ctx).Order("created_at DESC").Order("batch_id DESC").Limit(limit)
	if deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}
	var batches []SyncBatch
	if err := query.Find(&batches).Error; err != nil {
		return nil, apperr.Database(err)
	}
	return batches, nil
}

// RecordConflictWithTx persists a conflict in the caller's transaction.
func (t *Tracker) RecordConflictWithTx(tx *gorm.DB, conflict *SyncConflict) error {
	if conflict == nil || conflict.EntityTable == "" || conflict.EntityID == "" {
		return apperr.Validation("missing_entity_reference")
	}
	if conflict.ConflictID == "" {
		id, err := t.idProvider.NewID()
		if err != nil {
			return apperr.Internalf("conflict_id_generation_failed", err)
		}
		conflict.ConflictID = id
	}
	if conflict.ResolutionStatus == "" {
		conflict.ResolutionStatus = ResolutionUnresolved
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = t.clock()
	}
	conflict.CreatedAt = conflict.CreatedAt.UTC()
	if err := tx.Create(conflict).Error; err != nil {
		t.logError(opRecordConflict, "insert_failed", err,
			zap.String("entity_table", conflict.EntityTable),
			zap.String("entity_id", conflict.EntityID))
		return apperr.Database(err)
	}
	winner := "unresolved"
	if conflict.ResolutionStrategy != nil {
		winner = string(*conflict.ResolutionStrategy)
	}
	metrics.ConflictsDetected.WithLabelValues(conflict.EntityTable, winner).Inc()
	return nil
}

// ResolveConflict records a resolution decided by actor.
func (t *Tracker) ResolveConflict(ctx context.Context, conflictID string, strategy ResolutionStrategy, actor auth.Actor) (*SyncConflict, error) {
	if err := actor.Authorize(auth.PermissionResolveConflicts); err != nil {
		return nil, err
	}
	if !strategy.Valid() {
		return nil, apperr.Validation("invalid_resolution_strategy")
	}
	status := ResolutionResolved
	if strategy == StrategyManual {
		status = ResolutionManual
	}
	now := t.clock().UTC()
	user := actor.UserID
	result := t.db.WithContext(ctx).Model(&SyncConflict{}).Where("conflict_id = ?", conflictID).Updates(map[string]interface{}{
		"resolution_status":   status,
		"resolution_strategy": strategy,
		"resolved_by_user_id": user,
		"resolved_at":         now,
	})
	if result.Error != nil {
		t.logError(opResolve, "update_failed", result.Error, zap.String("conflict_id", conflictID))
		return nil, apperr.Database(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apperr.EntityNotFound(SyncConflict{}.TableName(), conflictID)
	}
	var conflict SyncConflict
	if err := t.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Take(&conflict).Error; err != nil {
		return nil, apperr.Database(err)
	}
	return &conflict, nil
}

// FindConflictsForBatch returns the journal entries of a batch that carry a sync error.
func (t *Tracker) FindConflictsForBatch(ctx context.Context, batchID string) ([]changelog.Entry, error) {
	return t.changeLog.FindErroredChangesForBatch(ctx, batchID)
}

// FindSyncConflictsForBatch returns the persisted conflicts detected while applying a batch.
func (t *Tracker) FindSyncConflictsForBatch(ctx context.Context, batchID string) ([]SyncConflict, error) {
	var conflicts []SyncConflict
	err := t.db.WithContext(ctx).
		Where("sync_batch_id = ?", batchID).
		Order("created_at ASC").
		Order("conflict_id ASC").
		Find(&conflicts).Error
	if err != nil {
		return nil, apperr.Database(err)
	}
	return conflicts, nil
}

// FindConflictsForEntity returns every conflict recorded for (table, id), oldest first.
func (t *Tracker) FindConflictsForEntity(ctx context.Context, table, id string) ([]SyncConflict, error) {
	var conflicts []SyncConflict
	err := t.db.WithContext(ctx).
		Where("entity_table = ? AND entity_id = ?", table, id).
		Order("created_at ASC").
		Order("conflict_id ASC").
		Find(&conflicts).Error
	if err != nil {
		return nil, apperr.Database(err)
	}
	return conflicts, nil
}

// DeviceState returns the watermarks of deviceID, creating defaults on first access.
func (t *Tracker) DeviceState(ctx context.Context, deviceID, userID string) (*DeviceSyncState, error) {
	if deviceID == "" {
		return nil, apperr.Validation("missing_device_id")
	}
	now := t.clock().UTC()
	state := DeviceSyncState{
		DeviceID:    deviceID,
		UserID:      userID,
		SyncEnabled: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	db := t.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&state).Error; err != nil {
		t.logError(opDeviceState, "insert_failed", err, zap.String("device_id", deviceID))
		return nil, apperr.Database(err)
	}
	var stored DeviceSyncState
	if err := db.Where("device_id = ?", deviceID).Take(&stored).Error; err != nil {
		return nil, apperr.Database(err)
	}
	return &stored, nil
}

// RecordUpload advances the upload watermark of deviceID.
func (t *Tracker) RecordUpload(ctx context.Context, deviceID, userID string, at time.Time, status DeviceStatus) error {
	return t.recordExchange(ctx, deviceID, userID, "last_upload_timestamp", at, status, nil)
}

// RecordDownload advances the download watermark of deviceID. serverVersion is
// stored when positive.
func (t *Tracker) RecordDownload(ctx context.Context, deviceID, userID string, at time.Time, status DeviceStatus, serverVersion int64) error {
	var version *int64
	if serverVersion > 0 {
		version = &serverVersion
	}
	return t.recordExchange(ctx, deviceID, userID, "last_download_timestamp", at, status, version)
}

func (t *Tracker) recordExchange(ctx context.Context, deviceID, userID, watermark string, at time.Time, status DeviceStatus, serverVersion *int64) error {
	if _, err := t.DeviceState(ctx, deviceID, userID); err != nil {
		return err
	}
	now := t.clock().UTC()
	changes := map[string]interface{}{
		"last_sync_status":     status,
		"last_sync_attempt_at": now,
		"updated_at":           now,
	}
	// a failed exchange keeps the previous watermark
	if status != DeviceFailed && !at.IsZero() {
		changes[watermark] = at.UTC()
	}
	if serverVersion != nil {
		changes["server_version"] = *serverVersion
	}
	err := t.db.WithContext(ctx).Model(&DeviceSyncState{}).Where("device_id = ?", deviceID).Updates(changes).Error
	if err != nil {
		t.logError(opDeviceState, "update_failed", err, zap.String("device_id", deviceID))
		return apperr.Database(err)
	}
	return nil
}

// Config returns the sync settings of userID, creating defaults on first access.
func (t *Tracker) Config(ctx context.Context, userID string) (*SyncConfig, error) {
	if userID == "" {
		return nil, apperr.Validation("missing_user_id")
	}
	config := t.defaults
	config.UserID = userID
	config.UpdatedAt = t.clock().UTC()
	db := t.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&config).Error; err != nil {
		t.logError(opConfig, "insert_failed", err, zap.String("user_id", userID))
		return nil, apperr.Database(err)
	}
	var stored SyncConfig
	if err := db.Where("user_id = ?", userID).Take(&stored).Error; err != nil {
		return nil, apperr.Database(err)
	}
	return &stored, nil
}

// UpdateConfig replaces the sync settings of config.UserID.
func (t *Tracker) UpdateConfig(ctx context.Context, config SyncConfig) error {
	if config.UserID == "" {
		return apperr.Validation("missing_user_id")
	}
	if config.PushLimit <= 0 || config.PriorityThreshold < changelog.PriorityBackground || config.PriorityThreshold > changelog.PriorityCritical {
		return apperr.Validation("invalid_sync_config")
	}
	config.UpdatedAt = t.clock().UTC()
	if err := t.db.WithContext(ctx).Save(&config).Error; err != nil {
		t.logError(opConfig, "save_failed", err, zap.String("user_id", config.UserID))
		return apperr.Database(err)
	}
	return nil
}

func (t *Tracker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	t.logger.Error("sync state error", attrs...)
}
