package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/merge"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncstate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	opPush = "syncer.push"
	opPull = "syncer.pull"

	defaultRunInterval = 30 * time.Minute
)

// DriverConfig describes the dependencies of Driver.
type DriverConfig struct {
	Database  *gorm.DB
	ChangeLog *changelog.Store
	Tracker   *syncstate.Tracker
	Registry  *merge.Registry
	Transport Transport
	DeviceID  string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Driver runs push and pull exchanges for the local device.
type Driver struct {
	db        *gorm.DB
	changeLog *changelog.Store
	tracker   *syncstate.Tracker
	registry  *merge.Registry
	transport Transport
	deviceID  string
	clock     func() time.Time
	logger    *zap.Logger
}

// PushReport summarises one upload.
type PushReport struct {
	BatchID    string                `json:"batch_id,omitempty"`
	Status     syncstate.BatchStatus `json:"status,omitempty"`
	Changes    int                   `json:"changes"`
	Tombstones int                   `json:"tombstones"`
	Rejected   int                   `json:"rejected"`
}

// PullReport summarises one download.
type PullReport struct {
	BatchID    string                `json:"batch_id"`
	Status     syncstate.BatchStatus `json:"status"`
	Applied    int                   `json:"applied"`
	Conflicts  int                   `json:"conflicts"`
	Tombstones int                   `json:"tombstones"`
	Failed     int                   `json:"failed"`
}

// NewDriver constructs the sync driver of the local device.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Database == nil {
		return nil, apperr.Internalf("syncer.driver.new.missing_database", errors.New("database handle is required"))
	}
	if cfg.ChangeLog == nil || cfg.Tracker == nil || cfg.Registry == nil {
		return nil, apperr.Internal("syncer.driver.new.missing_dependency")
	}
	if cfg.Transport == nil {
		return nil, apperr.Internal("syncer.driver.new.missing_transport")
	}
	if cfg.DeviceID == "" {
		return nil, apperr.Validation("missing_device_id")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Driver{
		db:        cfg.Database,
		changeLog: cfg.ChangeLog,
		tracker:   cfg.Tracker,
		registry:  cfg.Registry,
		transport: cfg.Transport,
		deviceID:  cfg.DeviceID,
		clock:     clock,
		logger:    logger.With(zap.String("device_id", cfg.DeviceID)),
	}, nil
}

func (d *Driver) authorize(ctx context.Context, actor auth.Actor) (*syncstate.SyncConfig, error) {
	if err := actor.Authorize(auth.PermissionSync); err != nil {
		return nil, err
	}
	config, err := d.tracker.Config(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !config.SyncEnabled {
		return nil, apperr.Validation("sync_disabled")
	}
	return config, nil
}

// Push uploads unprocessed journal entries at or above the user's priority threshold
// together with unpushed tombstones. Entries are tagged with the batch and marked
// processed only after the transport accepted them; rejected entries keep their
// sync error for review.
func (d *Driver) Push(ctx context.Context, actor auth.Actor) (PushReport, error) {
	config, err := d.authorize(ctx, actor)
	if err != nil {
		return PushReport{}, err
	}
	changes, err := d.changeLog.FindUnprocessedChanges(ctx, config.PriorityThreshold, config.PushLimit)
	if err != nil {
		return PushReport{}, err
	}
	tombstones, err := d.changeLog.FindUnpushedTombstones(ctx, config.PushLimit)
	if err != nil {
		return PushReport{}, err
	}
	if len(changes) == 0 && len(tombstones) == 0 {
		return PushReport{}, nil
	}

	batch, err := d.tracker.CreateBatch(ctx, d.deviceID, syncstate.DirectionUpload, batchPriority(changes, tombstones))
	if err != nil {
		return PushReport{}, err
	}
	report := PushReport{BatchID: batch.BatchID, Changes: len(changes), Tombstones: len(tombstones)}
	outgoing := Outgoing{
		BatchID:    batch.BatchID,
		DeviceID:   d.deviceID,
		UserID:     actor.UserID,
		CreatedAt:  d.clock().UTC(),
		Changes:    changes,
		Tombstones: tombstones,
	}
	payload, err := json.Marshal(outgoing)
	if err != nil {
		return report, d.abort(ctx, batch.BatchID, actor, syncstate.DirectionUpload, apperr.Internalf("payload_encoding_failed", err))
	}
	if err := d.tracker.MarkProcessing(ctx, batch.BatchID, int64(len(changes)+len(tombstones)), int64(len(payload))); err != nil {
		return report, d.abort(ctx, batch.BatchID, actor, syncstate.DirectionUpload, err)
	}

	receipt, err := d.transport.Push(ctx, outgoing)
	if err != nil {
		return report, d.abort(ctx, batch.BatchID, actor, syncstate.DirectionUpload, err)
	}

	processedAt := d.clock().UTC()
	var accepted, rejected int64
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		operationIDs := make([]string, 0, len(changes))
		for _, change := range changes {
			operationIDs = append(operationIDs, change.OperationID)
		}
		if _, err := d.changeLog.AssignBatchWithTx(tx, batch.BatchID, operationIDs); err != nil {
			return err
		}
		for _, change := range changes {
			if reason, refused := receipt.Rejected[change.OperationID]; refused {
				if err := d.changeLog.MarkSyncErrorWithTx(tx, change.OperationID, batch.BatchID, reason); err != nil {
					return err
				}
				rejected++
				continue
			}
			if err := d.changeLog.MarkProcessedWithTx(tx, change.OperationID, batch.BatchID, processedAt); err != nil {
				return err
			}
			accepted++
		}
		for _, tombstone := range tombstones {
			if err := d.changeLog.MarkTombstonePushedWithTx(tx, tombstone.ID, batch.BatchID, processedAt); err != nil {
				return err
			}
			accepted++
		}
		return d.tracker.UpdateBatchStatsWithTx(tx, batch.BatchID, accepted, rejected)
	})
	if err != nil {
		d.logError(opPush, "acknowledge_failed", err, zap.String("batch_id", batch.BatchID))
		return report, d.abort(ctx, batch.BatchID, actor, syncstate.DirectionUpload, err)
	}

	report.Rejected = int(rejected)
	report.Status = finalStatus(accepted, rejected)
	var message *string
	if rejected > 0 {
		text := fmt.Sprintf("%d of %d changes rejected", rejected, len(changes))
		message = &text
	}
	if err := d.tracker.FinalizeBatch(ctx, batch.BatchID, report.Status, message); err != nil {
		return report, err
	}
	if err := d.tracker.RecordUpload(ctx, d.deviceID, actor.UserID, processedAt, syncstate.DeviceStatusFor(report.Status)); err != nil {
		return report, err
	}
	d.logger.Info("sync push completed",
		zap.String("batch_id", batch.BatchID),
		zap.String("status", string(report.Status)),
		zap.Int("changes", len(changes)),
		zap.Int("tombstones", len(tombstones)),
		zap.Int64("rejected", rejected))
	return report, nil
}

// Pull downloads changes made by other devices since the last successful download
// and applies them. Each change is merged in its own transaction together with the
// batch counters and its journal row, so one bad change never undoes the others.
// Remote tombstones are applied last and always win.
func (d *Driver) Pull(ctx context.Context, actor auth.Actor) (PullReport, error) {
	if _, err := d.authorize(ctx, actor); err != nil {
		return PullReport{}, err
	}
	state, err := d.tracker.DeviceState(ctx, d.deviceID, actor.UserID)
	if err != nil {
		return PullReport{}, err
	}
	batch, err := d.tracker.CreateBatch(ctx, d.deviceID, syncstate.DirectionDownload, changelog.PriorityNormal)
	if err != nil {
		return PullReport{}, err
	}
	report := PullReport{BatchID: batch.BatchID}

	incoming, err := d.transport.Pull(ctx, PullRequest{DeviceID: d.deviceID, Since: state.LastDownloadTimestamp})
	if err != nil {
		report.Status = syncstate.BatchFailed
		return report, d.abort(ctx, batch.BatchID, actor, syncstate.DirectionDownload, err)
	}
	if err := d.tracker.MarkProcessing(ctx, batch.BatchID, int64(len(incoming.Changes)+len(incoming.Tombstones)), 0); err != nil {
		report.Status = syncstate.BatchFailed
		return report, d.abort(ctx, batch.BatchID, actor, syncstate.DirectionDownload, err)
	}

	// remote hard deletes are enforced regardless of the local user's role
	system := auth.SystemActor(d.deviceID)
	var applied, failed int64
	for _, change := range incoming.Changes {
		if ctx.Err() != nil {
			break
		}
		outcome, err := d.applyChange(ctx, batch.BatchID, change, system)
		if err != nil {
			failed++
			d.logger.Warn("remote change rejected",
				zap.String("batch_id", batch.BatchID),
				zap.String("operation_id", change.OperationID),
				zap.String("entity_table", change.EntityTable),
				zap.Error(err))
			continue
		}
		applied++
		if outcome.Conflict != nil {
			report.Conflicts++
		}
	}
	for _, tombstone := range incoming.Tombstones {
		if ctx.Err() != nil {
			break
		}
		if _, err := d.registry.ApplyTombstone(ctx, tombstone, system); err != nil {
			failed++
			d.logger.Warn("remote tombstone rejected",
				zap.String("batch_id", batch.BatchID),
				zap.String("entity_type", tombstone.EntityType),
				zap.String("entity_id", tombstone.EntityID),
				zap.Error(err))
			if statsErr := d.recordStats(ctx, batch.BatchID, 0, 1); statsErr != nil {
				return report, statsErr
			}
			continue
		}
		applied++
		report.Tombstones++
		if err := d.recordStats(ctx, batch.BatchID, 1, 0); err != nil {
			return report, err
		}
	}

	report.Applied = int(applied) - report.Tombstones
	report.Failed = int(failed)
	report.Status = finalStatus(applied, failed)
	if ctx.Err() != nil && report.Status == syncstate.BatchCompleted {
		report.Status = syncstate.BatchPartiallyFailed
	}
	if len(incoming.Changes)+len(incoming.Tombstones) == 0 {
		report.Status = syncstate.BatchCompleted
	}

	// a cancelled pull still records how far it got
	finalizeCtx := context.WithoutCancel(ctx)
	var message *string
	if failed > 0 || ctx.Err() != nil {
		text := fmt.Sprintf("%d of %d items failed", failed, len(incoming.Changes)+len(incoming.Tombstones))
		if ctx.Err() != nil {
			text += "; interrupted: " + ctx.Err().Error()
		}
		message = &text
	}
	if err := d.tracker.FinalizeBatch(finalizeCtx, batch.BatchID, report.Status, message); err != nil {
		return report, err
	}
	watermark := incoming.ServerTime
	if ctx.Err() != nil {
		// the unapplied tail must be fetched again
		watermark = time.Time{}
	}
	if err := d.tracker.RecordDownload(finalizeCtx, d.deviceID, actor.UserID, watermark, syncstate.DeviceStatusFor(report.Status), incoming.ServerVersion); err != nil {
		return report, err
	}
	d.logger.Info("sync pull completed",
		zap.String("batch_id", batch.BatchID),
		zap.String("status", string(report.Status)),
		zap.Int("applied", report.Applied),
		zap.Int("tombstones", report.Tombstones),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("failed", report.Failed))
	return report, ctx.Err()
}

// Sync pushes and then pulls.
func (d *Driver) Sync(ctx context.Context, actor auth.Actor) (PushReport, PullReport, error) {
	pushed, err := d.Push(ctx, actor)
	if err != nil {
		return pushed, PullReport{}, err
	}
	pulled, err := d.Pull(ctx, actor)
	return pushed, pulled, err
}

// Run syncs immediately and then every SyncIntervalMinutes of the actor's settings.
// It blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context, actor auth.Actor) {
	interval := defaultRunInterval
	if config, err := d.tracker.Config(ctx, actor.UserID); err == nil && config.SyncIntervalMinutes > 0 {
		interval = time.Duration(config.SyncIntervalMinutes) * time.Minute
	}
	d.logger.Info("sync driver started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.syncAndLog(ctx, actor)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("sync driver stopped", zap.String("reason", "context_cancelled"))
			return
		case <-ticker.C:
			d.syncAndLog(ctx, actor)
		}
	}
}

func (d *Driver) syncAndLog(ctx context.Context, actor auth.Actor) {
	if _, _, err := d.Sync(ctx, actor); err != nil && !errors.Is(err, context.Canceled) {
		d.logError("syncer.run", "sync_failed", err)
	}
}

// applyChange merges one remote change. A change that cannot be merged is still
// journaled, with its error, in a separate transaction.
func (d *Driver) applyChange(ctx context.Context, batchID string, change changelog.Entry, actor auth.Actor) (records.MergeOutcome, error) {
	var outcome records.MergeOutcome
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = d.registry.ApplyChangeWithTx(tx, change, actor, batchID)
		if err != nil {
			return err
		}
		var note *string
		if outcome.Conflict != nil {
			text := "conflict resolved, " + outcome.Conflict.Winner + " change kept"
			note = &text
		}
		if err := d.changeLog.RecordRemoteChangeWithTx(tx, change, batchID, d.clock(), note); err != nil {
			return err
		}
		return d.tracker.UpdateBatchStatsWithTx(tx, batchID, 1, 0)
	})
	if err == nil {
		return outcome, nil
	}

	message := err.Error()
	recordErr := d.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if change.OperationType.Valid() && change.EntityTable != "" && change.EntityID != "" {
			if err := d.changeLog.RecordRemoteChangeWithTx(tx, change, batchID, d.clock(), &message); err != nil {
				return err
			}
		}
		return d.tracker.UpdateBatchStatsWithTx(tx, batchID, 0, 1)
	})
	if recordErr != nil {
		d.logError(opPull, "failure_record_failed", recordErr, zap.String("operation_id", change.OperationID))
	}
	return records.MergeOutcome{}, err
}

func (d *Driver) recordStats(ctx context.Context, batchID string, processed, failed int64) error {
	return d.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		return d.tracker.UpdateBatchStatsWithTx(tx, batchID, processed, failed)
	})
}

// abort finalizes a batch as failed and records the failed exchange. cause is returned.
func (d *Driver) abort(ctx context.Context, batchID string, actor auth.Actor, direction syncstate.Direction, cause error) error {
	d.logError("syncer."+string(direction), "exchange_failed", cause, zap.String("batch_id", batchID))
	finalizeCtx := context.WithoutCancel(ctx)
	message := cause.Error()
	if err := d.tracker.FinalizeBatch(finalizeCtx, batchID, syncstate.BatchFailed, &message); err != nil {
		d.logError("syncer."+string(direction), "finalize_failed", err, zap.String("batch_id", batchID))
	}
	var err error
	if direction == syncstate.DirectionUpload {
		err = d.tracker.RecordUpload(finalizeCtx, d.deviceID, actor.UserID, time.Time{}, syncstate.DeviceFailed)
	} else {
		err = d.tracker.RecordDownload(finalizeCtx, d.deviceID, actor.UserID, time.Time{}, syncstate.DeviceFailed, 0)
	}
	if err != nil {
		d.logError("syncer."+string(direction), "device_state_failed", err)
	}
	return cause
}

func (d *Driver) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("sync driver error", attrs...)
}

func batchPriority(changes []changelog.Entry, tombstones []changelog.Tombstone) changelog.Priority {
	if len(tombstones) > 0 {
		return changelog.PriorityCritical
	}
	priority := changelog.PriorityBackground
	for _, change := range changes {
		if change.Priority > priority {
			priority = change.Priority
		}
	}
	return priority
}

func finalStatus(succeeded, failed int64) syncstate.BatchStatus {
	switch {
	case failed == 0:
		return syncstate.BatchCompleted
	case succeeded == 0:
		return syncstate.BatchFailed
	default:
		return syncstate.BatchPartiallyFailed
	}
}
