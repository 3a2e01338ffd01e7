package merge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/deletion"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncstate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// Reasons reported with no-op outcomes.
const (
	ReasonLocalEcho     = "local_echo"
	ReasonTombstoned    = "tombstoned"
	ReasonSoftDelete    = "soft_delete_ignored"
	ReasonTombstoneOnly = "hard_delete_via_tombstone"
	ReasonAlreadyAbsent = "already_absent"
)

// Merger applies remote changes to one table.
type Merger interface {
	EntityTable() string
	ApplyCreate(ctx context.Context, entry changelog.Entry, actor auth.Actor) (records.MergeOutcome, error)
	ApplyUpdate(ctx context.Context, entry changelog.Entry, actor auth.Actor) (records.MergeOutcome, error)
	ApplySoftDelete(ctx context.Context, entry changelog.Entry, actor auth.Actor) (records.MergeOutcome, error)
	ApplyHardDelete(ctx context.Context, tombstone changelog.Tombstone, actor auth.Actor) (records.MergeOutcome, error)
	// ApplyChangeWithTx applies entry inside the caller's transaction. batchID tags
	// conflicts found on the way and may be empty.
	ApplyChangeWithTx(tx *gorm.DB, entry changelog.Entry, actor auth.Actor, batchID string) (records.MergeOutcome, error)
}

// IsLocalChange reports whether entry was written by the actor's own device.
func IsLocalChange(entry changelog.Entry, actor auth.Actor) bool {
	return actor.DeviceID != "" && entry.Device() == actor.DeviceID
}

// TableMergerConfig describes the dependencies of TableMerger.
type TableMergerConfig[T any, PT records.Row[T]] struct {
	Database  *gorm.DB
	Store     *records.Store[T, PT]
	Deleter   deletion.Deleter
	ChangeLog *changelog.Store
	Tracker   *syncstate.Tracker
	Clock     func() time.Time
	Logger    *zap.Logger
}

// TableMerger is the merger of one synchronized table.
type TableMerger[T any, PT records.Row[T]] struct {
	db        *gorm.DB
	store     *records.Store[T, PT]
	deleter   deletion.Deleter
	changeLog *changelog.Store
	tracker   *syncstate.Tracker
	clock     func() time.Time
	logger    *zap.Logger
}

// NewTableMerger constructs the merger of one synchronized table.
func NewTableMerger[T any, PT records.Row[T]](cfg TableMergerConfig[T, PT]) (*TableMerger[T, PT], error) {
	if cfg.Database == nil {
		return nil, apperr.Internalf("merge.table_merger.new.missing_database", errors.New("database handle is required"))
	}
	if cfg.Store == nil || cfg.Deleter == nil || cfg.ChangeLog == nil || cfg.Tracker == nil {
		return nil, apperr.Internal("merge.table_merger.new.missing_dependency")
	}
	if cfg.Deleter.EntityName() != cfg.Store.EntityName() {
		return nil, apperr.Internal("merge.table_merger.new.table_mismatch")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &TableMerger[T, PT]{
		db:        cfg.Database,
		store:     cfg.Store,
		deleter:   cfg.Deleter,
		changeLog: cfg.ChangeLog,
		tracker:   cfg.Tracker,
		clock:     clock,
		logger:    logger.With(zap.String("table", cfg.Store.EntityName())),
	}, nil
}

// EntityTable returns the table this merger applies changes to.
func (m *TableMerger[T, PT]) EntityTable() string {
	return m.store.EntityName()
}

// ApplyCreate merges a remote create in its own transaction.
func (m *TableMerger[T, PT]) ApplyCreate(ctx context.Context, entry changelog.Entry, actor auth.Actor) (records.MergeOutcome, error) {
	if entry.OperationType != changelog.OperationCreate {
		return records.MergeOutcome{}, apperr.Validation("unexpected_operation_type")
	}
	return m.applyInTransaction(ctx, entry, actor)
}

// ApplyUpdate merges a remote update in its own transaction.
func (m *TableMerger[T, PT]) ApplyUpdate(ctx context.Context, entry changelog.Entry, actor auth.Actor) (records.MergeOutcome, error) {
	if entry.OperationType != changelog.OperationUpdate {
		return records.MergeOutcome{}, apperr.Validation("unexpected_operation_type")
	}
	return m.applyInTransaction(ctx, entry, actor)
}

// ApplySoftDelete ignores remote soft deletes; visibility stays a local decision.
func (m *TableMerger[T, PT]) ApplySoftDelete(_ context.Context, entry changelog.Entry, _ auth.Actor) (records.MergeOutcome, error) {
	if entry.EntityTable != m.EntityTable() {
		return records.MergeOutcome{}, apperr.Validation("entity_table_mismatch")
	}
	m.recordOutcome(records.MergeNoOp)
	return records.MergeOutcome{Kind: records.MergeNoOp, EntityID: entry.EntityID, Reason: ReasonSoftDelete}, nil
}

// ApplyHardDelete enforces a remote tombstone through the delete service. A row that
// is already gone counts as success and the tombstone is still recorded so that later
// creates for the same id are refused.
func (m *TableMerger[T, PT]) ApplyHardDelete(ctx context.Context, tombstone changelog.Tombstone, actor auth.Actor) (records.MergeOutcome, error) {
	if tombstone.EntityType != m.EntityTable() {
		return records.MergeOutcome{}, apperr.Validation("entity_type_mismatch")
	}
	opts := deletion.DeleteOptions{AllowHardDelete: true, FallbackToSoftDelete: false, Force: true, Origin: &tombstone}
	_, err := m.deleter.Delete(ctx, tombstone.EntityID, actor, opts)
	if err == nil {
		m.recordOutcome(records.MergeHardDeleted)
		return records.MergeOutcome{Kind: records.MergeHardDeleted, EntityID: tombstone.EntityID}, nil
	}
	if !apperr.IsNotFound(err) {
		m.logger.Error("remote hard delete failed",
			zap.String("operation", "merge.apply_hard_delete"),
			zap.String("entity_id", tombstone.EntityID),
			zap.Error(err))
		return records.MergeOutcome{}, err
	}

	local := tombstone
	now := m.clock().UTC()
	local.PushedAt = &now
	if err := m.changeLog.CreateTombstone(ctx, &local); err != nil {
		return records.MergeOutcome{}, err
	}
	m.recordOutcome(records.MergeNoOp)
	return records.MergeOutcome{Kind: records.MergeNoOp, EntityID: tombstone.EntityID, Reason: ReasonAlreadyAbsent}, nil
}

func (m *TableMerger[T, PT]) applyInTransaction(ctx context.Context, entry changelog.Entry, actor auth.Actor) (records.MergeOutcome, error) {
	var outcome records.MergeOutcome
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = m.ApplyChangeWithTx(tx, entry, actor, "")
		return err
	})
	if err != nil {
		return records.MergeOutcome{}, err
	}
	return outcome, nil
}

// ApplyChangeWithTx merges a remote create or update. Deletes carried as journal
// entries are no-ops: soft deletes stay local and hard deletes arrive as tombstones.
func (m *TableMerger[T, PT]) ApplyChangeWithTx(tx *gorm.DB, entry changelog.Entry, actor auth.Actor, batchID string) (records.MergeOutcome, error) {
	if entry.EntityTable != m.EntityTable() {
		return records.MergeOutcome{}, apperr.Validation("entity_table_mismatch")
	}
	switch entry.OperationType {
	case changelog.OperationDelete:
		m.recordOutcome(records.MergeNoOp)
		return records.MergeOutcome{Kind: records.MergeNoOp, EntityID: entry.EntityID, Reason: ReasonSoftDelete}, nil
	case changelog.OperationHardDelete:
		m.recordOutcome(records.MergeNoOp)
		return records.MergeOutcome{Kind: records.MergeNoOp, EntityID: entry.EntityID, Reason: ReasonTombstoneOnly}, nil
	}

	if IsLocalChange(entry, actor) {
		m.logger.Debug("skipping echo of local change",
			zap.String("entity_id", entry.EntityID),
			zap.String("operation_id", entry.OperationID))
		m.recordOutcome(records.MergeNoOp)
		return records.MergeOutcome{Kind: records.MergeNoOp, EntityID: entry.EntityID, Reason: ReasonLocalEcho}, nil
	}

	tombstoned, err := m.changeLog.IsTombstonedWithTx(tx, entry.EntityTable, entry.EntityID)
	if err != nil {
		return records.MergeOutcome{}, err
	}
	if tombstoned {
		m.logger.Info("ignoring remote change for tombstoned entity",
			zap.String("entity_id", entry.EntityID),
			zap.String("operation_id", entry.OperationID),
			zap.String("operation_type", string(entry.OperationType)))
		m.recordOutcome(records.MergeNoOp)
		return records.MergeOutcome{Kind: records.MergeNoOp, EntityID: entry.EntityID, Reason: ReasonTombstoned}, nil
	}

	pending, err := m.changeLog.FindPendingLocalChangeWithTx(tx, entry.EntityTable, entry.EntityID, actor.DeviceID, entry.FieldName)
	if err != nil {
		return records.MergeOutcome{}, err
	}
	outcome, err := m.store.MergeRemoteChangeWithTx(tx, entry, pending)
	if err != nil {
		return records.MergeOutcome{}, err
	}
	if outcome.Conflict != nil {
		conflict, err := m.conflictFrom(entry, *outcome.Conflict, batchID)
		if err != nil {
			return records.MergeOutcome{}, err
		}
		if err := m.tracker.RecordConflictWithTx(tx, &conflict); err != nil {
			return records.MergeOutcome{}, err
		}
		m.logger.Info("sync conflict resolved",
			zap.String("entity_id", entry.EntityID),
			zap.String("conflict_id", conflict.ConflictID),
			zap.String("winner", outcome.Conflict.Winner))
	}
	m.recordOutcome(outcome.Kind)
	return outcome, nil
}

type conflictDetails struct {
	Local  json.RawMessage `json:"local"`
	Remote json.RawMessage `json:"remote"`
	Winner string          `json:"winner"`
}

func (m *TableMerger[T, PT]) conflictFrom(entry changelog.Entry, report records.ConflictReport, batchID string) (syncstate.SyncConflict, error) {
	details, err := json.Marshal(conflictDetails{Local: report.LocalValue, Remote: report.RemoteValue, Winner: report.Winner})
	if err != nil {
		return syncstate.SyncConflict{}, apperr.Internalf("conflict_details_encoding_failed", err)
	}
	strategy := syncstate.StrategyLastWriteWins
	now := m.clock().UTC()
	conflict := syncstate.SyncConflict{
		EntityTable:        entry.EntityTable,
		EntityID:           entry.EntityID,
		FieldName:          report.FieldName,
		LocalChangeOpID:    report.LocalOperationID,
		RemoteChangeOpID:   report.RemoteOperationID,
		ResolutionStatus:   syncstate.ResolutionResolved,
		ResolutionStrategy: &strategy,
		ResolvedAt:         &now,
		CreatedAt:          now,
		Details:            details,
	}
	if batchID != "" {
		conflict.SyncBatchID = &batchID
	}
	return conflict, nil
}

func (m *TableMerger[T, PT]) recordOutcome(kind records.MergeKind) {
	metrics.MergeOutcomes.WithLabelValues(m.EntityTable(), string(kind)).Inc()
}
