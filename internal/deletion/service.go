package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/filestore"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	opServiceNew    = "deletion.service.new"
	opHardDelete    = "deletion.hard_delete"
	opSoftDelete    = "deletion.soft_delete"
	opEnqueueFiles  = "deletion.enqueue_files"
	opRecordAccess  = "deletion.record_access"
	opFailedDetails = "deletion.failed_details"

	deletionTypeCascade = "cascade"
	deletionTypeSoft    = "soft_delete_cascade"
)

// Repository is the storage contract of one deletable table.
type Repository[T any] interface {
	EntityName() string
	FindByID(ctx context.Context, id string) (*T, error)
	SoftDelete(ctx context.Context, id string, actor auth.Actor) error
	SoftDeleteWithTx(tx *gorm.DB, id string, actor auth.Actor) error
	HardDelete(ctx context.Context, id string, actor auth.Actor) error
	HardDeleteWithTx(tx *gorm.DB, id string, actor auth.Actor) error
}

// DocumentCollaborator removes the documents attached to a deleted row.
type DocumentCollaborator interface {
	EntityName() string
	FindAttachedWithTx(tx *gorm.DB, table, id string, includeDeleted bool) ([]records.AttachedDocument, error)
	SoftDeleteWithTx(tx *gorm.DB, id string, actor auth.Actor) error
	HardDeleteWithTx(tx *gorm.DB, id string, actor auth.Actor) error
}

// FileOwner is implemented by repositories whose rows own stored files. The files of
// a hard-deleted row are queued for removal like those of its attached documents.
type FileOwner interface {
	FilesWithTx(tx *gorm.DB, id string) ([]records.AttachedDocument, error)
}

// AccessRecorder writes document access log rows.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, documentIDs []string, actor auth.Actor, accessType string, details *string) error
}

// FileQueue schedules physical removal of document files.
type FileQueue interface {
	Enqueue(ctx context.Context, requests []filestore.Request) error
}

// DeleteOptions controls one delete request.
type DeleteOptions struct {
	AllowHardDelete      bool `json:"allow_hard_delete"`
	FallbackToSoftDelete bool `json:"fallback_to_soft_delete"`
	Force                bool `json:"force"`
	// Origin is the remote tombstone being applied, if any. Local markers reuse its
	// operation id and are stored as already synchronized.
	Origin *changelog.Tombstone `json:"-"`
}

// DefaultDeleteOptions requests a soft delete that never blocks.
func DefaultDeleteOptions() DeleteOptions {
	return DeleteOptions{AllowHardDelete: false, FallbackToSoftDelete: true, Force: false}
}

// Outcome tags a DeleteResult.
type Outcome string

const (
	OutcomeHardDeleted           Outcome = "hard_deleted"
	OutcomeSoftDeleted           Outcome = "soft_deleted"
	OutcomeDependenciesPrevented Outcome = "dependencies_prevented"
)

// DeleteResult is the outcome of one delete. Dependencies lists the tables that
// blocked (or would have blocked) a hard delete.
type DeleteResult struct {
	Outcome      Outcome  `json:"outcome"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ServiceConfig describes the dependencies of Service.
type ServiceConfig[T any] struct {
	Database   *gorm.DB
	Repository Repository[T]
	Checker    *DependencyChecker
	ChangeLog  *changelog.Store
	Documents  DocumentCollaborator
	Access     AccessRecorder
	Files      FileQueue
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service performs deletes of one table: dependency gate, tombstones, journal
// entries and document cascades.
type Service[T any] struct {
	db         *gorm.DB
	repository Repository[T]
	checker    *DependencyChecker
	changeLog  *changelog.Store
	documents  DocumentCollaborator
	access     AccessRecorder
	files      FileQueue
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the delete service of one table.
func NewService[T any](cfg ServiceConfig[T]) (*Service[T], error) {
	if cfg.Database == nil {
		return nil, apperr.Internalf(opServiceNew+".missing_database", errors.New("database handle is required"))
	}
	if cfg.Repository == nil {
		return nil, apperr.Internal(opServiceNew + ".missing_repository")
	}
	if cfg.Checker == nil {
		return nil, apperr.Internal(opServiceNew + ".missing_dependency_checker")
	}
	if cfg.ChangeLog == nil {
		return nil, apperr.Internal(opServiceNew + ".missing_change_log")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service[T]{
		db:         cfg.Database,
		repository: cfg.Repository,
		checker:    cfg.Checker,
		changeLog:  cfg.ChangeLog,
		documents:  cfg.Documents,
		access:     cfg.Access,
		files:      cfg.Files,
		clock:      clock,
		logger:     logger,
	}, nil
}

func (s *Service[T]) EntityName() string {
	return s.repository.EntityName()
}

// CheckDependencies reports what references id in this service's table.
func (s *Service[T]) CheckDependencies(ctx context.Context, id string) ([]Dependency, error) {
	return s.checker.CheckDependencies(ctx, s.repository.EntityName(), id)
}

// Delete runs one delete request.
//
// A hard delete happens only when it is allowed, the actor holds the hard delete
// permission and either nothing non-cascadable references the row or the request is
// forced. Otherwise blocking dependencies prevent the delete unless soft-delete
// fallback was requested, in which case the row is soft-deleted and the blocking
// tables are reported.
func (s *Service[T]) Delete(ctx context.Context, id string, actor auth.Actor, opts DeleteOptions) (DeleteResult, error) {
	table := s.repository.EntityName()
	if opts.AllowHardDelete {
		if err := actor.Authorize(auth.PermissionHardDelete); err != nil {
			s.recordOutcome(table, "unauthorized")
			return DeleteResult{}, err
		}
	}
	if opts.Force {
		if err := actor.Authorize(auth.PermissionForceDelete); err != nil {
			s.recordOutcome(table, "unauthorized")
			return DeleteResult{}, err
		}
	}

	dependencies, err := s.checker.CheckDependencies(ctx, table, id)
	if err != nil {
		s.recordOutcome(table, "error")
		return DeleteResult{}, err
	}
	blocking := BlockingTables(dependencies)

	if opts.AllowHardDelete && (len(blocking) == 0 || opts.Force) {
		effects, err := s.hardDelete(ctx, table, id, actor, opts.Origin)
		if err != nil {
			s.recordOutcome(table, "error")
			return DeleteResult{}, err
		}
		s.afterHardDelete(ctx, effects)
		s.recordOutcome(table, string(OutcomeHardDeleted))
		s.logger.Info("entity hard deleted",
			zap.String("table", table),
			zap.String("id", id),
			zap.String("user_id", actor.UserID),
			zap.Bool("forced", opts.Force && len(blocking) > 0),
			zap.Bool("remote", opts.Origin != nil))
		return DeleteResult{Outcome: OutcomeHardDeleted}, nil
	}

	if len(blocking) > 0 && !opts.FallbackToSoftDelete {
		s.recordOutcome(table, string(OutcomeDependenciesPrevented))
		return DeleteResult{Outcome: OutcomeDependenciesPrevented, Dependencies: blocking}, nil
	}

	documentIDs, err := s.softDelete(ctx, table, id, actor)
	if err != nil {
		s.recordOutcome(table, "error")
		return DeleteResult{}, err
	}
	if len(documentIDs) > 0 && s.access != nil {
		details := deletionTypeSoft
		if err := s.access.RecordAccess(ctx, documentIDs, actor, records.AccessTypeDelete, &details); err != nil {
			s.logError(opRecordAccess, "access_log_failed", err, zap.String("table", table), zap.String("id", id))
		}
	}
	s.recordOutcome(table, string(OutcomeSoftDeleted))
	return DeleteResult{Outcome: OutcomeSoftDeleted, Dependencies: blocking}, nil
}

// DeleteWithDependencies is the admin escape hatch: a hard delete forced past any
// blocking dependency.
func (s *Service[T]) DeleteWithDependencies(ctx context.Context, id string, actor auth.Actor) (DeleteResult, error) {
	if !actor.IsAdmin() {
		return DeleteResult{}, apperr.AuthorizationFailed("admin role required to delete with dependencies")
	}
	return s.Delete(ctx, id, actor, DeleteOptions{AllowHardDelete: true, Force: true})
}

// hardDeleteEffects is what a committed hard delete leaves for post-commit work.
type hardDeleteEffects struct {
	files    []filestore.Request
	cascaded map[string]int
}

type markerMetadata struct {
	ParentTable        string  `json:"parent_table,omitempty"`
	ParentID           string  `json:"parent_id,omitempty"`
	DeletionType       string  `json:"deletion_type,omitempty"`
	FilePath           string  `json:"file_path,omitempty"`
	CompressedFilePath *string `json:"compressed_file_path,omitempty"`
	Timestamp          string  `json:"timestamp,omitempty"`
}

type marker struct {
	table    string
	id       string
	metadata *markerMetadata
	primary  bool
}

func (s *Service[T]) hardDelete(ctx context.Context, table, id string, actor auth.Actor, origin *changelog.Tombstone) (hardDeleteEffects, error) {
	var effects hardDeleteEffects
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		effects = hardDeleteEffects{cascaded: map[string]int{}}
		if err := s.writeMarkersWithTx(tx, marker{table: table, id: id, primary: true}, actor, origin); err != nil {
			return err
		}
		if owner, ok := s.repository.(FileOwner); ok {
			owned, err := owner.FilesWithTx(tx, id)
			if err != nil {
				return err
			}
			for _, file := range owned {
				effects.files = append(effects.files, filestore.Request{
					DocumentID:         file.ID,
					FilePath:           file.FilePath,
					CompressedFilePath: file.CompressedFilePath,
					RequestedBy:        actor.UserID,
				})
			}
		}
		if err := s.repository.HardDeleteWithTx(tx, id, actor); err != nil {
			return err
		}
		return s.cascadeWithTx(tx, table, id, actor, origin, &effects)
	})
	if err != nil {
		if !apperr.IsNotFound(err) {
			s.logError(opHardDelete, "transaction_failed", err, zap.String("table", table), zap.String("id", id))
		}
		return hardDeleteEffects{}, err
	}
	return effects, nil
}

// cascadeWithTx removes cascadable dependents of (table, id) depth first, then the
// documents attached to it.
func (s *Service[T]) cascadeWithTx(tx *gorm.DB, table, id string, actor auth.Actor, origin *changelog.Tombstone, effects *hardDeleteEffects) error {
	for _, rule := range dependencyRules[table] {
		if !rule.Cascadable {
			continue
		}
		var childIDs []string
		err := tx.Table(rule.DependentTable).
			Where(rule.ForeignKeyColumn+" = ?", id).
			Order("id ASC").
			Pluck("id", &childIDs).Error
		if err != nil {
			return apperr.Database(err)
		}
		for _, childID := range childIDs {
			child := marker{
				table:    rule.DependentTable,
				id:       childID,
				metadata: &markerMetadata{ParentTable: table, ParentID: id, DeletionType: deletionTypeCascade},
			}
			if err := s.writeMarkersWithTx(tx, child, actor, origin); err != nil {
				return err
			}
			if err := s.cascadeWithTx(tx, rule.DependentTable, childID, actor, origin, effects); err != nil {
				return err
			}
			if err := tx.Exec("DELETE FROM "+rule.DependentTable+" WHERE id = ?", childID).Error; err != nil {
				return apperr.Database(err)
			}
			effects.cascaded[rule.DependentTable]++
		}
	}

	if s.documents == nil || !TracksAttachments(table) {
		return nil
	}
	// documents soft-deleted along with an earlier soft delete of the parent go too
	documents, err := s.documents.FindAttachedWithTx(tx, table, id, true)
	if err != nil {
		return err
	}
	for _, document := range documents {
		metadata := &markerMetadata{
			ParentTable:        table,
			ParentID:           id,
			DeletionType:       deletionTypeCascade,
			FilePath:           document.FilePath,
			CompressedFilePath: document.CompressedFilePath,
			Timestamp:          s.clock().UTC().Format(time.RFC3339Nano),
		}
		documentMarker := marker{table: s.documents.EntityName(), id: document.ID, metadata: metadata}
		if err := s.writeMarkersWithTx(tx, documentMarker, actor, origin); err != nil {
			return err
		}
		if err := s.documents.HardDeleteWithTx(tx, document.ID, actor); err != nil {
			return err
		}
		effects.cascaded[s.documents.EntityName()]++
		if document.FilePath != "" {
			effects.files = append(effects.files, filestore.Request{
				DocumentID:         document.ID,
				FilePath:           document.FilePath,
				CompressedFilePath: document.CompressedFilePath,
				RequestedBy:        actor.UserID,
			})
		}
	}
	return nil
}

// writeMarkersWithTx writes the tombstone and the hard_delete journal entry of one
// removed row under a shared operation id.
func (s *Service[T]) writeMarkersWithTx(tx *gorm.DB, m marker, actor auth.Actor, origin *changelog.Tombstone) error {
	now := s.clock().UTC()
	deviceID := actor.DeviceID
	tombstone := changelog.Tombstone{
		EntityType: m.table,
		EntityID:   m.id,
		DeletedBy:  actor.UserID,
		DeletedAt:  now,
	}
	entry := changelog.Entry{
		EntityTable:   m.table,
		EntityID:      m.id,
		OperationType: changelog.OperationHardDelete,
		Timestamp:     now,
		UserID:        actor.UserID,
		DeviceID:      &deviceID,
	}

	if m.primary && origin != nil {
		tombstone.ID = origin.ID
		tombstone.OperationID = origin.OperationID
		tombstone.AdditionalMetadata = origin.AdditionalMetadata
		if origin.DeletedBy != "" {
			tombstone.DeletedBy = origin.DeletedBy
			entry.UserID = origin.DeletedBy
		}
		if !origin.DeletedAt.IsZero() {
			tombstone.DeletedAt = origin.DeletedAt.UTC()
			entry.Timestamp = origin.DeletedAt.UTC()
		}
	}
	if tombstone.OperationID == "" {
		operationID, err := s.changeLog.NewOperationID()
		if err != nil {
			return apperr.Internalf("operation_id_generation_failed", err)
		}
		tombstone.OperationID = operationID
	}
	entry.OperationID = tombstone.OperationID

	if m.metadata != nil {
		encoded, err := json.Marshal(m.metadata)
		if err != nil {
			return apperr.Internalf("marker_metadata_encoding_failed", err)
		}
		tombstone.AdditionalMetadata = datatypes.JSON(encoded)
		if m.metadata.FilePath != "" {
			documentMetadata := string(encoded)
			entry.DocumentMetadata = &documentMetadata
		}
	}

	if origin != nil {
		// already known to the server
		tombstone.PushedAt = &now
		tombstone.SyncBatchID = origin.SyncBatchID
		entry.ProcessedAt = &now
		entry.SyncBatchID = origin.SyncBatchID
	}

	if err := s.changeLog.CreateTombstoneWithTx(tx, &tombstone); err != nil {
		return err
	}
	return s.changeLog.CreateChangeLogWithTx(tx, &entry)
}

func (s *Service[T]) afterHardDelete(ctx context.Context, effects hardDeleteEffects) {
	for table, count := range effects.cascaded {
		metrics.CascadedRows.WithLabelValues(table).Add(float64(count))
	}
	if len(effects.files) == 0 || s.files == nil {
		return
	}
	if err := s.files.Enqueue(ctx, effects.files); err != nil {
		s.logError(opEnqueueFiles, "enqueue_failed", err, zap.Int("files", len(effects.files)))
	}
}

// softDelete marks the row and its live documents deleted and journals each marker.
// It returns the ids of the soft-deleted documents.
func (s *Service[T]) softDelete(ctx context.Context, table, id string, actor auth.Actor) ([]string, error) {
	var documentIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		documentIDs = nil
		if err := s.repository.SoftDeleteWithTx(tx, id, actor); err != nil {
			return err
		}
		if err := s.journalSoftDeleteWithTx(tx, table, id, actor, nil); err != nil {
			return err
		}
		if s.documents == nil || !TracksAttachments(table) {
			return nil
		}
		documents, err := s.documents.FindAttachedWithTx(tx, table, id, false)
		if err != nil {
			return err
		}
		for _, document := range documents {
			if err := s.documents.SoftDeleteWithTx(tx, document.ID, actor); err != nil {
				return err
			}
			metadata := &markerMetadata{
				ParentTable:        table,
				ParentID:           id,
				DeletionType:       deletionTypeSoft,
				FilePath:           document.FilePath,
				CompressedFilePath: document.CompressedFilePath,
			}
			if err := s.journalSoftDeleteWithTx(tx, s.documents.EntityName(), document.ID, actor, metadata); err != nil {
				return err
			}
			documentIDs = append(documentIDs, document.ID)
		}
		return nil
	})
	if err != nil {
		if !apperr.IsNotFound(err) {
			s.logError(opSoftDelete, "transaction_failed", err, zap.String("table", table), zap.String("id", id))
		}
		return nil, err
	}
	return documentIDs, nil
}

func (s *Service[T]) journalSoftDeleteWithTx(tx *gorm.DB, table, id string, actor auth.Actor, metadata *markerMetadata) error {
	deviceID := actor.DeviceID
	entry := changelog.Entry{
		EntityTable:   table,
		EntityID:      id,
		OperationType: changelog.OperationDelete,
		Timestamp:     s.clock().UTC(),
		UserID:        actor.UserID,
		DeviceID:      &deviceID,
	}
	if metadata != nil {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return apperr.Internalf("marker_metadata_encoding_failed", err)
		}
		documentMetadata := string(encoded)
		entry.DocumentMetadata = &documentMetadata
	}
	return s.changeLog.CreateChangeLogWithTx(tx, &entry)
}

func (s *Service[T]) recordOutcome(table, outcome string) {
	metrics.DeleteOutcomes.WithLabelValues(table, outcome).Inc()
}

func (s *Service[T]) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("delete service error", attrs...)
}
