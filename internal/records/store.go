package records

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

var noOpLogger = zap.NewNop()

// Row is satisfied by a pointer to any synchronized model.
type Row[T any] interface {
	*T
	Metadata() *SyncMetadata
	TableName() string
}

// columns never written by a field-level merge
var protectedColumns = map[string]struct{}{
	"id":                   {},
	"created_at":           {},
	"created_by_user_id":   {},
	"updated_at":           {},
	"updated_by_user_id":   {},
	"updated_by_device_id": {},
	"deleted_at":           {},
	"deleted_by_user_id":   {},
	"deleted_by_device_id": {},
}

// StoreConfig describes the dependencies of a table store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the repository of one synchronized table. It implements the repository
// contract consumed by the delete service and the merge operation used by mergers.
type Store[T any, PT Row[T]] struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	table     string
	mergeable map[string]struct{}
}

// NewStore constructs the repository of one synchronized table.
func NewStore[T any, PT Row[T]](cfg StoreConfig) (*Store[T, PT], error) {
	if cfg.Database == nil {
		return nil, apperr.Internal("records.store.new.missing_database")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	parsed, err := schema.Parse(PT(new(T)), &sync.Map{}, cfg.Database.NamingStrategy)
	if err != nil {
		return nil, apperr.Internalf("records.store.new.schema_parse_failed", err)
	}
	mergeable := make(map[string]struct{}, len(parsed.DBNames))
	for _, column := range parsed.DBNames {
		if _, protected := protectedColumns[column]; protected {
			continue
		}
		mergeable[column] = struct{}{}
	}

	return &Store[T, PT]{
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
		table:     PT(new(T)).TableName(),
		mergeable: mergeable,
	}, nil
}

// EntityName is the table name used for dependency lookups and journal entries.
func (s *Store[T, PT]) EntityName() string {
	return s.table
}

// MergeableColumn reports whether a field-level change may write column.
func (s *Store[T, PT]) MergeableColumn(column string) bool {
	_, ok := s.mergeable[column]
	return ok
}

// FindByID returns a live (not soft-deleted) row or EntityNotFound.
func (s *Store[T, PT]) FindByID(ctx context.Context, id string) (*T, error) {
	return s.findWithTx(s.db.WithContext(ctx), id, false)
}

// FindByIDIncludingDeleted also returns soft-deleted rows.
func (s *Store[T, PT]) FindByIDIncludingDeleted(ctx context.Context, id string) (*T, error) {
	return s.findWithTx(s.db.WithContext(ctx), id, true)
}

func (s *Store[T, PT]) findWithTx(tx *gorm.DB, id string, includeDeleted bool) (*T, error) {
	row := new(T)
	query := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id)
	if !includeDeleted {
		query = query.Where("deleted_at IS NULL")
	}
	err := query.Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.EntityNotFound(s.table, id)
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return row, nil
}

// ListLive returns live rows ordered by id.
func (s *Store[T, PT]) ListLive(ctx context.Context, limit int) ([]T, error) {
	var rows []T
	query := s.db.WithContext(ctx).Where("deleted_at IS NULL").Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, apperr.Database(err)
	}
	return rows, nil
}

// SoftDelete marks the live row id deleted by actor.
func (s *Store[T, PT]) SoftDelete(ctx context.Context, id string, actor auth.Actor) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.SoftDeleteWithTx(tx, id, actor)
	})
}

// SoftDeleteWithTx sets the deletion marker. Already soft-deleted or missing rows
// yield EntityNotFound.
func (s *Store[T, PT]) SoftDeleteWithTx(tx *gorm.DB, id string, actor auth.Actor) error {
	now := s.clock().UTC()
	device := actor.DeviceID
	user := actor.UserID
	result := tx.Table(s.table).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]interface{}{
			"deleted_at":           now,
			"deleted_by_user_id":   user,
			"deleted_by_device_id": device,
			"updated_at":           now,
			"updated_by_user_id":   user,
			"updated_by_device_id": device,
		})
	if result.Error != nil {
		s.logError("records.soft_delete", result.Error, zap.String("id", id))
		return apperr.Database(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.EntityNotFound(s.table, id)
	}
	return nil
}

// HardDelete removes the row id in its own transaction.
func (s *Store[T, PT]) HardDelete(ctx context.Context, id string, actor auth.Actor) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.HardDeleteWithTx(tx, id, actor)
	})
}

// HardDeleteWithTx physically removes the row, soft-deleted or not.
func (s *Store[T, PT]) HardDeleteWithTx(tx *gorm.DB, id string, _ auth.Actor) error {
	result := tx.Where("id = ?", id).Delete(PT(new(T)))
	if result.Error != nil {
		s.logError("records.hard_delete", result.Error, zap.String("id", id))
		return apperr.Database(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.EntityNotFound(s.table, id)
	}
	return nil
}

func (s *Store[T, PT]) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("table", s.table),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records store error", attrs...)
}
