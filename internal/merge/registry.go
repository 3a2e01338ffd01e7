package merge

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnknownTable indicates a change references a table without a merger.
var ErrUnknownTable = errors.New("unknown table")

// RegistryConfig describes the dependencies of Registry.
type RegistryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Registry routes remote changes to the merger of their table.
type Registry struct {
	db      *gorm.DB
	logger  *zap.Logger
	mu      sync.RWMutex
	mergers map[string]Merger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal("merge.registry.new.missing_database")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{db: cfg.Database, logger: logger, mergers: make(map[string]Merger)}, nil
}

// Register adds a merger. A second merger for the same table is rejected.
func (r *Registry) Register(m Merger) error {
	if m == nil {
		return apperr.Internal("merge.registry.register.nil_merger")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	table := m.EntityTable()
	if _, exists := r.mergers[table]; exists {
		return apperr.Internal("merger already registered: " + table)
	}
	r.mergers[table] = m
	return nil
}

// Lookup returns the merger of table.
func (r *Registry) Lookup(table string) (Merger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mergers[table]
	if !ok {
		return nil, apperr.Internalf(table, ErrUnknownTable)
	}
	return m, nil
}

// Tables returns the registered tables in sorted order.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]string, 0, len(r.mergers))
	for table := range r.mergers {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// ApplyChange dispatches entry on its operation type.
func (r *Registry) ApplyChange(ctx context.Context, entry changelog.Entry, actor auth.Actor) (records.MergeOutcome, error) {
	m, err := r.Lookup(entry.EntityTable)
	if err != nil {
		return records.MergeOutcome{}, err
	}
	switch entry.OperationType {
	case changelog.OperationCreate:
		return m.ApplyCreate(ctx, entry, actor)
	case changelog.OperationUpdate:
		return m.ApplyUpdate(ctx, entry, actor)
	case changelog.OperationDelete:
		return m.ApplySoftDelete(ctx, entry, actor)
	case changelog.OperationHardDelete:
		return records.MergeOutcome{Kind: records.MergeNoOp, EntityID: entry.EntityID, Reason: ReasonTombstoneOnly}, nil
	default:
		return records.MergeOutcome{}, apperr.Validation("unknown_operation_type")
	}
}

// ApplyChangeWithTx applies entry inside tx through its table's merger.
func (r *Registry) ApplyChangeWithTx(tx *gorm.DB, entry changelog.Entry, actor auth.Actor, batchID string) (records.MergeOutcome, error) {
	m, err := r.Lookup(entry.EntityTable)
	if err != nil {
		return records.MergeOutcome{}, err
	}
	return m.ApplyChangeWithTx(tx, entry, actor, batchID)
}

// ApplyTombstone enforces a remote hard delete.
func (r *Registry) ApplyTombstone(ctx context.Context, tombstone changelog.Tombstone, actor auth.Actor) (records.MergeOutcome, error) {
	m, err := r.Lookup(tombstone.EntityType)
	if err != nil {
		return records.MergeOutcome{}, err
	}
	return m.ApplyHardDelete(ctx, tombstone, actor)
}

// ApplyChangesBatch applies entries atomically; the first failure rolls back every
// change of the batch.
func (r *Registry) ApplyChangesBatch(ctx context.Context, entries []changelog.Entry, actor auth.Actor, batchID string) ([]records.MergeOutcome, error) {
	outcomes := make([]records.MergeOutcome, 0, len(entries))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range entries {
			outcome, err := r.ApplyChangeWithTx(tx, entry, actor, batchID)
			if err != nil {
				r.logger.Error("merge batch aborted",
					zap.String("operation", "merge.apply_changes_batch"),
					zap.String("batch_id", batchID),
					zap.String("operation_id", entry.OperationID),
					zap.Error(err))
				return err
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}
