// Package engine assembles the stores, delete services and mergers of every
// synchronized table over one database handle.
package engine

import (
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/deletion"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/filestore"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ids"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/merge"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncstate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	_ deletion.Deleter = (*deletion.Service[records.Project])(nil)
	_ merge.Merger     = (*merge.TableMerger[records.Project, *records.Project])(nil)
)

// Config describes the dependencies of Engine.
type Config struct {
	Database        *gorm.DB
	IDProvider      ids.Provider
	BatchIDs        ids.Provider
	Clock           func() time.Time
	FileGracePeriod time.Duration
	SyncDefaults    syncstate.SyncConfig
	Logger          *zap.Logger
}

// Engine holds the wired services.
type Engine struct {
	ChangeLog *changelog.Store
	Documents *records.DocumentStore
	Checker   *deletion.DependencyChecker
	Files     *filestore.Queue
	Tracker   *syncstate.Tracker
	Registry  *merge.Registry

	deleters map[string]deletion.Deleter
}

// New wires every service over one database and registers a delete service and a
// merger for each synchronized table.
func New(cfg Config) (*Engine, error) {
	if cfg.Database == nil {
		return nil, apperr.Internalf("engine.new.missing_database", errors.New("database handle is required"))
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	changeLog, err := changelog.NewStore(changelog.StoreConfig{Database: cfg.Database, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return nil, err
	}
	storeConfig := records.StoreConfig{Database: cfg.Database, Clock: clock, Logger: logger}
	documents, err := records.NewDocumentStore(storeConfig, idProvider)
	if err != nil {
		return nil, err
	}
	checker, err := deletion.NewDependencyChecker(deletion.DependencyCheckerConfig{Database: cfg.Database, Logger: logger})
	if err != nil {
		return nil, err
	}
	files, err := filestore.NewQueue(filestore.QueueConfig{
		Database:    cfg.Database,
		IDProvider:  idProvider,
		Clock:       clock,
		GracePeriod: cfg.FileGracePeriod,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	tracker, err := syncstate.NewTracker(syncstate.TrackerConfig{
		Database:   cfg.Database,
		ChangeLog:  changeLog,
		BatchIDs:   cfg.BatchIDs,
		IDProvider: idProvider,
		Clock:      clock,
		Defaults:   cfg.SyncDefaults,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	registry, err := merge.NewRegistry(merge.RegistryConfig{Database: cfg.Database, Logger: logger})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		ChangeLog: changeLog,
		Documents: documents,
		Checker:   checker,
		Files:     files,
		Tracker:   tracker,
		Registry:  registry,
		deleters:  make(map[string]deletion.Deleter),
	}
	w := wiring{engine: e, db: cfg.Database, store: storeConfig, clock: clock, logger: logger}

	steps := []func() error{
		func() error { return register[records.StrategicGoal](w) },
		func() error { return register[records.Project](w) },
		func() error { return register[records.Workshop](w) },
		func() error { return register[records.Activity](w) },
		func() error { return register[records.Participant](w) },
		func() error { return register[records.WorkshopParticipant](w) },
		func() error { return register[records.Livelihood](w) },
		func() error { return register[records.SubsequentGrant](w) },
		func() error { return register[records.Donor](w) },
		func() error { return register[records.ProjectFunding](w) },
		func() error { return register[records.DocumentType](w) },
		func() error { return registerDocuments(w) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Deleter returns the delete service of table.
func (e *Engine) Deleter(table string) (deletion.Deleter, error) {
	deleter, ok := e.deleters[table]
	if !ok {
		return nil, apperr.Validation("unknown_table")
	}
	return deleter, nil
}

// Tables lists the tables with a delete service, sorted.
func (e *Engine) Tables() []string {
	tables := make([]string, 0, len(e.deleters))
	for table := range e.deleters {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

type wiring struct {
	engine *Engine
	db     *gorm.DB
	store  records.StoreConfig
	clock  func() time.Time
	logger *zap.Logger
}

func register[T any, PT records.Row[T]](w wiring) error {
	store, err := records.NewStore[T, PT](w.store)
	if err != nil {
		return err
	}
	return wireTable[T, PT](w, store, store, w.engine.Documents)
}

// media documents own their files and have no attachments of their own
func registerDocuments(w wiring) error {
	documents := w.engine.Documents
	return wireTable[records.MediaDocument, *records.MediaDocument](w, documents.Store, documents, nil)
}

func wireTable[T any, PT records.Row[T]](w wiring, store *records.Store[T, PT], repository deletion.Repository[T], attachments deletion.DocumentCollaborator) error {
	serviceConfig := deletion.ServiceConfig[T]{
		Database:   w.db,
		Repository: repository,
		Checker:    w.engine.Checker,
		ChangeLog:  w.engine.ChangeLog,
		Documents:  attachments,
		Access:     w.engine.Documents,
		Files:      w.engine.Files,
		Clock:      w.clock,
		Logger:     w.logger,
	}
	service, err := deletion.NewService[T](serviceConfig)
	if err != nil {
		return err
	}
	merger, err := merge.NewTableMerger(merge.TableMergerConfig[T, PT]{
		Database:  w.db,
		Store:     store,
		Deleter:   service,
		ChangeLog: w.engine.ChangeLog,
		Tracker:   w.engine.Tracker,
		Clock:     w.clock,
		Logger:    w.logger,
	})
	if err != nil {
		return err
	}
	if err := w.engine.Registry.Register(merger); err != nil {
		return err
	}
	w.engine.deleters[service.EntityName()] = service
	return nil
}
