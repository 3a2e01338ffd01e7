package records

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ids"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "records.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func newProjectStore(t *testing.T, db *gorm.DB) *Store[Project, *Project] {
	t.Helper()
	store, err := NewStore[Project](StoreConfig{Database: db, Clock: func() time.Time { return testNow }})
	require.NoError(t, err)
	return store
}

func seedProject(t *testing.T, db *gorm.DB, id, name string, updatedAt time.Time) Project {
	t.Helper()
	project := Project{
		SyncMetadata: SyncMetadata{
			ID:              id,
			CreatedAt:       updatedAt,
			UpdatedAt:       updatedAt,
			CreatedByUserID: "creator",
			UpdatedByUserID: "creator",
		},
		Name: name,
	}
	require.NoError(t, db.Create(&project).Error)
	return project
}

func strPtr(value string) *string {
	return &value
}

func remoteRowEntry(t *testing.T, operationID string, project Project) changelog.Entry {
	t.Helper()
	payload, err := json.Marshal(project)
	require.NoError(t, err)
	return changelog.Entry{
		OperationID:   operationID,
		EntityTable:   TableProjects,
		EntityID:      project.ID,
		OperationType: changelog.OperationUpdate,
		NewValue:      strPtr(string(payload)),
		Timestamp:     project.UpdatedAt,
		UserID:        "remote-user",
		DeviceID:      strPtr("remote-device"),
	}
}

func TestStoreSoftDeleteSetsMarkerOnce(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	ctx := context.Background()
	seedProject(t, db, "p-1", "Water", testNow.Add(-time.Hour))
	actor := auth.Actor{UserID: "u-1", DeviceID: "d-1", Role: auth.RoleFieldTeamLead}

	require.NoError(t, store.SoftDelete(ctx, "p-1", actor))

	_, err := store.FindByID(ctx, "p-1")
	assert.True(t, apperr.IsNotFound(err))

	stored, err := store.FindByIDIncludingDeleted(ctx, "p-1")
	require.NoError(t, err)
	require.NotNil(t, stored.DeletedAt)
	assert.True(t, stored.DeletedAt.Equal(testNow))
	require.NotNil(t, stored.DeletedByDeviceID)
	assert.Equal(t, "d-1", *stored.DeletedByDeviceID)

	err = store.SoftDelete(ctx, "p-1", actor)
	assert.True(t, apperr.IsNotFound(err), "second soft delete must report not found, got %v", err)
}

func TestStoreHardDeleteRemovesSoftDeletedRows(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	ctx := context.Background()
	seedProject(t, db, "p-1", "Water", testNow)
	actor := auth.Actor{UserID: "u-1", DeviceID: "d-1", Role: auth.RoleAdmin}

	require.NoError(t, store.SoftDelete(ctx, "p-1", actor))
	require.NoError(t, store.HardDelete(ctx, "p-1", actor))

	_, err := store.FindByIDIncludingDeleted(ctx, "p-1")
	assert.True(t, apperr.IsNotFound(err))

	err = store.HardDelete(ctx, "p-1", actor)
	var detailed *apperr.Error
	require.ErrorAs(t, err, &detailed)
	assert.Equal(t, TableProjects, detailed.Table)
	assert.Equal(t, "p-1", detailed.ID)
}

func TestStoreMergeableColumnsExcludeMetadata(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	assert.Equal(t, TableProjects, store.EntityName())
	assert.True(t, store.MergeableColumn("name"))
	assert.True(t, store.MergeableColumn("strategic_goal_id"))
	assert.False(t, store.MergeableColumn("id"))
	assert.False(t, store.MergeableColumn("deleted_at"))
	assert.False(t, store.MergeableColumn("nonexistent"))
}

func TestMergeRowCreatesMissingEntity(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	remote := Project{SyncMetadata: SyncMetadata{ID: "p-9", UpdatedAt: testNow}, Name: "Remote"}

	var outcome MergeOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = store.MergeRemoteChangeWithTx(tx, remoteRowEntry(t, "op-1", remote), nil)
		return err
	}))
	assert.Equal(t, MergeCreated, outcome.Kind)

	stored, err := store.FindByID(context.Background(), "p-9")
	require.NoError(t, err)
	assert.Equal(t, "Remote", stored.Name)
	assert.True(t, stored.UpdatedAt.Equal(testNow))
	require.NotNil(t, stored.UpdatedByDeviceID)
	assert.Equal(t, "remote-device", *stored.UpdatedByDeviceID)
}

func TestMergeRowLastWriterWins(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	seedProject(t, db, "p-1", "Local", testNow)

	older := Project{SyncMetadata: SyncMetadata{ID: "p-1", UpdatedAt: testNow.Add(-time.Minute)}, Name: "Older"}
	newer := Project{SyncMetadata: SyncMetadata{ID: "p-1", UpdatedAt: testNow.Add(time.Minute)}, Name: "Newer"}

	var outcome MergeOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = store.MergeRemoteChangeWithTx(tx, remoteRowEntry(t, "op-old", older), nil)
		return err
	}))
	assert.Equal(t, MergeNoOp, outcome.Kind)
	assert.Nil(t, outcome.Conflict)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = store.MergeRemoteChangeWithTx(tx, remoteRowEntry(t, "op-new", newer), nil)
		return err
	}))
	assert.Equal(t, MergeUpdated, outcome.Kind)

	stored, err := store.FindByID(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Newer", stored.Name)
	assert.Equal(t, "creator", stored.CreatedByUserID)
}

func TestMergeRowPreservesLocalSoftDeleteMarker(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	seedProject(t, db, "p-1", "Local", testNow.Add(-time.Hour))
	require.NoError(t, store.SoftDelete(context.Background(), "p-1", auth.Actor{UserID: "u", DeviceID: "d"}))

	remote := Project{SyncMetadata: SyncMetadata{ID: "p-1", UpdatedAt: testNow.Add(time.Hour)}, Name: "Remote"}
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := store.MergeRemoteChangeWithTx(tx, remoteRowEntry(t, "op-1", remote), nil)
		return err
	}))

	stored, err := store.FindByIDIncludingDeleted(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Remote", stored.Name)
	assert.NotNil(t, stored.DeletedAt)
}

func TestMergeRowReportsConflictWithPendingLocalChange(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	seedProject(t, db, "p-1", "Local edit", testNow)
	pending := &changelog.Entry{OperationID: "local-op"}

	remote := Project{SyncMetadata: SyncMetadata{ID: "p-1", UpdatedAt: testNow.Add(-time.Second)}, Name: "Stale remote"}
	var outcome MergeOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = store.MergeRemoteChangeWithTx(tx, remoteRowEntry(t, "remote-op", remote), pending)
		return err
	}))
	assert.Equal(t, MergeNoOp, outcome.Kind)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, WinnerLocal, outcome.Conflict.Winner)
	assert.Equal(t, "local-op", outcome.Conflict.LocalOperationID)
	assert.Equal(t, "remote-op", outcome.Conflict.RemoteOperationID)
	assert.Nil(t, outcome.Conflict.FieldName)
}

func TestMergeFieldAppliesMatchingOldValue(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	seedProject(t, db, "p-1", "Water", testNow)

	entry := changelog.Entry{
		OperationID:   "op-1",
		EntityTable:   TableProjects,
		EntityID:      "p-1",
		OperationType: changelog.OperationUpdate,
		FieldName:     strPtr("name"),
		OldValue:      strPtr(`"Water"`),
		NewValue:      strPtr(`"Clean water"`),
		Timestamp:     testNow.Add(-time.Hour),
		UserID:        "remote-user",
		DeviceID:      strPtr("remote-device"),
	}
	var outcome MergeOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = store.MergeRemoteChangeWithTx(tx, entry, nil)
		return err
	}))
	assert.Equal(t, MergeUpdated, outcome.Kind)
	assert.Nil(t, outcome.Conflict)

	stored, err := store.FindByID(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Clean water", stored.Name)
	assert.True(t, stored.UpdatedAt.Equal(testNow), "updated_at must not move backwards")
}

func TestMergeFieldDivergenceResolvesByTimestamp(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	seedProject(t, db, "p-1", "Local value", testNow)

	stale := changelog.Entry{
		OperationID:   "op-stale",
		EntityTable:   TableProjects,
		EntityID:      "p-1",
		OperationType: changelog.OperationUpdate,
		FieldName:     strPtr("name"),
		OldValue:      strPtr(`"Original"`),
		NewValue:      strPtr(`"Stale remote"`),
		Timestamp:     testNow.Add(-time.Minute),
		UserID:        "remote-user",
	}
	var outcome MergeOutcome
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = store.MergeRemoteChangeWithTx(tx, stale, nil)
		return err
	}))
	assert.Equal(t, MergeNoOp, outcome.Kind)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, WinnerLocal, outcome.Conflict.Winner)
	require.NotNil(t, outcome.Conflict.FieldName)
	assert.Equal(t, "name", *outcome.Conflict.FieldName)
	assert.JSONEq(t, `"Local value"`, string(outcome.Conflict.LocalValue))

	fresh := stale
	fresh.OperationID = "op-fresh"
	fresh.NewValue = strPtr(`"Fresh remote"`)
	fresh.Timestamp = testNow.Add(time.Minute)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = store.MergeRemoteChangeWithTx(tx, fresh, nil)
		return err
	}))
	assert.Equal(t, MergeUpdated, outcome.Kind)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, WinnerRemote, outcome.Conflict.Winner)

	stored, err := store.FindByID(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Fresh remote", stored.Name)
}

func TestMergeFieldRejectsUnknownColumns(t *testing.T) {
	db := newTestDB(t)
	store := newProjectStore(t, db)
	seedProject(t, db, "p-1", "Water", testNow)

	entry := changelog.Entry{
		OperationID:   "op-1",
		EntityTable:   TableProjects,
		EntityID:      "p-1",
		OperationType: changelog.OperationUpdate,
		FieldName:     strPtr("deleted_at"),
		NewValue:      strPtr(`null`),
		Timestamp:     testNow.Add(time.Hour),
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := store.MergeRemoteChangeWithTx(tx, entry, nil)
		return err
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDocumentStoreFindsAttachedAndLogsAccess(t *testing.T) {
	db := newTestDB(t)
	documents, err := NewDocumentStore(StoreConfig{Database: db, Clock: func() time.Time { return testNow }}, &ids.Sequence{Prefix: "log"})
	require.NoError(t, err)
	ctx := context.Background()

	for _, document := range []MediaDocument{
		{SyncMetadata: SyncMetadata{ID: "doc-1", CreatedAt: testNow, UpdatedAt: testNow}, RelatedTable: TableProjects, RelatedID: "p-1", TypeID: "type-1", OriginalFilename: "a.jpg", FilePath: "p/a.jpg", MimeType: "image/jpeg"},
		{SyncMetadata: SyncMetadata{ID: "doc-2", CreatedAt: testNow, UpdatedAt: testNow}, RelatedTable: TableProjects, RelatedID: "p-1", TypeID: "type-1", OriginalFilename: "b.pdf", FilePath: "p/b.pdf", CompressedFilePath: strPtr("p/b.pdf.gz"), MimeType: "application/pdf"},
		{SyncMetadata: SyncMetadata{ID: "doc-3", CreatedAt: testNow, UpdatedAt: testNow}, RelatedTable: TableWorkshops, RelatedID: "p-1", TypeID: "type-1", OriginalFilename: "c.pdf", FilePath: "w/c.pdf", MimeType: "application/pdf"},
	} {
		document := document
		require.NoError(t, db.Create(&document).Error)
	}

	var attached []AttachedDocument
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		attached, err = documents.FindAttachedWithTx(tx, TableProjects, "p-1", false)
		return err
	}))
	require.Len(t, attached, 2)
	assert.Equal(t, "doc-1", attached[0].ID)
	require.NotNil(t, attached[1].CompressedFilePath)

	require.NoError(t, db.Model(&MediaDocument{}).Where("id = ?", "doc-1").Update("deleted_at", testNow).Error)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		attached, err = documents.FindAttachedWithTx(tx, TableProjects, "p-1", false)
		return err
	}))
	require.Len(t, attached, 1)
	assert.Equal(t, "doc-2", attached[0].ID)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		attached, err = documents.FindAttachedWithTx(tx, TableProjects, "p-1", true)
		return err
	}))
	require.Len(t, attached, 2)

	actor := auth.Actor{UserID: "u-1", DeviceID: "d-1"}
	require.NoError(t, documents.RecordAccess(ctx, []string{"doc-1"}, actor, AccessTypeDelete, nil))
	logs, err := documents.AccessLogs(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "log-1", logs[0].ID)
	assert.Equal(t, AccessTypeDelete, logs[0].AccessType)
}
