package syncstate

import (
	"context"
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

type trackerFixture struct {
	db        *gorm.DB
	changeLog *changelog.Store
	tracker   *Tracker
	now       time.Time
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "syncstate.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	models := append(Models(), &changelog.Entry{}, &changelog.Tombstone{})
	require.NoError(t, db.AutoMigrate(models...))

	changeLog, err := changelog.NewStore(changelog.StoreConfig{Database: db, IDProvider: &ids.Sequence{Prefix: "op"}})
	require.NoError(t, err)

	f := &trackerFixture{db: db, changeLog: changeLog, now: time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)}
	tracker, err := NewTracker(TrackerConfig{
		Database:   db,
		ChangeLog:  changeLog,
		BatchIDs:   &ids.Sequence{Prefix: "batch"},
		IDProvider: &ids.Sequence{Prefix: "conflict"},
		Clock:      func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.tracker = tracker
	return f
}

func TestBatchLifecycle(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	batch, err := f.tracker.CreateBatch(ctx, "device-a", DirectionUpload, changelog.PriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, "batch-1", batch.BatchID)
	assert.Equal(t, BatchPending, batch.Status)

	f.now = f.now.Add(time.Second)
	require.NoError(t, f.tracker.MarkProcessing(ctx, batch.BatchID, 3, 512))
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.tracker.UpdateBatchStatsWithTx(tx, batch.BatchID, 2, 1)
	}))

	f.now = f.now.Add(time.Second)
	message := "one change rejected"
	require.NoError(t, f.tracker.FinalizeBatch(ctx, batch.BatchID, BatchPartiallyFailed, &message))

	stored, err := f.tracker.FindBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchPartiallyFailed, stored.Status)
	assert.Equal(t, int64(2), stored.Attempts)
	assert.Equal(t, int64(3), stored.ItemCount)
	assert.Equal(t, int64(512), stored.TotalSize)
	assert.Equal(t, int64(2), stored.ProcessedCount)
	assert.Equal(t, int64(1), stored.ErrorCount)
	require.NotNil(t, stored.CompletedAt)
	assert.True(t, stored.CompletedAt.Equal(f.now))
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, message, *stored.ErrorMessage)
}

func TestFinalizedBatchRejectsTransitionsButCountsAttempts(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	batch, err := f.tracker.CreateBatch(ctx, "device-a", DirectionDownload, changelog.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, f.tracker.FinalizeBatch(ctx, batch.BatchID, BatchCompleted, nil))

	err = f.tracker.MarkProcessing(ctx, batch.BatchID, 1, 1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	err = f.tracker.FinalizeBatch(ctx, batch.BatchID, BatchFailed, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	stored, err := f.tracker.FindBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, stored.Status)
	assert.Equal(t, int64(3), stored.Attempts)

	err = f.tracker.FinalizeBatch(ctx, batch.BatchID, BatchProcessing, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	err = f.tracker.MarkProcessing(ctx, "missing", 0, 0)
	assert.True(t, apperr.IsNotFound(err))
}

func TestCreateBatchValidatesInput(t *testing.T) {
	f := newTrackerFixture(t)
	_, err := f.tracker.CreateBatch(context.Background(), "", DirectionUpload, changelog.PriorityNormal)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.tracker.CreateBatch(context.Background(), "device-a", Direction("sideways"), changelog.PriorityNormal)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestConflictsRecordAndResolve(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	batchID := "batch-remote"
	strategy := StrategyLastWriteWins

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.tracker.RecordConflictWithTx(tx, &SyncConflict{
			EntityTable:        "projects",
			EntityID:           "p1",
			LocalChangeOpID:    "local-op",
			RemoteChangeOpID:   "remote-op",
			ResolutionStatus:   ResolutionResolved,
			ResolutionStrategy: &strategy,
			Details:            []byte(`{"local":"a","remote":"b"}`),
			SyncBatchID:        &batchID,
		})
	}))

	conflicts, err := f.tracker.FindConflictsForEntity(ctx, "projects", "p1")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "conflict-1", conflicts[0].ConflictID)
	assert.JSONEq(t, `{"local":"a","remote":"b"}`, string(conflicts[0].Details))

	byBatch, err := f.tracker.FindSyncConflictsForBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, byBatch, 1)

	_, err = f.tracker.ResolveConflict(ctx, "conflict-1", StrategyClientWins, auth.Actor{UserID: "officer", Role: auth.RoleOfficer})
	assert.ErrorIs(t, err, apperr.ErrAuthorizationFailed)

	lead := auth.Actor{UserID: "lead-1", DeviceID: "device-a", Role: auth.RoleFieldTeamLead}
	resolved, err := f.tracker.ResolveConflict(ctx, "conflict-1", StrategyManual, lead)
	require.NoError(t, err)
	assert.Equal(t, ResolutionManual, resolved.ResolutionStatus)
	require.NotNil(t, resolved.ResolvedByUserID)
	assert.Equal(t, "lead-1", *resolved.ResolvedByUserID)

	_, err = f.tracker.ResolveConflict(ctx, "missing", StrategyClientWins, lead)
	assert.True(t, apperr.IsNotFound(err))
}

func TestFindConflictsForBatchReadsErroredJournalEntries(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	conflict := "remote change lost to newer local row"

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		if err := f.changeLog.RecordRemoteChangeWithTx(tx, changelog.Entry{
			OperationID: "remote-1", EntityTable: "projects", EntityID: "p1",
			OperationType: changelog.OperationUpdate, UserID: "remote", Timestamp: f.now,
		}, "batch-9", f.now, &conflict); err != nil {
			return err
		}
		return f.changeLog.RecordRemoteChangeWithTx(tx, changelog.Entry{
			OperationID: "remote-2", EntityTable: "projects", EntityID: "p2",
			OperationType: changelog.OperationUpdate, UserID: "remote", Timestamp: f.now,
		}, "batch-9", f.now, nil)
	}))

	entries, err := f.tracker.FindConflictsForBatch(ctx, "batch-9")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "remote-1", entries[0].OperationID)
}

func TestDeviceStateAndConfigDefaults(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	state, err := f.tracker.DeviceState(ctx, "device-a", "user-1")
	require.NoError(t, err)
	assert.True(t, state.SyncEnabled)
	assert.Nil(t, state.LastUploadTimestamp)

	uploadedAt := f.now.Add(-time.Minute)
	require.NoError(t, f.tracker.RecordUpload(ctx, "device-a", "user-1", uploadedAt, DeviceSuccess))
	require.NoError(t, f.tracker.RecordDownload(ctx, "device-a", "user-1", f.now, DeviceFailed, 0))

	state, err = f.tracker.DeviceState(ctx, "device-a", "user-1")
	require.NoError(t, err)
	require.NotNil(t, state.LastUploadTimestamp)
	assert.True(t, state.LastUploadTimestamp.Equal(uploadedAt))
	assert.Nil(t, state.LastDownloadTimestamp, "failed exchange keeps the watermark")
	require.NotNil(t, state.LastSyncStatus)
	assert.Equal(t, DeviceFailed, *state.LastSyncStatus)

	config, err := f.tracker.Config(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, config.SyncEnabled)
	assert.Equal(t, changelog.PriorityBackground, config.PriorityThreshold)
	assert.Equal(t, defaultPushLimit, config.PushLimit)

	config.PriorityThreshold = changelog.PriorityHigh
	config.PushLimit = 25
	require.NoError(t, f.tracker.UpdateConfig(ctx, *config))
	reloaded, err := f.tracker.Config(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, changelog.PriorityHigh, reloaded.PriorityThreshold)
	assert.Equal(t, 25, reloaded.PushLimit)

	config.PushLimit = 0
	assert.ErrorIs(t, f.tracker.UpdateConfig(ctx, *config), apperr.ErrValidation)
}
