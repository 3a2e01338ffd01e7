package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/deletion"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/engine"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/filestore"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/ids"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncstate"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var baseTime = time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)

type device struct {
	name   string
	db     *gorm.DB
	engine *engine.Engine
	driver *Driver
	actor  auth.Actor
}

func newDevice(t *testing.T, name string, transport Transport) *device {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), name+".db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(records.Models(), &changelog.Entry{}, &changelog.Tombstone{}, &filestore.Request{})
	models = append(models, syncstate.Models()...)
	require.NoError(t, db.AutoMigrate(models...))

	wired, err := engine.New(engine.Config{Database: db, BatchIDs: ids.NewULIDProvider()})
	require.NoError(t, err)
	driver, err := NewDriver(DriverConfig{
		Database:  db,
		ChangeLog: wired.ChangeLog,
		Tracker:   wired.Tracker,
		Registry:  wired.Registry,
		Transport: transport,
		DeviceID:  name,
	})
	require.NoError(t, err)
	return &device{
		name:   name,
		db:     db,
		engine: wired,
		driver: driver,
		actor:  auth.Actor{UserID: "user-" + name, DeviceID: name, Role: auth.RoleFieldTeamLead},
	}
}

func newFileDevice(t *testing.T, root, name string) *device {
	t.Helper()
	transport, err := NewFileTransport(FileTransportConfig{Root: root, DeviceID: name})
	require.NoError(t, err)
	return newDevice(t, name, transport)
}

// write stores row locally and journals it the way the app's data layer does.
func (d *device) write(t *testing.T, table string, op changelog.OperationType, row interface{}, id string, at time.Time) changelog.Entry {
	t.Helper()
	require.NoError(t, d.db.Save(row).Error)
	encoded, err := json.Marshal(row)
	require.NoError(t, err)
	value := string(encoded)
	deviceID := d.name
	entry := changelog.Entry{
		EntityTable:   table,
		EntityID:      id,
		OperationType: op,
		NewValue:      &value,
		Timestamp:     at,
		UserID:        d.actor.UserID,
		DeviceID:      &deviceID,
	}
	require.NoError(t, d.engine.ChangeLog.CreateChangeLog(context.Background(), &entry))
	return entry
}

func (d *device) project(id, name string, at time.Time) *records.Project {
	deviceID := d.name
	return &records.Project{
		SyncMetadata: records.SyncMetadata{
			ID:                id,
			CreatedAt:         baseTime,
			UpdatedAt:         at,
			CreatedByUserID:   d.actor.UserID,
			UpdatedByUserID:   d.actor.UserID,
			UpdatedByDeviceID: &deviceID,
		},
		Name: name,
	}
}

func (d *device) findProject(t *testing.T, id string) (*records.Project, error) {
	t.Helper()
	var project records.Project
	err := d.db.Where("id = ?", id).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	require.NoError(t, err)
	return &project, nil
}

// land pins the arrival time of a pushed bundle so download watermarks are deterministic.
func land(t *testing.T, root, deviceID, batchID string, at time.Time) {
	t.Helper()
	path := filepath.Join(root, deviceID, batchID+bundleExtension)
	require.NoError(t, os.Chtimes(path, at, at))
}

type stubTransport struct {
	pushErr  error
	rejected map[string]string
	pushed   []Outgoing
}

func (s *stubTransport) Push(_ context.Context, outgoing Outgoing) (PushReceipt, error) {
	if s.pushErr != nil {
		return PushReceipt{}, s.pushErr
	}
	s.pushed = append(s.pushed, outgoing)
	return PushReceipt{ServerTime: baseTime, Rejected: s.rejected}, nil
}

func (s *stubTransport) Pull(context.Context, PullRequest) (Incoming, error) {
	return Incoming{}, nil
}

func TestTwoDevicesConverge(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	alpha := newFileDevice(t, root, "alpha")
	beta := newFileDevice(t, root, "beta")

	alpha.write(t, records.TableProjects, changelog.OperationCreate, alpha.project("p1", "Water points", baseTime), "p1", baseTime)

	pushed, err := alpha.driver.Push(ctx, alpha.actor)
	require.NoError(t, err)
	assert.Equal(t, syncstate.BatchCompleted, pushed.Status)
	assert.Equal(t, 1, pushed.Changes)
	land(t, root, "alpha", pushed.BatchID, baseTime.Add(time.Minute))

	again, err := alpha.driver.Push(ctx, alpha.actor)
	require.NoError(t, err)
	assert.Empty(t, again.BatchID, "processed entries must not be pushed twice")

	pulled, err := beta.driver.Pull(ctx, beta.actor)
	require.NoError(t, err)
	assert.Equal(t, syncstate.BatchCompleted, pulled.Status)
	assert.Equal(t, 1, pulled.Applied)

	copied, err := beta.findProject(t, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Water points", copied.Name)

	echo, err := beta.driver.Push(ctx, beta.actor)
	require.NoError(t, err)
	assert.Empty(t, echo.BatchID, "remote changes must not be pushed back")

	state, err := beta.engine.Tracker.DeviceState(ctx, "beta", beta.actor.UserID)
	require.NoError(t, err)
	require.NotNil(t, state.LastDownloadTimestamp)
	assert.True(t, state.LastDownloadTimestamp.Equal(baseTime.Add(time.Minute)))

	edited := beta.project("p1", "Water points phase 2", baseTime.Add(time.Hour))
	beta.write(t, records.TableProjects, changelog.OperationUpdate, edited, "p1", baseTime.Add(time.Hour))
	pushed, err = beta.driver.Push(ctx, beta.actor)
	require.NoError(t, err)
	land(t, root, "beta", pushed.BatchID, baseTime.Add(2*time.Minute))

	pulled, err = alpha.driver.Pull(ctx, alpha.actor)
	require.NoError(t, err)
	assert.Equal(t, 1, pulled.Applied)
	assert.Zero(t, pulled.Conflicts)

	updated, err := alpha.findProject(t, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Water points phase 2", updated.Name)

	// nothing new landed since the last download
	pulled, err = beta.driver.Pull(ctx, beta.actor)
	require.NoError(t, err)
	assert.Equal(t, syncstate.BatchCompleted, pulled.Status)
	assert.Zero(t, pulled.Applied)
}

func TestPullRecordsConflictWithPendingLocalEdit(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	alpha := newFileDevice(t, root, "alpha")
	beta := newFileDevice(t, root, "beta")

	alpha.write(t, records.TableProjects, changelog.OperationCreate, alpha.project("p1", "Seed", baseTime), "p1", baseTime)
	pushed, err := alpha.driver.Push(ctx, alpha.actor)
	require.NoError(t, err)
	land(t, root, "alpha", pushed.BatchID, baseTime.Add(time.Minute))
	_, err = beta.driver.Pull(ctx, beta.actor)
	require.NoError(t, err)

	alpha.write(t, records.TableProjects, changelog.OperationUpdate, alpha.project("p1", "Alpha edit", baseTime.Add(10*time.Minute)), "p1", baseTime.Add(10*time.Minute))
	beta.write(t, records.TableProjects, changelog.OperationUpdate, beta.project("p1", "Beta edit", baseTime.Add(20*time.Minute)), "p1", baseTime.Add(20*time.Minute))
	pushed, err = beta.driver.Push(ctx, beta.actor)
	require.NoError(t, err)
	land(t, root, "beta", pushed.BatchID, baseTime.Add(30*time.Minute))

	pulled, err := alpha.driver.Pull(ctx, alpha.actor)
	require.NoError(t, err)
	assert.Equal(t, 1, pulled.Conflicts)

	conflicts, err := alpha.engine.Tracker.FindSyncConflictsForBatch(ctx, pulled.BatchID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "p1", conflicts[0].EntityID)

	merged, err := alpha.findProject(t, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Beta edit", merged.Name, "the newer edit wins")
}

func TestRemoteHardDeletePropagatesWithCascade(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	alpha := newFileDevice(t, root, "alpha")
	beta := newFileDevice(t, root, "beta")

	projectID := "p1"
	alpha.write(t, records.TableProjects, changelog.OperationCreate, alpha.project(projectID, "Livelihoods", baseTime), projectID, baseTime)
	activity := &records.Activity{
		SyncMetadata: records.SyncMetadata{ID: "act1", CreatedAt: baseTime, UpdatedAt: baseTime.Add(time.Second)},
		ProjectID:    &projectID,
	}
	alpha.write(t, records.TableActivities, changelog.OperationCreate, activity, "act1", baseTime.Add(time.Second))

	pushed, err := alpha.driver.Push(ctx, alpha.actor)
	require.NoError(t, err)
	land(t, root, "alpha", pushed.BatchID, baseTime.Add(time.Minute))
	pulled, err := beta.driver.Pull(ctx, beta.actor)
	require.NoError(t, err)
	require.Equal(t, 2, pulled.Applied)

	admin := auth.Actor{UserID: "admin-1", DeviceID: "alpha", Role: auth.RoleAdmin}
	deleter, err := alpha.engine.Deleter(records.TableProjects)
	require.NoError(t, err)
	result, err := deleter.Delete(ctx, projectID, admin, deletion.DeleteOptions{AllowHardDelete: true})
	require.NoError(t, err)
	require.Equal(t, deletion.OutcomeHardDeleted, result.Outcome)

	pushed, err = alpha.driver.Push(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 2, pushed.Tombstones)
	assert.Equal(t, 2, pushed.Changes)
	land(t, root, "alpha", pushed.BatchID, baseTime.Add(2*time.Minute))

	pulled, err = beta.driver.Pull(ctx, beta.actor)
	require.NoError(t, err)
	assert.Equal(t, syncstate.BatchCompleted, pulled.Status)
	assert.Equal(t, 2, pulled.Tombstones)
	assert.Zero(t, pulled.Failed)

	_, err = beta.findProject(t, projectID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	var activities int64
	require.NoError(t, beta.db.Model(&records.Activity{}).Count(&activities).Error)
	assert.Zero(t, activities)

	for _, ref := range [][2]string{{records.TableProjects, projectID}, {records.TableActivities, "act1"}} {
		tombstone, err := beta.engine.ChangeLog.FindTombstone(ctx, ref[0], ref[1])
		require.NoError(t, err)
		assert.NotNil(t, tombstone.PushedAt, "applied remote tombstones are already synchronized")
	}

	echo, err := beta.driver.Push(ctx, beta.actor)
	require.NoError(t, err)
	assert.Empty(t, echo.BatchID)
}

func TestPullRecordsFailedChanges(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	beta := newFileDevice(t, root, "beta")

	remote := "gamma"
	row, err := json.Marshal(records.Donor{
		SyncMetadata: records.SyncMetadata{ID: "donor-1", CreatedAt: baseTime, UpdatedAt: baseTime},
		Name:         "Foundation",
	})
	require.NoError(t, err)
	value := string(row)
	bundle := Outgoing{
		BatchID:  "manual",
		DeviceID: remote,
		Changes: []changelog.Entry{
			{OperationID: "op-ok", EntityTable: records.TableDonors, EntityID: "donor-1", OperationType: changelog.OperationCreate, NewValue: &value, Timestamp: baseTime, UserID: "u", DeviceID: &remote},
			{OperationID: "op-bad", EntityTable: "ghosts", EntityID: "g1", OperationType: changelog.OperationCreate, NewValue: &value, Timestamp: baseTime, UserID: "u", DeviceID: &remote},
		},
	}
	encoded, err := json.Marshal(bundle)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, remote), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, remote, "manual.json"), encoded, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, remote, "broken.json"), []byte("{"), 0o644))

	pulled, err := beta.driver.Pull(ctx, beta.actor)
	require.NoError(t, err)
	assert.Equal(t, syncstate.BatchPartiallyFailed, pulled.Status)
	assert.Equal(t, 1, pulled.Applied)
	assert.Equal(t, 1, pulled.Failed)

	batch, err := beta.engine.Tracker.FindBatch(ctx, pulled.BatchID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), batch.ProcessedCount)
	assert.Equal(t, int64(1), batch.ErrorCount)
	require.NotNil(t, batch.ErrorMessage)

	failed, err := beta.engine.ChangeLog.FindChangeLogsByEntity(ctx, "ghosts", "g1")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].SyncError)
	assert.Equal(t, pulled.BatchID, *failed[0].SyncBatchID)

	stats, err := beta.engine.ChangeLog.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Errored)
	assert.Zero(t, stats.Unprocessed)
}

func TestPushFailureLeavesChangesRetryable(t *testing.T) {
	ctx := context.Background()
	transport := &stubTransport{pushErr: errors.New("network unreachable")}
	alpha := newDevice(t, "alpha", transport)
	alpha.write(t, records.TableProjects, changelog.OperationCreate, alpha.project("p1", "Retry me", baseTime), "p1", baseTime)

	_, err := alpha.driver.Push(ctx, alpha.actor)
	require.ErrorIs(t, err, transport.pushErr)

	batches, err := alpha.engine.Tracker.ListRecentBatches(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, syncstate.BatchFailed, batches[0].Status)

	pending, err := alpha.engine.ChangeLog.FindUnprocessedChanges(ctx, changelog.PriorityBackground, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].SyncBatchID)

	state, err := alpha.engine.Tracker.DeviceState(ctx, "alpha", alpha.actor.UserID)
	require.NoError(t, err)
	require.NotNil(t, state.LastSyncStatus)
	assert.Equal(t, syncstate.DeviceFailed, *state.LastSyncStatus)
	assert.Nil(t, state.LastUploadTimestamp)

	transport.pushErr = nil
	report, err := alpha.driver.Push(ctx, alpha.actor)
	require.NoError(t, err)
	assert.Equal(t, syncstate.BatchCompleted, report.Status)
	require.Len(t, transport.pushed, 1)
	assert.Len(t, transport.pushed[0].Changes, 1)
}

func TestPushKeepsRejectedChangesForReview(t *testing.T) {
	ctx := context.Background()
	transport := &stubTransport{}
	alpha := newDevice(t, "alpha", transport)
	refused := alpha.write(t, records.TableProjects, changelog.OperationCreate, alpha.project("p1", "Refused", baseTime), "p1", baseTime)
	alpha.write(t, records.TableProjects, changelog.OperationCreate, alpha.project("p2", "Accepted", baseTime.Add(time.Second)), "p2", baseTime.Add(time.Second))
	transport.rejected = map[string]string{refused.OperationID: "duplicate project"}

	report, err := alpha.driver.Push(ctx, alpha.actor)
	require.NoError(t, err)
	assert.Equal(t, syncstate.BatchPartiallyFailed, report.Status)
	assert.Equal(t, 1, report.Rejected)

	history, err := alpha.engine.ChangeLog.FindChangeLogsByEntity(ctx, records.TableProjects, "p1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].SyncError)
	assert.Equal(t, "duplicate project", *history[0].SyncError)
	assert.Nil(t, history[0].ProcessedAt)
	require.NotNil(t, history[0].SyncBatchID)
	assert.Equal(t, report.BatchID, *history[0].SyncBatchID)

	accepted, err := alpha.engine.ChangeLog.FindChangeLogsByEntity(ctx, records.TableProjects, "p2")
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.NotNil(t, accepted[0].ProcessedAt)

	errored, err := alpha.engine.ChangeLog.FindErroredChangesForBatch(ctx, report.BatchID)
	require.NoError(t, err)
	assert.Len(t, errored, 1)

	pending, err := alpha.engine.ChangeLog.FindUnprocessedChanges(ctx, changelog.PriorityBackground, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPushHonoursPriorityThreshold(t *testing.T) {
	ctx := context.Background()
	transport := &stubTransport{}
	alpha := newDevice(t, "alpha", transport)
	require.NoError(t, alpha.engine.Tracker.UpdateConfig(ctx, syncstate.SyncConfig{
		UserID:              alpha.actor.UserID,
		SyncEnabled:         true,
		PriorityThreshold:   changelog.PriorityHigh,
		PushLimit:           10,
		SyncIntervalMinutes: 5,
		MaxOfflineDays:      7,
	}))
	alpha.write(t, records.TableProjects, changelog.OperationCreate, alpha.project("p1", "Low priority", baseTime), "p1", baseTime)

	report, err := alpha.driver.Push(ctx, alpha.actor)
	require.NoError(t, err)
	assert.Empty(t, report.BatchID)
	assert.Empty(t, transport.pushed)
}

func TestDriverAuthorization(t *testing.T) {
	ctx := context.Background()
	alpha := newDevice(t, "alpha", &stubTransport{})

	guest := auth.Actor{UserID: "guest", DeviceID: "alpha", Role: auth.Role("guest")}
	_, err := alpha.driver.Push(ctx, guest)
	assert.ErrorIs(t, err, apperr.ErrAuthorizationFailed)
	_, err = alpha.driver.Pull(ctx, guest)
	assert.ErrorIs(t, err, apperr.ErrAuthorizationFailed)

	require.NoError(t, alpha.engine.Tracker.UpdateConfig(ctx, syncstate.SyncConfig{
		UserID:            alpha.actor.UserID,
		SyncEnabled:       false,
		PriorityThreshold: changelog.PriorityBackground,
		PushLimit:         10,
	}))
	_, err = alpha.driver.Push(ctx, alpha.actor)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNewDriverValidatesDependencies(t *testing.T) {
	_, err := NewDriver(DriverConfig{})
	assert.ErrorIs(t, err, apperr.ErrInternal)

	alpha := newDevice(t, "alpha", &stubTransport{})
	_, err = NewDriver(DriverConfig{
		Database:  alpha.db,
		ChangeLog: alpha.engine.ChangeLog,
		Tracker:   alpha.engine.Tracker,
		Registry:  alpha.engine.Registry,
		Transport: &stubTransport{},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	alpha := newDevice(t, "alpha", &stubTransport{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		alpha.driver.Run(ctx, alpha.actor)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop after cancellation")
	}
}

// cancellingTransport cancels the exchange right after the download arrives.
type cancellingTransport struct {
	stubTransport
	cancel context.CancelFunc
}

func (c *cancellingTransport) Pull(context.Context, PullRequest) (Incoming, error) {
	c.cancel()
	return Incoming{ServerTime: baseTime}, nil
}

func TestPullFailingBeforeProcessingFinalizesBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := &cancellingTransport{cancel: cancel}
	alpha := newDevice(t, "alpha", transport)

	report, err := alpha.driver.Pull(ctx, alpha.actor)
	require.Error(t, err)
	assert.Equal(t, syncstate.BatchFailed, report.Status)

	background := context.Background()
	batch, err := alpha.engine.Tracker.FindBatch(background, report.BatchID)
	require.NoError(t, err)
	assert.Equal(t, syncstate.BatchFailed, batch.Status)
	assert.NotNil(t, batch.CompletedAt)

	state, err := alpha.engine.Tracker.DeviceState(background, "alpha", alpha.actor.UserID)
	require.NoError(t, err)
	require.NotNil(t, state.LastSyncStatus)
	assert.Equal(t, syncstate.DeviceFailed, *state.LastSyncStatus)
}
