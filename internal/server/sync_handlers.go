package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncstate"
	"github.com/gin-gonic/gin"
)

const defaultBatchListLimit = 50

type syncStatusResponse struct {
	Device  *syncstate.DeviceSyncState `json:"device"`
	Config  *syncstate.SyncConfig      `json:"config"`
	Journal changelog.Stats            `json:"journal"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	actor, ok := h.requireActor(c, auth.PermissionViewRecords)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	device, err := h.engine.Tracker.DeviceState(ctx, actor.DeviceID, actor.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	config, err := h.engine.Tracker.Config(ctx, actor.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	stats, err := h.engine.ChangeLog.Stats(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, syncStatusResponse{Device: device, Config: config, Journal: stats})
}

func (h *httpHandler) handleListBatches(c *gin.Context) {
	actor, ok := h.requireActor(c, auth.PermissionViewRecords)
	if !ok {
		return
	}
	limit := defaultBatchListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	batches, err := h.engine.Tracker.ListRecentBatches(c.Request.Context(), actor.DeviceID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

func (h *httpHandler) handleGetBatch(c *gin.Context) {
	if _, ok := h.requireActor(c, auth.PermissionViewRecords); !ok {
		return
	}
	batch, err := h.engine.Tracker.FindBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

type batchConflictsResponse struct {
	Conflicts []syncstate.SyncConflict `json:"conflicts"`
	Errored   []changelog.Entry        `json:"errored_changes"`
}

func (h *httpHandler) handleBatchConflicts(c *gin.Context) {
	if _, ok := h.requireActor(c, auth.PermissionViewRecords); !ok {
		return
	}
	ctx := c.Request.Context()
	batchID := c.Param("id")
	if _, err := h.engine.Tracker.FindBatch(ctx, batchID); err != nil {
		h.respondError(c, err)
		return
	}
	conflicts, err := h.engine.Tracker.FindSyncConflictsForBatch(ctx, batchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	errored, err := h.engine.Tracker.FindConflictsForBatch(ctx, batchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batchConflictsResponse{Conflicts: conflicts, Errored: errored})
}

type resolveConflictRequest struct {
	Strategy syncstate.ResolutionStrategy `json:"strategy"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	actor, ok := h.requireActor(c, auth.PermissionResolveConflicts)
	if !ok {
		return
	}
	var request resolveConflictRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	conflict, err := h.engine.Tracker.ResolveConflict(c.Request.Context(), c.Param("id"), request.Strategy, actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conflict)
}

func (h *httpHandler) handlePush(c *gin.Context) {
	actor, ok := h.requireActor(c, auth.PermissionSync)
	if !ok {
		return
	}
	if h.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_not_configured"})
		return
	}
	report, err := h.sync.Push(c.Request.Context(), actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handlePull(c *gin.Context) {
	actor, ok := h.requireActor(c, auth.PermissionSync)
	if !ok {
		return
	}
	if h.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_not_configured"})
		return
	}
	report, err := h.sync.Pull(c.Request.Context(), actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.Publish(RealtimeMessage{
		DeviceID:  actor.DeviceID,
		EventType: RealtimeEventSyncCompleted,
		BatchID:   report.BatchID,
		Status:    string(report.Status),
	})
	c.JSON(http.StatusOK, report)
}
