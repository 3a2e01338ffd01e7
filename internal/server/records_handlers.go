package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/deletion"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncstate"
	"github.com/gin-gonic/gin"
)

const maxBatchDeleteSize = 500

type dependenciesResponse struct {
	Dependencies  []deletion.Dependency `json:"dependencies"`
	Blocking      []string              `json:"blocking"`
	CanHardDelete bool                  `json:"can_hard_delete"`
}

func (h *httpHandler) handleDependencies(c *gin.Context) {
	if _, ok := h.requireActor(c, auth.PermissionViewRecords); !ok {
		return
	}
	deleter, err := h.engine.Deleter(c.Param("table"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	dependencies, err := deleter.CheckDependencies(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dependenciesResponse{
		Dependencies:  dependencies,
		Blocking:      deletion.BlockingTables(dependencies),
		CanHardDelete: deletion.CanHardDelete(dependencies),
	})
}

type historyResponse struct {
	Changes   []changelog.Entry        `json:"changes"`
	Tombstone *changelog.Tombstone     `json:"tombstone,omitempty"`
	Conflicts []syncstate.SyncConflict `json:"conflicts"`
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	if _, ok := h.requireActor(c, auth.PermissionViewRecords); !ok {
		return
	}
	ctx := c.Request.Context()
	table, id := c.Param("table"), c.Param("id")
	changes, err := h.engine.ChangeLog.FindChangeLogsByEntity(ctx, table, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	tombstone, err := h.engine.ChangeLog.FindTombstone(ctx, table, id)
	if err != nil && !apperr.IsNotFound(err) {
		h.respondError(c, err)
		return
	}
	conflicts, err := h.engine.Tracker.FindConflictsForEntity(ctx, table, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, historyResponse{Changes: changes, Tombstone: tombstone, Conflicts: conflicts})
}

// deleteOptionsFromQuery reads hard, force and fallback. A soft delete falls back by
// default; a hard delete only when asked to.
func deleteOptionsFromQuery(c *gin.Context) (deletion.DeleteOptions, error) {
	hard, err := queryBool(c, "hard", false)
	if err != nil {
		return deletion.DeleteOptions{}, err
	}
	force, err := queryBool(c, "force", false)
	if err != nil {
		return deletion.DeleteOptions{}, err
	}
	fallback, err := queryBool(c, "fallback", !hard)
	if err != nil {
		return deletion.DeleteOptions{}, err
	}
	return deletion.DeleteOptions{AllowHardDelete: hard, FallbackToSoftDelete: fallback, Force: force}, nil
}

func queryBool(c *gin.Context, name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Validation("invalid_" + name)
	}
	return value, nil
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	actor, ok := h.requireActor(c, auth.PermissionDeleteRecords)
	if !ok {
		return
	}
	opts, err := deleteOptionsFromQuery(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	table := c.Param("table")
	deleter, err := h.engine.Deleter(table)
	if err != nil {
		h.respondError(c, err)
		return
	}
	id := c.Param("id")
	result, err := deleter.Delete(c.Request.Context(), id, actor, opts)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if result.Outcome == deletion.OutcomeDependenciesPrevented {
		c.JSON(http.StatusConflict, result)
		return
	}
	h.publishDeleted(actor, table, []string{id})
	c.JSON(http.StatusOK, result)
}

type batchDeleteRequest struct {
	IDs      []string `json:"ids"`
	Hard     bool     `json:"hard"`
	Force    bool     `json:"force"`
	Fallback *bool    `json:"fallback"`
}

type batchDeleteResponse struct {
	Result  deletion.BatchDeleteResult         `json:"result"`
	Errors  map[string]string                  `json:"errors,omitempty"`
	Details []deletion.FailedDeleteDetail[any] `json:"failed_details,omitempty"`
}

func (h *httpHandler) handleBatchDelete(c *gin.Context) {
	actor, ok := h.requireActor(c, auth.PermissionDeleteRecords)
	if !ok {
		return
	}
	var request batchDeleteRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(request.IDs) > maxBatchDeleteSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_too_large"})
		return
	}
	opts := deletion.DeleteOptions{AllowHardDelete: request.Hard, Force: request.Force, FallbackToSoftDelete: !request.Hard}
	if request.Fallback != nil {
		opts.FallbackToSoftDelete = *request.Fallback
	}

	table := c.Param("table")
	deleter, err := h.engine.Deleter(table)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	result, err := deleter.BatchDelete(ctx, request.IDs, actor, opts)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := batchDeleteResponse{Result: result}
	if len(result.Failed) > 0 {
		response.Errors = result.ErrorMessages()
		details, err := deleter.DescribeFailures(ctx, result)
		if err != nil {
			h.respondError(c, err)
			return
		}
		response.Details = details
	}

	deleted := append(append([]string{}, result.HardDeleted...), result.SoftDeleted...)
	if len(deleted) > 0 {
		h.publishDeleted(actor, table, deleted)
	}
	c.JSON(http.StatusOK, response)
}
