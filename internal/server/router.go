package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/engine"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const actorContextKey = "fieldsync_actor"

var (
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingActors        = errors.New("actor resolver dependency required")
	errMissingEngine        = errors.New("engine dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionValidator validates session tokens presented by callers.
type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ActorResolver maps validated claims and a device to an Actor.
type ActorResolver interface {
	ResolveActor(claims auth.SessionClaims, deviceID string) (auth.Actor, error)
}

// SyncRunner runs push and pull exchanges on behalf of an actor.
type SyncRunner interface {
	Push(ctx context.Context, actor auth.Actor) (syncer.PushReport, error)
	Pull(ctx context.Context, actor auth.Actor) (syncer.PullReport, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Actors         ActorResolver
	Engine         *engine.Engine
	Sync           SyncRunner
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler constructs the HTTP handler exposing the record and sync endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Actors == nil {
		return nil, errMissingActors
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions: deps.Sessions,
		actors:   deps.Actors,
		engine:   deps.Engine,
		sync:     deps.Sync,
		realtime: realtime,
		logger:   logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/records/:table/:id/dependencies", handler.handleDependencies)
	protected.GET("/records/:table/:id/history", handler.handleHistory)
	protected.DELETE("/records/:table/:id", handler.handleDelete)
	protected.POST("/records/:table/batch-delete", handler.handleBatchDelete)

	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/sync/batches", handler.handleListBatches)
	protected.GET("/sync/batches/:id", handler.handleGetBatch)
	protected.GET("/sync/batches/:id/conflicts", handler.handleBatchConflicts)
	protected.POST("/sync/conflicts/:id/resolve", handler.handleResolveConflict)
	protected.POST("/sync/push", handler.handlePush)
	protected.POST("/sync/pull", handler.handlePull)

	protected.GET("/events/stream", handler.handleEventStream)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", auth.DeviceHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions SessionValidator
	actors   ActorResolver
	engine   *engine.Engine
	sync     SyncRunner
	realtime *RealtimeDispatcher
	logger   *zap.Logger
}

// authorizeRequest validates the session and resolves the calling actor. Event
// streams cannot set headers, so the token and device may also arrive as the
// access_token and device_id query parameters.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.SessionClaims
		err    error
	)
	if token := strings.TrimSpace(c.Query("access_token")); token != "" && c.GetHeader("Authorization") == "" {
		claims, err = h.sessions.ValidateToken(token)
	} else {
		claims, err = h.sessions.ValidateRequest(c.Request)
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	deviceID := c.GetHeader(auth.DeviceHeader)
	if deviceID == "" {
		deviceID = c.Query("device_id")
	}
	actor, err := h.actors.ResolveActor(claims, deviceID)
	if err != nil {
		if errors.Is(err, auth.ErrMissingDeviceID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_device_id"})
			return
		}
		h.logger.Warn("actor resolution failed", zap.Error(err))
		var classified *apperr.Error
		if !errors.As(err, &classified) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.abortWithError(c, err)
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func actorFrom(c *gin.Context) (auth.Actor, bool) {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return auth.Actor{}, false
	}
	actor, ok := value.(auth.Actor)
	return actor, ok
}

// requireActor returns the actor of the request after checking permission.
func (h *httpHandler) requireActor(c *gin.Context, permission auth.Permission) (auth.Actor, bool) {
	actor, ok := actorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Actor{}, false
	}
	if err := actor.Authorize(permission); err != nil {
		h.respondError(c, err)
		return auth.Actor{}, false
	}
	return actor, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrAuthorizationFailed):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", apperr.CodeOf(err)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperr.CodeOf(err)})
}

func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	c.Abort()
	h.respondError(c, err)
}
