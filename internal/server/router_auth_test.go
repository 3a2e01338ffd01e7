package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessions struct {
	claims      auth.SessionClaims
	validateErr error
}

func (s stubSessions) ValidateToken(string) (auth.SessionClaims, error) {
	return s.claims, s.validateErr
}

func (s stubSessions) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.validateErr
}

type stubActors struct {
	err error
}

func (s stubActors) ResolveActor(claims auth.SessionClaims, deviceID string) (auth.Actor, error) {
	if s.err != nil {
		return auth.Actor{}, s.err
	}
	return auth.ActorFromClaims(claims, deviceID)
}

func newAuthTestContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sync/status", http.NoBody)
	request.Header.Set("Authorization", "Bearer token")
	ctx.Request = request
	return ctx, recorder
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	ctx, recorder := newAuthTestContext(t)
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessions{validateErr: auth.ErrExpiredSessionToken},
		actors:   stubActors{},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	ctx, recorder := newAuthTestContext(t)
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessions{validateErr: errors.New("signature mismatch")},
		actors:   stubActors{},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestRequiresDevice(t *testing.T) {
	ctx, recorder := newAuthTestContext(t)
	handler := &httpHandler{
		sessions: stubSessions{claims: auth.SessionClaims{UserID: "lead-1", UserRoles: []string{"field_tl"}}},
		actors:   stubActors{},
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

func TestAuthorizeRequestRejectsForeignDevice(t *testing.T) {
	ctx, recorder := newAuthTestContext(t)
	ctx.Request.Header.Set(auth.DeviceHeader, "tablet-1")
	handler := &httpHandler{
		sessions: stubSessions{claims: auth.SessionClaims{UserID: "lead-1"}},
		actors:   stubActors{err: apperr.AuthorizationFailed("device_registered_to_another_user")},
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusForbidden)
	}
	if !ctx.IsAborted() {
		t.Fatalf("expected the request to be aborted")
	}
}

func TestAuthorizeRequestStoresActor(t *testing.T) {
	ctx, _ := newAuthTestContext(t)
	ctx.Request.Header.Set(auth.DeviceHeader, "tablet-1")
	handler := &httpHandler{
		sessions: stubSessions{claims: auth.SessionClaims{UserID: "lead-1", UserRoles: []string{"field_tl"}}},
		actors:   stubActors{},
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	actor, ok := actorFrom(ctx)
	if !ok {
		t.Fatalf("expected actor to be stored on the context")
	}
	if actor.DeviceID != "tablet-1" || actor.Role != auth.RoleFieldTeamLead {
		t.Fatalf("unexpected actor %+v", actor)
	}
}
