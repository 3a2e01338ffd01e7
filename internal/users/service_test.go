package users

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	userID, err := service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service := newTestService(t)
	if _, err := service.ResolveCanonicalUserID(auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestResolveActorRegistersDeviceToFirstUser(t *testing.T) {
	service := newTestService(t)

	lead := auth.SessionClaims{UserID: "lead-1", UserRoles: []string{"officer", "field_tl"}}
	actor, err := service.ResolveActor(lead, "tablet-7")
	if err != nil {
		t.Fatalf("resolve actor failed: %v", err)
	}
	if actor.UserID != "lead-1" || actor.DeviceID != "tablet-7" || actor.Role != auth.RoleFieldTeamLead {
		t.Fatalf("unexpected actor %+v", actor)
	}

	devices, err := service.Devices("lead-1")
	if err != nil {
		t.Fatalf("list devices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "tablet-7" {
		t.Fatalf("expected tablet-7 to be registered, got %+v", devices)
	}

	other := auth.SessionClaims{UserID: "officer-2", UserRoles: []string{"officer"}}
	if _, err := service.ResolveActor(other, "tablet-7"); !errors.Is(err, apperr.ErrAuthorizationFailed) {
		t.Fatalf("expected authorization failure for a foreign device, got %v", err)
	}
}

func TestResolveActorRequiresDevice(t *testing.T) {
	service := newTestService(t)
	if _, err := service.ResolveActor(auth.SessionClaims{UserID: "lead-1"}, " "); !errors.Is(err, auth.ErrMissingDeviceID) {
		t.Fatalf("expected ErrMissingDeviceID, got %v", err)
	}
}
