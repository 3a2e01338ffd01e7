package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers, provider-specific identities and
// device ownership.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		updates["last_seen_at"] = s.now()
		_ = s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// ResolveActor maps validated session claims and the caller's device to an Actor.
// The device is registered to the user on first use; a device registered to someone
// else is refused.
func (s *Service) ResolveActor(claims auth.SessionClaims, deviceID string) (auth.Actor, error) {
	userID, err := s.ResolveCanonicalUserID(claims)
	if err != nil {
		return auth.Actor{}, err
	}
	claims.UserID = userID
	actor, err := auth.ActorFromClaims(claims, deviceID)
	if err != nil {
		return auth.Actor{}, err
	}
	if err := s.registerDevice(actor.DeviceID, userID); err != nil {
		return auth.Actor{}, err
	}
	return actor, nil
}

func (s *Service) registerDevice(deviceID, userID string) error {
	now := s.now().UTC()
	device := Device{DeviceID: deviceID, UserID: userID, RegisteredAt: now, LastSeenAt: now}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&device).Error; err != nil {
		return apperr.Database(err)
	}
	var stored Device
	if err := s.db.Where("device_id = ?", deviceID).Take(&stored).Error; err != nil {
		return apperr.Database(err)
	}
	if stored.UserID != userID {
		return apperr.AuthorizationFailed("device_registered_to_another_user")
	}
	if err := s.db.Model(&Device{}).Where("device_id = ?", deviceID).Update("last_seen_at", now).Error; err != nil {
		return apperr.Database(err)
	}
	return nil
}

// Devices lists the devices registered to userID.
func (s *Service) Devices(userID string) ([]Device, error) {
	var devices []Device
	if err := s.db.Where("user_id = ?", userID).Order("device_id ASC").Find(&devices).Error; err != nil {
		return nil, apperr.Database(err)
	}
	return devices, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
