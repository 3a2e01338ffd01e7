package users

import (
	"strings"
	"time"
)

// Identity captures the mapping between a canonical user id and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Device is a registered field device. A device belongs to the first user that
// signed in on it.
type Device struct {
	DeviceID     string    `gorm:"column:device_id;primaryKey;size:64;not null" json:"device_id"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index" json:"user_id"`
	RegisteredAt time.Time `gorm:"column:registered_at;not null" json:"registered_at"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at;not null" json:"last_seen_at"`
}

func (Device) TableName() string {
	return "devices"
}

// Models lists the tables owned by this package.
func Models() []interface{} {
	return []interface{}{&Identity{}, &Device{}}
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
