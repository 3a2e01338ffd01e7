package auth

import (
	"strings"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/apperr"
)

// Role is the coarse access level carried by every mutating call.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleFieldTeamLead Role = "field_tl"
	RoleOfficer       Role = "officer"
)

// SystemDeviceID identifies changes made by background processing rather than a user device.
const SystemDeviceID = "system"

// Permission names an action checked by Actor.Authorize.
type Permission string

const (
	PermissionHardDelete       Permission = "hard_delete"
	PermissionForceDelete      Permission = "force_delete"
	PermissionDeleteRecords    Permission = "delete_records"
	PermissionViewRecords      Permission = "view_records"
	PermissionResolveConflicts Permission = "resolve_conflicts"
	PermissionSync             Permission = "sync"
)

var rolePermissions = map[Role]map[Permission]struct{}{
	RoleAdmin: {
		PermissionHardDelete:       {},
		PermissionForceDelete:      {},
		PermissionDeleteRecords:    {},
		PermissionViewRecords:      {},
		PermissionResolveConflicts: {},
		PermissionSync:             {},
	},
	RoleFieldTeamLead: {
		PermissionDeleteRecords:    {},
		PermissionViewRecords:      {},
		PermissionResolveConflicts: {},
		PermissionSync:             {},
	},
	RoleOfficer: {
		PermissionViewRecords: {},
		PermissionSync:        {},
	},
}

// Actor is the identity on whose behalf a delete or merge runs.
type Actor struct {
	UserID      string
	DeviceID    string
	Role        Role
	OfflineMode bool
}

// SystemActor returns the admin actor used when applying remote hard deletes.
// The device id stays the local device so echo detection keeps working.
func SystemActor(deviceID string) Actor {
	if strings.TrimSpace(deviceID) == "" {
		deviceID = SystemDeviceID
	}
	return Actor{
		UserID:   "system",
		DeviceID: deviceID,
		Role:     RoleAdmin,
	}
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// HasPermission reports whether the actor's role grants permission.
func (a Actor) HasPermission(permission Permission) bool {
	granted, ok := rolePermissions[a.Role]
	if !ok {
		return false
	}
	_, ok = granted[permission]
	return ok
}

// Authorize returns an AuthorizationFailed error when the actor lacks permission.
func (a Actor) Authorize(permission Permission) error {
	if a.HasPermission(permission) {
		return nil
	}
	return apperr.AuthorizationFailed(string(permission) + "_not_permitted_for_" + string(a.Role))
}

// ParseRole maps a role claim to a Role; unknown values fall back to RoleOfficer.
func ParseRole(value string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleFieldTeamLead, "field_team_lead", "fieldtl":
		return RoleFieldTeamLead, true
	case RoleOfficer:
		return RoleOfficer, true
	default:
		return RoleOfficer, false
	}
}

// HighestRole picks the most privileged recognised role from a claim list.
func HighestRole(values []string) Role {
	best := RoleOfficer
	for _, value := range values {
		role, ok := ParseRole(value)
		if !ok {
			continue
		}
		if role == RoleAdmin {
			return RoleAdmin
		}
		if role == RoleFieldTeamLead {
			best = RoleFieldTeamLead
		}
	}
	return best
}
