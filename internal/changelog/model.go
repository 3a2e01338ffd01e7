package changelog

import (
	"time"

	"gorm.io/datatypes"
)

// OperationType enumerates journaled mutations.
type OperationType string

const (
	OperationCreate     OperationType = "create"
	OperationUpdate     OperationType = "update"
	OperationDelete     OperationType = "delete"
	OperationHardDelete OperationType = "hard_delete"
)

func (o OperationType) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationHardDelete:
		return true
	default:
		return false
	}
}

// Priority orders outgoing work; higher drains first.
type Priority int

const (
	PriorityCritical   Priority = 10
	PriorityHigh       Priority = 8
	PriorityNormal     Priority = 5
	PriorityLow        Priority = 3
	PriorityBackground Priority = 1
)

// PriorityFor derives the push priority of an operation: hard delete > delete > create > update.
func PriorityFor(operation OperationType) Priority {
	switch operation {
	case OperationHardDelete:
		return PriorityCritical
	case OperationDelete:
		return PriorityHigh
	case OperationCreate:
		return PriorityNormal
	case OperationUpdate:
		return PriorityLow
	default:
		return PriorityBackground
	}
}

// Entry is one immutable journal row. Only ProcessedAt, SyncBatchID (once) and
// SyncError are ever written after insert.
type Entry struct {
	OperationID      string        `gorm:"column:operation_id;primaryKey;size:64" json:"operation_id"`
	EntityTable      string        `gorm:"column:entity_table;size:64;not null;index:idx_change_log_entity,priority:1" json:"entity_table"`
	EntityID         string        `gorm:"column:entity_id;size:64;not null;index:idx_change_log_entity,priority:2" json:"entity_id"`
	OperationType    OperationType `gorm:"column:operation_type;size:16;not null" json:"operation_type"`
	FieldName        *string       `gorm:"column:field_name;size:64" json:"field_name,omitempty"`
	OldValue         *string       `gorm:"column:old_value" json:"old_value,omitempty"`
	NewValue         *string       `gorm:"column:new_value" json:"new_value,omitempty"`
	DocumentMetadata *string       `gorm:"column:document_metadata" json:"document_metadata,omitempty"`
	Timestamp        time.Time     `gorm:"column:timestamp;not null;index:idx_change_log_entity,priority:3" json:"timestamp"`
	UserID           string        `gorm:"column:user_id;size:64;not null" json:"user_id"`
	DeviceID         *string       `gorm:"column:device_id;size:64" json:"device_id,omitempty"`
	SyncBatchID      *string       `gorm:"column:sync_batch_id;size:64;index" json:"sync_batch_id,omitempty"`
	ProcessedAt      *time.Time    `gorm:"column:processed_at;index" json:"processed_at,omitempty"`
	SyncError        *string       `gorm:"column:sync_error" json:"sync_error,omitempty"`
	Priority         Priority      `gorm:"column:priority;not null;index" json:"priority"`
}

func (Entry) TableName() string {
	return "change_log"
}

// IsFieldLevel reports whether the entry describes a single column diff.
func (e Entry) IsFieldLevel() bool {
	return e.FieldName != nil && *e.FieldName != ""
}

// Device returns the originating device id or "".
func (e Entry) Device() string {
	if e.DeviceID == nil {
		return ""
	}
	return *e.DeviceID
}

// Tombstone is the permanent marker of a hard delete. At most one exists per entity.
type Tombstone struct {
	ID                 string         `gorm:"column:id;primaryKey;size:64" json:"id"`
	EntityID           string         `gorm:"column:entity_id;size:64;not null;uniqueIndex:idx_tombstones_entity,priority:2" json:"entity_id"`
	EntityType         string         `gorm:"column:entity_type;size:64;not null;uniqueIndex:idx_tombstones_entity,priority:1" json:"entity_type"`
	DeletedBy          string         `gorm:"column:deleted_by;size:64;not null" json:"deleted_by"`
	DeletedAt          time.Time      `gorm:"column:deleted_at;not null" json:"deleted_at"`
	OperationID        string         `gorm:"column:operation_id;size:64;not null;index" json:"operation_id"`
	AdditionalMetadata datatypes.JSON `gorm:"column:additional_metadata" json:"additional_metadata,omitempty"`
	SyncBatchID        *string        `gorm:"column:sync_batch_id;size:64" json:"sync_batch_id,omitempty"`
	PushedAt           *time.Time     `gorm:"column:pushed_at;index" json:"pushed_at,omitempty"`
}

func (Tombstone) TableName() string {
	return "tombstones"
}
