package syncstate

import (
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
	"gorm.io/datatypes"
)

// Direction is the side of an exchange a batch describes.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

func (d Direction) Valid() bool {
	return d == DirectionUpload || d == DirectionDownload
}

// BatchStatus is the lifecycle state of a SyncBatch.
type BatchStatus string

const (
	BatchPending         BatchStatus = "pending"
	BatchProcessing      BatchStatus = "processing"
	BatchCompleted       BatchStatus = "completed"
	BatchPartiallyFailed BatchStatus = "partially_failed"
	BatchFailed          BatchStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchPartiallyFailed, BatchFailed:
		return true
	default:
		return false
	}
}

// DeviceStatus is the outcome of a device's last exchange.
type DeviceStatus string

const (
	DeviceSuccess        DeviceStatus = "success"
	DevicePartialSuccess DeviceStatus = "partial_success"
	DeviceFailed         DeviceStatus = "failed"
	DeviceInProgress     DeviceStatus = "in_progress"
)

// DeviceStatusFor maps a terminal batch status to the device status it implies.
func DeviceStatusFor(status BatchStatus) DeviceStatus {
	switch status {
	case BatchCompleted:
		return DeviceSuccess
	case BatchPartiallyFailed:
		return DevicePartialSuccess
	case BatchFailed:
		return DeviceFailed
	default:
		return DeviceInProgress
	}
}

type ResolutionStatus string

const (
	ResolutionResolved   ResolutionStatus = "resolved"
	ResolutionUnresolved ResolutionStatus = "unresolved"
	ResolutionManual     ResolutionStatus = "manual"
	ResolutionIgnored    ResolutionStatus = "ignored"
)

type ResolutionStrategy string

const (
	StrategyServerWins            ResolutionStrategy = "server_wins"
	StrategyClientWins            ResolutionStrategy = "client_wins"
	StrategyLastWriteWins         ResolutionStrategy = "last_write_wins"
	StrategyMergePrioritizeServer ResolutionStrategy = "merge_prioritize_server"
	StrategyMergePrioritizeClient ResolutionStrategy = "merge_prioritize_client"
	StrategyManual                ResolutionStrategy = "manual"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyLastWriteWins,
		StrategyMergePrioritizeServer, StrategyMergePrioritizeClient, StrategyManual:
		return true
	default:
		return false
	}
}

// SyncBatch is one push or pull exchange.
type SyncBatch struct {
	BatchID        string             `gorm:"column:batch_id;primaryKey;size:64" json:"batch_id"`
	DeviceID       string             `gorm:"column:device_id;size:64;not null;index" json:"device_id"`
	Direction      Direction          `gorm:"column:direction;size:16;not null" json:"direction"`
	Status         BatchStatus        `gorm:"column:status;size:32;not null;index" json:"status"`
	ItemCount      int64              `gorm:"column:item_count;not null;default:0" json:"item_count"`
	TotalSize      int64              `gorm:"column:total_size;not null;default:0" json:"total_size"`
	Priority       changelog.Priority `gorm:"column:priority;not null" json:"priority"`
	Attempts       int64              `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastAttemptAt  *time.Time         `gorm:"column:last_attempt_at" json:"last_attempt_at,omitempty"`
	ErrorMessage   *string            `gorm:"column:error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time          `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	CompletedAt    *time.Time         `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ProcessedCount int64              `gorm:"column:processed_count;not null;default:0" json:"processed_count"`
	ErrorCount     int64              `gorm:"column:error_count;not null;default:0" json:"error_count"`
}

func (SyncBatch) TableName() string {
	return "sync_batches"
}

// SyncConflict is one detected divergence between a local and a remote change.
// Details holds {"local": ..., "remote": ...}.
type SyncConflict struct {
	ConflictID         string              `gorm:"column:conflict_id;primaryKey;size:64" json:"conflict_id"`
	EntityTable        string              `gorm:"column:entity_table;size:64;not null;index:idx_sync_conflicts_entity,priority:1" json:"entity_table"`
	EntityID           string              `gorm:"column:entity_id;size:64;not null;index:idx_sync_conflicts_entity,priority:2" json:"entity_id"`
	FieldName          *string             `gorm:"column:field_name;size:64" json:"field_name,omitempty"`
	LocalChangeOpID    string              `gorm:"column:local_change_op_id;size:64;not null" json:"local_change_op_id"`
	RemoteChangeOpID   string              `gorm:"column:remote_change_op_id;size:64;not null" json:"remote_change_op_id"`
	ResolutionStatus   ResolutionStatus    `gorm:"column:resolution_status;size:16;not null" json:"resolution_status"`
	ResolutionStrategy *ResolutionStrategy `gorm:"column:resolution_strategy;size:32" json:"resolution_strategy,omitempty"`
	ResolvedByUserID   *string             `gorm:"column:resolved_by_user_id;size:64" json:"resolved_by_user_id,omitempty"`
	ResolvedAt         *time.Time          `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	CreatedAt          time.Time           `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	Details            datatypes.JSON      `gorm:"column:details" json:"details,omitempty"`
	SyncBatchID        *string             `gorm:"column:sync_batch_id;size:64;index" json:"sync_batch_id,omitempty"`
}

func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// DeviceSyncState holds the watermarks of one device.
type DeviceSyncState struct {
	DeviceID              string        `gorm:"column:device_id;primaryKey;size:64" json:"device_id"`
	UserID                string        `gorm:"column:user_id;size:64;not null;index" json:"user_id"`
	LastUploadTimestamp   *time.Time    `gorm:"column:last_upload_timestamp" json:"last_upload_timestamp,omitempty"`
	LastDownloadTimestamp *time.Time    `gorm:"column:last_download_timestamp" json:"last_download_timestamp,omitempty"`
	LastSyncStatus        *DeviceStatus `gorm:"column:last_sync_status;size:32" json:"last_sync_status,omitempty"`
	LastSyncAttemptAt     *time.Time    `gorm:"column:last_sync_attempt_at" json:"last_sync_attempt_at,omitempty"`
	ServerVersion         int64         `gorm:"column:server_version;not null;default:0" json:"server_version"`
	SyncEnabled           bool          `gorm:"column:sync_enabled;not null" json:"sync_enabled"`
	CreatedAt             time.Time     `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt             time.Time     `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

func (DeviceSyncState) TableName() string {
	return "device_sync_state"
}

// SyncConfig holds the sync preferences of one user.
type SyncConfig struct {
	UserID              string             `gorm:"column:user_id;primaryKey;size:64" json:"user_id"`
	SyncEnabled         bool               `gorm:"column:sync_enabled;not null" json:"sync_enabled"`
	PriorityThreshold   changelog.Priority `gorm:"column:priority_threshold;not null" json:"priority_threshold"`
	PushLimit           int                `gorm:"column:push_limit;not null" json:"push_limit"`
	WifiOnly            bool               `gorm:"column:wifi_only;not null" json:"wifi_only"`
	SyncIntervalMinutes int                `gorm:"column:sync_interval_minutes;not null" json:"sync_interval_minutes"`
	MaxOfflineDays      int                `gorm:"column:max_offline_days;not null" json:"max_offline_days"`
	UpdatedAt           time.Time          `gorm:"column:updated_at;not null;autoUpdateTime:false" json:"updated_at"`
}

func (SyncConfig) TableName() string {
	return "sync_configs"
}

// Models lists the tables owned by this package.
func Models() []interface{} {
	return []interface{}{&SyncBatch{}, &SyncConflict{}, &DeviceSyncState{}, &SyncConfig{}}
}
