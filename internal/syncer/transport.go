package syncer

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/changelog"
)

// Outgoing is one upload batch as sent to the server.
type Outgoing struct {
	BatchID    string                `json:"batch_id"`
	DeviceID   string                `json:"device_id"`
	UserID     string                `json:"user_id"`
	CreatedAt  time.Time             `json:"created_at"`
	Changes    []changelog.Entry     `json:"changes"`
	Tombstones []changelog.Tombstone `json:"tombstones"`
}

// PushReceipt acknowledges an upload. Rejected maps operation ids to the reason the
// server refused them; everything else was accepted.
type PushReceipt struct {
	ServerTime time.Time         `json:"server_time"`
	Rejected   map[string]string `json:"rejected,omitempty"`
}

// PullRequest asks for changes made by other devices after Since.
type PullRequest struct {
	DeviceID string     `json:"device_id"`
	Since    *time.Time `json:"since,omitempty"`
}

// Incoming is the server's answer to a PullRequest.
type Incoming struct {
	Changes       []changelog.Entry     `json:"changes"`
	Tombstones    []changelog.Tombstone `json:"tombstones"`
	ServerTime    time.Time             `json:"server_time"`
	ServerVersion int64                 `json:"server_version"`
}

// Transport moves batches between a device and its peers.
type Transport interface {
	Push(ctx context.Context, outgoing Outgoing) (PushReceipt, error)
	Pull(ctx context.Context, request PullRequest) (Incoming, error)
}
