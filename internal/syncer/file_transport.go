package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const bundleExtension = ".json"

// FileTransportConfig describes a directory shared between devices.
type FileTransportConfig struct {
	Root     string
	DeviceID string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// FileTransport exchanges sync bundles through a directory: every device writes its
// uploads to <root>/<device id>/<batch id>.json and reads the bundles of all other
// devices. Bundles are selected by the time they landed in the directory, so copies
// that arrive late are still picked up; applying a bundle twice is harmless.
type FileTransport struct {
	root     string
	deviceID string
	clock    func() time.Time
	logger   *zap.Logger
}

// NewFileTransport constructs a transport rooted at the shared bundle directory.
func NewFileTransport(cfg FileTransportConfig) (*FileTransport, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("syncer: bundle directory is required")
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errors.New("syncer: device id is required")
	}
	if strings.ContainsAny(cfg.DeviceID, `/\`) {
		return nil, fmt.Errorf("syncer: invalid device id %q", cfg.DeviceID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &FileTransport{root: root, deviceID: cfg.DeviceID, clock: clock, logger: logger}, nil
}

// Push writes outgoing as a bundle. Changes without an entity reference are rejected.
func (t *FileTransport) Push(ctx context.Context, outgoing Outgoing) (PushReceipt, error) {
	if err := ctx.Err(); err != nil {
		return PushReceipt{}, err
	}
	receipt := PushReceipt{ServerTime: t.clock().UTC()}
	accepted := outgoing
	accepted.Changes = accepted.Changes[:0:0]
	for _, change := range outgoing.Changes {
		if change.EntityTable == "" || change.EntityID == "" || !change.OperationType.Valid() {
			if receipt.Rejected == nil {
				receipt.Rejected = make(map[string]string)
			}
			receipt.Rejected[change.OperationID] = "malformed change"
			continue
		}
		accepted.Changes = append(accepted.Changes, change)
	}

	directory := filepath.Join(t.root, t.deviceID)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return PushReceipt{}, fmt.Errorf("syncer: create bundle directory: %w", err)
	}
	payload, err := json.MarshalIndent(accepted, "", "  ")
	if err != nil {
		return PushReceipt{}, fmt.Errorf("syncer: encode bundle: %w", err)
	}
	temporary, err := os.CreateTemp(directory, ".bundle-*")
	if err != nil {
		return PushReceipt{}, fmt.Errorf("syncer: create bundle: %w", err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(payload); err != nil {
		_ = temporary.Close()
		return PushReceipt{}, fmt.Errorf("syncer: write bundle: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return PushReceipt{}, fmt.Errorf("syncer: write bundle: %w", err)
	}
	target := filepath.Join(directory, outgoing.BatchID+bundleExtension)
	if err := os.Rename(temporary.Name(), target); err != nil {
		return PushReceipt{}, fmt.Errorf("syncer: publish bundle: %w", err)
	}
	t.logger.Debug("sync bundle written",
		zap.String("path", target),
		zap.Int("changes", len(accepted.Changes)),
		zap.Int("tombstones", len(accepted.Tombstones)))
	return receipt, nil
}

type bundleFile struct {
	path     string
	modified time.Time
}

// Pull reads the bundles of other devices that landed after request.Since. ServerTime
// is the landing time of the newest bundle read, or zero when nothing new arrived.
func (t *FileTransport) Pull(ctx context.Context, request PullRequest) (Incoming, error) {
	var incoming Incoming
	entries, err := os.ReadDir(t.root)
	if errors.Is(err, fs.ErrNotExist) {
		return incoming, nil
	}
	if err != nil {
		return Incoming{}, fmt.Errorf("syncer: list bundle directory: %w", err)
	}

	var files []bundleFile
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == request.DeviceID {
			continue
		}
		found, err := t.bundlesIn(filepath.Join(t.root, entry.Name()), request.Since)
		if err != nil {
			return Incoming{}, err
		}
		files = append(files, found...)
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modified.Equal(files[j].modified) {
			return files[i].modified.Before(files[j].modified)
		}
		return files[i].path < files[j].path
	})

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return Incoming{}, err
		}
		payload, err := os.ReadFile(file.path)
		if err != nil {
			return Incoming{}, fmt.Errorf("syncer: read bundle: %w", err)
		}
		var bundle Outgoing
		if err := json.Unmarshal(payload, &bundle); err != nil {
			t.logger.Warn("skipping unreadable sync bundle", zap.String("path", file.path), zap.Error(err))
			continue
		}
		incoming.Changes = append(incoming.Changes, bundle.Changes...)
		incoming.Tombstones = append(incoming.Tombstones, bundle.Tombstones...)
		incoming.ServerTime = file.modified.UTC()
	}
	return incoming, nil
}

func (t *FileTransport) bundlesIn(directory string, since *time.Time) ([]bundleFile, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("syncer: list bundles: %w", err)
	}
	var files []bundleFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != bundleExtension || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("syncer: stat bundle: %w", err)
		}
		if since != nil && !info.ModTime().After(*since) {
			continue
		}
		files = append(files, bundleFile{path: filepath.Join(directory, entry.Name()), modified: info.ModTime()})
	}
	return files, nil
}
