package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathOutsideRoot is returned for paths escaping the storage root.
var ErrPathOutsideRoot = errors.New("filestore: path escapes storage root")

// Storage removes stored files. Removing an absent file is not an error.
type Storage interface {
	Remove(path string) error
}

// LocalStorage stores documents under a root directory on the device.
type LocalStorage struct {
	root string
}

// NewLocalStorage constructs a storage confined to root.
func NewLocalStorage(root string) (*LocalStorage, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errors.New("filestore: storage root is required")
	}
	absolute, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, err
	}
	return &LocalStorage{root: absolute}, nil
}

// Root returns the absolute storage root.
func (s *LocalStorage) Root() string {
	return s.root
}

// Resolve maps a stored relative path to an absolute path under the root.
func (s *LocalStorage) Resolve(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(cleaned) {
		cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))
	}
	resolved := filepath.Join(s.root, cleaned)
	relative, err := filepath.Rel(s.root, resolved)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	return resolved, nil
}

// Remove deletes the file at path. A file that is already gone is not an error.
func (s *LocalStorage) Remove(path string) error {
	resolved, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
