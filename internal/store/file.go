package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/zhubert/relay/internal/errors"
)

// FileStore keeps the snapshot in a single JSON file.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the snapshot file location.
func (f *FileStore) Path() string { return f.path }

// Load reads the snapshot file. A missing file is not an error.
func (f *FileStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(errors.Op("store.Load"), errors.KindIO, err)
	}
	return decode("file", data)
}

// Save writes the snapshot to a temp file and renames it over the old one,
// so a crash never leaves a half-written file behind.
func (f *FileStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := encode("file", snap)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.PersistenceFailed("file", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return errors.PersistenceFailed("file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.PersistenceFailed("file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.PersistenceFailed("file", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return errors.PersistenceFailed("file", err)
	}
	return nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }
