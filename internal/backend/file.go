package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const snapshotFilename = "snapshot.json"

// FileBackend stores the snapshot as a single file in a directory,
// typically one synced by Dropbox, Syncthing, or a network mount.
// Writes go through a temp file and rename so a reader never sees a
// half-written snapshot.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("file backend: directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file backend: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) PutSnapshot(_ context.Context, _ string, payload []byte) error {
	target := filepath.Join(f.dir, snapshotFilename)
	tmp, err := os.CreateTemp(f.dir, snapshotFilename+".tmp-*")
	if err != nil {
		return fmt.Errorf("file backend: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file backend: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file backend: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file backend: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file backend: %w", err)
	}
	return nil
}

func (f *FileBackend) GetSnapshot(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, snapshotFilename))
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("file backend: %w", err)
	}
	return data, nil
}
