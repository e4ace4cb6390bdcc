package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 25 * time.Millisecond

// FileBackend stores the snapshot as one JSON file. Writers serialize on an
// flock held on a sibling ".lock" file; readers rely on atomic renames.
type FileBackend struct {
	path string
	lock *flock.Flock
}

// NewFileBackend returns a backend writing to path, creating its directory.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return &FileBackend{path: path, lock: flock.New(path + ".lock")}, nil
}

// DefaultSnapshotPath returns ~/.autodev/pipelines.json.
func DefaultSnapshotPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".autodev", "pipelines.json"), nil
}

// Path returns the snapshot file path.
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads the snapshot. A missing file is an empty snapshot.
func (b *FileBackend) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := Snapshot{}
	if err := ReadJSON(b.path, &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	for id, p := range snap {
		if p == nil {
			delete(snap, id)
			continue
		}
		normalize(id, p)
	}
	return snap, nil
}

// Update holds the file lock across load, fn and write.
func (b *FileBackend) Update(ctx context.Context, fn func(Snapshot) (bool, error)) error {
	locked, err := b.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock snapshot: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock snapshot: %s is held by another writer", b.lock.Path())
	}
	defer b.lock.Unlock()

	snap, err := b.Load(ctx)
	if err != nil {
		return err
	}
	changed, err := fn(snap)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := WriteJSON(b.path, snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Close releases the lock file handle.
func (b *FileBackend) Close() error {
	return b.lock.Close()
}

// normalize fills fields legacy records may lack.
func normalize(id string, p *Pipeline) {
	if p.TaskID == "" {
		p.TaskID = id
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	if p.Errors == nil {
		p.Errors = []ErrorEntry{}
	}
	if p.Stages == nil {
		p.Stages = []StageRecord{}
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
}
