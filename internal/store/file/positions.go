// Package file persists position state as JSON files and the exit audit
// trail as CSV in a local data directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

const (
	ActiveFile = "active_positions.json"
	ClosedFile = "closed_positions.json"
)

// PositionStore keeps the two position collections in separate JSON array
// files. Each file is replaced atomically so a crash mid-write leaves the
// previous version readable.
type PositionStore struct {
	dir string
	mu  sync.Mutex
}

// NewPositionStore creates the data directory if needed.
func NewPositionStore(dir string) (*PositionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create dir %s: %w", dir, err)
	}
	return &PositionStore{dir: dir}, nil
}

// Load reads both files. A missing file is an empty collection.
func (s *PositionStore) Load(_ context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap domain.Snapshot
	if err := readJSON(filepath.Join(s.dir, ActiveFile), &snap.Active); err != nil {
		return domain.Snapshot{}, err
	}
	if err := readJSON(filepath.Join(s.dir, ClosedFile), &snap.Closed); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// Save rewrites both files from snap.
func (s *PositionStore) Save(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := snap.Active
	if active == nil {
		active = []domain.Position{}
	}
	closed := snap.Closed
	if closed == nil {
		closed = []domain.ClosedPosition{}
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, ActiveFile), active); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(s.dir, ClosedFile), closed)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("file store: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("file store: decode %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encode %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("file store: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("file store: replace %s: %w", path, err)
	}
	return nil
}
