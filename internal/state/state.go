package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/jpvargasdev/Auspex/internal/model"
)

const snapshotVersion = 1

// File is a JSON-backed container snapshot.
type File struct {
	path string
	mu   sync.Mutex
}

type snapshot struct {
	Version    int               `json:"version"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	Containers []model.Container `json:"containers"`
}

// New creates a snapshot file; nothing is read until Load.
func New(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Load reads the containers from disk; a missing file is an empty snapshot.
func (f *File) Load() ([]model.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return nil, errors.New("state: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return nil, errors.Trace(err)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Trace(err)
	}
	var onDisk snapshot
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, errors.Annotatef(err, "state: decoding %s", f.path)
	}
	if onDisk.Version > snapshotVersion {
		return nil, errors.NotSupportedf("state version %d", onDisk.Version)
	}
	return onDisk.Containers, nil
}

// Save writes the containers to disk atomically.
func (f *File) Save(containers []model.Container) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		return errors.New("state: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Trace(err)
	}
	if containers == nil {
		containers = []model.Container{}
	}
	payload := snapshot{
		Version:    snapshotVersion,
		UpdatedAt:  time.Now().UTC(),
		Containers: containers,
	}

	tmp := f.path + ".tmp"
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp, f.path))
}
