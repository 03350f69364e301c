package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/maouw/cloudknot/api"
)

// FileStore persists one JSON document per group under dir/knots.
// The directory is created on first use and every mutation is flushed
// to disk before returning.
type FileStore struct {
	dir   string
	graph *Graph

	initOnce sync.Once
	initErr  error
	mu       sync.Mutex
}

// NewFileStore creates a store rooted at dir. Nothing touches the disk
// until the first call.
func NewFileStore(dir string, graph *Graph) *FileStore {
	if graph == nil {
		graph = NewGraph()
	}
	return &FileStore{dir: filepath.Join(dir, "knots"), graph: graph}
}

// Dir returns the directory holding knot files.
func (fs *FileStore) Dir() string { return fs.dir }

func (fs *FileStore) init() error {
	fs.initOnce.Do(func() {
		fs.initErr = os.MkdirAll(fs.dir, 0o755)
	})
	return fs.initErr
}

func (fs *FileStore) path(group string) string {
	return filepath.Join(fs.dir, group+".json")
}

// Load returns the knot persisted for group.
func (fs *FileStore) Load(group string) (*api.Knot, bool, error) {
	if err := fs.init(); err != nil {
		return nil, false, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.load(group)
}

func (fs *FileStore) load(group string) (*api.Knot, bool, error) {
	p := fs.path(group)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var knot api.Knot
	if err := json.Unmarshal(data, &knot); err != nil {
		return nil, false, &api.StateCorruptionError{Group: group, Path: p, Reason: err.Error()}
	}
	if err := fs.check(group, p, &knot); err != nil {
		return nil, false, err
	}
	return &knot, true, nil
}

func (fs *FileStore) check(group, p string, knot *api.Knot) error {
	if knot.Group != group {
		return &api.StateCorruptionError{Group: group, Path: p, Reason: fmt.Sprintf("file holds group %q", knot.Group)}
	}
	if !knot.State.Valid() {
		return &api.StateCorruptionError{Group: group, Path: p, Reason: fmt.Sprintf("unknown state %q", knot.State)}
	}
	seen := make(map[api.Kind]bool, len(knot.Records))
	for _, r := range knot.Records {
		if !fs.graph.Known(r.Kind) {
			return &api.StateCorruptionError{Group: group, Path: p, Reason: fmt.Sprintf("unknown resource kind %q (%s)", r.Kind, r.Identifier)}
		}
		if seen[r.Kind] {
			return &api.StateCorruptionError{Group: group, Path: p, Reason: fmt.Sprintf("duplicate record for %s", r.Kind)}
		}
		seen[r.Kind] = true
	}
	return nil
}

// Save writes knot atomically: temp file, fsync, rename.
func (fs *FileStore) Save(knot *api.Knot) error {
	if err := fs.init(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(knot, "", "  ")
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	tmp, err := os.CreateTemp(fs.dir, "."+knot.Group+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), fs.path(knot.Group)); err != nil {
		return err
	}
	return syncDir(fs.dir)
}

// Delete removes the record of group. Deleting a missing record is not an error.
func (fs *FileStore) Delete(group string) error {
	if err := fs.init(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.Remove(fs.path(group)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return syncDir(fs.dir)
}

// List returns the persisted group names, sorted.
func (fs *FileStore) List() ([]string, error) {
	if err := fs.init(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var groups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		groups = append(groups, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(groups)
	return groups, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename itself is durable enough there.
	_ = d.Sync()
	return nil
}
