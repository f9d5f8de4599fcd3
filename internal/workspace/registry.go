package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/codexmonitor/relay/internal/identity"
)

// Workspace kinds.
const (
	KindMain     = "main"
	KindWorktree = "worktree"
)

// Entry is one registered workspace.
type Entry struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	AgentBin string   `json:"agent_bin,omitempty"` // overrides the global agent binary
	Kind     string   `json:"kind,omitempty"`
	ParentID string   `json:"parent_id,omitempty"` // for worktrees, the main workspace
	Settings Settings `json:"settings"`

	AddedAt time.Time `json:"added_at"`
}

// Settings holds per-workspace presentation settings.
type Settings struct {
	SortOrder int `json:"sort_order"`
}

// Registry is the persisted workspace list, stored as workspaces.json in
// the settings directory.
type Registry struct {
	dir string

	mu      sync.Mutex
	entries []Entry
}

// LoadRegistry reads workspaces.json from dir. A missing file yields an
// empty registry.
func LoadRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, "workspaces.json")) //nolint:gosec // G304 - path from internal settings directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("read workspaces: %w", err)
	}

	var file struct {
		Version    int     `json:"version"`
		Workspaces []Entry `json:"workspaces"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workspaces: %w", err)
	}
	r.entries = file.Workspaces
	return r, nil
}

// List returns all workspaces ordered by sort order, then name.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]Entry(nil), r.entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Settings.SortOrder != out[j].Settings.SortOrder {
			return out[i].Settings.SortOrder < out[j].Settings.SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the workspace with the given ID.
func (r *Registry) Get(id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("workspace %s: not registered", id)
}

// Add registers a workspace path and persists the registry. The ID is
// generated; the name defaults to the path base.
func (r *Registry) Add(path, name string) (Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, fmt.Errorf("resolve path: %w", err)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.Path == abs {
			return Entry{}, fmt.Errorf("workspace path %s already registered as %s", abs, e.ID)
		}
	}

	entry := Entry{
		ID:      identity.GenerateWorkspaceID(),
		Name:    name,
		Path:    abs,
		Kind:    KindMain,
		AddedAt: time.Now().UTC(),
	}
	entry.Settings.SortOrder = len(r.entries)
	r.entries = append(r.entries, entry)

	if err := r.saveLocked(); err != nil {
		r.entries = r.entries[:len(r.entries)-1]
		return Entry{}, err
	}
	return entry, nil
}

// Remove deletes a workspace from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return r.saveLocked()
		}
	}
	return fmt.Errorf("workspace %s: not registered", id)
}

// saveLocked writes workspaces.json. Caller holds the mutex.
func (r *Registry) saveLocked() error {
	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	file := struct {
		Version    int     `json:"version"`
		Workspaces []Entry `json:"workspaces"`
	}{Version: 1, Workspaces: r.entries}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workspaces: %w", err)
	}

	path := filepath.Join(r.dir, "workspaces.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write workspaces: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace workspaces: %w", err)
	}
	return nil
}
