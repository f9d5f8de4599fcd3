package workspace_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/codexmonitor/relay/internal/workspace"
)

func TestRegistry_AddGetList(t *testing.T) {
	dir := t.TempDir()

	r, err := workspace.LoadRegistry(dir)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	wsPath := filepath.Join(dir, "proj")
	entry, err := r.Add(wsPath, "")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !strings.HasPrefix(entry.ID, "ws_") {
		t.Errorf("workspace ID = %q, want ws_ prefix", entry.ID)
	}
	if entry.Name != "proj" {
		t.Errorf("name = %q, want path base proj", entry.Name)
	}

	got, err := r.Get(entry.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Path != entry.Path {
		t.Errorf("path = %q, want %q", got.Path, entry.Path)
	}

	if len(r.List()) != 1 {
		t.Errorf("List() length = %d, want 1", len(r.List()))
	}
}

func TestRegistry_DuplicatePathRejected(t *testing.T) {
	dir := t.TempDir()

	r, err := workspace.LoadRegistry(dir)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	wsPath := filepath.Join(dir, "proj")
	if _, err := r.Add(wsPath, ""); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := r.Add(wsPath, "other"); err == nil {
		t.Error("Add() should reject an already-registered path")
	}
}

func TestRegistry_PersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	r, err := workspace.LoadRegistry(dir)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	entry, err := r.Add(filepath.Join(dir, "proj"), "myproj")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	r2, err := workspace.LoadRegistry(dir)
	if err != nil {
		t.Fatalf("LoadRegistry() second load error = %v", err)
	}
	got, err := r2.Get(entry.ID)
	if err != nil {
		t.Fatalf("Get() after reload error = %v", err)
	}
	if got.Name != "myproj" {
		t.Errorf("name = %q, want myproj", got.Name)
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	dir := t.TempDir()

	r, err := workspace.LoadRegistry(dir)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	first, _ := r.Add(filepath.Join(dir, "alpha"), "")
	second, _ := r.Add(filepath.Join(dir, "beta"), "")

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() length = %d, want 2", len(list))
	}
	// Insertion order preserved via sort order
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("List() order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, first.ID, second.ID)
	}
}

func TestRegistry_Remove(t *testing.T) {
	dir := t.TempDir()

	r, err := workspace.LoadRegistry(dir)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	entry, _ := r.Add(filepath.Join(dir, "proj"), "")

	if err := r.Remove(entry.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := r.Get(entry.ID); err == nil {
		t.Error("Get() should fail after Remove()")
	}
	if err := r.Remove(entry.ID); err == nil {
		t.Error("Remove() should fail for unknown workspace")
	}
}
