package manifest

import (
	"path/filepath"
	"testing"

	"github.com/velo-sh/velo-rift-sub001/internal/cas"
)

func newTestManifest(t *testing.T) *Manifest {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "manifest.bolt"), filepath.Join(dir, "vdir.bin"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestUpsertGetRoundTrip(t *testing.T) {
	m := newTestManifest(t)
	e := VnodeEntry{Path: "/src/main.go", CasHash: cas.Sum([]byte("package main")), Size: 13, Mode: 0o644}
	if err := m.Upsert(e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, found, err := m.Get("/src/main.go")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected entry to be found")
	}
	if got.CasHash != e.CasHash || got.Size != e.Size {
		t.Fatalf("Get = %+v, want %+v", got, e)
	}
}

func TestRemoveThenGetNotFound(t *testing.T) {
	m := newTestManifest(t)
	e := VnodeEntry{Path: "/tmp.txt", Size: 1}
	if err := m.Upsert(e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := m.Remove("/tmp.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, found, err := m.Get("/tmp.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected entry to be gone after Remove")
	}
}

func TestPathNormalization(t *testing.T) {
	m := newTestManifest(t)
	if err := m.Upsert(VnodeEntry{Path: "a/b/../c.txt", Size: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, found, err := m.Get("/a/c.txt"); err != nil || !found {
		t.Fatalf("Get(/a/c.txt) found=%v err=%v, want found", found, err)
	}
}

// TestReopenReplaysFromDurableStore covers the replay-on-open path: a
// fresh VDir file backed by an existing bbolt store must reconstruct the
// same lookups without any Upsert calls.
func TestReopenReplaysFromDurableStore(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "manifest.bolt")
	vdirPath := filepath.Join(dir, "vdir.bin")

	m1, err := Open(storePath, vdirPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m1.Upsert(VnodeEntry{Path: "/keep.txt", Size: 7}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := m1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(storePath, vdirPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	got, found, err := m2.Get("/keep.txt")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !found || got.Size != 7 {
		t.Fatalf("Get after reopen = %+v found=%v, want size=7", got, found)
	}
}

func TestIterSkipsDeleted(t *testing.T) {
	m := newTestManifest(t)
	if err := m.Upsert(VnodeEntry{Path: "/live.txt", Size: 1}); err != nil {
		t.Fatalf("Upsert live: %v", err)
	}
	if err := m.Upsert(VnodeEntry{Path: "/gone.txt", Size: 1}); err != nil {
		t.Fatalf("Upsert gone: %v", err)
	}
	if err := m.Remove("/gone.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	var seen []string
	if err := m.Iter(func(e VnodeEntry) error {
		seen = append(seen, e.Path)
		return nil
	}); err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if len(seen) != 1 || seen[0] != "/live.txt" {
		t.Fatalf("Iter visited %v, want only /live.txt", seen)
	}
}
