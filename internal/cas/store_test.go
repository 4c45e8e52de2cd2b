package cas

import (
	"os"
	"runtime"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello vrift")
	h, isNew, err := s.Store(data, Tier2Mutable)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !isNew {
		t.Fatal("expected isNew=true on first store")
	}
	got, err := s.Get(h, int64(len(data)))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("round trip mismatch: got %q want %q", got, data)
	}
}

func TestStoreDedup(t *testing.T) {
	s := newTestStore(t)
	data := []byte("duplicate content")
	h1, new1, err := s.Store(data, Tier2Mutable)
	if err != nil {
		t.Fatalf("Store 1: %v", err)
	}
	h2, new2, err := s.Store(data, Tier2Mutable)
	if err != nil {
		t.Fatalf("Store 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash mismatch across identical stores: %s != %s", h1, h2)
	}
	if !new1 || new2 {
		t.Fatalf("expected first store new, second a dedup hit; got new1=%v new2=%v", new1, new2)
	}
}

func TestIronLawPermissions(t *testing.T) {
	s := newTestStore(t)
	data := []byte("immutable please")
	h, _, err := s.Store(data, Tier1Immutable)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	path := s.Path(h, int64(len(data)))
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Mode().Perm() != blobMode {
		t.Fatalf("expected mode %o, got %o", blobMode, fi.Mode().Perm())
	}
}

// TestIronLawIdempotency reproduces the Iron Law Drift regression: a blob
// manually corrupted to 0644 on disk must be re-enforced to 0444 the next
// time Store observes it, even though the content already exists.
func TestIronLawIdempotency(t *testing.T) {
	s := newTestStore(t)
	data := []byte("secret content")
	h, _, err := s.Store(data, Tier2Mutable)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	path := s.Path(h, int64(len(data)))
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("corrupt chmod: %v", err)
	}

	if _, isNew, err := s.Store(data, Tier2Mutable); err != nil {
		t.Fatalf("Store (re-ingest): %v", err)
	} else if isNew {
		t.Fatal("expected dedup hit on second store")
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Mode().Perm() != blobMode {
		t.Fatalf("Iron Law drift: expected mode %o after re-store, got %o", blobMode, fi.Mode().Perm())
	}
}

func TestStatsAndIter(t *testing.T) {
	s := newTestStore(t)
	want := map[string]bool{"alpha": true, "beta": true, "gamma": true}
	for k := range want {
		if _, _, err := s.Store([]byte(k), Tier2Mutable); err != nil {
			t.Fatalf("Store(%q): %v", k, err)
		}
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.BlobCount != int64(len(want)) {
		t.Fatalf("BlobCount = %d, want %d", st.BlobCount, len(want))
	}

	hashes, errc := s.Iter()
	seen := 0
	for h := range hashes {
		seen++
		if _, err := s.Get(h, 0); err == nil {
			t.Fatalf("Get with wrong size unexpectedly succeeded for %s", h)
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if seen != len(want) {
		t.Fatalf("iterated %d blobs, want %d", seen, len(want))
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	data := []byte("to be deleted")
	h, _, err := s.Store(data, Tier1Immutable)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Delete(h, int64(len(data))); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(h, int64(len(data))); err == nil {
		t.Fatal("expected error reading deleted blob")
	}
}

func TestMetadataIsolation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("inode comparison not meaningful on windows")
	}
	dir := t.TempDir()
	srcPath := dir + "/project_file.txt"
	if err := os.WriteFile(srcPath, []byte("source bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	s, err := Open(dir + "/cas")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	h, _, err := s.Store(data, Tier2Mutable)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		t.Fatalf("stat source: %v", err)
	}
	blobInfo, err := os.Stat(s.Path(h, int64(len(data))))
	if err != nil {
		t.Fatalf("stat blob: %v", err)
	}
	if os.SameFile(srcInfo, blobInfo) {
		t.Fatal("metadata isolation violated: source and blob share an inode")
	}

	// Source must remain writable and appendable after ingest.
	f, err := os.OpenFile(srcPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("reopen source for append: %v", err)
	}
	if _, err := f.WriteString(" appended"); err != nil {
		t.Fatalf("append to source: %v", err)
	}
	f.Close()
}
