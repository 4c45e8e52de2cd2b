package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/velo-sh/velo-rift-sub001/internal/cas"
)

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	root := t.TempDir()
	store, err := cas.Open(filepath.Join(root, "cas"))
	if err != nil {
		t.Fatalf("cas.Open: %v", err)
	}
	p := NewPipeline(store, DefaultClassifier(), NewSecurityFilter(DefaultSecurityPatterns))
	return p, filepath.Join(root, "src")
}

// TestMassDedupIngest is scenario E1: 10,000 files, half unique, half
// sharing identical content, expect blob_count == 5001.
func TestMassDedupIngest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mass ingest in -short mode")
	}
	p, srcDir := newTestPipeline(t)
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}

	const total = 10000
	var files []File
	for i := 0; i < total; i++ {
		var content string
		if i%2 == 0 {
			content = "shared content"
		} else {
			content = fmt.Sprintf("unique content %d", i)
		}
		path := filepath.Join(srcDir, fmt.Sprintf("file-%d.txt", i))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %q: %v", path, err)
		}
		files = append(files, File{VPath: fmt.Sprintf("/file-%d.txt", i), SourcePath: path})
	}

	results := p.ParallelIngest(context.Background(), files, false)
	for _, r := range results {
		if r.Error != nil {
			t.Fatalf("ingest %q: %v", r.File.VPath, r.Error)
		}
	}

	st, err := p.Store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.BlobCount != 5001 {
		t.Fatalf("BlobCount = %d, want 5001", st.BlobCount)
	}

	hashes, errc := p.Store.Iter()
	for h := range hashes {
		size, ok := sizeOfResult(results, h)
		if !ok {
			continue
		}
		fi, err := os.Stat(p.Store.Path(h, size))
		if err != nil {
			t.Fatalf("stat blob %s: %v", h, err)
		}
		if fi.Mode().Perm() != 0o444 {
			t.Fatalf("blob %s has mode %o, want 0444", h, fi.Mode().Perm())
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("Iter: %v", err)
	}
}

func sizeOfResult(results []Result, h cas.Hash) (int64, bool) {
	for _, r := range results {
		if r.Hash == h {
			fi, err := os.Stat(r.File.SourcePath)
			if err != nil {
				return 0, false
			}
			return fi.Size(), true
		}
	}
	return 0, false
}

// TestIronLawIdempotencyOnIngest is scenario E2: a blob manually created at
// the exact CAS path for a known hash with wrong permissions must be
// re-enforced to 0444 after ingesting a source with the same content.
func TestIronLawIdempotencyOnIngest(t *testing.T) {
	p, srcDir := newTestPipeline(t)
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	content := []byte("secret content")
	h := cas.Sum(content)
	target := p.Store.Path(h, int64(len(content)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir shard: %v", err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		t.Fatalf("plant corrupt blob: %v", err)
	}

	srcPath := filepath.Join(srcDir, "source.txt")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if _, _, err := p.IngestFile("/source.txt", srcPath); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	fi, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Mode().Perm() != 0o444 {
		t.Fatalf("expected mode 0444 after re-ingest, got %o", fi.Mode().Perm())
	}
}

// TestIngestFileMetadataIsolation is scenario E3: Solid ingest of a real
// tracked file must never leave the source sharing an inode with its CAS
// blob, and the source must stay writable afterward. This exercises
// Pipeline.IngestFile directly (unlike cas.TestMetadataIsolation, which
// only drives the in-memory Store.Store path and can never share an inode
// with anything).
func TestIngestFileMetadataIsolation(t *testing.T) {
	p, srcDir := newTestPipeline(t)
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	srcPath := filepath.Join(srcDir, "project_file.txt")
	if err := os.WriteFile(srcPath, []byte("tracked project content"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	h, _, err := p.IngestFile("/project_file.txt", srcPath)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		t.Fatalf("stat source: %v", err)
	}
	blobInfo, err := os.Stat(p.Store.Path(h, srcInfo.Size()))
	if err != nil {
		t.Fatalf("stat blob: %v", err)
	}
	if os.SameFile(srcInfo, blobInfo) {
		t.Fatal("metadata isolation violated: source and blob share an inode")
	}

	f, err := os.OpenFile(srcPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("reopen source for append: %v", err)
	}
	if _, err := f.WriteString(" appended"); err != nil {
		t.Fatalf("append to source: %v", err)
	}
	f.Close()
}

func TestSecurityFilterRejectsSecrets(t *testing.T) {
	p, srcDir := newTestPipeline(t)
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	path := filepath.Join(srcDir, "id_rsa")
	if err := os.WriteFile(path, []byte("private key material"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := p.IngestFile("/.ssh/id_rsa", path); err == nil {
		t.Fatal("expected security filter to reject id_rsa")
	}
	if p.Security.RejectedCount() != 1 {
		t.Fatalf("RejectedCount = %d, want 1", p.Security.RejectedCount())
	}
}

func TestTierClassification(t *testing.T) {
	c := DefaultClassifier()
	if got := c.Classify("/project/node_modules/lodash/index.js"); got != cas.Tier1Immutable {
		t.Fatalf("node_modules classified as %v, want Tier1Immutable", got)
	}
	if got := c.Classify("/project/target/debug/app"); got != cas.Tier2Mutable {
		t.Fatalf("target/ classified as %v, want Tier2Mutable", got)
	}
	if got := c.Classify("/project/src/main.go"); got != cas.Tier2Mutable {
		t.Fatalf("default classified as %v, want Tier2Mutable", got)
	}
}
