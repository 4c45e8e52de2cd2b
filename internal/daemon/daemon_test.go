package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/velo-sh/velo-rift-sub001/internal/ipc"
)

func newTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	root := t.TempDir()
	d, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("daemon did not shut down in time")
		}
	})
	return d, root
}

func TestHandshakeAndStatus(t *testing.T) {
	d, _ := newTestDaemon(t)

	var c *ipc.Client
	var err error
	for i := 0; i < 50; i++ {
		c, err = ipc.Dial(d.paths.SocketPath, "test")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Call(&ipc.Request{Kind: ipc.KindStatus})
	if err != nil {
		t.Fatalf("Status call: %v", err)
	}
	if resp.Status == nil || resp.Status.ProjectRoot != d.paths.Root {
		t.Fatalf("Status = %+v, want ProjectRoot=%q", resp.Status, d.paths.Root)
	}
}

func TestDerivePathsLayout(t *testing.T) {
	root := t.TempDir()
	p, err := DerivePaths(root)
	if err != nil {
		t.Fatalf("DerivePaths: %v", err)
	}
	wantDir := filepath.Join(p.Root, ".vrift")
	if filepath.Dir(p.SocketPath) != wantDir {
		t.Fatalf("SocketPath dir = %q, want %q", filepath.Dir(p.SocketPath), wantDir)
	}
}

// TestManifestReingestPhantomsTempPath is scenario E5: a copy-on-write
// close must run Phantom ingest on the shim's staging file, not a Solid
// re-scan of whatever real file happens to sit at the VFS path's root
// location (which may not exist at all).
func TestManifestReingestPhantomsTempPath(t *testing.T) {
	d, root := newTestDaemon(t)

	var c *ipc.Client
	var err error
	for i := 0; i < 50; i++ {
		c, err = ipc.Dial(d.paths.SocketPath, "test")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	stagingDir := filepath.Join(root, ".vrift", "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		t.Fatalf("mkdir staging: %v", err)
	}
	tempPath := filepath.Join(stagingDir, "cow-staged")
	content := []byte("written through a CoW staging file")
	if err := os.WriteFile(tempPath, content, 0o644); err != nil {
		t.Fatalf("write staging file: %v", err)
	}

	resp, err := c.Call(&ipc.Request{
		Kind: ipc.KindManifestReingest,
		ManifestReingest: &ipc.ManifestReingestReq{
			VPath:    "/does/not/exist/on/real/fs.txt",
			TempPath: tempPath,
		},
	})
	if err != nil {
		t.Fatalf("ManifestReingest call: %v", err)
	}
	if resp.Err != "" {
		t.Fatalf("ManifestReingest: %s", resp.Err)
	}

	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected staging file to be consumed by phantom ingest, stat err = %v", err)
	}

	e, found, err := d.manifest.Get("/does/not/exist/on/real/fs.txt")
	if err != nil {
		t.Fatalf("manifest.Get: %v", err)
	}
	if !found {
		t.Fatal("expected manifest entry after reingest")
	}
	if e.Size != int64(len(content)) {
		t.Fatalf("entry size = %d, want %d", e.Size, len(content))
	}
	if e.CasHash != resp.ManifestReingest.Hash {
		t.Fatalf("entry hash %s != reingest response hash %s", e.CasHash, resp.ManifestReingest.Hash)
	}
}

func TestCompensationScanPicksUpPreexistingFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "existing.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	d, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()
	defer func() {
		cancel()
		<-done
	}()

	var found bool
	for i := 0; i < 50; i++ {
		e, ok, err := d.manifest.Get("/existing.txt")
		if err == nil && ok && !e.CasHash.IsZero() {
			found = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !found {
		t.Fatal("expected compensation scan to ingest existing.txt")
	}
}
