// Package daemon implements the per-project server (C5): it owns the one
// Manifest+VDir pair for a project root, accepts IPC connections over a
// Unix domain socket, and keeps the manifest in sync with the real
// filesystem via an fsnotify watcher and a startup compensation scan.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/velo-sh/velo-rift-sub001/internal/cas"
	"github.com/velo-sh/velo-rift-sub001/internal/ingest"
	"github.com/velo-sh/velo-rift-sub001/internal/ipc"
	"github.com/velo-sh/velo-rift-sub001/internal/manifest"
)

// DefaultIgnorePatterns are relative-to-root path prefixes the watcher and
// compensation scanner never descend into: the daemon's own bookkeeping
// directories.
var DefaultIgnorePatterns = []string{".vrift"}

// Paths bundles every per-project path derived from a canonicalized
// project root.
type Paths struct {
	Root         string
	SocketPath   string
	ManifestPath string
	VDirPath     string
	CasRoot      string
	StagingDir   string
}

// DerivePaths canonicalizes root and lays out the ".vrift" bookkeeping
// directory alongside it.
func DerivePaths(root string) (Paths, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, fmt.Errorf("daemon: resolving project root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return Paths{}, fmt.Errorf("daemon: canonicalizing project root: %w", err)
	}
	base := filepath.Join(abs, ".vrift")
	return Paths{
		Root:         abs,
		SocketPath:   filepath.Join(base, "daemon.sock"),
		ManifestPath: filepath.Join(base, "manifest.bolt"),
		VDirPath:     filepath.Join(base, "vdir.bin"),
		CasRoot:      filepath.Join(base, "cas"),
		StagingDir:   filepath.Join(base, "staging"),
	}, nil
}

// Daemon is a single project's running server.
type Daemon struct {
	paths    Paths
	manifest *manifest.Manifest
	cas      *cas.Store
	pipeline *ingest.Pipeline
	watcher  *Watcher
	listener net.Listener

	mu         sync.Mutex // serializes manifest mutations
	rejectedCt int64

	wg sync.WaitGroup
}

// Open creates the bookkeeping directory tree if absent, opens the
// Manifest+VDir pair (replaying the durable store into VDir on first
// open), binds the UDS listener, and starts the watcher.
func Open(projectRoot string) (*Daemon, error) {
	paths, err := DerivePaths(projectRoot)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{filepath.Dir(paths.SocketPath), paths.CasRoot, paths.StagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("daemon: creating %q: %w", dir, err)
		}
	}

	store, err := cas.Open(paths.CasRoot)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening cas store: %w", err)
	}
	m, err := manifest.Open(paths.ManifestPath, paths.VDirPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening manifest: %w", err)
	}

	d := &Daemon{
		paths:    paths,
		manifest: m,
		cas:      store,
		pipeline: ingest.NewPipeline(store, ingest.DefaultClassifier(), ingest.NewSecurityFilter(ingest.DefaultSecurityPatterns)),
	}

	if err := d.bindSocket(); err != nil {
		m.Close()
		return nil, err
	}

	w, err := NewWatcher(paths.Root, DefaultIgnorePatterns)
	if err != nil {
		d.listener.Close()
		m.Close()
		return nil, fmt.Errorf("daemon: starting watcher: %w", err)
	}
	d.watcher = w

	return d, nil
}

// bindSocket removes a stale socket file left by a daemon that crashed
// without cleaning up, then binds a fresh listener. A socket is
// considered stale if dialing it fails.
func (d *Daemon) bindSocket() error {
	if _, err := os.Stat(d.paths.SocketPath); err == nil {
		if conn, dialErr := net.DialTimeout("unix", d.paths.SocketPath, 200*time.Millisecond); dialErr == nil {
			conn.Close()
			return fmt.Errorf("daemon: socket %q already owned by a running daemon", d.paths.SocketPath)
		}
		if err := os.Remove(d.paths.SocketPath); err != nil {
			return fmt.Errorf("daemon: removing stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", d.paths.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: binding socket: %w", err)
	}
	d.listener = ln
	return nil
}

// Run starts the watcher's ingest worker and the accept loop, blocking
// until ctx is canceled or a shutdown signal arrives, then performs
// graceful shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.compensationScan(); err != nil {
		log.Printf("vdird: compensation scan: %v", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.watcher.Run()
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.ingestWorker(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.acceptLoop(ctx)
	}()

	<-ctx.Done()
	return d.shutdown()
}

func (d *Daemon) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.listener.Close()
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("vdird: accept: %v", err)
				continue
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer conn.Close()
			if err := ipc.ServeConn(conn, d.handle); err != nil {
				log.Printf("vdird: connection: %v", err)
			}
		}()
	}
}

func (d *Daemon) ingestWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.watcher.Events:
			if err := d.applyEvent(ev); err != nil {
				log.Printf("vdird: ingest %q: %v", ev.Path, err)
			}
		}
	}
}

func (d *Daemon) applyEvent(ev IngestEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vpath := d.toVPath(ev.Path)

	switch ev.Kind {
	case EventRemoved:
		return d.manifest.Remove(vpath)
	case EventDirCreated:
		return d.manifest.Upsert(manifest.VnodeEntry{Path: vpath, Dir: true})
	default:
		h, mode, err := d.pipeline.IngestFile(vpath, ev.Path)
		if err != nil {
			return err
		}
		info, err := os.Stat(ev.Path)
		if err != nil {
			return err
		}
		tier := ingest.Tier2Mutable
		if mode == ingest.SolidTier1 || mode == ingest.SolidTier1Dedup {
			tier = ingest.Tier1Immutable
		}
		return d.manifest.Upsert(manifest.VnodeEntry{
			Path:     vpath,
			CasHash:  h,
			Size:     info.Size(),
			MtimeSec: info.ModTime().Unix(),
			Mode:     uint32(info.Mode().Perm()),
			Tier:     tier,
		})
	}
}

func (d *Daemon) toVPath(realPath string) string {
	rel, err := filepath.Rel(d.paths.Root, realPath)
	if err != nil {
		return "/" + filepath.ToSlash(realPath)
	}
	return "/" + filepath.ToSlash(rel)
}

func (d *Daemon) compensationScan() error {
	watermarkBytes, ok := d.manifest.Meta(watermarkKey)
	var watermark time.Time
	if ok {
		watermark = DecodeWatermark(watermarkBytes)
	}

	scanStart := time.Now()
	err := CompensationScan(d.paths.Root, watermark, func(ev IngestEvent) {
		if err := d.applyEvent(ev); err != nil {
			log.Printf("vdird: compensation scan ingest %q: %v", ev.Path, err)
		}
	})
	if err != nil {
		return err
	}
	return d.manifest.SetMeta(watermarkKey, EncodeWatermark(scanStart))
}

// shutdown stops accepting new work, waits for in-flight handlers, flushes
// the manifest/VDir, and removes the socket file.
func (d *Daemon) shutdown() error {
	d.watcher.Close()
	d.wg.Wait()

	if err := d.manifest.Close(); err != nil {
		log.Printf("vdird: closing manifest: %v", err)
	}
	if err := os.Remove(d.paths.SocketPath); err != nil && !os.IsNotExist(err) {
		log.Printf("vdird: removing socket: %v", err)
	}
	return nil
}
