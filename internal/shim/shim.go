package shim

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/velo-sh/velo-rift-sub001/internal/cas"
	"github.com/velo-sh/velo-rift-sub001/internal/ipc"
	"github.com/velo-sh/velo-rift-sub001/internal/vdir"
)

// fallbackCallTimeout bounds the shim's IPC calls after the handshake: the
// VDir miss lookup and the unlink/mkdir manifest mutations an intercepted
// syscall blocks on, and the worker's CoW reingest. It is
// far below ipc.DefaultCallTimeout: a syscall interposed inside an
// arbitrary user process must never stall for seconds just because the
// daemon is wedged or unreachable.
const fallbackCallTimeout = 50 * time.Millisecond

// State is the process-wide shim object: one per process, constructed
// lazily the first time an intercepted call observes Active()==false and
// needs to become active. Everything on it is safe for concurrent use
// from the many OS threads an interposed libc function may run on.
type State struct {
	Resolver   *Resolver
	Fds        *FdTable
	Ring       *Ring
	Worker     *Worker
	VDirReader *vdir.VDir
	Cas        *cas.Store

	StagingDir string
	SocketPath string

	tempCounter atomic.Uint64

	dialClient func() (*ipc.Client, error)
}

// Config bundles what Init needs; it mirrors (but does not import, to
// keep this package cgo-free) internal/config.Config's VFS fields.
type Config struct {
	VFSPrefix  string
	VDirPath   string
	CasRoot    string
	SocketPath string
	StagingDir string
}

// Init builds a State from Config, opening the VDir read-only and the CAS
// store, and starting the worker goroutine. It does not dial the daemon; IPC
// connections are opened on first need and short-lived, dialed and torn
// down per call, with calls bounded by fallbackCallTimeout rather than
// ipc.DefaultCallTimeout (the handshake inside ipc.Dial still uses
// ipc.DefaultCallTimeout).
func Init(cfg Config, cwd func() string) (*State, error) {
	vd, err := vdir.OpenReadonly(cfg.VDirPath)
	if err != nil {
		return nil, fmt.Errorf("shim: opening vdir: %w", err)
	}
	store, err := cas.Open(cfg.CasRoot)
	if err != nil {
		vd.Close()
		return nil, fmt.Errorf("shim: opening cas: %w", err)
	}

	s := &State{
		Resolver:   NewResolver(cfg.VFSPrefix, cwd),
		Fds:        NewFdTable(),
		Ring:       NewRing(),
		VDirReader: vd,
		Cas:        store,
		StagingDir: cfg.StagingDir,
		SocketPath: cfg.SocketPath,
		dialClient: func() (*ipc.Client, error) { return ipc.Dial(cfg.SocketPath, "vriftshim") },
	}
	vd.IPCFallback = s.lookupFallback

	s.Worker = NewWorker(s.Ring, s.Fds, s.reingest)
	go s.Worker.Run()

	return s, nil
}

func (s *State) lookupFallback(manifestKey string) (*vdir.Entry, bool, error) {
	c, err := s.dialClient()
	if err != nil {
		return nil, false, err
	}
	defer c.Close()

	resp, err := c.CallTimeout(&ipc.Request{Kind: ipc.KindManifestGet, ManifestGet: &ipc.ManifestGetReq{Path: manifestKey}}, fallbackCallTimeout)
	if err != nil {
		return nil, false, err
	}
	if resp.Err != "" || resp.ManifestGet == nil || !resp.ManifestGet.Found {
		return nil, false, nil
	}
	e := resp.ManifestGet.Entry
	var flags uint16
	if e.Dir {
		flags |= vdir.FlagDir
	}
	if e.Symlink {
		flags |= vdir.FlagSymlink
	}
	ve := vdir.Entry{
		Path: manifestKey, CasHash: e.CasHash, Size: uint64(e.Size),
		MtimeSec: e.MtimeSec, MtimeNsec: uint32(e.MtimeNsec), Mode: e.Mode, Flags: flags,
	}
	return &ve, true, nil
}

func (s *State) reingest(vpath, tempPath string) error {
	c, err := s.dialClient()
	if err != nil {
		return err
	}
	defer c.Close()
	resp, err := c.CallTimeout(&ipc.Request{
		Kind:             ipc.KindManifestReingest,
		ManifestReingest: &ipc.ManifestReingestReq{VPath: vpath, TempPath: tempPath},
	}, fallbackCallTimeout)
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return fmt.Errorf("shim: reingest %q: %s", vpath, resp.Err)
	}
	return nil
}

// Lookup answers a manifest query for key, the fast path reading the
// mmap'd VDir directly with no syscall at all.
func (s *State) Lookup(key string) (vdir.Entry, bool, error) {
	return s.VDirReader.Lookup(key)
}

// NewStagingPath allocates a unique temp path under StagingDir for a
// copy-on-write open.
func (s *State) NewStagingPath(manifestKeyHash uint64) string {
	n := s.tempCounter.Add(1)
	return filepath.Join(s.StagingDir, fmt.Sprintf("%x-%d", manifestKeyHash, n))
}

// SeedStagingFile copies the CAS blob for hash/size into dst, used when a
// write-open targets an existing entry without O_TRUNC.
func (s *State) SeedStagingFile(hash cas.Hash, size int64, dst string) error {
	blob, err := s.Cas.GetMmap(hash, size)
	if err != nil {
		return err
	}
	defer blob.Close()

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, bytes.NewReader(blob.Bytes()))
	return err
}

// Close releases the VDir mapping and CAS store handles.
func (s *State) Close() error {
	s.Worker.Stop()
	verr := s.VDirReader.Close()
	if verr != nil {
		return verr
	}
	return nil
}
