package shim

import (
	"fmt"
	"os"
	"time"

	"github.com/velo-sh/velo-rift-sub001/internal/ipc"
	"github.com/velo-sh/velo-rift-sub001/internal/manifest"
)

// OpenIntent distinguishes a read-only open from one that needs
// copy-on-write staging.
type OpenIntent struct {
	WriteIntent bool // O_WRONLY | O_RDWR | O_CREAT
	Truncate    bool // O_TRUNC
}

// OpenResult is what the cgo layer needs to hand back a real FD and
// record it in the FD table.
type OpenResult struct {
	RealPath string
	Entry    FdEntry
	ENOENT   bool
}

// Open resolves vpath and decides the real path + FD table entry an
// intercepted open()/openat() should use. The caller (cmd/vriftshim) is
// responsible for actually calling the real open() against RealPath and
// installing Entry into the FD table at the returned fd.
func (s *State) Open(manifestKey string, manifestKeyHash uint64, intent OpenIntent) (OpenResult, error) {
	if intent.WriteIntent {
		return s.openForWrite(manifestKey, manifestKeyHash, intent)
	}

	entry, found, err := s.Lookup(manifestKey)
	if err != nil {
		return OpenResult{}, err
	}
	if !found || entry.IsDeleted() {
		return OpenResult{ENOENT: true}, nil
	}
	blobPath := s.Cas.Path(entry.CasHash, int64(entry.Size))
	return OpenResult{
		RealPath: blobPath,
		Entry: FdEntry{
			VPath:           manifestKey,
			ManifestKey:     manifestKey,
			ManifestKeyHash: manifestKeyHash,
			IsVFS:           true,
			CachedSize:      int64(entry.Size),
		},
	}, nil
}

func (s *State) openForWrite(manifestKey string, manifestKeyHash uint64, intent OpenIntent) (OpenResult, error) {
	staging := s.NewStagingPath(manifestKeyHash)

	entry, found, err := s.Lookup(manifestKey)
	if err != nil {
		return OpenResult{}, err
	}

	if found && !intent.Truncate {
		if err := s.SeedStagingFile(entry.CasHash, int64(entry.Size), staging); err != nil {
			return OpenResult{}, fmt.Errorf("shim: seeding CoW staging file: %w", err)
		}
	} else {
		f, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return OpenResult{}, fmt.Errorf("shim: creating CoW staging file: %w", err)
		}
		f.Close()
	}

	return OpenResult{
		RealPath: staging,
		Entry: FdEntry{
			VPath:           manifestKey,
			ManifestKey:     manifestKey,
			ManifestKeyHash: manifestKeyHash,
			TempPath:        staging,
			IsVFS:           true,
		},
	}, nil
}

// Close handles the bookkeeping side of close(): if the FD was CoW-tracked
// and nothing still has it mmap'd, the reingest is
// enqueued on the ring buffer rather than performed inline, so close()
// never blocks on IPC.
func (s *State) Close(fd int) {
	e := s.Fds.Get(fd)
	if e == nil {
		return
	}
	if e.TempPath != "" && e.MmapCount == 0 {
		s.Ring.Push(&Task{Kind: TaskReingest, VPath: e.VPath, TempPath: e.TempPath})
	}
	s.Ring.Push(&Task{Kind: TaskReclaimFd, Fd: fd})
}

// StatResult is a synthesized stat(2) result built from a VnodeEntry. Ino
// is the manifest key's FNV-1a hash, deliberately NOT the blob's real
// inode, so two virtual paths deduped to the same blob don't appear to be
// hardlinks of each other.
type StatResult struct {
	Size      int64
	Mode      uint32
	MtimeSec  int64
	MtimeNsec int64
	Ino       uint64
	IsDir     bool
	IsSymlink bool
}

func (s *State) Stat(manifestKey string, manifestKeyHash uint64) (StatResult, bool, error) {
	e, found, err := s.Lookup(manifestKey)
	if err != nil {
		return StatResult{}, false, err
	}
	if !found || e.IsDeleted() {
		return StatResult{}, false, nil
	}
	return StatResult{
		Size:      int64(e.Size),
		Mode:      e.Mode,
		MtimeSec:  e.MtimeSec,
		MtimeNsec: int64(e.MtimeNsec),
		Ino:       manifestKeyHash,
		IsDir:     e.IsDir(),
		IsSymlink: e.IsSymlink(),
	}, true, nil
}

// Readlink reads a VFS symlink entry's target out of its backing blob:
// the blob's bytes ARE the link target string.
func (s *State) Readlink(manifestKey string) (string, bool, error) {
	e, found, err := s.Lookup(manifestKey)
	if err != nil {
		return "", false, err
	}
	if !found || !e.IsSymlink() {
		return "", false, nil
	}
	data, err := s.Cas.Get(e.CasHash, int64(e.Size))
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// CrossBoundaryRename enforces the rename/link boundary rule: if exactly
// one of src/dst resolved as a VFS path, the operation is rejected with
// EXDEV, protecting CAS blobs from being hardlinked out from under the
// store and preventing half-virtual renames.
func CrossBoundaryRename(srcIsVFS, dstIsVFS bool) bool {
	return srcIsVFS != dstIsVFS
}

// Unlink and Mkdir send the corresponding Manifest mutation over IPC.

func (s *State) Unlink(manifestKey string) error {
	c, err := s.dialClient()
	if err != nil {
		return err
	}
	defer c.Close()
	resp, err := c.CallTimeout(&ipc.Request{Kind: ipc.KindManifestRemove, ManifestRemove: &ipc.ManifestRemoveReq{Path: manifestKey}}, fallbackCallTimeout)
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return fmt.Errorf("shim: unlink %q: %s", manifestKey, resp.Err)
	}
	return nil
}

func (s *State) Mkdir(manifestKey string, mode uint32) error {
	c, err := s.dialClient()
	if err != nil {
		return err
	}
	defer c.Close()

	entry := manifest.VnodeEntry{
		Path:     manifestKey,
		Mode:     mode,
		Dir:      true,
		MtimeSec: time.Now().Unix(),
	}
	resp, err := c.CallTimeout(&ipc.Request{Kind: ipc.KindManifestUpsert, ManifestUpsert: &ipc.ManifestUpsertReq{Entry: entry}}, fallbackCallTimeout)
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return fmt.Errorf("shim: mkdir %q: %s", manifestKey, resp.Err)
	}
	return nil
}
