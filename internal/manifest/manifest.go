package manifest

import (
	"fmt"
	"path/filepath"

	"github.com/velo-sh/velo-rift-sub001/internal/errs"
	"github.com/velo-sh/velo-rift-sub001/internal/vdir"
)

// Manifest is the single source of truth for a project's virtual
// filesystem: a durable bbolt-backed Store fronted by a mmap'd VDir that
// readers consult without going through IPC. Every mutation updates the
// VDir projection before the durable commit completes, so a reader that
// observes the new VDir state is guaranteed to also find it in Store on
// the next durable read (the "dual projection").
type Manifest struct {
	store *Store
	vd    *vdir.VDir
}

// Open opens (or creates) the durable store at storePath and the VDir
// projection at vdirPath, replaying the durable store into the VDir so a
// freshly (re)started daemon's shared-memory view matches disk before any
// client can observe it.
func Open(storePath, vdirPath string) (*Manifest, error) {
	store, err := OpenStore(storePath)
	if err != nil {
		return nil, err
	}
	vd, err := vdir.CreateOrOpen(vdirPath, 0)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("manifest: opening vdir: %w", err)
	}

	m := &Manifest{store: store, vd: vd}
	if err := m.replay(); err != nil {
		m.Close()
		return nil, err
	}
	vd.IPCFallback = m.lookupFallback
	return m, nil
}

// replay rebuilds the VDir from the durable store, skipping tombstones.
// This is the VDir's only source of truth at startup: the file may be
// stale, truncated by a crash, or simply absent.
func (m *Manifest) replay() error {
	return m.store.ForEach(func(e VnodeEntry) error {
		if e.Deleted {
			return m.vd.Remove(e.Path)
		}
		return m.vd.Upsert(e.Path, toVdirEntry(e))
	})
}

// lookupFallback answers a vdir.Lookup that exhausted its seqlock retry
// budget by going straight to the durable store, bypassing the shared
// memory entirely.
func (m *Manifest) lookupFallback(path string) (*vdir.Entry, bool, error) {
	e, err := m.store.Get(path)
	if err != nil {
		if err == errs.ErrPathNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if e.Deleted {
		return nil, false, nil
	}
	ve := toVdirEntry(e)
	return &ve, true, nil
}

// Upsert writes e durably and into the VDir projection, VDir first: a
// reader that sees the VDir update before the durable commit lands still
// finds the same content if it falls back to Store on a later retry,
// because Store is written within the same call before Upsert returns.
func (m *Manifest) Upsert(e VnodeEntry) error {
	e.Path = normalize(e.Path)
	if err := m.vd.Upsert(e.Path, toVdirEntry(e)); err != nil {
		return fmt.Errorf("manifest: vdir upsert %q: %w", e.Path, err)
	}
	if err := m.store.Put(e); err != nil {
		return fmt.Errorf("manifest: durable put %q: %w", e.Path, err)
	}
	return nil
}

// Get looks up path, preferring the VDir's lock-free fast path and
// falling back to the durable store automatically (via IPCFallback) when
// the VDir can't answer consistently.
func (m *Manifest) Get(path string) (VnodeEntry, bool, error) {
	path = normalize(path)
	e, found, err := m.vd.Lookup(path)
	if err != nil {
		return VnodeEntry{}, false, err
	}
	if !found {
		return VnodeEntry{}, false, nil
	}
	return fromVdirEntry(path, e), true, nil
}

// Remove tombstones path in both the VDir and the durable store.
func (m *Manifest) Remove(path string) error {
	path = normalize(path)
	if err := m.vd.Remove(path); err != nil {
		return fmt.Errorf("manifest: vdir remove %q: %w", path, err)
	}
	if err := m.store.Delete(path); err != nil {
		return fmt.Errorf("manifest: durable delete %q: %w", path, err)
	}
	return nil
}

// Meta returns a small bookkeeping value (e.g. the compensation scanner's
// watermark) stored alongside the manifest.
func (m *Manifest) Meta(key string) ([]byte, bool) { return m.store.GetMeta(key) }

// SetMeta stores a small bookkeeping value.
func (m *Manifest) SetMeta(key string, value []byte) error { return m.store.PutMeta(key, value) }

// Iter calls fn for every live (non-deleted) entry in the durable store.
func (m *Manifest) Iter(fn func(VnodeEntry) error) error {
	return m.store.ForEach(func(e VnodeEntry) error {
		if e.Deleted {
			return nil
		}
		return fn(e)
	})
}

// Close flushes and closes both the durable store and the VDir mapping.
func (m *Manifest) Close() error {
	verr := m.vd.Close()
	serr := m.store.Close()
	if serr != nil {
		return serr
	}
	return verr
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	clean := filepath.ToSlash(filepath.Clean("/" + p))
	return clean
}

func toVdirEntry(e VnodeEntry) vdir.Entry {
	var flags uint16
	if e.Dir {
		flags |= vdir.FlagDir
	}
	if e.Symlink {
		flags |= vdir.FlagSymlink
	}
	return vdir.Entry{
		Path:      e.Path,
		CasHash:   e.CasHash,
		Size:      uint64(e.Size),
		MtimeSec:  e.MtimeSec,
		MtimeNsec: uint32(e.MtimeNsec),
		Mode:      e.Mode,
		Flags:     flags,
	}
}

func fromVdirEntry(path string, e vdir.Entry) VnodeEntry {
	return VnodeEntry{
		Path:      path,
		CasHash:   e.CasHash,
		Size:      int64(e.Size),
		MtimeSec:  e.MtimeSec,
		MtimeNsec: int32(e.MtimeNsec),
		Mode:      e.Mode,
		Dir:       e.IsDir(),
		Symlink:   e.IsSymlink(),
		Deleted:   e.IsDeleted(),
	}
}
