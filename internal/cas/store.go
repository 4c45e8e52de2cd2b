// Package cas implements the content-addressed blob store: BLAKE3-keyed
// immutable storage on disk, sharded two levels deep, with permission and
// immutability invariants ("the Iron Law") enforced idempotently on every
// store, existing or new.
package cas

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	mmap "github.com/edsrzf/mmap-go"
)

// Store is a blob store rooted at a single directory on disk. It is safe
// for concurrent use; the only cross-process coordination it relies on is
// the atomicity of rename(2) within the root's filesystem.
type Store struct {
	root string
}

// Open returns a Store rooted at root, creating the root directory (but not
// its ancestors beyond what MkdirAll implies) if necessary.
func Open(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cas: resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("cas: create root %q: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

// Root returns the store's on-disk root directory.
func (s *Store) Root() string { return s.root }

// Path returns the final on-disk path a blob of hash h and size size would
// occupy, whether or not it currently exists.
func (s *Store) Path(h Hash, size int64) string {
	return s.blobPath(h, size)
}

// Store writes data into the CAS, keyed by its BLAKE3 hash, and returns
// (hash, wasNew, err). wasNew is false if an identical blob already
// existed. Invariant enforcement (permissions + tier-1 immutability) is
// re-applied unconditionally, even on the existing-blob path: this is the
// Iron Law idempotency guarantee that guards against
// externally corrupted or legacy blobs.
func (s *Store) Store(data []byte, tier Tier) (Hash, bool, error) {
	h := Sum(data)
	target := s.blobPath(h, int64(len(data)))

	if _, err := os.Stat(target); err == nil {
		if err := EnforceInvariant(target, tier); err != nil {
			return h, false, err
		}
		return h, false, nil
	} else if !os.IsNotExist(err) {
		return h, false, fmt.Errorf("cas: stat %q: %w", target, err)
	}

	if err := os.MkdirAll(s.blobDirectory(h), 0o755); err != nil {
		return h, false, fmt.Errorf("cas: mkdir shard for %s: %w", h, err)
	}

	tmp, err := os.CreateTemp(s.blobDirectory(h), ".tmp-"+h.String()+"-*")
	if err != nil {
		return h, false, fmt.Errorf("cas: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return h, false, fmt.Errorf("cas: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return h, false, fmt.Errorf("cas: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return h, false, fmt.Errorf("cas: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		// A concurrent writer for the same content may have won the race;
		// if the target now exists, treat this as the idempotent path.
		if _, statErr := os.Stat(target); statErr == nil {
			removeTmp = true
			if err := EnforceInvariant(target, tier); err != nil {
				return h, false, err
			}
			return h, false, nil
		}
		return h, false, fmt.Errorf("cas: rename into place: %w", err)
	}
	removeTmp = false

	if err := EnforceInvariant(target, tier); err != nil {
		return h, true, err
	}
	return h, true, nil
}

// Get reads a whole blob into memory.
func (s *Store) Get(h Hash, size int64) ([]byte, error) {
	f, err := s.open(h, size)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// MappedBlob is a read-only memory-mapped view of a blob, for callers (the
// shim, most notably) that want to serve reads without a syscall per page.
type MappedBlob struct {
	data   mmap.MMap
	file   *os.File
	mapped bool
}

// Bytes returns the mapped region.
func (m *MappedBlob) Bytes() []byte {
	if !m.mapped {
		return nil
	}
	return m.data
}

// Close unmaps (if mapped) and closes the backing file.
func (m *MappedBlob) Close() error {
	var err error
	if m.mapped {
		err = m.data.Unmap()
	}
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// GetMmap memory-maps a blob PROT_READ/MAP_PRIVATE-equivalent (mmap-go
// always maps private+read-only for RDONLY mode).
func (s *Store) GetMmap(h Hash, size int64) (*MappedBlob, error) {
	f, err := s.open(h, size)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		// mmap of a zero-length file is invalid on most platforms; return
		// an empty, unmapped view instead.
		return &MappedBlob{file: f}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cas: mmap %s: %w", h, err)
	}
	return &MappedBlob{data: m, file: f, mapped: true}, nil
}

func (s *Store) open(h Hash, size int64) (*os.File, error) {
	target := s.blobPath(h, size)
	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cas: %s: %w", h, os.ErrNotExist)
		}
		return nil, err
	}
	return f, nil
}

// Delete clears any immutable flag, restores write permission, and unlinks
// the blob. GC calls this only once it has proven no manifest entry
// references the hash.
func (s *Store) Delete(h Hash, size int64) error {
	target := s.blobPath(h, size)
	if err := clearImmutable(target); err != nil {
		return fmt.Errorf("cas: clear immutable before delete %s: %w", h, err)
	}
	if err := os.Chmod(target, 0o644); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cas: chmod before delete %s: %w", h, err)
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cas: remove %s: %w", h, err)
	}
	return nil
}

// Stats reports aggregate store statistics, computed by a full walk.
type Stats struct {
	BlobCount int64
	TotalSize int64
}

// Stats walks the on-disk tree once to compute aggregate counts.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.walk(func(info os.FileInfo, _ string) error {
		st.BlobCount++
		st.TotalSize += info.Size()
		return nil
	})
	return st, err
}

// Iter streams every blob hash currently on disk from a goroutine walking
// the shard tree, then sends the walk's result on the error channel. There
// is no cancellation: a caller that stops ranging before the hash channel
// is closed leaves the goroutine blocked on its next send.
func (s *Store) Iter() (<-chan Hash, <-chan error) {
	out := make(chan Hash)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		err := s.walk(func(_ os.FileInfo, name string) error {
			h, ok := hashFromBlobName(name)
			if !ok {
				return nil
			}
			out <- h
			return nil
		})
		errc <- err
	}()
	return out, errc
}

func (s *Store) walk(fn func(info os.FileInfo, name string) error) error {
	root := filepath.Join(s.root, "blake3")
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		return fn(info, info.Name())
	})
}

func hashFromBlobName(name string) (Hash, bool) {
	// "<hex(hash)>_<size>.bin"
	us := -1
	for i := 0; i < len(name); i++ {
		if name[i] == '_' {
			us = i
			break
		}
	}
	if us != HashSize*2 {
		return Hash{}, false
	}
	h, err := ParseHash(name[:us])
	if err != nil {
		return Hash{}, false
	}
	return h, true
}
