package shim

import "sync/atomic"

// chunkSize and level1Size bound the two-tier FD table at 1024*1024 =
// 2^20 file descriptors, lazily allocating level-2 chunks on first use so
// processes that open few files pay for little memory.
const (
	level1Size = 1024
	chunkSize  = 1024
)

// FdEntry is the shim's bookkeeping record for one open virtual-path
// file descriptor.
type FdEntry struct {
	VPath           string
	ManifestKey     string
	ManifestKeyHash uint64
	TempPath        string // staging file backing a copy-on-write open
	IsVFS           bool
	MmapCount       int32
	LockFd          int32
	CachedSize      int64
}

type chunk struct {
	entries [chunkSize]atomic.Pointer[FdEntry]
}

// FdTable is a wait-free-get, mostly-wait-free-set sparse array mapping a
// raw file descriptor to its FdEntry, implemented as two tiers of atomic
// pointers so no global lock is ever taken on the open/close fast path.
type FdTable struct {
	chunks [level1Size]atomic.Pointer[chunk]
}

// NewFdTable constructs an empty table. The zero value is also usable;
// this constructor exists for symmetry with the rest of the package.
func NewFdTable() *FdTable { return &FdTable{} }

func split(fd int) (chunkIdx, slotIdx int, ok bool) {
	if fd < 0 || fd >= level1Size*chunkSize {
		return 0, 0, false
	}
	return fd / chunkSize, fd % chunkSize, true
}

// Get returns the entry for fd, or nil if fd isn't tracked.
func (t *FdTable) Get(fd int) *FdEntry {
	ci, si, ok := split(fd)
	if !ok {
		return nil
	}
	c := t.chunks[ci].Load()
	if c == nil {
		return nil
	}
	return c.entries[si].Load()
}

// Set installs e as the entry for fd, allocating the backing chunk on
// first use. Concurrent Set calls into the same not-yet-allocated chunk
// race harmlessly: only one allocation wins, verified by CompareAndSwap.
func (t *FdTable) Set(fd int, e *FdEntry) bool {
	ci, si, ok := split(fd)
	if !ok {
		return false
	}
	c := t.chunks[ci].Load()
	if c == nil {
		newC := &chunk{}
		if t.chunks[ci].CompareAndSwap(nil, newC) {
			c = newC
		} else {
			c = t.chunks[ci].Load()
		}
	}
	c.entries[si].Store(e)
	return true
}

// Clear removes the entry for fd (called on close()).
func (t *FdTable) Clear(fd int) {
	ci, si, ok := split(fd)
	if !ok {
		return
	}
	if c := t.chunks[ci].Load(); c != nil {
		c.entries[si].Store(nil)
	}
}

// Dup copies the entry for oldfd to newfd, used by dup/dup2/dup3
// interception so both descriptors share the same VFS bookkeeping until
// one of them is closed.
func (t *FdTable) Dup(oldfd, newfd int) bool {
	e := t.Get(oldfd)
	if e == nil {
		return false
	}
	copied := *e
	return t.Set(newfd, &copied)
}
