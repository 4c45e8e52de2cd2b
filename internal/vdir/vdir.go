// Package vdir implements the shared-memory projection of the manifest: a
// single memory-mapped file holding a seqlock-guarded header, an open
// addressed hash table of fixed-size entries, and a string pool for paths.
// One writer mutates it; any number of readers observe consistent
// snapshots without taking a lock, falling back to synchronous IPC only
// after a bounded number of retries.
package vdir

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/velo-sh/velo-rift-sub001/internal/errs"
)

const (
	defaultInitialCapacity = 64
	maxReaderRetries       = 8
	resizeLoadFactor       = 0.75
)

// VDir is a handle onto a mapped VDir file. A writer handle (from
// CreateOrOpen) is the sole mutator; reader handles (from OpenReadonly) may
// be opened by any number of processes.
type VDir struct {
	path   string
	writer bool

	// cur holds the live mapping. It is swapped with a single atomic
	// store by resizeLocked, so every reader in this process — whether
	// or not it holds writerMu — observes one whole mmap.MMap slice
	// header at a time and never a torn mix of the pre- and
	// post-resize region's pointer/len/cap.
	cur atomic.Pointer[mapping]

	// writerMu serializes Upsert/Remove/Resize; only meaningful for writer
	// handles, where it is this process's sole-writer discipline.
	writerMu sync.Mutex

	// retired holds old mmap regions kept alive past a resize until their
	// quiescence interval elapses, so in-flight readers in this same
	// process that captured a pointer into the old region don't fault.
	retiredMu sync.Mutex
	retired   []retiredRegion

	// lastResizeMaxLookupNS is a high-water mark of the slowest Lookup this
	// handle has observed, used to size a retired region's quiescence
	// interval (DESIGN.md Open Question 3).
	lastResizeMaxLookupNS atomic.Int64

	// IPCFallback is consulted by Lookup when the local retry budget is
	// exhausted or the header CRC fails to verify. It is optional; if nil,
	// such lookups report ErrVdirInconsistent.
	IPCFallback func(path string) (*Entry, bool, error)
}

// mapping is one mmap'd region plus the file backing it. VDir always
// accesses the mapped bytes through a *mapping loaded once per operation
// from v.cur, rather than through separate data/file fields, so a
// same-process resize can never be observed mid-swap.
type mapping struct {
	data mmap.MMap
	file *os.File
}

type retiredRegion struct {
	data mmap.MMap
	file *os.File
	at   time.Time
}

func (v *VDir) load() *mapping { return v.cur.Load() }

func (v *VDir) header(m *mapping) header { return newHeader(m.data) }

func (v *VDir) genPtr(m *mapping) *uint64 {
	return (*uint64)(unsafe.Pointer(&m.data[offGeneration]))
}

// CreateOrOpen opens path as the single writer, creating and initializing
// it with capacity initialCapacity (rounded up to a power of two, minimum
// defaultInitialCapacity) if it doesn't already exist or is zero-length.
func CreateOrOpen(path string, initialCapacity uint32) (*VDir, error) {
	if initialCapacity < defaultInitialCapacity {
		initialCapacity = defaultInitialCapacity
	}
	initialCapacity = nextPowerOfTwo(initialCapacity)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vdir: open %q: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vdir: stat %q: %w", path, err)
	}

	poolCap := uint32(64 * 1024)
	needSize := int64(HeaderSize) + int64(initialCapacity)*EntrySize + int64(poolCap)

	if fi.Size() == 0 {
		if err := f.Truncate(needSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("vdir: truncate %q: %w", path, err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vdir: mmap %q: %w", path, err)
	}

	v := &VDir{path: path, writer: true}
	m := &mapping{data: data, file: f}
	v.cur.Store(m)
	h := v.header(m)
	if h.Magic() != Magic {
		h.SetMagic(Magic)
		h.SetVersion(Version)
		h.SetTableOffset(HeaderSize)
		h.SetTableCapacity(initialCapacity)
		h.SetStringPoolOffset(HeaderSize + initialCapacity*EntrySize)
		h.SetStringPoolSize(0)
		h.SetStringPoolCapacity(poolCap)
		h.SetEntryCount(0)
		h.RecomputeCRC()
		if err := data.Flush(); err != nil {
			return v, fmt.Errorf("vdir: flush new header: %w", err)
		}
	} else if !h.VerifyCRC() {
		return v, fmt.Errorf("vdir: %w: header CRC mismatch on open", errs.ErrVdirInconsistent)
	}
	return v, nil
}

// OpenReadonly opens path for read-only lookup. Any number of readers may
// hold a handle concurrently with the single writer.
func OpenReadonly(path string) (*VDir, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vdir: open %q: %w", path, err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vdir: mmap %q: %w", path, err)
	}
	v := &VDir{path: path, writer: false}
	m := &mapping{data: data, file: f}
	v.cur.Store(m)
	if v.header(m).Magic() != Magic {
		v.Close()
		return nil, fmt.Errorf("vdir: %q: bad magic", path)
	}
	return v, nil
}

// Close unmaps and closes the underlying file, and unmaps any still-retired
// regions immediately (process exit path; no further readers can observe
// them after this point).
func (v *VDir) Close() error {
	v.retiredMu.Lock()
	for _, r := range v.retired {
		r.data.Unmap()
		r.file.Close()
	}
	v.retired = nil
	v.retiredMu.Unlock()

	m := v.load()
	err := m.data.Unmap()
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func nextPowerOfTwo(n uint32) uint32 {
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Lookup performs the seqlock read protocol: snapshot the
// generation, probe, and re-check the generation hasn't changed underneath
// the read. Returns (entry, found, error); error is only non-nil on
// exhausted retries or CRC failure, both of which indicate the caller
// should treat this as ErrVdirInconsistent (after any IPCFallback).
func (v *VDir) Lookup(path string) (Entry, bool, error) {
	start := time.Now()
	defer func() {
		d := int64(time.Since(start))
		for {
			cur := v.lastResizeMaxLookupNS.Load()
			if d <= cur || v.lastResizeMaxLookupNS.CompareAndSwap(cur, d) {
				return
			}
		}
	}()

	// Loaded once per call: a concurrent resize swaps v.cur to a new
	// *mapping, but this call keeps working against the single snapshot
	// it captured here for its entire duration, so a same-process resize
	// racing this Lookup can never hand back a torn mix of the old and
	// new underlying mmap.MMap slices.
	m := v.load()

	for attempt := 0; attempt < maxReaderRetries; attempt++ {
		genStart := atomic.LoadUint64(v.genPtr(m))
		if genStart%2 == 1 {
			// writer mid-mutation; brief spin before retrying.
			time.Sleep(time.Duration(attempt+1) * 50 * time.Microsecond)
			continue
		}

		// Checked inside the generation bracket so a header the writer is
		// midway through updating reads as a torn read, not a CRC failure.
		crcOK := v.header(m).VerifyCRC()
		entry, found, ok := v.probe(m, path)
		if !ok {
			// Out-of-range slot index observed (capacity view stale);
			// re-snapshot and retry.
			continue
		}

		genEnd := atomic.LoadUint64(v.genPtr(m))
		if genEnd == genStart {
			if !crcOK {
				return v.fallback(path)
			}
			return entry, found, nil
		}
		// Torn read; retry.
	}
	return v.fallback(path)
}

func (v *VDir) fallback(path string) (Entry, bool, error) {
	if v.IPCFallback != nil {
		e, found, err := v.IPCFallback(path)
		if err != nil {
			return Entry{}, false, err
		}
		if e == nil {
			return Entry{}, found, nil
		}
		return *e, found, nil
	}
	return Entry{}, false, errs.ErrVdirInconsistent
}

// probe returns (entry, found, ok) where ok is false if the current header
// view looks inconsistent enough that the caller should re-snapshot rather
// than trust this result.
func (v *VDir) probe(m *mapping, path string) (Entry, bool, bool) {
	h := v.header(m)
	cap := h.TableCapacity()
	tableOff := h.TableOffset()
	if cap == 0 {
		return Entry{}, false, false
	}
	hash := PathHash(path)
	idx := hash % uint64(cap)

	for probed := uint32(0); probed < cap; probed++ {
		slotOff := int64(tableOff) + int64(idx)*EntrySize
		if slotOff+EntrySize > int64(len(m.data)) {
			return Entry{}, false, false
		}
		s := newSlot(m.data[slotOff:])
		if s.Empty() {
			return Entry{}, false, true
		}
		if s.PathHash() == hash {
			stored, ok := v.readPoolString(m, s.PathOffset(), s.PathLen())
			if ok && stored == path {
				if s.Deleted() {
					return Entry{}, false, true
				}
				return v.decode(s, path), true, true
			}
		}
		idx = (idx + 1) % uint64(cap)
	}
	return Entry{}, false, true
}

func (v *VDir) decode(s slot, path string) Entry {
	return Entry{
		Path:      path,
		CasHash:   s.CasHash(),
		Size:      s.Size(),
		MtimeSec:  s.MtimeSec(),
		MtimeNsec: s.MtimeNsec(),
		Mode:      s.Mode(),
		Flags:     s.Flags(),
	}
}

func (v *VDir) readPoolString(m *mapping, off uint32, n uint16) (string, bool) {
	h := v.header(m)
	base := int64(h.StringPoolOffset())
	start := base + int64(off)
	end := start + int64(n)
	if start < 0 || end > int64(len(m.data)) {
		return "", false
	}
	return string(m.data[start:end]), true
}

var (
	errNotWriter  = errors.New("vdir: not a writer handle")
	errPoolFull   = errors.New("vdir: string pool full")
)

// Upsert inserts or updates the entry for path. Writer-only. Implements
// the same generation-odd/even bracketing Lookup relies on.
func (v *VDir) Upsert(path string, e Entry) error {
	if !v.writer {
		return errNotWriter
	}
	v.writerMu.Lock()
	defer v.writerMu.Unlock()
	v.sweepRetired()

	if v.loadFactor() >= resizeLoadFactor {
		if err := v.resizeLocked(); err != nil {
			return fmt.Errorf("vdir: resize before upsert: %w", err)
		}
	}

	m := v.load()
	atomic.AddUint64(v.genPtr(m), 1) // -> odd

	hash := PathHash(path)
	h := v.header(m)
	cap := h.TableCapacity()
	idx := hash % uint64(cap)
	tableOff := h.TableOffset()

	var target slot
	isNewSlot := true
	firstTombstone := int64(-1)
	for probed := uint32(0); probed < cap; probed++ {
		slotOff := int64(tableOff) + int64(idx)*EntrySize
		s := newSlot(m.data[slotOff:])
		if s.Empty() {
			if firstTombstone >= 0 {
				target = newSlot(m.data[firstTombstone:])
			} else {
				target = s
			}
			break
		}
		if s.Deleted() && firstTombstone < 0 {
			firstTombstone = slotOff
		}
		if s.PathHash() == hash {
			if stored, ok := v.readPoolString(m, s.PathOffset(), s.PathLen()); ok && stored == path {
				target = s
				isNewSlot = false
				break
			}
		}
		idx = (idx + 1) % uint64(cap)
	}

	if isNewSlot {
		off, n, err := v.appendPool(m, path)
		if err != nil {
			atomic.AddUint64(v.genPtr(m), 1) // -> even, leave consistent
			return err
		}
		target.SetPathHash(hash)
		target.SetPathOffset(off)
		target.SetPathLen(n)
		h.SetEntryCount(h.EntryCount() + 1)
	}

	target.SetCasHash(e.CasHash)
	target.SetSize(e.Size)
	target.SetMtimeSec(e.MtimeSec)
	target.SetMtimeNsec(e.MtimeNsec)
	target.SetMode(e.Mode)
	target.SetFlags(e.Flags &^ FlagDeleted)

	h.RecomputeCRC()
	atomic.AddUint64(v.genPtr(m), 1) // -> even
	return nil
}

// Remove tombstones the entry for path (physical compaction happens during
// resize). Writer-only.
func (v *VDir) Remove(path string) error {
	if !v.writer {
		return errNotWriter
	}
	v.writerMu.Lock()
	defer v.writerMu.Unlock()
	v.sweepRetired()

	m := v.load()
	atomic.AddUint64(v.genPtr(m), 1) // -> odd
	defer atomic.AddUint64(v.genPtr(m), 1)

	h := v.header(m)
	cap := h.TableCapacity()
	hash := PathHash(path)
	idx := hash % uint64(cap)
	tableOff := h.TableOffset()
	for probed := uint32(0); probed < cap; probed++ {
		slotOff := int64(tableOff) + int64(idx)*EntrySize
		s := newSlot(m.data[slotOff:])
		if s.Empty() {
			return nil
		}
		if s.PathHash() == hash {
			if stored, ok := v.readPoolString(m, s.PathOffset(), s.PathLen()); ok && stored == path {
				s.SetFlags(s.Flags() | FlagDeleted)
				h.RecomputeCRC()
				return nil
			}
		}
		idx = (idx + 1) % uint64(cap)
	}
	return nil
}

func (v *VDir) loadFactor() float64 {
	h := v.header(v.load())
	if h.TableCapacity() == 0 {
		return 1
	}
	return float64(h.EntryCount()) / float64(h.TableCapacity())
}

func (v *VDir) appendPool(m *mapping, path string) (offset uint32, length uint16, err error) {
	h := v.header(m)
	used := h.StringPoolSize()
	capTotal := h.StringPoolCapacity()
	need := uint32(len(path))
	if used+need > capTotal {
		return 0, 0, errPoolFull
	}
	base := int64(h.StringPoolOffset())
	copy(m.data[base+int64(used):base+int64(used)+int64(need)], path)
	h.SetStringPoolSize(used + need)
	return used, uint16(need), nil
}

// resizeLocked doubles the table capacity, rehashes every live entry into
// a freshly built file, and atomically renames it over v.path. The string
// pool is copied byte-for-byte at the same relative offset so every
// slot's PathOffset/PathLen survives the move unchanged; only tombstoned
// and empty slots are dropped, which is where compaction happens. Callers
// must hold writerMu. The pre-resize mapping is kept in v.retired rather
// than unmapped immediately, since an in-flight reader in this same
// process may still hold a pointer derived from it.
func (v *VDir) resizeLocked() error {
	old := v.load()
	h := v.header(old)
	oldCap := h.TableCapacity()
	newCap := oldCap * 2
	if newCap == 0 {
		newCap = defaultInitialCapacity
	}
	tableOff := h.TableOffset()
	poolCap := h.StringPoolCapacity()
	poolUsed := h.StringPoolSize()
	oldPoolOff := h.StringPoolOffset()

	newTableOffset := uint32(HeaderSize)
	newPoolOffset := newTableOffset + newCap*EntrySize
	newFileSize := int64(newPoolOffset) + int64(poolCap)

	tmpPath := fmt.Sprintf("%s.resize-%d", v.path, time.Now().UnixNano())
	nf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("vdir: creating resize tmp file: %w", err)
	}
	if err := nf.Truncate(newFileSize); err != nil {
		nf.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("vdir: truncating resize tmp file: %w", err)
	}
	ndata, err := mmap.Map(nf, mmap.RDWR, 0)
	if err != nil {
		nf.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("vdir: mapping resize tmp file: %w", err)
	}

	nh := newHeader(ndata)
	nh.SetMagic(Magic)
	nh.SetVersion(Version)
	nh.SetTableOffset(newTableOffset)
	nh.SetTableCapacity(newCap)
	nh.SetStringPoolOffset(newPoolOffset)
	nh.SetStringPoolSize(poolUsed)
	nh.SetStringPoolCapacity(poolCap)

	copy(ndata[int64(newPoolOffset):int64(newPoolOffset)+int64(poolUsed)],
		old.data[int64(oldPoolOff):int64(oldPoolOff)+int64(poolUsed)])

	var liveCount uint32
	for i := uint32(0); i < oldCap; i++ {
		off := int64(tableOff) + int64(i)*EntrySize
		s := newSlot(old.data[off:])
		if s.Empty() || s.Deleted() {
			continue
		}
		hash := s.PathHash()
		idx := hash % uint64(newCap)
		for {
			nslotOff := int64(newTableOffset) + int64(idx)*EntrySize
			ns := newSlot(ndata[nslotOff:])
			if ns.Empty() {
				ns.SetPathHash(hash)
				ns.SetCasHash(s.CasHash())
				ns.SetSize(s.Size())
				ns.SetMtimeSec(s.MtimeSec())
				ns.SetMtimeNsec(s.MtimeNsec())
				ns.SetMode(s.Mode())
				ns.SetPathOffset(s.PathOffset())
				ns.SetPathLen(s.PathLen())
				ns.SetFlags(s.Flags() &^ FlagDeleted)
				liveCount++
				break
			}
			idx = (idx + 1) % uint64(newCap)
		}
	}
	nh.SetEntryCount(liveCount)
	nh.RecomputeCRC()

	if err := ndata.Flush(); err != nil {
		ndata.Unmap()
		nf.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("vdir: flushing resized vdir: %w", err)
	}
	if err := os.Rename(tmpPath, v.path); err != nil {
		ndata.Unmap()
		nf.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("vdir: renaming resized vdir into place: %w", err)
	}

	v.cur.Store(&mapping{data: ndata, file: nf})

	v.retiredMu.Lock()
	v.retired = append(v.retired, retiredRegion{data: old.data, file: old.file, at: time.Now()})
	v.retiredMu.Unlock()
	return nil
}

// quiescenceInterval bounds how long a retired mmap region is kept alive
// before being unmapped: at least 200ms, or twice the slowest Lookup
// this handle has observed, whichever is larger.
func (v *VDir) quiescenceInterval() time.Duration {
	const floor = 200 * time.Millisecond
	if ns := v.lastResizeMaxLookupNS.Load(); ns > 0 {
		if d := 2 * time.Duration(ns); d > floor {
			return d
		}
	}
	return floor
}

// sweepRetired unmaps and closes any retired region whose quiescence
// interval has elapsed. Called opportunistically from Upsert/Remove;
// never called concurrently with itself since both hold writerMu.
func (v *VDir) sweepRetired() {
	v.retiredMu.Lock()
	defer v.retiredMu.Unlock()
	if len(v.retired) == 0 {
		return
	}
	cutoff := v.quiescenceInterval()
	kept := v.retired[:0]
	for _, r := range v.retired {
		if time.Since(r.at) >= cutoff {
			r.data.Unmap()
			r.file.Close()
		} else {
			kept = append(kept, r)
		}
	}
	v.retired = kept
}
