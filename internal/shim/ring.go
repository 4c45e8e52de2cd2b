package shim

import "sync/atomic"

const ringCapacity = 4096 // slot index is the cursor modulo this

// TaskKind selects what a ring buffer entry asks the worker to do.
type TaskKind uint8

const (
	TaskReclaimFd TaskKind = iota
	TaskReingest
	TaskLog
)

// Task is one unit of deferred work produced by an intercepted syscall and
// consumed by the shim's single worker goroutine, keeping the syscall's
// own hot path free of IPC calls and file I/O.
type Task struct {
	Kind     TaskKind
	Fd       int
	VPath    string
	TempPath string
	Message  string
}

// Ring is a bounded multi-producer single-consumer queue of Tasks. Many
// intercepted syscalls (running on arbitrary threads) may Push
// concurrently; exactly one worker goroutine calls Pop.
//
// Slots are claimed by producers with a compare-and-swap loop on the write
// cursor (retried while other producers win the race), then published by
// storing the Task pointer into the slot. The consumer does not wait for a
// claimed-but-not-yet-published slot: Pop reports the ring as empty and the
// slot is picked up on a later Pop.
type Ring struct {
	buf   [ringCapacity]atomic.Pointer[Task]
	write atomic.Uint64
	read  atomic.Uint64
}

// NewRing constructs an empty ring.
func NewRing() *Ring { return &Ring{} }

// Push enqueues t, returning false if the ring is full (capacity
// exceeded by the producer side outrunning the worker, which the caller
// should treat as back-pressure and drop or log rather than block a
// syscall indefinitely).
func (r *Ring) Push(t *Task) bool {
	for {
		w := r.write.Load()
		rd := r.read.Load()
		if w-rd >= ringCapacity {
			return false
		}
		if r.write.CompareAndSwap(w, w+1) {
			r.buf[w%ringCapacity].Store(t)
			return true
		}
	}
}

// Pop dequeues the next Task, or returns nil if the ring is currently
// empty. Only one goroutine may call Pop.
func (r *Ring) Pop() *Task {
	rd := r.read.Load()
	w := r.write.Load()
	if rd >= w {
		return nil
	}
	slot := &r.buf[rd%ringCapacity]
	t := slot.Load()
	if t == nil {
		// Producer has claimed this slot (bumped write) but hasn't
		// published yet; treat as momentarily empty rather than spin
		// the caller's thread.
		return nil
	}
	slot.Store(nil)
	r.read.Store(rd + 1)
	return t
}
