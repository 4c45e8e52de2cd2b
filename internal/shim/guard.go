//go:build linux

package shim

import (
	"sync"

	"golang.org/x/sys/unix"
)

// recursionGuard prevents a libc call made by the shim's own runtime (the
// Go runtime itself calls open/read/write/mmap under the hood) from being
// re-entered as if it were application code. Go has no per-OS-thread
// thread-local storage primitive, but a cgo callback runs pinned to the
// same OS thread for its duration (runtime.LockOSThread semantics apply
// implicitly), so keying a guard set by the kernel thread id is sound.
type recursionGuard struct {
	mu sync.Mutex
	in map[int]struct{}
}

var guard = &recursionGuard{in: make(map[int]struct{})}

// Enter marks the current OS thread as "inside the shim". It returns false
// if the thread was already inside, meaning the caller must pass the
// intercepted call straight through rather than recurse.
func (g *recursionGuard) Enter() bool {
	tid := int(unix.Gettid())
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, already := g.in[tid]; already {
		return false
	}
	g.in[tid] = struct{}{}
	return true
}

func (g *recursionGuard) Leave() {
	tid := int(unix.Gettid())
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.in, tid)
}

// WithGuard runs fn only if the current thread isn't already inside a
// guarded region, returning passthrough=true if fn was skipped for that
// reason.
func WithGuard(fn func()) (passthrough bool) {
	if !guard.Enter() {
		return true
	}
	defer guard.Leave()
	fn()
	return false
}
