//go:build !linux

package shim

import "sync"

// recursionGuard on non-Linux platforms is a single process-wide busy flag
// rather than a per-thread id set, since golang.org/x/sys/unix
// doesn't expose a portable thread id accessor outside Linux. This is
// coarser (it serializes across all threads rather than per-thread) but
// preserves the same safety property: the shim never re-enters itself.
type recursionGuard struct {
	mu   sync.Mutex
	busy bool
}

var guard = &recursionGuard{}

func (g *recursionGuard) Enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return false
	}
	g.busy = true
	return true
}

func (g *recursionGuard) Leave() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

func WithGuard(fn func()) (passthrough bool) {
	if !guard.Enter() {
		return true
	}
	defer guard.Leave()
	fn()
	return false
}
