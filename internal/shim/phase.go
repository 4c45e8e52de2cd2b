// Package shim implements the process-wide state backing the
// interposition library: the init-phase state machine, the two-tier
// atomic FD table, the MPSC task ring buffer, and path resolution against
// the VFS prefix. The cgo-exported syscall entry points themselves live in
// cmd/vriftshim, which is the only package allowed to `import "C"`.
package shim

import "sync/atomic"

// Phase is the process-wide interposition lifecycle state. Every
// intercepted libc call checks Active() before doing anything other than
// calling straight through to the real implementation.
type Phase int32

const (
	// PhaseReady is steady-state: interposition is fully active.
	PhaseReady Phase = iota
	// PhaseBootstrapping covers the window between the dynamic linker
	// loading this library and Init completing; calls made by the
	// linker itself or by libc's own startup code must pass through
	// untouched or the process never reaches main().
	PhaseBootstrapping
	// PhaseEarlyInit is set by this package's init, when the Go runtime
	// starts up inside the loaded library, before any shim state (FD
	// table, ring buffer, IPC client) exists.
	PhaseEarlyInit
	// PhaseBusy marks a window where the shim's own code is making
	// syscalls on its own behalf (e.g. opening the VDir file) and must
	// not recursively intercept itself.
	PhaseBusy
)

var currentPhase atomic.Int32

func init() {
	currentPhase.Store(int32(PhaseEarlyInit))
}

// CurrentPhase returns the process-wide phase.
func CurrentPhase() Phase { return Phase(currentPhase.Load()) }

// SetPhase transitions the process-wide phase. Call sites: cmd/vriftshim's
// library constructor moves EarlyInit -> Bootstrapping, and its ensureInit
// moves to Ready once Init succeeds; BeginBusy/EndBusy bracket the shim's
// own internal syscalls while Ready.
func SetPhase(p Phase) { currentPhase.Store(int32(p)) }

// Active reports whether the calling libc entry point should attempt
// interposition at all. Only Ready admits interposition; every other
// phase means "call straight through".
func Active() bool { return CurrentPhase() == PhaseReady }

// BeginBusy and EndBusy bracket a region of the shim's own code that must
// not be re-intercepted by itself (e.g. the shim opening its own log file
// via the real open()). BeginBusy returns the phase to restore.
func BeginBusy() Phase {
	prev := Phase(currentPhase.Swap(int32(PhaseBusy)))
	return prev
}

func EndBusy(prev Phase) { currentPhase.Store(int32(prev)) }
