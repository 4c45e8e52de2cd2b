// Package errs centralizes the error taxonomy shared across the CAS,
// manifest, VDir, IPC, and shim layers so callers can errors.Is against a
// stable set of sentinels regardless of which subsystem raised them.
package errs

import "errors"

var (
	// ErrPathNotFound means a VFS path has no manifest entry.
	ErrPathNotFound = errors.New("vrift: path not found")
	// ErrCrossBoundary means a rename/link crossed the VFS/real boundary.
	ErrCrossBoundary = errors.New("vrift: cross-boundary operation rejected")
	// ErrCasCorrupt means a blob expected by the manifest is missing or
	// its content hash does not match.
	ErrCasCorrupt = errors.New("vrift: cas blob missing or corrupt")
	// ErrVdirInconsistent means a CRC mismatch, out-of-range slot, or
	// seqlock starvation was observed while reading the VDir.
	ErrVdirInconsistent = errors.New("vrift: vdir inconsistent")
	// ErrIpcUnavailable means the daemon was unreachable or timed out.
	ErrIpcUnavailable = errors.New("vrift: ipc unavailable")
	// ErrProtocolMismatch means the handshake's protocol versions disagreed.
	ErrProtocolMismatch = errors.New("vrift: protocol version mismatch")
	// ErrTransient means a retryable condition, e.g. EAGAIN from an
	// advisory lock during parallel ingest.
	ErrTransient = errors.New("vrift: transient error, retry")
	// ErrInvariantViolation means a tier-1 blob was found writable or
	// executable and had to be re-enforced.
	ErrInvariantViolation = errors.New("vrift: invariant violation")
	// ErrSandboxInit means namespace unshare or id-map setup failed.
	ErrSandboxInit = errors.New("vrift: sandbox init failed")
)
