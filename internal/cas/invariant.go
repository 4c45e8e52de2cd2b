package cas

import (
	"fmt"
	"os"
	"path/filepath"
)

// blobMode is the Iron Law: every blob file is read-only for everyone, no
// write bit, no execute bit, ever.
const blobMode = 0o444

// EnforceInvariant re-applies the Iron Law to the blob file at path. It is
// idempotent and unconditional: callers MUST invoke it even when the blob
// already existed, since an externally-corrupted or legacy blob may have
// drifted (the "Iron Law Drift" regression).
//
// For tier-1 blobs it also sets the platform immutable flag when the host
// supports it; see invariant_linux.go / invariant_darwin.go / invariant_other.go.
func EnforceInvariant(path string, tier Tier) error {
	if tier == Tier1Immutable {
		if err := clearImmutable(path); err != nil {
			return fmt.Errorf("cas: clear immutable before chmod %q: %w", path, err)
		}
	}
	if err := os.Chmod(path, blobMode); err != nil {
		return fmt.Errorf("cas: chmod %q: %w", path, err)
	}
	// The Iron Law extends one level up: a blob's parent shard directory
	// must not be world-writable, so directory listings can't be abused to
	// smuggle a replacement file in under the blob's name.
	if err := os.Chmod(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cas: chmod parent dir of %q: %w", path, err)
	}
	if tier == Tier1Immutable {
		if err := setImmutable(path); err != nil {
			return fmt.Errorf("cas: set immutable %q: %w", path, err)
		}
	}
	return nil
}
