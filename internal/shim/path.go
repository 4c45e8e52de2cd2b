package shim

import (
	"path/filepath"
	"strings"

	"github.com/velo-sh/velo-rift-sub001/internal/vdir"
)

// VfsPath is the resolved form of an intercepted path: its absolute real
// form, the normalized manifest key (always "/"-prefixed, relative to the
// VFS root), and that key's FNV-1a hash for fast VDir lookups.
type VfsPath struct {
	Absolute        string
	ManifestKey     string
	ManifestKeyHash uint64
}

// Resolver turns syscall-supplied paths (possibly relative to a dirfd)
// into VfsPaths, or reports that a path is outside the VFS prefix and
// should pass through untouched.
type Resolver struct {
	prefix string
	cwd    func() string
}

// NewResolver builds a Resolver. prefix is the VFS mount prefix
// (VRIFT_VFS_PREFIX, e.g. "/vrift"); cwd supplies the process's current
// working directory for relative-path resolution (AT_FDCWD).
func NewResolver(prefix string, cwd func() string) *Resolver {
	return &Resolver{prefix: strings.TrimSuffix(prefix, "/"), cwd: cwd}
}

// Resolve normalizes path (joining it with the current working directory
// first if it's relative) and classifies it as a VFS path or not.
func (r *Resolver) Resolve(path string) (VfsPath, bool) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.cwd(), abs)
	}
	abs = normalize(abs)

	if !strings.HasPrefix(abs, r.prefix+"/") && abs != r.prefix {
		return VfsPath{}, false
	}

	key := strings.TrimPrefix(abs, r.prefix)
	if key == "" {
		key = "/"
	}
	return VfsPath{
		Absolute:        abs,
		ManifestKey:     key,
		ManifestKeyHash: vdir.PathHash(key),
	}, true
}

// normalize resolves "." and ".." components and collapses repeated
// slashes without allocating beyond filepath.Clean's own working set; the
// spec's "fixed stack buffer" framing is a C/Rust concern that doesn't
// apply to a garbage-collected runtime, so this is just filepath.Clean.
func normalize(p string) string {
	clean := filepath.Clean(p)
	if clean == "." {
		return "/"
	}
	return filepath.ToSlash(clean)
}
