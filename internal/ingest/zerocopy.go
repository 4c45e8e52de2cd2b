package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/velo-sh/velo-rift-sub001/internal/cas"
)

// Pipeline wires a Classifier and security filter to a cas.Store and
// performs the tiered ingest strategies: clonefile, then copy.
type Pipeline struct {
	Store      *cas.Store
	Classifier *Classifier
	Security   *SecurityFilter
}

// NewPipeline builds a Pipeline over an already-open CAS store.
func NewPipeline(store *cas.Store, classifier *Classifier, security *SecurityFilter) *Pipeline {
	return &Pipeline{Store: store, Classifier: classifier, Security: security}
}

// IngestFile performs Solid ingest (non-destructive) of the file at
// sourcePath, classifying its tier from vpath, and returns the resulting
// hash. The fallback chain is: (Darwin-only) clonefile, then read-then-write
// copy; the source is never hardlinked. After either, the target is truncated to the
// source's final size if needed and EnforceInvariant is applied.
func (p *Pipeline) IngestFile(vpath, sourcePath string) (cas.Hash, Mode, error) {
	if p.Security != nil && p.Security.Reject(vpath) {
		return cas.Hash{}, 0, fmt.Errorf("ingest: %q rejected by security filter", vpath)
	}

	info, err := os.Lstat(sourcePath)
	if err != nil {
		return cas.Hash{}, 0, fmt.Errorf("ingest: lstat %q: %w", sourcePath, err)
	}
	tier := p.Classifier.Classify(vpath)
	mode := SolidTier2
	if tier == cas.Tier1Immutable {
		mode = SolidTier1
	}

	unlock, err := lockPath(sourcePath)
	if err != nil {
		return cas.Hash{}, mode, fmt.Errorf("ingest: lock %q: %w", sourcePath, err)
	}
	defer unlock()

	h, err := hashFile(sourcePath)
	if err != nil {
		return cas.Hash{}, mode, err
	}
	target := p.Store.Path(h, info.Size())

	if _, statErr := os.Stat(target); statErr == nil {
		// Dedup hit: verify and re-enforce, no filesystem write needed.
		if err := cas.EnforceInvariant(target, tier); err != nil {
			return h, mode, err
		}
		if tier == cas.Tier1Immutable {
			return h, SolidTier1Dedup, nil
		}
		return h, SolidTier2Dedup, nil
	} else if !os.IsNotExist(statErr) {
		return h, mode, fmt.Errorf("ingest: stat target: %w", statErr)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return h, mode, fmt.Errorf("ingest: mkdir shard: %w", err)
	}

	if err := linkCloneOrCopy(sourcePath, target); err != nil {
		return h, mode, fmt.Errorf("ingest: link/clone/copy %q -> %q: %w", sourcePath, target, err)
	}
	if st, err := os.Stat(target); err == nil && st.Size() != info.Size() {
		if err := os.Truncate(target, info.Size()); err != nil {
			return h, mode, fmt.Errorf("ingest: truncate %q: %w", target, err)
		}
	}
	if err := cas.EnforceInvariant(target, tier); err != nil {
		return h, mode, err
	}
	return h, mode, nil
}

// linkCloneOrCopy implements the tiered fallback for materializing src's
// content at dst: platform clonefile, then read+write copy. It
// deliberately never hardlinks src itself into the CAS target — src is
// the caller's own tracked file, and a hardlink would make it share an
// inode with the blob, so cas.EnforceInvariant's chmod/immutable-flag
// treatment of the blob would silently apply to the caller's file too.
// See clonefile_darwin.go for the clonefile step; on non-Darwin platforms
// tryClonefile always reports "not available" and falls through to copy.
func linkCloneOrCopy(src, dst string) error {
	if cloned, clerr := tryClonefile(src, dst); cloned && clerr == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func hashFile(path string) (cas.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return cas.Hash{}, fmt.Errorf("ingest: open %q: %w", path, err)
	}
	defer f.Close()
	h := cas.NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return cas.Hash{}, fmt.Errorf("ingest: hash %q: %w", path, err)
	}
	return cas.SumHasher(h), nil
}

// PhantomIngest destructively renames source into its CAS target path.
// Used when the pipeline owns source (e.g. a shim's CoW staging file).
func (p *Pipeline) PhantomIngest(vpath, sourcePath string) (cas.Hash, error) {
	if p.Security != nil && p.Security.Reject(vpath) {
		return cas.Hash{}, fmt.Errorf("ingest: %q rejected by security filter", vpath)
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return cas.Hash{}, fmt.Errorf("ingest: stat %q: %w", sourcePath, err)
	}
	tier := p.Classifier.Classify(vpath)

	h, err := hashFile(sourcePath)
	if err != nil {
		return cas.Hash{}, err
	}
	target := p.Store.Path(h, info.Size())

	if _, statErr := os.Stat(target); statErr == nil {
		os.Remove(sourcePath)
		return h, cas.EnforceInvariant(target, tier)
	} else if !os.IsNotExist(statErr) {
		return h, fmt.Errorf("ingest: stat target: %w", statErr)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return h, fmt.Errorf("ingest: mkdir shard: %w", err)
	}
	if err := os.Rename(sourcePath, target); err != nil {
		return h, fmt.Errorf("ingest: phantom rename: %w", err)
	}
	return h, cas.EnforceInvariant(target, tier)
}
