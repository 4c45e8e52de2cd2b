package ingest

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/velo-sh/velo-rift-sub001/internal/cas"
)

// workerCount returns min(CPU/2, 4), bounding ingest parallelism.
func workerCount() int64 {
	n := int64(runtime.NumCPU() / 2)
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

// File is one (virtual path, real source path) pair to ingest.
type File struct {
	VPath      string
	SourcePath string
}

// Result is the outcome of ingesting one File.
type Result struct {
	File  File
	Hash  cas.Hash
	Mode  Mode
	Error error
}

// hashInProgress is the shared lock-free-ish set (sync.Map-backed) of
// hashes currently being written by some worker, letting a worker whose
// candidate content matches an in-flight hash skip straight to the
// invariant-verification path instead of racing a duplicate filesystem
// write.
type hashInProgress struct {
	m sync.Map // map[cas.Hash]struct{}
}

func (h *hashInProgress) markOrWait(hash cas.Hash) (alreadyInProgress bool) {
	_, loaded := h.m.LoadOrStore(hash, struct{}{})
	return loaded
}

func (h *hashInProgress) done(hash cas.Hash) {
	h.m.Delete(hash)
}

// ParallelIngest distributes files across a bounded worker pool (min(CPU/2,4))
// and ingests each with Solid semantics, or Phantom when destructive is true.
func (p *Pipeline) ParallelIngest(ctx context.Context, files []File, destructive bool) []Result {
	sem := semaphore.NewWeighted(workerCount())
	results := make([]Result, len(files))
	inProgress := &hashInProgress{}

	var wg sync.WaitGroup
	for i, f := range files {
		i, f := i, f
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{File: f, Error: fmt.Errorf("ingest: acquire worker slot: %w", err)}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = p.ingestOne(f, destructive, inProgress)
		}()
	}
	wg.Wait()
	return results
}

func (p *Pipeline) ingestOne(f File, destructive bool, inProgress *hashInProgress) Result {
	if destructive {
		h, err := p.PhantomIngest(f.VPath, f.SourcePath)
		return Result{File: f, Hash: h, Mode: Phantom, Error: err}
	}

	// Pre-hash so we can dedup against concurrent in-flight writers before
	// touching the filesystem for the target path.
	h, err := hashFile(f.SourcePath)
	if err != nil {
		return Result{File: f, Error: err}
	}
	if inProgress.markOrWait(h) {
		// Another worker is already materializing this hash; our job is
		// just to verify the eventual result satisfies invariants, which
		// IngestFile's dedup-hit path already does if we call it once the
		// other worker's write has landed. A bounded local wait covers
		// the short window before its target file is visible.
		if info, err := os.Lstat(f.SourcePath); err == nil {
			target := p.Store.Path(h, info.Size())
			for i := 0; i < 50; i++ {
				if _, err := os.Stat(target); err == nil {
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
		hh, mode, err := p.IngestFile(f.VPath, f.SourcePath)
		return Result{File: f, Hash: hh, Mode: mode, Error: err}
	}
	defer inProgress.done(h)

	hh, mode, err := p.IngestFile(f.VPath, f.SourcePath)
	return Result{File: f, Hash: hh, Mode: mode, Error: err}
}
