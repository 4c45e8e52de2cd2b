//go:build linux

// Command vriftshim builds as a C shared library (-buildmode=c-shared)
// loaded into every child process via LD_PRELOAD. It intercepts the libc
// entry points that touch paths under the configured VFS prefix and
// redirects them to content-addressed blobs, while leaving every other
// call to pass straight through to the real libc implementation.
package main

/*
#include <stdlib.h>
#include <string.h>

// vriftshim_ctor runs before main(), via the standard ELF constructor
// mechanism, while the dynamic linker may still hold its own internal
// locks. It must do nothing beyond flipping the early-init flag; Go's
// runtime and GC are not yet safe to touch here.
extern void vriftshimGoConstructor();
__attribute__((constructor))
static void vriftshim_ctor(void) {
    vriftshimGoConstructor();
}
*/
import "C"

import (
	"os"
	"path/filepath"
	"unsafe"

	"github.com/velo-sh/velo-rift-sub001/internal/config"
	"github.com/velo-sh/velo-rift-sub001/internal/shim"
)

var state *shim.State

//export vriftshimGoConstructor
func vriftshimGoConstructor() {
	shim.SetPhase(shim.PhaseBootstrapping)
}

// ensureInit is called once, lazily, by the first intercepted call
// that finds the shim not yet Ready. It is guarded so only one caller
// performs the expensive setup (opening the VDir, the CAS store, and
// starting the worker goroutine).
var initOnce = make(chan struct{}, 1)

func ensureInit() *shim.State {
	if s := state; s != nil {
		return s
	}
	select {
	case initOnce <- struct{}{}:
		cfg := config.FromEnv()
		if !cfg.Active() {
			return nil
		}
		s, err := shim.Init(shim.Config{
			VFSPrefix:  cfg.VFSPrefix,
			VDirPath:   filepath.Join(filepath.Dir(cfg.ManifestPath), "vdir.bin"),
			CasRoot:    cfg.CasRoot,
			SocketPath: cfg.SocketPath,
			StagingDir: filepath.Join(filepath.Dir(cfg.ManifestPath), "staging"),
		}, currentWorkingDirectory)
		if err != nil {
			shim.Counters.Errors.Add(1)
			return nil
		}
		state = s
		shim.SetPhase(shim.PhaseReady)
		return s
	default:
		return state
	}
}

//export get_telemetry
func get_telemetry(buf *C.char, bufSize C.int) C.int {
	s := state
	if s == nil {
		return 0
	}
	data, err := s.Telemetry(os.Getenv(config.EnvManifest), 0)
	if err != nil {
		return 0
	}
	n := len(data)
	if n > int(bufSize) {
		n = int(bufSize)
	}
	if n == 0 {
		return 0
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(buf)), n)
	copy(dst, data[:n])
	return C.int(n)
}

func currentWorkingDirectory() string {
	wd, err := os.Getwd()
	if err != nil {
		return "/"
	}
	return wd
}

func main() {}
