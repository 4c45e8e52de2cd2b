//go:build linux

package main

/*
#define _GNU_SOURCE
#include <dlfcn.h>
#include <errno.h>
#include <fcntl.h>
#include <stdarg.h>
#include <stdlib.h>
#include <string.h>
#include <sys/mman.h>
#include <sys/stat.h>
#include <unistd.h>

typedef int (*open_fn)(const char *, int, ...);
typedef int (*openat_fn)(int, const char *, int, ...);
typedef int (*close_fn)(int);
typedef int (*stat_fn)(const char *, struct stat *);
typedef int (*lstat_fn)(const char *, struct stat *);
typedef int (*fstat_fn)(int, struct stat *);
typedef ssize_t (*readlink_fn)(const char *, char *, size_t);
typedef int (*unlink_fn)(const char *);
typedef int (*mkdir_fn)(const char *, mode_t);
typedef int (*rename_fn)(const char *, const char *);
typedef int (*dup2_fn)(int, int);
typedef void *(*mmap_fn)(void *, size_t, int, int, int, off_t);
typedef int (*munmap_fn)(void *, size_t);

static open_fn real_open = NULL;
static openat_fn real_openat = NULL;
static close_fn real_close = NULL;
static stat_fn real_stat = NULL;
static lstat_fn real_lstat = NULL;
static fstat_fn real_fstat = NULL;
static readlink_fn real_readlink = NULL;
static unlink_fn real_unlink = NULL;
static mkdir_fn real_mkdir = NULL;
static rename_fn real_rename = NULL;
static dup2_fn real_dup2 = NULL;
static mmap_fn real_mmap = NULL;
static munmap_fn real_munmap = NULL;

// resolve_real_symbols is called exactly once, after the process has
// reached a point where dlsym is safe to call (never during the ELF
// constructor, per the dyld/ld.so lock caveat the platform imposes).
static void resolve_real_symbols(void) {
    if (!real_open)     real_open     = (open_fn)dlsym(RTLD_NEXT, "open");
    if (!real_openat)   real_openat   = (openat_fn)dlsym(RTLD_NEXT, "openat");
    if (!real_close)    real_close    = (close_fn)dlsym(RTLD_NEXT, "close");
    if (!real_stat)     real_stat     = (stat_fn)dlsym(RTLD_NEXT, "stat");
    if (!real_lstat)    real_lstat    = (lstat_fn)dlsym(RTLD_NEXT, "lstat");
    if (!real_fstat)    real_fstat    = (fstat_fn)dlsym(RTLD_NEXT, "fstat");
    if (!real_readlink) real_readlink = (readlink_fn)dlsym(RTLD_NEXT, "readlink");
    if (!real_unlink)   real_unlink   = (unlink_fn)dlsym(RTLD_NEXT, "unlink");
    if (!real_mkdir)    real_mkdir    = (mkdir_fn)dlsym(RTLD_NEXT, "mkdir");
    if (!real_rename)   real_rename   = (rename_fn)dlsym(RTLD_NEXT, "rename");
    if (!real_dup2)     real_dup2     = (dup2_fn)dlsym(RTLD_NEXT, "dup2");
    if (!real_mmap)      real_mmap     = (mmap_fn)dlsym(RTLD_NEXT, "mmap");
    if (!real_munmap)    real_munmap   = (munmap_fn)dlsym(RTLD_NEXT, "munmap");
}

static int call_real_open(const char *path, int flags, mode_t mode) {
    resolve_real_symbols();
    return real_open(path, flags, mode);
}
static int call_real_openat(int dirfd, const char *path, int flags, mode_t mode) {
    resolve_real_symbols();
    return real_openat(dirfd, path, flags, mode);
}
static int call_real_close(int fd) {
    resolve_real_symbols();
    return real_close(fd);
}
static int call_real_stat(const char *path, struct stat *buf) {
    resolve_real_symbols();
    return real_stat(path, buf);
}
static int call_real_lstat(const char *path, struct stat *buf) {
    resolve_real_symbols();
    return real_lstat(path, buf);
}
static int call_real_fstat(int fd, struct stat *buf) {
    resolve_real_symbols();
    return real_fstat(fd, buf);
}
static int call_real_readlink(const char *path, char *buf, size_t bufsiz) {
    resolve_real_symbols();
    return real_readlink(path, buf, bufsiz);
}
static int call_real_unlink(const char *path) {
    resolve_real_symbols();
    return real_unlink(path);
}
static int call_real_mkdir(const char *path, mode_t mode) {
    resolve_real_symbols();
    return real_mkdir(path, mode);
}
static int call_real_rename(const char *oldpath, const char *newpath) {
    resolve_real_symbols();
    return real_rename(oldpath, newpath);
}
static void *call_real_mmap(void *addr, size_t length, int prot, int flags, int fd, off_t offset) {
    resolve_real_symbols();
    return real_mmap(addr, length, prot, flags, fd, offset);
}
static int call_real_munmap(void *addr, size_t length) {
    resolve_real_symbols();
    return real_munmap(addr, length);
}

static void fill_stat(struct stat *buf, long size, unsigned int mode, long mtime_sec, long mtime_nsec, unsigned long ino) {
    memset(buf, 0, sizeof(*buf));
    buf->st_size = size;
    buf->st_mode = mode;
    buf->st_mtime = mtime_sec;
    buf->st_ino = ino;
}

static int fail_with_errno(int e) {
    errno = e;
    return -1;
}

static int is_mmap_failed(void *p) {
    return p == MAP_FAILED;
}
*/
import "C"

import (
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/velo-sh/velo-rift-sub001/internal/shim"
)

// open is the //export entry point LD_PRELOAD resolves in place of
// libc's open(). cgo cannot export a variadic function, so the optional
// mode argument is declared as a fixed third parameter.
//
//export open
func open(path *C.char, flags C.int, mode C.mode_t) C.int {
	if !shim.Active() {
		return C.call_real_open(path, flags, mode)
	}
	passthrough := true
	var ret C.int
	shim.WithGuard(func() {
		passthrough = false
		ret = doOpen(path, flags, mode)
	})
	if passthrough {
		return C.call_real_open(path, flags, mode)
	}
	return ret
}

func doOpen(path *C.char, flags C.int, mode C.mode_t) C.int {
	s := ensureInit()
	if s == nil {
		return C.call_real_open(path, flags, mode)
	}
	goPath := C.GoString(path)
	vp, ok := s.Resolver.Resolve(goPath)
	if !ok {
		return C.call_real_open(path, flags, mode)
	}

	intent := shim.OpenIntent{
		WriteIntent: flags&(C.O_WRONLY|C.O_RDWR|C.O_CREAT) != 0,
		Truncate:    flags&C.O_TRUNC != 0,
	}
	res, err := s.Open(vp.ManifestKey, vp.ManifestKeyHash, intent)
	if err != nil {
		shim.Counters.Errors.Add(1)
		return -1
	}
	if res.ENOENT {
		return setErrnoRet(syscall.ENOENT)
	}

	cReal := C.CString(res.RealPath)
	defer C.free(unsafe.Pointer(cReal))
	fd := C.call_real_open(cReal, flags&^(C.O_CREAT|C.O_EXCL), 0o644)
	if fd < 0 {
		return fd
	}
	s.Fds.Set(int(fd), &res.Entry)
	shim.Counters.Opens.Add(1)
	return fd
}

// openat is the AT_FDCWD-relative case of doOpen: a VFS path given
// relative to the process's current working directory, indistinguishable
// from open() once resolved. Any other dirfd can't be resolved without
// also knowing what directory fd refers to, so it always passes through.
//
//export openat
func openat(dirfd C.int, path *C.char, flags C.int, mode C.mode_t) C.int {
	if !shim.Active() || dirfd != C.AT_FDCWD {
		return C.call_real_openat(dirfd, path, flags, mode)
	}
	passthrough := true
	var ret C.int
	shim.WithGuard(func() {
		passthrough = false
		ret = doOpenat(path, flags, mode)
	})
	if passthrough {
		return C.call_real_openat(dirfd, path, flags, mode)
	}
	return ret
}

func doOpenat(path *C.char, flags C.int, mode C.mode_t) C.int {
	s := ensureInit()
	if s == nil {
		return C.call_real_openat(C.AT_FDCWD, path, flags, mode)
	}
	goPath := C.GoString(path)
	vp, ok := s.Resolver.Resolve(goPath)
	if !ok {
		return C.call_real_openat(C.AT_FDCWD, path, flags, mode)
	}

	intent := shim.OpenIntent{
		WriteIntent: flags&(C.O_WRONLY|C.O_RDWR|C.O_CREAT) != 0,
		Truncate:    flags&C.O_TRUNC != 0,
	}
	res, err := s.Open(vp.ManifestKey, vp.ManifestKeyHash, intent)
	if err != nil {
		shim.Counters.Errors.Add(1)
		return -1
	}
	if res.ENOENT {
		return setErrnoRet(syscall.ENOENT)
	}

	cReal := C.CString(res.RealPath)
	defer C.free(unsafe.Pointer(cReal))
	fd := C.call_real_open(cReal, flags&^(C.O_CREAT|C.O_EXCL), 0o644)
	if fd < 0 {
		return fd
	}
	s.Fds.Set(int(fd), &res.Entry)
	shim.Counters.Opens.Add(1)
	return fd
}

//export close
func close(fd C.int) C.int {
	if !shim.Active() {
		return C.call_real_close(fd)
	}
	if s := ensureInit(); s != nil {
		shim.WithGuard(func() {
			s.Close(int(fd))
			shim.Counters.Closes.Add(1)
		})
	}
	return C.call_real_close(fd)
}

//export stat
func stat(path *C.char, buf *C.struct_stat) C.int {
	return interposedStat(path, buf, false)
}

//export lstat
func lstat(path *C.char, buf *C.struct_stat) C.int {
	return interposedStat(path, buf, true)
}

func interposedStat(path *C.char, buf *C.struct_stat, isLstat bool) C.int {
	real := func() C.int {
		if isLstat {
			return C.call_real_lstat(path, buf)
		}
		return C.call_real_stat(path, buf)
	}
	if !shim.Active() {
		return real()
	}
	s := ensureInit()
	if s == nil {
		return real()
	}
	vp, ok := s.Resolver.Resolve(C.GoString(path))
	if !ok {
		return real()
	}
	res, found, err := s.Stat(vp.ManifestKey, vp.ManifestKeyHash)
	if err != nil || !found {
		return setErrnoRet(syscall.ENOENT)
	}
	C.fill_stat(buf, C.long(res.Size), C.uint(res.Mode), C.long(res.MtimeSec), C.long(res.MtimeNsec), C.ulong(res.Ino))
	return 0
}

//export readlink
func readlink(path *C.char, buf *C.char, bufsiz C.size_t) C.ssize_t {
	if !shim.Active() {
		return C.ssize_t(C.call_real_readlink(path, buf, bufsiz))
	}
	s := ensureInit()
	if s == nil {
		return C.ssize_t(C.call_real_readlink(path, buf, bufsiz))
	}
	vp, ok := s.Resolver.Resolve(C.GoString(path))
	if !ok {
		return C.ssize_t(C.call_real_readlink(path, buf, bufsiz))
	}
	target, found, err := s.Readlink(vp.ManifestKey)
	if err != nil || !found {
		return C.ssize_t(setErrnoRet(syscall.ENOENT))
	}
	n := len(target)
	if n > int(bufsiz) {
		n = int(bufsiz)
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(buf)), n)
	copy(dst, target[:n])
	return C.ssize_t(n)
}

//export unlink
func unlink(path *C.char) C.int {
	if !shim.Active() {
		return C.call_real_unlink(path)
	}
	s := ensureInit()
	if s == nil {
		return C.call_real_unlink(path)
	}
	vp, ok := s.Resolver.Resolve(C.GoString(path))
	if !ok {
		return C.call_real_unlink(path)
	}
	if err := s.Unlink(vp.ManifestKey); err != nil {
		shim.Counters.Errors.Add(1)
		return setErrnoRet(syscall.EIO)
	}
	return 0
}

//export mkdir
func mkdir(path *C.char, mode C.mode_t) C.int {
	if !shim.Active() {
		return C.call_real_mkdir(path, mode)
	}
	s := ensureInit()
	if s == nil {
		return C.call_real_mkdir(path, mode)
	}
	vp, ok := s.Resolver.Resolve(C.GoString(path))
	if !ok {
		return C.call_real_mkdir(path, mode)
	}
	if err := s.Mkdir(vp.ManifestKey, uint32(mode)); err != nil {
		shim.Counters.Errors.Add(1)
		return setErrnoRet(syscall.EIO)
	}
	return 0
}

//export rename
func rename(oldpath, newpath *C.char) C.int {
	if !shim.Active() {
		return C.call_real_rename(oldpath, newpath)
	}
	s := ensureInit()
	if s == nil {
		return C.call_real_rename(oldpath, newpath)
	}
	_, srcIsVFS := s.Resolver.Resolve(C.GoString(oldpath))
	_, dstIsVFS := s.Resolver.Resolve(C.GoString(newpath))
	if shim.CrossBoundaryRename(srcIsVFS, dstIsVFS) {
		return setErrnoRet(syscall.EXDEV)
	}
	return C.call_real_rename(oldpath, newpath)
}

//export fstat
func fstat(fd C.int, buf *C.struct_stat) C.int {
	if !shim.Active() {
		return C.call_real_fstat(fd, buf)
	}
	s := ensureInit()
	if s == nil {
		return C.call_real_fstat(fd, buf)
	}
	e := s.Fds.Get(int(fd))
	if e == nil || !e.IsVFS {
		return C.call_real_fstat(fd, buf)
	}
	res, found, err := s.Stat(e.ManifestKey, e.ManifestKeyHash)
	if err != nil || !found {
		// A currently-open fd with no resolvable manifest entry (e.g. a
		// CoW staging file mid-write) still has a real file backing it;
		// fall back to asking the kernel instead of reporting ENOENT on
		// something the caller already successfully opened.
		return C.call_real_fstat(fd, buf)
	}
	C.fill_stat(buf, C.long(res.Size), C.uint(res.Mode), C.long(res.MtimeSec), C.long(res.MtimeNsec), C.ulong(res.Ino))
	return 0
}

// mmapRegions maps a mapped region's start address to the fd it was
// mapped from, so munmap (which is given only the address, not the fd)
// can find its way back to the FdEntry whose MmapCount it must decrement.
// Close's reingest-on-close gate (internal/shim/ops.go) refuses to
// reingest a CoW-tracked fd while MmapCount is nonzero, so a writer that
// mmap'd its staging file and is still holding that mapping at close time
// doesn't race a reingest against its own in-flight writes.
var mmapRegions sync.Map // map[uintptr]int (fd)

//export mmap
func mmap(addr unsafe.Pointer, length C.size_t, prot, flags, fd C.int, offset C.off_t) unsafe.Pointer {
	ret := C.call_real_mmap(addr, length, prot, flags, fd, offset)
	if !shim.Active() || C.is_mmap_failed(ret) != 0 {
		return ret
	}
	s := ensureInit()
	if s == nil {
		return ret
	}
	if e := s.Fds.Get(int(fd)); e != nil {
		atomic.AddInt32(&e.MmapCount, 1)
		mmapRegions.Store(uintptr(ret), int(fd))
	}
	return ret
}

//export munmap
func munmap(addr unsafe.Pointer, length C.size_t) C.int {
	ret := C.call_real_munmap(addr, length)
	if ret != 0 {
		return ret
	}
	if fdVal, ok := mmapRegions.LoadAndDelete(uintptr(addr)); ok {
		if s := ensureInit(); s != nil {
			if e := s.Fds.Get(fdVal.(int)); e != nil {
				atomic.AddInt32(&e.MmapCount, -1)
			}
		}
	}
	return ret
}

// setErrnoRet sets errno and returns -1, the libc convention every
// interposed entry point here follows on failure.
func setErrnoRet(errno syscall.Errno) C.int {
	return C.fail_with_errno(C.int(errno))
}
