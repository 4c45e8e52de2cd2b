package shim

import (
	"fmt"
	"sync"
	"testing"
)

func TestFdTableSetGetClear(t *testing.T) {
	tbl := NewFdTable()
	e := &FdEntry{VPath: "/a.txt", IsVFS: true}
	if !tbl.Set(3, e) {
		t.Fatal("Set(3) = false")
	}
	got := tbl.Get(3)
	if got == nil || got.VPath != "/a.txt" {
		t.Fatalf("Get(3) = %+v, want VPath=/a.txt", got)
	}
	tbl.Clear(3)
	if tbl.Get(3) != nil {
		t.Fatal("expected nil after Clear")
	}
}

func TestFdTableDup(t *testing.T) {
	tbl := NewFdTable()
	tbl.Set(5, &FdEntry{VPath: "/b.txt"})
	if !tbl.Dup(5, 9) {
		t.Fatal("Dup(5, 9) = false")
	}
	got := tbl.Get(9)
	if got == nil || got.VPath != "/b.txt" {
		t.Fatalf("Get(9) after Dup = %+v", got)
	}
}

func TestFdTableRejectsOutOfRange(t *testing.T) {
	tbl := NewFdTable()
	if tbl.Set(-1, &FdEntry{}) {
		t.Fatal("Set(-1) should fail")
	}
	if tbl.Set(level1Size*chunkSize, &FdEntry{}) {
		t.Fatal("Set(capacity) should fail (exclusive upper bound)")
	}
}

func TestFdTableConcurrentFirstUseChunkAlloc(t *testing.T) {
	tbl := NewFdTable()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		fd := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Set(fd, &FdEntry{VPath: fmt.Sprintf("/f%d", fd)})
		}()
	}
	wg.Wait()
	for i := 0; i < 64; i++ {
		if tbl.Get(i) == nil {
			t.Fatalf("fd %d missing after concurrent Set", i)
		}
	}
}

func TestRingPushPopOrder(t *testing.T) {
	r := NewRing()
	for i := 0; i < 10; i++ {
		if !r.Push(&Task{Kind: TaskLog, Message: fmt.Sprintf("%d", i)}) {
			t.Fatalf("Push(%d) failed", i)
		}
	}
	for i := 0; i < 10; i++ {
		task := r.Pop()
		if task == nil || task.Message != fmt.Sprintf("%d", i) {
			t.Fatalf("Pop() = %+v, want message %d", task, i)
		}
	}
	if r.Pop() != nil {
		t.Fatal("expected empty ring to return nil")
	}
}

func TestRingRejectsOverflow(t *testing.T) {
	r := NewRing()
	for i := 0; i < ringCapacity; i++ {
		if !r.Push(&Task{Kind: TaskLog}) {
			t.Fatalf("Push(%d) failed before capacity", i)
		}
	}
	if r.Push(&Task{Kind: TaskLog}) {
		t.Fatal("expected Push to fail once ring is full")
	}
}

func TestResolverClassifiesVFSPaths(t *testing.T) {
	r := NewResolver("/vrift", func() string { return "/home/user/project" })

	vp, ok := r.Resolve("/vrift/src/main.go")
	if !ok {
		t.Fatal("expected /vrift/src/main.go to be classified as VFS")
	}
	if vp.ManifestKey != "/src/main.go" {
		t.Fatalf("ManifestKey = %q, want /src/main.go", vp.ManifestKey)
	}

	if _, ok := r.Resolve("/etc/passwd"); ok {
		t.Fatal("expected /etc/passwd to NOT be classified as VFS")
	}
}

func TestResolverJoinsRelativePaths(t *testing.T) {
	r := NewResolver("/vrift", func() string { return "/vrift/sub" })
	vp, ok := r.Resolve("file.txt")
	if !ok {
		t.Fatal("expected relative path under vfs cwd to be classified as VFS")
	}
	if vp.ManifestKey != "/sub/file.txt" {
		t.Fatalf("ManifestKey = %q, want /sub/file.txt", vp.ManifestKey)
	}
}

func TestPhaseTransitions(t *testing.T) {
	SetPhase(PhaseReady)
	if !Active() {
		t.Fatal("expected Active() after SetPhase(PhaseReady)")
	}
	prev := BeginBusy()
	if Active() {
		t.Fatal("expected Active() false while Busy")
	}
	EndBusy(prev)
	if !Active() {
		t.Fatal("expected Active() restored after EndBusy")
	}
}

func TestRecursionGuardPreventsReentry(t *testing.T) {
	var innerRan bool
	passthrough := WithGuard(func() {
		passthroughInner := WithGuard(func() {
			innerRan = true
		})
		if !passthroughInner {
			t.Error("expected nested WithGuard call to report passthrough=true")
		}
	})
	if passthrough {
		t.Error("expected outer WithGuard call to run, not pass through")
	}
	if innerRan {
		t.Error("expected inner guarded function to NOT run (recursion guard)")
	}
}

func TestCrossBoundaryRename(t *testing.T) {
	cases := []struct{ src, dst, want bool }{
		{true, true, false},
		{false, false, false},
		{true, false, true},
		{false, true, true},
	}
	for _, c := range cases {
		if got := CrossBoundaryRename(c.src, c.dst); got != c.want {
			t.Errorf("CrossBoundaryRename(%v, %v) = %v, want %v", c.src, c.dst, got, c.want)
		}
	}
}
