package shim

import (
	"log"
	"time"
)

// Worker drains a Ring, applying TaskReclaimFd/TaskReingest/TaskLog tasks
// against the shim's IPC client and FD table. Init starts its goroutine
// once, when the State is built; IPC connections are dialed only when a
// reingest task runs.
type Worker struct {
	ring     *Ring
	fds      *FdTable
	reingest func(vpath, tempPath string) error
	stop     chan struct{}
}

// NewWorker builds a Worker. reingest is called for TaskReingest tasks;
// callers wire it to an ipc.Client's ManifestReingest call.
func NewWorker(ring *Ring, fds *FdTable, reingest func(vpath, tempPath string) error) *Worker {
	return &Worker{ring: ring, fds: fds, reingest: reingest, stop: make(chan struct{})}
}

// Run drains the ring until Stop is called, sleeping briefly between
// empty polls rather than busy-spinning a dedicated OS thread.
func (w *Worker) Run() {
	idle := time.Millisecond
	const maxIdle = 20 * time.Millisecond
	for {
		select {
		case <-w.stop:
			w.drainRemaining()
			return
		default:
		}

		t := w.ring.Pop()
		if t == nil {
			time.Sleep(idle)
			if idle < maxIdle {
				idle *= 2
			}
			continue
		}
		idle = time.Millisecond
		w.apply(t)
	}
}

func (w *Worker) drainRemaining() {
	for {
		t := w.ring.Pop()
		if t == nil {
			return
		}
		w.apply(t)
	}
}

func (w *Worker) apply(t *Task) {
	switch t.Kind {
	case TaskReclaimFd:
		w.fds.Clear(t.Fd)
	case TaskReingest:
		if w.reingest == nil {
			return
		}
		if err := w.reingest(t.VPath, t.TempPath); err != nil {
			log.Printf("vriftshim: reingest %q: %v", t.VPath, err)
			return
		}
		Counters.Reingests.Add(1)
	case TaskLog:
		log.Print(t.Message)
	}
}

// Stop signals Run to drain any remaining tasks and return.
func (w *Worker) Stop() { close(w.stop) }
