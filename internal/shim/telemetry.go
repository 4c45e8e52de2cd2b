package shim

import (
	"encoding/json"
	"os"
	"sync/atomic"
)

// EventCounters is the per-event-type flight recorder the get_telemetry
// export reads from. Counters are incremented from arbitrary threads via
// atomics and never reset for the lifetime of the process.
type EventCounters struct {
	Opens     atomic.Int64
	Closes    atomic.Int64
	Reingests atomic.Int64
	Errors    atomic.Int64
}

var Counters EventCounters

// Snapshot is the JSON shape written by get_telemetry.
type Snapshot struct {
	PID         int    `json:"pid"`
	Phase       int32  `json:"init_state"`
	VFSActive   bool   `json:"vfs_active"`
	ProjectRoot string `json:"project_root"`
	OpenFDs     int    `json:"open_fd_count"`
	Opens       int64  `json:"opens"`
	Closes      int64  `json:"closes"`
	Reingests   int64  `json:"reingests"`
	Errors      int64  `json:"errors"`
}

// Telemetry renders the current process state as JSON for get_telemetry.
func (s *State) Telemetry(projectRoot string, openFDs int) ([]byte, error) {
	snap := Snapshot{
		PID:         os.Getpid(),
		Phase:       int32(CurrentPhase()),
		VFSActive:   Active(),
		ProjectRoot: projectRoot,
		OpenFDs:     openFDs,
		Opens:       Counters.Opens.Load(),
		Closes:      Counters.Closes.Load(),
		Reingests:   Counters.Reingests.Load(),
		Errors:      Counters.Errors.Load(),
	}
	return json.Marshal(snap)
}
