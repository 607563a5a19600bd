package ingest

import (
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryGate implements the Ingest Pipeline's memory-backpressure check
// (spec §4.D step 1, design note in spec §9: "should consult OS-level
// available-memory, not process RSS"). Grounded on
// lockbot-evtechallenge's internal/metrics/system_metrics.go use of
// github.com/shirou/gopsutil/v3/mem.VirtualMemory.
type MemoryGate struct {
	ThresholdBytes uint64
	SleepInterval  time.Duration
	MaxRetries     int
}

// availableBytes is overridden in tests to avoid depending on the real
// host's memory state.
var availableBytes = func() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Wait blocks while available memory is below the threshold, sleeping
// SleepInterval between checks and retrying up to MaxRetries times
// after the first check. Returns
// false if the budget is exhausted without memory recovering, in which
// case the caller responds to the peer with DIMSE OutOfResources
// (0xA700) rather than accepting and dropping the instance.
func (g *MemoryGate) Wait() bool {
	for attempt := 0; attempt <= g.MaxRetries; attempt++ {
		avail, err := availableBytes()
		if err != nil || avail >= g.ThresholdBytes {
			return true
		}
		if attempt == g.MaxRetries {
			return false
		}
		time.Sleep(g.SleepInterval)
	}
	return false
}
