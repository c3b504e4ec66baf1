//go:build !linux

package coordination

import "time"

// Non-Linux platforms have no shared-memory futex equivalent exposed
// through golang.org/x/sys/unix; this backend polls the state word,
// mirroring the teacher's io_fallback.go posture of degrading to a
// portable but slower path rather than failing to build.
const pollInterval = 200 * time.Microsecond

func waitEvent(state *uint32, timeout time.Duration) WaitResult {
	var waited time.Duration
	for {
		if loadState(state) != 0 {
			return Signaled
		}
		if timeout > 0 && waited >= timeout {
			return Timeout
		}
		time.Sleep(pollInterval)
		waited += pollInterval
	}
}

func signalEvent(state *uint32) {
	storeState(state, 1)
}
