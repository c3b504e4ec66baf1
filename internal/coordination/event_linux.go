//go:build linux

package coordination

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex operates directly on a 32-bit word at a shared memory
// address, with no file descriptor involved — unlike the eventfd wakeup
// channel used elsewhere in the pack for same-process event loops, this
// is the primitive that actually works between unrelated processes that
// only share a mapped segment.
const (
	futexWait = 0
	futexWake = 1
)

func waitEvent(state *uint32, timeout time.Duration) WaitResult {
	for {
		cur := loadState(state)
		if cur != 0 {
			return Signaled
		}

		var ts *unix.Timespec
		if timeout > 0 {
			t := unix.NsecToTimespec(timeout.Nanoseconds())
			ts = &t
		}

		_, _, errno := unix.Syscall6(
			unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(state)),
			uintptr(futexWait),
			uintptr(cur),
			uintptr(unsafe.Pointer(ts)),
			0, 0,
		)

		switch errno {
		case 0:
			continue // woken, re-check state
		case unix.EAGAIN:
			continue // state changed between load and syscall
		case unix.ETIMEDOUT:
			return Timeout
		case unix.EINTR:
			return Interrupted
		default:
			return Interrupted
		}
	}
}

func signalEvent(state *uint32) {
	storeState(state, 1)
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(state)),
		uintptr(futexWake),
		uintptr(^uint32(0)>>1), // wake every waiter
		0, 0, 0,
	)
}
