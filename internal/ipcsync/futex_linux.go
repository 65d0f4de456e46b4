//go:build linux

package ipcsync

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Non-private futex operations. The private variants hash on the
// process address space and would never match a waiter in the peer.
const (
	_FUTEX_WAIT = 0
	_FUTEX_WAKE = 1
)

// futexWait sleeps while *addr == val.
// A timeout <= 0 waits without bound. Spurious returns are allowed,
// callers always re-check their condition.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for atomic.LoadUint32(addr) == val {
		var tsp uintptr
		var ts unix.Timespec
		if timeout > 0 {
			remain := time.Until(deadline)
			if remain <= 0 {
				return ErrTimeout
			}
			ts = unix.NsecToTimespec(int64(remain))
			tsp = uintptr(unsafe.Pointer(&ts))
		}

		_, _, errno := unix.Syscall6(
			unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)),
			_FUTEX_WAIT,
			uintptr(val),
			tsp,
			0,
			0,
		)
		switch errno {
		case 0, unix.EAGAIN:
			return nil
		case unix.EINTR:
			// Signal delivery; re-check the word and the deadline.
		case unix.ETIMEDOUT:
			return ErrTimeout
		default:
			return fmt.Errorf("ipcsync: futex wait: %w", errno)
		}
	}
	return nil
}

// futexWake wakes up to n waiters sleeping on addr.
func futexWake(addr *uint32, n int) {
	if n <= 0 || n > math.MaxInt32 {
		n = math.MaxInt32
	}
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		_FUTEX_WAKE,
		uintptr(n),
		0,
		0,
		0,
	)
}
