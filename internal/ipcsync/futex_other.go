//go:build !linux

package ipcsync

import (
	"runtime"
	"sync/atomic"
	"time"
)

// futexWait polls *addr until it differs from val. Platforms without a
// futex fall back to yielding; correctness is unchanged, latency is not.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for spins := 0; atomic.LoadUint32(addr) == val; spins++ {
		if timeout > 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
		if spins < 64 {
			runtime.Gosched()
			continue
		}
		time.Sleep(50 * time.Microsecond)
	}
	return nil
}

func futexWake(addr *uint32, n int) {}
