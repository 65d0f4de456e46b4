// Package ipcsync provides a mutex and a condition variable that live in
// shared memory and synchronize goroutines in different processes.
//
// Both types are plain words, valid at their zero value, and must not be
// copied after first use. They are placed inside a mapped region by
// converting a region pointer, never allocated on the Go heap when used
// across processes.
package ipcsync

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"
)

// ErrTimeout is returned when a bounded wait elapses.
var ErrTimeout = errors.New("ipcsync: wait timed out")

// Mutex states.
const (
	unlocked  uint32 = 0
	locked    uint32 = 1
	contended uint32 = 2
)

// Mutex is a process-shared mutual exclusion lock
// The word is 0 when unlocked, 1 when held, 2 when held with sleepers.
type Mutex struct {
	state uint32
}

// MutexSize is the number of bytes a Mutex occupies in shared memory.
const MutexSize = unsafe.Sizeof(Mutex{})

// MutexAt returns the Mutex stored at p.
func MutexAt(p unsafe.Pointer) *Mutex {
	return (*Mutex)(p)
}

// Lock acquires m, sleeping in the kernel while another holder has it.
func (m *Mutex) Lock() {
	if atomic.CompareAndSwapUint32(&m.state, unlocked, locked) {
		return
	}
	for atomic.SwapUint32(&m.state, contended) != unlocked {
		futexWait(&m.state, contended, 0)
	}
}

// LockTimeout is Lock bounded by d. It reports whether m was acquired.
// A peer that died while holding m never releases it, so callers that
// must stay responsive use this instead of Lock.
func (m *Mutex) LockTimeout(d time.Duration) bool {
	if atomic.CompareAndSwapUint32(&m.state, unlocked, locked) {
		return true
	}
	deadline := time.Now().Add(d)
	for atomic.SwapUint32(&m.state, contended) != unlocked {
		remain := time.Until(deadline)
		if remain <= 0 {
			return false
		}
		futexWait(&m.state, contended, remain)
	}
	return true
}

// TryLock acquires m only if it is free.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, unlocked, locked)
}

// Unlock releases m and wakes one sleeper if there was contention.
func (m *Mutex) Unlock() {
	switch atomic.SwapUint32(&m.state, unlocked) {
	case unlocked:
		panic("ipcsync: unlock of unlocked mutex")
	case contended:
		futexWake(&m.state, 1)
	}
}
