package ipcsync

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// Cond is a process-shared condition variable
// It is a sequence word bumped on every signal; waiters sleep until the
// word moves away from the value they observed while holding the mutex.
type Cond struct {
	seq uint32
}

// CondSize is the number of bytes a Cond occupies in shared memory.
const CondSize = unsafe.Sizeof(Cond{})

// CondAt returns the Cond stored at p.
func CondAt(p unsafe.Pointer) *Cond {
	return (*Cond)(p)
}

// Wait atomically releases m and sleeps until signalled, then reacquires m.
// Wakeups may be spurious; callers loop on their predicate.
func (c *Cond) Wait(m *Mutex) {
	seq := atomic.LoadUint32(&c.seq)
	m.Unlock()
	futexWait(&c.seq, seq, 0)
	m.Lock()
}

// WaitTimeout is Wait bounded by d. It returns false when d elapsed
// without a signal. m is held again on return in both cases.
func (c *Cond) WaitTimeout(m *Mutex, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	seq := atomic.LoadUint32(&c.seq)
	m.Unlock()
	err := futexWait(&c.seq, seq, d)
	m.Lock()
	return err != ErrTimeout
}

// Signal wakes one waiter.
func (c *Cond) Signal() {
	atomic.AddUint32(&c.seq, 1)
	futexWake(&c.seq, 1)
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	atomic.AddUint32(&c.seq, 1)
	futexWake(&c.seq, 0)
}
