// Package mq implements the bounded FIFO message queue that lives in the
// shared region. One process produces, the other consumes; the queue
// header carries its own process-shared mutex and the not-full and
// not-empty conditions, so either side may block in the kernel instead
// of polling.
package mq

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/shmbridge/internal/ipcsync"
)

// Queue errors
var (
	ErrCapacity = errors.New("mq: capacity must be positive")
	ErrAlign    = errors.New("mq: queue memory not 8-byte aligned")
)

// Magic number to identify initialized queues
const _mq_magic uint64 = 0x7a1c93e4d05bb612

// _mqflag represents initialization flags for the queue
type _mqflag uint64

const (
	_mq_reserved = _mqflag(1) << iota // Reserved flag for future use
	_mq_init                          // Queue is initialized flag
)

// HeaderSize is the size of the queue header preceding the slot array
const HeaderSize = 64

// _mqueue represents the header structure for the queue
// head and tail are monotonic counters; the slot index is counter % cap.
type _mqueue struct {
	_magic   uint64        // Magic number for initialization detection
	_cap     uint64        // Number of slots
	_flag    uint64        // Initialization flags
	head     uint64        // Next message to dequeue
	tail     uint64        // Next free slot to enqueue into
	mu       ipcsync.Mutex // Guards head, tail and the slots
	notFull  ipcsync.Cond  // Signalled after every dequeue
	notEmpty ipcsync.Cond  // Signalled after every enqueue
	_        [HeaderSize - 5*8 - ipcsync.MutexSize - 2*ipcsync.CondSize]byte
}

var _ [unsafe.Sizeof(_mqueue{}) - HeaderSize]struct{}
var _ [HeaderSize - unsafe.Sizeof(_mqueue{})]struct{}

// Queue is one process's handle on a shared queue of T
// T must be a fixed-size value without Go pointers; the bridge uses
// region offsets.
type Queue[T any] struct {
	_cap  uint64
	_head *_mqueue
	_data unsafe.Pointer
}

// Size calculates the memory a queue of capacity slots needs
func Size[T any](capacity uint64) uint64 {
	return HeaderSize + uint64(unsafe.Sizeof(*new(T)))*capacity
}

// Init initializes a new queue at p
// Returns true if initialization was successful, false if p already holds
// an initialized queue.
//
// The memory layout is:
//
//	[Header (64 bytes)][capacity × T]
func Init[T any](p unsafe.Pointer, capacity uint64) (bool, error) {
	if capacity == 0 {
		return false, ErrCapacity
	}
	if uintptr(p)%8 != 0 {
		return false, ErrAlign
	}
	_q := (*_mqueue)(p)

	magic := atomic.LoadUint64(&_q._magic)
	if magic == _mq_magic {
		return false, nil
	}
	if !atomic.CompareAndSwapUint64(&_q._magic, magic, _mq_magic) {
		return false, nil
	}

	_q._cap = capacity
	_q.head = 0
	_q.tail = 0
	_q.mu = ipcsync.Mutex{}
	_q.notFull = ipcsync.Cond{}
	_q.notEmpty = ipcsync.Cond{}

	data := unsafe.Add(p, HeaderSize)
	for i := uint64(0); i < capacity; i++ {
		*(*T)(unsafe.Add(data, uintptr(i)*unsafe.Sizeof(*new(T)))) = *new(T)
	}

	atomic.StoreUint64(&_q._flag, uint64(_mq_init))
	return true, nil
}

// Attach returns a handle on the queue at p, waiting for a peer to
// initialize it.
//
// Parameters:
//   - p: Address of the queue header in the local mapping
//   - timeout: Maximum time to wait for initialization (0 = wait forever)
//
// Returns nil if the timeout elapses first
func Attach[T any](p unsafe.Pointer, timeout time.Duration) *Queue[T] {
	_tt := time.Now()
	_q := (*_mqueue)(p)

	for {
		magic := atomic.LoadUint64(&_q._magic)
		flag := atomic.LoadUint64(&_q._flag)
		if magic == _mq_magic && flag&uint64(_mq_init) != 0 {
			return &Queue[T]{
				_cap:  _q._cap,
				_head: _q,
				_data: unsafe.Add(p, HeaderSize),
			}
		}

		if timeout > 0 && time.Since(_tt) >= timeout {
			return nil
		}
		runtime.Gosched()
	}
}

// Cap returns the number of slots
func (q *Queue[T]) Cap() uint64 {
	return q._cap
}

// Len returns the current occupancy
func (q *Queue[T]) Len() uint64 {
	q._head.mu.Lock()
	n := q._head.tail - q._head.head
	q._head.mu.Unlock()
	return n
}

// Push enqueues elem at the tail, blocking while the queue is full.
func (q *Queue[T]) Push(elem T) {
	h := q._head
	h.mu.Lock()
	for h.tail-h.head == q._cap {
		h.notFull.Wait(&h.mu)
	}
	q.put(elem)
	h.mu.Unlock()
}

// PushTimeout is Push bounded by d. It reports whether elem was enqueued.
func (q *Queue[T]) PushTimeout(elem T, d time.Duration) bool {
	deadline := time.Now().Add(d)
	h := q._head
	h.mu.Lock()
	for h.tail-h.head == q._cap {
		remain := time.Until(deadline)
		if remain <= 0 {
			h.mu.Unlock()
			return false
		}
		h.notFull.WaitTimeout(&h.mu, remain)
	}
	q.put(elem)
	h.mu.Unlock()
	return true
}

// PushContext is Push abandoned when ctx ends.
func (q *Queue[T]) PushContext(ctx context.Context, elem T) error {
	h := q._head
	h.mu.Lock()
	for h.tail-h.head == q._cap {
		if err := ctx.Err(); err != nil {
			h.mu.Unlock()
			return err
		}
		h.notFull.WaitTimeout(&h.mu, ctxSlice(ctx))
	}
	q.put(elem)
	h.mu.Unlock()
	return nil
}

// Pop dequeues the element at the head, blocking while the queue is empty.
func (q *Queue[T]) Pop() T {
	h := q._head
	h.mu.Lock()
	for h.tail == h.head {
		h.notEmpty.Wait(&h.mu)
	}
	elem := q.take()
	h.mu.Unlock()
	return elem
}

// PopTimeout is Pop bounded by d. ok is false if d elapsed on an empty
// queue.
func (q *Queue[T]) PopTimeout(d time.Duration) (elem T, ok bool) {
	deadline := time.Now().Add(d)
	h := q._head
	h.mu.Lock()
	for h.tail == h.head {
		remain := time.Until(deadline)
		if remain <= 0 {
			h.mu.Unlock()
			return elem, false
		}
		h.notEmpty.WaitTimeout(&h.mu, remain)
	}
	elem = q.take()
	h.mu.Unlock()
	return elem, true
}

// PopContext is Pop abandoned when ctx ends.
func (q *Queue[T]) PopContext(ctx context.Context) (elem T, err error) {
	h := q._head
	h.mu.Lock()
	for h.tail == h.head {
		if err = ctx.Err(); err != nil {
			h.mu.Unlock()
			return elem, err
		}
		h.notEmpty.WaitTimeout(&h.mu, ctxSlice(ctx))
	}
	elem = q.take()
	h.mu.Unlock()
	return elem, nil
}

// TryPop dequeues without blocking. On an empty queue it returns
// immediately and signals nothing.
func (q *Queue[T]) TryPop() (elem T, ok bool) {
	h := q._head
	h.mu.Lock()
	if h.tail == h.head {
		h.mu.Unlock()
		return elem, false
	}
	elem = q.take()
	h.mu.Unlock()
	return elem, true
}

// put stores elem at the tail. Called with the queue mutex held.
func (q *Queue[T]) put(elem T) {
	h := q._head
	*q.slot(h.tail) = elem
	h.tail++
	h.notEmpty.Signal()
}

// take removes the head element. Called with the queue mutex held.
func (q *Queue[T]) take() T {
	h := q._head
	s := q.slot(h.head)
	elem := *s
	*s = *new(T)
	h.head++
	h.notFull.Signal()
	return elem
}

func (q *Queue[T]) slot(counter uint64) *T {
	return (*T)(unsafe.Add(q._data, uintptr(counter%q._cap)*unsafe.Sizeof(*new(T))))
}

// ctxSlice bounds one condition wait so ctx is re-checked regularly.
func ctxSlice(ctx context.Context) time.Duration {
	const slice = 10 * time.Millisecond
	if dl, ok := ctx.Deadline(); ok {
		if remain := time.Until(dl); remain < slice {
			if remain <= 0 {
				return time.Microsecond
			}
			return remain
		}
	}
	return slice
}
