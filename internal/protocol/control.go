package protocol

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/shmbridge/internal/ipcsync"
)

// ControlVersion is the control block layout written by this package
const ControlVersion uint64 = 1

// Magic number to identify an initialized control block
const _control_magic uint64 = 0x4b4c42434f435049

// ControlSize is the size of the control block record
const ControlSize = 128

// ControlBlock is the rendez-vous record both processes find at a fixed
// offset. The engine fills it before the worker attaches; afterwards only
// the flag words change.
type ControlBlock struct {
	magic    uint64
	version  uint64
	toWorker uint64 // Offset of the engine→worker queue
	toEngine uint64 // Offset of the worker→engine queue
	health   uint64 // Offset of the HealthBlock
	capacity uint64 // Slots per queue
	engine   uint64 // Engine process id
	worker   uint64 // Worker process id, 0 until ready
	shutdown uint32 // Set by the engine to stop an idle worker
	ready    uint32 // Set by the worker once initialized
	_        [ControlSize - 8*8 - 2*4]byte
}

var _ [unsafe.Sizeof(ControlBlock{}) - ControlSize]struct{}
var _ [ControlSize - unsafe.Sizeof(ControlBlock{})]struct{}

// ControlLayout carries the offsets the engine publishes.
type ControlLayout struct {
	ToWorker  uint64
	ToEngine  uint64
	Health    uint64
	Capacity  uint64
	EnginePID uint64
}

// InitControl writes a control block at off.
func InitControl(m Memory, off uint64, layout ControlLayout) (*ControlBlock, error) {
	cb, err := view[ControlBlock](m, off)
	if err != nil {
		return nil, err
	}
	*cb = ControlBlock{}
	cb.version = ControlVersion
	cb.toWorker = layout.ToWorker
	cb.toEngine = layout.ToEngine
	cb.health = layout.Health
	cb.capacity = layout.Capacity
	cb.engine = layout.EnginePID
	atomic.StoreUint64(&cb.magic, _control_magic)
	return cb, nil
}

// OpenControl validates and returns the control block at off.
func OpenControl(m Memory, off uint64) (*ControlBlock, error) {
	cb, err := view[ControlBlock](m, off)
	if err != nil {
		return nil, err
	}
	if atomic.LoadUint64(&cb.magic) != _control_magic {
		return nil, fmt.Errorf("%w at offset %d", ErrBadControl, off)
	}
	if cb.version != ControlVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, cb.version)
	}
	return cb, nil
}

// Layout returns the offsets published by the engine
func (cb *ControlBlock) Layout() ControlLayout {
	return ControlLayout{
		ToWorker:  cb.toWorker,
		ToEngine:  cb.toEngine,
		Health:    cb.health,
		Capacity:  cb.capacity,
		EnginePID: cb.engine,
	}
}

// Version returns the layout version stored in the block
func (cb *ControlBlock) Version() uint64 {
	return cb.version
}

// RequestShutdown raises the auxiliary shutdown flag
func (cb *ControlBlock) RequestShutdown() {
	atomic.StoreUint32(&cb.shutdown, 1)
}

// ShutdownRequested reports whether the engine raised the shutdown flag
func (cb *ControlBlock) ShutdownRequested() bool {
	return atomic.LoadUint32(&cb.shutdown) != 0
}

// ClearShutdown lowers the shutdown flag before a replacement worker starts
func (cb *ControlBlock) ClearShutdown() {
	atomic.StoreUint32(&cb.shutdown, 0)
}

// MarkReady records the worker pid and announces readiness
func (cb *ControlBlock) MarkReady(pid uint64) {
	atomic.StoreUint64(&cb.worker, pid)
	atomic.StoreUint32(&cb.ready, 1)
}

// ClearReady withdraws readiness, e.g. after the worker finalized
func (cb *ControlBlock) ClearReady() {
	atomic.StoreUint32(&cb.ready, 0)
}

// Ready reports whether a worker announced readiness
func (cb *ControlBlock) Ready() bool {
	return atomic.LoadUint32(&cb.ready) != 0
}

// WorkerPID returns the pid recorded by MarkReady
func (cb *ControlBlock) WorkerPID() uint64 {
	return atomic.LoadUint64(&cb.worker)
}

// HealthBlock holds the worker heartbeat under its own mutex
type HealthBlock struct {
	mu        ipcsync.Mutex
	flag      uint32
	heartbeat int64  // Unix nanoseconds of the last update
	beats     uint64 // Number of updates since creation
}

// Health is a snapshot of a HealthBlock
type Health struct {
	Healthy bool
	Last    time.Time
	Beats   uint64
}

// Age returns how long ago the last heartbeat happened.
func (h Health) Age(now time.Time) time.Duration {
	if h.Last.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(h.Last)
}

// NewHealth allocates a zeroed health block and returns its offset.
func NewHealth(m Memory) (uint64, *HealthBlock, error) {
	return alloc[HealthBlock](m)
}

// OpenHealth returns the health block at off.
func OpenHealth(m Memory, off uint64) (*HealthBlock, error) {
	return view[HealthBlock](m, off)
}

// Beat sets the flag and stamps the heartbeat time.
func (hb *HealthBlock) Beat(now time.Time) {
	hb.mu.Lock()
	hb.flag = 1
	hb.heartbeat = now.UnixNano()
	hb.beats++
	hb.mu.Unlock()
}

// Clear drops the flag, leaving the timestamp.
func (hb *HealthBlock) Clear() {
	hb.mu.Lock()
	hb.flag = 0
	hb.mu.Unlock()
}

// Snapshot reads the block. ok is false when the mutex could not be taken
// within wait, which a supervisor treats as a stalled peer.
func (hb *HealthBlock) Snapshot(wait time.Duration) (h Health, ok bool) {
	if !hb.mu.LockTimeout(wait) {
		return h, false
	}
	h.Healthy = hb.flag != 0
	if hb.heartbeat != 0 {
		h.Last = time.Unix(0, hb.heartbeat)
	}
	h.Beats = hb.beats
	hb.mu.Unlock()
	return h, true
}
