package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
)

// Magic number to identify a live handle record
const _handle_magic uint64 = 0x454c444e41485644

// handleRecord is the in-region layout of a device handle
type handleRecord struct {
	magic  uint64
	refs   int64 // Shared by every process holding the handle
	device int64
	offset uint64
	size   uint64
	base   [DescriptorSize]byte
}

func (r *handleRecord) descriptor() Descriptor {
	return Descriptor{
		DeviceID: r.device,
		Base:     r.base,
		Offset:   r.offset,
		Size:     r.size,
	}
}

type importEntry struct {
	base Ptr
	ptr  Ptr
	uses int
}

type manager struct {
	mem    Memory
	driver Driver

	mu       sync.Mutex
	exported map[uint64]struct{}
	imported map[uint64]*importEntry
}

// New returns a device-enabled Manager keeping handle records in mem and
// delegating device work to driver.
func New(mem Memory, driver Driver) Manager {
	return &manager{
		mem:      mem,
		driver:   driver,
		exported: make(map[uint64]struct{}),
		imported: make(map[uint64]*importEntry),
	}
}

func (m *manager) Enabled() bool {
	return true
}

func (m *manager) record(handle uint64) (*handleRecord, error) {
	if handle == 0 {
		return nil, fmt.Errorf("%w: nil offset", ErrInvalidHandle)
	}
	p, err := m.mem.Pointer(handle, uint64(unsafe.Sizeof(handleRecord{})))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	rec := (*handleRecord)(p)
	if atomic.LoadUint64(&rec.magic) != _handle_magic {
		return nil, fmt.Errorf("%w at offset %d", ErrInvalidHandle, handle)
	}
	return rec, nil
}

func (m *manager) Export(ptr Ptr, size uint64) (uint64, error) {
	d, err := m.driver.Export(ptr)
	if err != nil {
		return 0, err
	}
	if size > 0 {
		d.Size = size
	}

	handle, err := m.mem.Allocate(uint64(unsafe.Sizeof(handleRecord{})))
	if err != nil {
		return 0, err
	}
	p, err := m.mem.Pointer(handle, uint64(unsafe.Sizeof(handleRecord{})))
	if err != nil {
		m.mem.Free(handle)
		return 0, err
	}
	rec := (*handleRecord)(p)
	rec.refs = 1
	rec.device = d.DeviceID
	rec.offset = d.Offset
	rec.size = d.Size
	rec.base = d.Base
	atomic.StoreUint64(&rec.magic, _handle_magic)

	m.mu.Lock()
	m.exported[handle] = struct{}{}
	m.mu.Unlock()
	return handle, nil
}

func (m *manager) Import(handle uint64) (Ptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.imported[handle]; ok {
		e.uses++
		return e.ptr, nil
	}

	rec, err := m.record(handle)
	if err != nil {
		return Ptr{}, err
	}
	for {
		n := atomic.LoadInt64(&rec.refs)
		if n <= 0 {
			return Ptr{}, fmt.Errorf("%w: offset %d", ErrReleased, handle)
		}
		if atomic.CompareAndSwapInt64(&rec.refs, n, n+1) {
			break
		}
	}

	d := rec.descriptor()
	base, err := m.driver.OpenHandle(d)
	if err != nil {
		m.drop(handle, rec)
		return Ptr{}, err
	}
	e := &importEntry{base: base, ptr: base.Add(d.Offset), uses: 1}
	m.imported[handle] = e
	return e.ptr, nil
}

func (m *manager) Release(handle uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.imported[handle]; ok {
		if e.uses--; e.uses > 0 {
			return nil
		}
		delete(m.imported, handle)
		rec, err := m.record(handle)
		if err != nil {
			return multierr.Append(err, m.driver.CloseHandle(e.base))
		}
		return multierr.Append(m.driver.CloseHandle(e.base), m.drop(handle, rec))
	}

	if _, ok := m.exported[handle]; ok {
		delete(m.exported, handle)
		rec, err := m.record(handle)
		if err != nil {
			return err
		}
		return m.drop(handle, rec)
	}
	return fmt.Errorf("%w: offset %d", ErrNotHeld, handle)
}

// drop gives up one shared reference, freeing the allocation and the
// handle record with the last one.
func (m *manager) drop(handle uint64, rec *handleRecord) error {
	n := atomic.AddInt64(&rec.refs, -1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		return fmt.Errorf("%w: offset %d", ErrReleased, handle)
	}
	d := rec.descriptor()
	atomic.StoreUint64(&rec.magic, 0)
	return multierr.Append(m.driver.Free(d), m.mem.Free(handle))
}

func (m *manager) Refs(handle uint64) (int64, error) {
	rec, err := m.record(handle)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt64(&rec.refs), nil
}

func (m *manager) Close() error {
	m.mu.Lock()
	held := make([]uint64, 0, len(m.imported)+len(m.exported))
	for h, e := range m.imported {
		e.uses = 1
		held = append(held, h)
	}
	for h := range m.exported {
		if _, dup := m.imported[h]; !dup {
			held = append(held, h)
		}
	}
	m.mu.Unlock()

	var err error
	for _, h := range held {
		err = multierr.Append(err, m.Release(h))
		// A handle both exported and imported here holds two references.
		m.mu.Lock()
		_, stillExported := m.exported[h]
		m.mu.Unlock()
		if stillExported {
			err = multierr.Append(err, m.Release(h))
		}
	}
	return err
}
