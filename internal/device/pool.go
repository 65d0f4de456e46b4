//go:build unix

package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"gosuda.org/shmbridge/internal/shm"
)

// PoolDriver simulates device memory with one named shared region per
// device id. Device addresses are offsets inside the device pool, so a
// descriptor names the pool and the base allocation and any process can
// open it. It lets the full hand-off path run without an accelerator.
type PoolDriver struct {
	prefix string
	opts   shm.Options

	mu     sync.Mutex
	pools  map[int64]*shm.Region
	allocs map[int64][]span // Sorted by base, allocations made here
}

type span struct {
	base uint64
	size uint64
}

// NewPoolDriver returns a driver whose pools are named prefix-dev<id>.
func NewPoolDriver(prefix string, opts shm.Options) *PoolDriver {
	return &PoolDriver{
		prefix: prefix,
		opts:   opts,
		pools:  make(map[int64]*shm.Region),
		allocs: make(map[int64][]span),
	}
}

// PoolName returns the region name backing device id
func (d *PoolDriver) PoolName(device int64) string {
	return fmt.Sprintf("%s-dev%d", d.prefix, device)
}

// pool returns the mapped pool for device, attaching or creating it.
// Called with d.mu held.
func (d *PoolDriver) pool(device int64) (*shm.Region, error) {
	if r, ok := d.pools[device]; ok {
		return r, nil
	}
	name := d.PoolName(device)
	r, err := shm.Attach(name)
	if errors.Is(err, shm.ErrRegionNotFound) {
		r, err = shm.Create(name, d.opts)
		if errors.Is(err, shm.ErrAlreadyExists) {
			r, err = shm.Attach(name)
		}
	}
	if err != nil {
		return nil, err
	}
	d.pools[device] = r
	return r, nil
}

// Allocate reserves n bytes of device memory.
func (d *PoolDriver) Allocate(device int64, n uint64) (Ptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, err := d.pool(device)
	if err != nil {
		return Ptr{}, err
	}
	off, err := r.Allocate(n)
	if err != nil {
		return Ptr{}, err
	}
	spans := d.allocs[device]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].base > off })
	spans = append(spans, span{})
	copy(spans[i+1:], spans[i:])
	spans[i] = span{base: off, size: n}
	d.allocs[device] = spans
	return Ptr{Device: device, Addr: off}, nil
}

// Bytes returns a host view of n bytes of device memory at p. Real
// devices have no such view; the pool exists so tests and reference
// models can fill and inspect device tensors.
func (d *PoolDriver) Bytes(p Ptr, n uint64) ([]byte, error) {
	d.mu.Lock()
	r, err := d.pool(p.Device)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.Bytes(p.Addr, n)
}

func (d *PoolDriver) Export(ptr Ptr) (Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	spans := d.allocs[ptr.Device]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].base > ptr.Addr }) - 1
	if i < 0 || ptr.Addr >= spans[i].base+spans[i].size {
		return Descriptor{}, fmt.Errorf("%w: device %d address %d", ErrUnknownBuffer, ptr.Device, ptr.Addr)
	}
	s := spans[i]

	var desc Descriptor
	desc.DeviceID = ptr.Device
	name := d.PoolName(ptr.Device)
	if len(name) > DescriptorSize-8 {
		return Descriptor{}, fmt.Errorf("device: pool name %q too long", name)
	}
	binary.LittleEndian.PutUint64(desc.Base[:8], s.base)
	copy(desc.Base[8:], name)
	desc.Offset = ptr.Addr - s.base
	desc.Size = s.size - desc.Offset
	return desc, nil
}

func (d *PoolDriver) OpenHandle(desc Descriptor) (Ptr, error) {
	base, name := decodeBase(desc)
	if name != d.PoolName(desc.DeviceID) {
		return Ptr{}, fmt.Errorf("%w: descriptor for pool %q", ErrInvalidHandle, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.pool(desc.DeviceID)
	if err != nil {
		return Ptr{}, err
	}
	if _, err := r.Pointer(base, desc.Offset+desc.Size); err != nil {
		return Ptr{}, fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}
	return Ptr{Device: desc.DeviceID, Addr: base}, nil
}

// CloseHandle keeps the pool mapped; pools are unmapped by Close.
func (d *PoolDriver) CloseHandle(base Ptr) error {
	return nil
}

func (d *PoolDriver) Free(desc Descriptor) error {
	base, _ := decodeBase(desc)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.free(desc.DeviceID, base)
}

// Deallocate frees memory returned by Allocate on this driver that was
// never exported. Exported memory is freed when its handle is released.
func (d *PoolDriver) Deallocate(p Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	spans := d.allocs[p.Device]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].base >= p.Addr })
	if i == len(spans) || spans[i].base != p.Addr {
		return fmt.Errorf("%w: device %d address %d", ErrUnknownBuffer, p.Device, p.Addr)
	}
	return d.free(p.Device, p.Addr)
}

// free releases the allocation at base of device. Called with d.mu held.
func (d *PoolDriver) free(device int64, base uint64) error {
	r, err := d.pool(device)
	if err != nil {
		return err
	}
	spans := d.allocs[device]
	for i := range spans {
		if spans[i].base == base {
			d.allocs[device] = append(spans[:i], spans[i+1:]...)
			break
		}
	}
	return r.Free(base)
}

// Close unmaps every pool, removing the ones this driver created.
func (d *PoolDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	for id, r := range d.pools {
		owner := r.Owner()
		err = multierr.Append(err, r.Close())
		if owner {
			err = multierr.Append(err, shm.Remove(r.Name()))
		}
		delete(d.pools, id)
	}
	return err
}

func decodeBase(desc Descriptor) (uint64, string) {
	base := binary.LittleEndian.Uint64(desc.Base[:8])
	name := desc.Base[8:]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return base, string(name[:n])
}
