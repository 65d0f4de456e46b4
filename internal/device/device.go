// Package device hands device-resident memory across the process
// boundary without copying it through host memory.
//
// A Manager is either host-only, where every operation fails with
// ErrUnsupported, or device-enabled on top of a Driver. The exporter
// writes a handle record into the shared region; the importer opens it
// once per process. The handle carries a reference count shared by both
// processes and the underlying allocation is freed when it drops to zero.
package device

import (
	"errors"
	"unsafe"
)

// Device errors
var (
	ErrUnsupported   = errors.New("device: device memory not supported")
	ErrInvalidHandle = errors.New("device: invalid device handle")
	ErrReleased      = errors.New("device: device handle already released")
	ErrNotHeld       = errors.New("device: handle not held by this process")
	ErrUnknownBuffer = errors.New("device: pointer not owned by this driver")
)

// DescriptorSize is the size of the opaque base descriptor
const DescriptorSize = 64

// Ptr is a process-local device address. Its meaning belongs to the
// driver that produced it.
type Ptr struct {
	Device int64
	Addr   uint64
}

// Add returns p moved by n bytes.
func (p Ptr) Add(n uint64) Ptr {
	return Ptr{Device: p.Device, Addr: p.Addr + n}
}

// Descriptor identifies an exported allocation independently of any
// process: the device, an opaque driver handle for the base allocation,
// and the byte range inside it.
type Descriptor struct {
	DeviceID int64
	Base     [DescriptorSize]byte
	Offset   uint64
	Size     uint64
}

// Driver is the device runtime the device-enabled manager delegates to.
type Driver interface {
	// Export describes the allocation containing ptr.
	Export(ptr Ptr) (Descriptor, error)
	// OpenHandle maps the base allocation of d in this process.
	OpenHandle(d Descriptor) (Ptr, error)
	// CloseHandle unmaps a base opened by OpenHandle.
	CloseHandle(base Ptr) error
	// Free releases the allocation d refers to.
	Free(d Descriptor) error
}

// Memory is the part of the shared region handle records live in.
type Memory interface {
	Allocate(n uint64) (uint64, error)
	Free(offset uint64) error
	Pointer(offset, n uint64) (unsafe.Pointer, error)
}

// Manager exports and imports device handles.
type Manager interface {
	// Enabled reports whether device memory is supported.
	Enabled() bool
	// Export publishes size bytes at ptr and returns the handle offset.
	// The caller holds one reference.
	Export(ptr Ptr, size uint64) (uint64, error)
	// Import returns a local pointer for the handle. The first import in
	// a process takes a shared reference; later imports reuse it.
	Import(handle uint64) (Ptr, error)
	// Release drops one local use of the handle. When the process no
	// longer uses it, its shared reference is dropped, and the last
	// shared reference frees the allocation.
	Release(handle uint64) error
	// Refs returns the shared reference count of the handle.
	Refs(handle uint64) (int64, error)
	// Close drops every reference this process still holds.
	Close() error
}

type hostOnly struct{}

// NewHostOnly returns a Manager for builds without device memory.
func NewHostOnly() Manager {
	return hostOnly{}
}

func (hostOnly) Enabled() bool { return false }
func (hostOnly) Export(Ptr, uint64) (uint64, error) { return 0, ErrUnsupported }
func (hostOnly) Import(uint64) (Ptr, error) { return Ptr{}, ErrUnsupported }
func (hostOnly) Release(uint64) error { return ErrUnsupported }
func (hostOnly) Refs(uint64) (int64, error) { return 0, ErrUnsupported }
func (hostOnly) Close() error { return nil }
