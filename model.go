package shmbridge

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gosuda.org/shmbridge/internal/device"
	"gosuda.org/shmbridge/internal/protocol"
)

// ElementType is the element type of a tensor
type ElementType = protocol.ElementType

// Element types
const (
	TypeBOOL   = protocol.TypeBOOL
	TypeUINT8  = protocol.TypeUINT8
	TypeUINT16 = protocol.TypeUINT16
	TypeUINT32 = protocol.TypeUINT32
	TypeUINT64 = protocol.TypeUINT64
	TypeINT8   = protocol.TypeINT8
	TypeINT16  = protocol.TypeINT16
	TypeINT32  = protocol.TypeINT32
	TypeINT64  = protocol.TypeINT64
	TypeFP16   = protocol.TypeFP16
	TypeFP32   = protocol.TypeFP32
	TypeFP64   = protocol.TypeFP64
	TypeBYTES  = protocol.TypeBYTES
	TypeBF16   = protocol.TypeBF16
)

// MemoryKind tells where a tensor payload lives
type MemoryKind = protocol.MemoryKind

// Memory kinds
const (
	MemoryHost   = protocol.MemoryHost
	MemoryDevice = protocol.MemoryDevice
)

// DevicePtr is a process-local device address
type DevicePtr = device.Ptr

// DeviceDriver is the device runtime used for device-resident tensors
type DeviceDriver = device.Driver

// Tensor is a named, typed, shaped payload
// Host tensors carry their bytes in Data. Device tensors carry a device
// address in Device and their size in ByteSize.
type Tensor struct {
	Name     string
	DType    ElementType
	Shape    []int64
	Memory   MemoryKind
	Data     []byte
	Device   DevicePtr
	ByteSize uint64

	handle uint64 // Device handle this tensor was imported from
}

// Size returns the payload size in bytes.
func (t *Tensor) Size() uint64 {
	if t.Memory == MemoryDevice {
		return t.ByteSize
	}
	return uint64(len(t.Data))
}

// Request is one inference request handed to a model
type Request struct {
	ID               string
	CorrelationID    uint64
	Flags            uint64
	Inputs           []Tensor
	RequestedOutputs []string
	Parameters       map[string]any
}

// Input returns the input tensor called name.
func (r *Request) Input(name string) (*Tensor, bool) {
	for i := range r.Inputs {
		if r.Inputs[i].Name == name {
			return &r.Inputs[i], true
		}
	}
	return nil, false
}

// Response is the result of one request. A non-nil Err fails only this
// request.
type Response struct {
	Outputs []Tensor
	Err     error
}

// Output returns the output tensor called name.
func (r *Response) Output(name string) (*Tensor, bool) {
	for i := range r.Outputs {
		if r.Outputs[i].Name == name {
			return &r.Outputs[i], true
		}
	}
	return nil, false
}

// DeviceMemory lets a model allocate and fill device tensors. Memory a
// model allocated but never returned in a response must be deallocated
// by the model.
type DeviceMemory interface {
	Allocate(device int64, n uint64) (DevicePtr, error)
	Bytes(p DevicePtr, n uint64) ([]byte, error)
	Deallocate(p DevicePtr) error
}

// ModelConfig is what a hosted model learns about its deployment
type ModelConfig struct {
	Path               string
	Version            string
	InstanceName       string
	RuntimeInstallPath string
	Device             DeviceMemory // nil without device memory
}

// Model is the capability the bridge hosts.
// Execute returns exactly one response per request, in request order.
// An error from Execute fails the whole batch.
type Model interface {
	Initialize(ctx context.Context, cfg ModelConfig) error
	Execute(ctx context.Context, requests []*Request) ([]*Response, error)
	Finalize(ctx context.Context) error
}

// Loader creates the model named by cfg.
type Loader func(cfg ModelConfig) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Model)
)

// Register makes a model constructor available under name.
func Register(name string, factory func() Model) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("shmbridge: Register called twice for model " + name)
	}
	registry[name] = factory
}

// Models returns the registered model names, sorted.
func Models() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryLoader resolves the last element of the model path, without
// extension, against the registered models.
func RegistryLoader(cfg ModelConfig) (Model, error) {
	name := strings.TrimSuffix(filepath.Base(cfg.Path), filepath.Ext(cfg.Path))
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoModel, name)
	}
	return factory(), nil
}
