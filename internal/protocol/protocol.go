// Package protocol defines the records the engine and the worker exchange
// through the shared region: queue messages, the IPC control block, the
// health block and the request/response/tensor marshaling structures.
//
// Every record is a fixed layout of 8-byte words addressed by an offset
// from the region base. A record never holds a pointer; references to
// other records are offsets too.
package protocol

import (
	"errors"
	"fmt"
	"unsafe"
)

// Protocol errors
var (
	ErrMalformed   = errors.New("protocol: malformed record")
	ErrBadControl  = errors.New("protocol: not an IPC control block")
	ErrVersion     = errors.New("protocol: unsupported control block version")
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)

// Memory is the view of the shared region the codecs need.
// *shm.Region implements it.
type Memory interface {
	Allocate(n uint64) (uint64, error)
	Free(offset uint64) error
	Pointer(offset, n uint64) (unsafe.Pointer, error)
	Bytes(offset, n uint64) ([]byte, error)
}

// Limits applied while decoding records written by a peer.
const (
	MaxBatch     = 1 << 16
	MaxDims      = 32
	MaxString    = 1 << 24
	MaxTensors   = 1 << 12
	maxListCount = MaxBatch
)

//go:generate go tool stringer -type=MessageKind -trimprefix=Kind
type MessageKind uint64

const (
	// Error: Payload is a string record describing the failure
	KindError MessageKind = 0x00

	// RequestReady: Payload is a RequestBatch
	KindRequestReady MessageKind = 0x01

	// ResponseReady: Payload is a ResponseBatch, ID matches the request
	KindResponseReady MessageKind = 0x02

	// HealthPing: no payload, answered with a HealthPing
	KindHealthPing MessageKind = 0x03

	// Cleanup: ID names a consumed ResponseBatch whose tensors may be freed
	KindCleanup MessageKind = 0x04

	// Shutdown: no payload, answered with a Shutdown
	KindShutdown MessageKind = 0x05

	// 0x06-0x0F: Reserved
)

// Known reports whether k is part of the message taxonomy.
func (k MessageKind) Known() bool {
	return k <= KindShutdown
}

// Message is the decoded form of a queue entry
type Message struct {
	Kind    MessageKind
	ID      uint64 // Correlation id chosen by the engine
	Payload uint64 // Offset of the kind-specific record, 0 if none
	Error   bool
}

func (m Message) String() string {
	return fmt.Sprintf("%s#%d(payload=%d, error=%t)", m.Kind, m.ID, m.Payload, m.Error)
}

// messageRecord is the in-region layout of a Message
type messageRecord struct {
	kind    uint64
	id      uint64
	payload uint64
	flags   uint64
}

const flagError uint64 = 1 << 0

// WriteMessage stores msg in a fresh allocation and returns its offset,
// which is what travels through a queue.
func WriteMessage(m Memory, msg Message) (uint64, error) {
	off, rec, err := alloc[messageRecord](m)
	if err != nil {
		return 0, err
	}
	rec.kind = uint64(msg.Kind)
	rec.id = msg.ID
	rec.payload = msg.Payload
	if msg.Error {
		rec.flags = flagError
	}
	return off, nil
}

// ReadMessage decodes the message at off. The kind is returned as found;
// callers decide what to do with kinds they do not know.
func ReadMessage(m Memory, off uint64) (Message, error) {
	rec, err := view[messageRecord](m, off)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Kind:    MessageKind(rec.kind),
		ID:      rec.id,
		Payload: rec.payload,
		Error:   rec.flags&flagError != 0,
	}, nil
}

// TakeMessage decodes the message at off and frees its record.
func TakeMessage(m Memory, off uint64) (Message, error) {
	msg, err := ReadMessage(m, off)
	if err != nil {
		return msg, err
	}
	return msg, m.Free(off)
}

// view returns the record of type T at off after a bounds check.
func view[T any](m Memory, off uint64) (*T, error) {
	if off == 0 {
		return nil, fmt.Errorf("%w: nil offset", ErrMalformed)
	}
	p, err := m.Pointer(off, uint64(unsafe.Sizeof(*new(T))))
	if err != nil {
		return nil, err
	}
	return (*T)(p), nil
}

// alloc reserves a zeroed record of type T.
func alloc[T any](m Memory) (uint64, *T, error) {
	n := uint64(unsafe.Sizeof(*new(T)))
	off, err := m.Allocate(n)
	if err != nil {
		return 0, nil, err
	}
	p, err := m.Pointer(off, n)
	if err != nil {
		return 0, nil, err
	}
	rec := (*T)(p)
	*rec = *new(T)
	return off, rec, nil
}
