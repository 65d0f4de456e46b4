package protocol

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/multierr"
)

// Writer encodes records into a region and remembers every allocation it
// made, so that the owner can free them together once the peer is done
// with them, or roll back a half-written structure.
type Writer struct {
	m      Memory
	allocs []uint64
}

// NewWriter returns a Writer allocating from m
func NewWriter(m Memory) *Writer {
	return &Writer{m: m}
}

// Memory returns the region the writer allocates from
func (w *Writer) Memory() Memory {
	return w.m
}

// Allocations returns the offsets allocated so far, in order.
func (w *Writer) Allocations() []uint64 {
	return w.allocs
}

// Forget drops the allocation list without freeing anything; ownership
// moved elsewhere.
func (w *Writer) Forget() []uint64 {
	allocs := w.allocs
	w.allocs = nil
	return allocs
}

// Rollback frees every allocation made through w.
func (w *Writer) Rollback() error {
	var err error
	for i := len(w.allocs) - 1; i >= 0; i-- {
		err = multierr.Append(err, w.m.Free(w.allocs[i]))
	}
	w.allocs = nil
	return err
}

func (w *Writer) alloc(n uint64) (uint64, []byte, error) {
	off, err := w.m.Allocate(n)
	if err != nil {
		return 0, nil, err
	}
	w.allocs = append(w.allocs, off)
	buf, err := w.m.Bytes(off, n)
	if err != nil {
		return 0, nil, err
	}
	clear(buf)
	return off, buf, nil
}

func allocRecord[T any](w *Writer) (uint64, *T, error) {
	off, rec, err := alloc[T](w.m)
	if err != nil {
		return 0, nil, err
	}
	w.allocs = append(w.allocs, off)
	return off, rec, nil
}

// WriteBytes copies b into a fresh allocation and returns its offset.
// An empty b yields offset 0.
func (w *Writer) WriteBytes(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	off, buf, err := w.alloc(uint64(len(b)))
	if err != nil {
		return 0, err
	}
	copy(buf, b)
	return off, nil
}

// WriteString stores s as a length-prefixed record. The empty string is
// offset 0.
func (w *Writer) WriteString(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	if len(s) > MaxString {
		return 0, fmt.Errorf("%w: string of %d bytes", ErrMalformed, len(s))
	}
	off, buf, err := w.alloc(8 + uint64(len(s)))
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint64(buf, uint64(len(s)))
	copy(buf[8:], s)
	return off, nil
}

// ReadString decodes a string record. Offset 0 is the empty string.
func ReadString(m Memory, off uint64) (string, error) {
	if off == 0 {
		return "", nil
	}
	head, err := m.Bytes(off, 8)
	if err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint64(head)
	if n > MaxString {
		return "", fmt.Errorf("%w: string of %d bytes", ErrMalformed, n)
	}
	body, err := m.Bytes(off+8, n)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// WriteOffsets stores an ordered offset list as {count, items...}.
func (w *Writer) WriteOffsets(list []uint64) (uint64, error) {
	off, buf, err := w.alloc(8 + 8*uint64(len(list)))
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint64(buf, uint64(len(list)))
	for i, v := range list {
		binary.LittleEndian.PutUint64(buf[8+8*i:], v)
	}
	return off, nil
}

// ReadOffsets decodes an offset list holding at most limit entries.
// Offset 0 is the empty list.
func ReadOffsets(m Memory, off uint64, limit int) ([]uint64, error) {
	if off == 0 {
		return nil, nil
	}
	head, err := m.Bytes(off, 8)
	if err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(head)
	if n > uint64(limit) {
		return nil, fmt.Errorf("%w: list of %d entries", ErrMalformed, n)
	}
	if n == 0 {
		return nil, nil
	}
	raw, err := m.Bytes(off+8, 8*n)
	if err != nil {
		return nil, err
	}
	list := make([]uint64, n)
	for i := range list {
		list[i] = binary.LittleEndian.Uint64(raw[8*i:])
	}
	return list, nil
}
