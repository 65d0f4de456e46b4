package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

//go:generate go tool stringer -type=ElementType -trimprefix=Type
type ElementType uint64

const (
	TypeInvalid ElementType = iota
	TypeBOOL
	TypeUINT8
	TypeUINT16
	TypeUINT32
	TypeUINT64
	TypeINT8
	TypeINT16
	TypeINT32
	TypeINT64
	TypeFP16
	TypeFP32
	TypeFP64
	TypeBYTES
	TypeBF16
)

var elementSizes = [...]uint64{
	TypeInvalid: 0,
	TypeBOOL:    1,
	TypeUINT8:   1,
	TypeUINT16:  2,
	TypeUINT32:  4,
	TypeUINT64:  8,
	TypeINT8:    1,
	TypeINT16:   2,
	TypeINT32:   4,
	TypeINT64:   8,
	TypeFP16:    2,
	TypeFP32:    4,
	TypeFP64:    8,
	TypeBYTES:   0,
	TypeBF16:    2,
}

// Size returns the byte width of one element, 0 for BYTES and invalid
// types.
func (t ElementType) Size() uint64 {
	if t >= ElementType(len(elementSizes)) {
		return 0
	}
	return elementSizes[t]
}

// Valid reports whether t is a known, usable element type.
func (t ElementType) Valid() bool {
	return t > TypeInvalid && t <= TypeBF16
}

// ParseElementType maps a name such as "FP32" back to its type.
func ParseElementType(name string) (ElementType, bool) {
	for t := TypeBOOL; t <= TypeBF16; t++ {
		if t.String() == name {
			return t, true
		}
	}
	return TypeInvalid, false
}

//go:generate go tool stringer -type=MemoryKind -trimprefix=Memory
type MemoryKind uint64

const (
	MemoryHost MemoryKind = iota
	MemoryDevice
)

// ElementCount returns the product of shape, or -1 if a dimension is
// negative or the product overflows.
func ElementCount(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		if d != 0 && n > math.MaxInt64/d {
			return -1
		}
		n *= d
	}
	return n
}

// TensorDesc is the decoded form of a tensor record
// For host tensors Data is the offset of ByteSize payload bytes; for
// device tensors it is the offset of a device handle record.
type TensorDesc struct {
	Name     string
	DType    ElementType
	Shape    []int64
	Memory   MemoryKind
	Data     uint64
	ByteSize uint64
	DeviceID int64
}

// tensorRecord is the in-region layout of a tensor
type tensorRecord struct {
	name     uint64 // String record
	dtype    uint64
	memory   uint64
	dims     uint64
	shape    uint64 // Offset of dims × int64
	data     uint64
	byteSize uint64
	deviceID int64
}

// Validate checks the descriptor for internal consistency.
func (d *TensorDesc) Validate() error {
	if !d.DType.Valid() {
		return fmt.Errorf("%w: tensor %q has element type %d", ErrMalformed, d.Name, uint64(d.DType))
	}
	if d.Memory != MemoryHost && d.Memory != MemoryDevice {
		return fmt.Errorf("%w: tensor %q has memory kind %d", ErrMalformed, d.Name, uint64(d.Memory))
	}
	if len(d.Shape) > MaxDims {
		return fmt.Errorf("%w: tensor %q has %d dims", ErrMalformed, d.Name, len(d.Shape))
	}
	count := ElementCount(d.Shape)
	if count < 0 {
		return fmt.Errorf("%w: tensor %q has shape %v", ErrMalformed, d.Name, d.Shape)
	}
	if size := d.DType.Size(); size != 0 {
		if uint64(count) > math.MaxUint64/size || uint64(count)*size != d.ByteSize {
			return fmt.Errorf("%w: tensor %q: %d bytes for shape %v of %s", ErrMalformed, d.Name, d.ByteSize, d.Shape, d.DType)
		}
	}
	return nil
}

// WriteTensor stores the descriptor (not the payload, which d.Data
// already references) and returns the record offset.
func (w *Writer) WriteTensor(d TensorDesc) (uint64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	name, err := w.WriteString(d.Name)
	if err != nil {
		return 0, err
	}
	var shape uint64
	if len(d.Shape) > 0 {
		n := uint64(len(d.Shape)) * 8
		off, buf, err := w.alloc(n)
		if err != nil {
			return 0, err
		}
		for i, dim := range d.Shape {
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(dim))
		}
		shape = off
	}
	off, rec, err := allocRecord[tensorRecord](w)
	if err != nil {
		return 0, err
	}
	rec.name = name
	rec.dtype = uint64(d.DType)
	rec.memory = uint64(d.Memory)
	rec.dims = uint64(len(d.Shape))
	rec.shape = shape
	rec.data = d.Data
	rec.byteSize = d.ByteSize
	rec.deviceID = d.DeviceID
	return off, nil
}

// ReadTensor decodes and validates the tensor record at off. For host
// tensors the payload range is checked against the region as well.
func ReadTensor(m Memory, off uint64) (TensorDesc, error) {
	rec, err := view[tensorRecord](m, off)
	if err != nil {
		return TensorDesc{}, err
	}
	d := TensorDesc{
		DType:    ElementType(rec.dtype),
		Memory:   MemoryKind(rec.memory),
		Data:     rec.data,
		ByteSize: rec.byteSize,
		DeviceID: rec.deviceID,
	}
	if d.Name, err = ReadString(m, rec.name); err != nil {
		return d, err
	}
	if rec.dims > MaxDims {
		return d, fmt.Errorf("%w: tensor %q has %d dims", ErrMalformed, d.Name, rec.dims)
	}
	if rec.dims > 0 {
		raw, err := m.Bytes(rec.shape, rec.dims*8)
		if err != nil {
			return d, err
		}
		d.Shape = make([]int64, rec.dims)
		for i := range d.Shape {
			d.Shape[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	if d.Memory == MemoryHost && d.ByteSize > 0 {
		if _, err := m.Pointer(d.Data, d.ByteSize); err != nil {
			return d, err
		}
	}
	return d, nil
}

// SerializeBytes encodes BYTES elements as a sequence of 4-byte
// little-endian lengths each followed by the element bytes.
func SerializeBytes(elems [][]byte) []byte {
	n := 0
	for _, e := range elems {
		n += 4 + len(e)
	}
	out := make([]byte, 0, n)
	for _, e := range elems {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(e)))
		out = append(out, e...)
	}
	return out
}

// DeserializeBytes splits a BYTES payload back into its elements. The
// returned slices alias buf.
func DeserializeBytes(buf []byte) ([][]byte, error) {
	var elems [][]byte
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: truncated BYTES length", ErrMalformed)
		}
		n := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if uint64(n) > uint64(len(buf)) {
			return nil, fmt.Errorf("%w: BYTES element of %d bytes exceeds payload", ErrMalformed, n)
		}
		elems = append(elems, buf[:n:n])
		buf = buf[n:]
	}
	return elems, nil
}
