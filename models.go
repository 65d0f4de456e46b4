package shmbridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

func init() {
	Register("identity", func() Model { return &identityModel{} })
	Register("add_sub", func() Model { return &addSubModel{} })
}

// identityModel returns every input unchanged, renaming INPUTn to OUTPUTn.
// Device inputs are copied into fresh device memory.
type identityModel struct {
	dev DeviceMemory
}

func (m *identityModel) Initialize(ctx context.Context, cfg ModelConfig) error {
	m.dev = cfg.Device
	return nil
}

func (m *identityModel) Execute(ctx context.Context, requests []*Request) ([]*Response, error) {
	responses := make([]*Response, len(requests))
	for i, req := range requests {
		resp := &Response{}
		for _, in := range req.Inputs {
			out := Tensor{
				Name:   outputName(in.Name),
				DType:  in.DType,
				Shape:  slices.Clone(in.Shape),
				Memory: in.Memory,
			}
			if in.Memory == MemoryDevice {
				p, err := m.copyDevice(in)
				if err != nil {
					resp = &Response{Err: multierr.Append(err, m.discard(resp.Outputs))}
					break
				}
				out.Device = p
				out.ByteSize = in.ByteSize
			} else {
				out.Data = slices.Clone(in.Data)
			}
			resp.Outputs = append(resp.Outputs, out)
		}
		responses[i] = resp
	}
	return responses, nil
}

func (m *identityModel) copyDevice(in Tensor) (p DevicePtr, err error) {
	if m.dev == nil {
		return DevicePtr{}, fmt.Errorf("identity: device input %q without device memory", in.Name)
	}
	if p, err = m.dev.Allocate(in.Device.Device, in.ByteSize); err != nil {
		return DevicePtr{}, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, m.dev.Deallocate(p))
			p = DevicePtr{}
		}
	}()
	src, err := m.dev.Bytes(in.Device, in.ByteSize)
	if err != nil {
		return p, err
	}
	dst, err := m.dev.Bytes(p, in.ByteSize)
	if err != nil {
		return p, err
	}
	copy(dst, src)
	return p, nil
}

// discard deallocates the device outputs of a response that is dropped.
func (m *identityModel) discard(outputs []Tensor) error {
	var err error
	for _, t := range outputs {
		if t.Memory == MemoryDevice {
			err = multierr.Append(err, m.dev.Deallocate(t.Device))
		}
	}
	return err
}

func (m *identityModel) Finalize(ctx context.Context) error {
	return nil
}

func outputName(input string) string {
	if rest, ok := strings.CutPrefix(input, "INPUT"); ok {
		return "OUTPUT" + rest
	}
	return input
}

// addSubModel computes OUTPUT0 = INPUT0 + INPUT1 and OUTPUT1 = INPUT0 - INPUT1
// over FP32 or INT32 host tensors of equal shape.
type addSubModel struct{}

func (addSubModel) Initialize(ctx context.Context, cfg ModelConfig) error {
	return nil
}

func (addSubModel) Finalize(ctx context.Context) error {
	return nil
}

func (addSubModel) Execute(ctx context.Context, requests []*Request) ([]*Response, error) {
	responses := make([]*Response, len(requests))
	for i, req := range requests {
		sum, diff, err := addSub(req)
		if err != nil {
			responses[i] = &Response{Err: err}
			continue
		}
		responses[i] = &Response{Outputs: []Tensor{sum, diff}}
	}
	return responses, nil
}

func addSub(req *Request) (Tensor, Tensor, error) {
	a, ok := req.Input("INPUT0")
	if !ok {
		return Tensor{}, Tensor{}, fmt.Errorf("add_sub: missing INPUT0")
	}
	b, ok := req.Input("INPUT1")
	if !ok {
		return Tensor{}, Tensor{}, fmt.Errorf("add_sub: missing INPUT1")
	}
	if a.DType != b.DType || !slices.Equal(a.Shape, b.Shape) || len(a.Data) != len(b.Data) {
		return Tensor{}, Tensor{}, fmt.Errorf("add_sub: INPUT0 %s%v and INPUT1 %s%v differ", a.DType, a.Shape, b.DType, b.Shape)
	}
	if a.Memory != MemoryHost || b.Memory != MemoryHost {
		return Tensor{}, Tensor{}, fmt.Errorf("add_sub: device inputs are not supported")
	}

	sum := make([]byte, len(a.Data))
	diff := make([]byte, len(a.Data))
	switch a.DType {
	case TypeFP32:
		for off := 0; off+4 <= len(a.Data); off += 4 {
			x := math.Float32frombits(binary.LittleEndian.Uint32(a.Data[off:]))
			y := math.Float32frombits(binary.LittleEndian.Uint32(b.Data[off:]))
			binary.LittleEndian.PutUint32(sum[off:], math.Float32bits(x+y))
			binary.LittleEndian.PutUint32(diff[off:], math.Float32bits(x-y))
		}
	case TypeINT32:
		for off := 0; off+4 <= len(a.Data); off += 4 {
			x := int32(binary.LittleEndian.Uint32(a.Data[off:]))
			y := int32(binary.LittleEndian.Uint32(b.Data[off:]))
			binary.LittleEndian.PutUint32(sum[off:], uint32(x+y))
			binary.LittleEndian.PutUint32(diff[off:], uint32(x-y))
		}
	default:
		return Tensor{}, Tensor{}, fmt.Errorf("add_sub: unsupported element type %s", a.DType)
	}

	shape := slices.Clone(a.Shape)
	return Tensor{Name: "OUTPUT0", DType: a.DType, Shape: shape, Data: sum},
		Tensor{Name: "OUTPUT1", DType: a.DType, Shape: slices.Clone(shape), Data: diff},
		nil
}
