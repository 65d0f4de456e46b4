package shmbridge

import (
	"context"
	"errors"
	"testing"

	"gosuda.org/shmbridge/internal/device"
)

var _ DeviceMemory = (*device.PoolDriver)(nil)

// countingDevice is device memory that tracks live allocations and fails
// Bytes for one address.
type countingDevice struct {
	next    uint64
	live    map[uint64][]byte
	badAddr uint64
}

func newCountingDevice() *countingDevice {
	return &countingDevice{next: 64, live: make(map[uint64][]byte)}
}

func (d *countingDevice) Allocate(dev int64, n uint64) (DevicePtr, error) {
	p := DevicePtr{Device: dev, Addr: d.next}
	d.live[p.Addr] = make([]byte, n)
	d.next += 64
	return p, nil
}

func (d *countingDevice) Bytes(p DevicePtr, n uint64) ([]byte, error) {
	buf, ok := d.live[p.Addr]
	if !ok || p.Addr == d.badAddr {
		return nil, errors.New("device fault")
	}
	return buf[:n], nil
}

func (d *countingDevice) Deallocate(p DevicePtr) error {
	if _, ok := d.live[p.Addr]; !ok {
		return errors.New("double free")
	}
	delete(d.live, p.Addr)
	return nil
}

func TestIdentityFreesDeviceOutputsOnFailure(t *testing.T) {
	dev := newCountingDevice()
	src, _ := dev.Allocate(0, 8)
	broken, _ := dev.Allocate(0, 8)
	dev.badAddr = broken.Addr
	inputs := len(dev.live)

	m := &identityModel{}
	if err := m.Initialize(context.Background(), ModelConfig{Device: dev}); err != nil {
		t.Fatal(err)
	}
	deviceInput := func(name string, p DevicePtr) Tensor {
		return Tensor{Name: name, DType: TypeUINT8, Shape: []int64{8}, Memory: MemoryDevice, Device: p, ByteSize: 8}
	}

	cases := []struct {
		name   string
		inputs []Tensor
	}{
		{"source unreadable", []Tensor{deviceInput("INPUT0", broken)}},
		{"later input fails", []Tensor{deviceInput("INPUT0", src), int32Tensor("INPUT1", 1), deviceInput("INPUT2", broken)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resps, err := m.Execute(context.Background(), []*Request{{ID: tc.name, Inputs: tc.inputs}})
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if resps[0].Err == nil || len(resps[0].Outputs) != 0 {
				t.Fatalf("response = %+v, want an error without outputs", resps[0])
			}
			if len(dev.live) != inputs {
				t.Fatalf("%d device allocations live, want %d", len(dev.live), inputs)
			}
		})
	}

	resps, err := m.Execute(context.Background(), []*Request{{ID: "ok", Inputs: []Tensor{deviceInput("INPUT0", src)}}})
	if err != nil || resps[0].Err != nil {
		t.Fatalf("Execute = %v, %v", resps, err)
	}
	if len(dev.live) != inputs+1 {
		t.Fatalf("%d device allocations live, want the returned output too", len(dev.live))
	}
}
