package shmbridge

import (
	"context"
	"errors"
	"fmt"
	runtimedebug "runtime/debug"
	"slices"
	"time"

	"gosuda.org/shmbridge/internal/protocol"
)

// processBatch decodes, executes and encodes the request batch carried by
// msg. It returns the response batch offset, or 0 with failed set when
// not even the response batch could be allocated.
func (b *Bridge) processBatch(ctx context.Context, msg protocol.Message) (batch uint64, failed bool) {
	w := protocol.NewWriter(b.region)
	defer b.scheduleWriter(msg.ID, w)

	offs, err := protocol.ReadRequestBatch(b.region, msg.Payload)
	if err != nil {
		cause := fmt.Errorf("%w: request batch: %w", ErrProtocol, err)
		b.log.WithError(cause).Warnf("rejecting message %d", msg.ID)
		if batch, err = w.NewResponseBatch(0); err != nil {
			return 0, true
		}
		if err := w.SetBatchError(batch, cause.Error()); err != nil {
			return 0, true
		}
		return batch, false
	}

	if batch, err = w.NewResponseBatch(len(offs)); err != nil {
		b.log.WithError(err).Errorf("cannot allocate response batch for %d requests", len(offs))
		return 0, true
	}

	var (
		requests []*Request
		index    []int // Batch slot of requests[i]
	)
	for i, off := range offs {
		req, handles, err := b.decodeRequest(off)
		for _, h := range handles {
			b.scheduleTensorRemoval(msg.ID, Removal{Offset: h, Device: true})
		}
		if err != nil {
			b.setResponseError(ctx, w, batch, i, err)
			continue
		}
		requests = append(requests, req)
		index = append(index, i)
	}
	if len(requests) == 0 {
		return batch, false
	}

	start := time.Now()
	responses, err := b.execute(ctx, requests)
	b.metrics.executed(ctx, time.Since(start), err != nil)
	if err != nil {
		b.log.WithError(err).Warnf("batch of %d requests failed", len(requests))
		for range index {
			b.metrics.itemFailed(ctx, errorClass(err))
		}
		if serr := w.SetBatchError(batch, err.Error()); serr != nil {
			b.log.WithError(serr).Error("cannot record batch error")
			return batch, true
		}
		return batch, false
	}

	for j, resp := range responses {
		if err := b.encodeResponse(msg.ID, batch, index[j], requests[j], resp); err != nil {
			b.setResponseError(ctx, w, batch, index[j], err)
		}
	}
	return batch, false
}

// decodeRequest materializes the request record at off. Host inputs are
// views into the region; device inputs are imported. The imported handles
// are returned even on error so the caller can schedule their release.
func (b *Bridge) decodeRequest(off uint64) (*Request, []uint64, error) {
	d, err := protocol.ReadRequest(b.region, off)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: request at %d: %w", ErrProtocol, off, err)
	}
	req := &Request{
		ID:               d.ID,
		CorrelationID:    d.CorrelationID,
		Flags:            d.Flags,
		RequestedOutputs: d.RequestedOutputs,
		Inputs:           make([]Tensor, 0, len(d.Inputs)),
	}

	var handles []uint64
	for _, toff := range d.Inputs {
		td, err := protocol.ReadTensor(b.region, toff)
		if err != nil {
			return nil, handles, fmt.Errorf("%w: request %q: %w", ErrProtocol, d.ID, err)
		}
		t := Tensor{
			Name:     td.Name,
			DType:    td.DType,
			Shape:    td.Shape,
			Memory:   td.Memory,
			ByteSize: td.ByteSize,
		}
		switch td.Memory {
		case MemoryDevice:
			ptr, err := b.devices.Import(td.Data)
			if err != nil {
				return nil, handles, fmt.Errorf("%w: request %q: import %q: %w", ErrResource, d.ID, td.Name, err)
			}
			handles = append(handles, td.Data)
			t.Device = ptr
			t.handle = td.Data
		default:
			if td.ByteSize > 0 {
				if t.Data, err = b.region.Bytes(td.Data, td.ByteSize); err != nil {
					return nil, handles, fmt.Errorf("%w: request %q: %w", ErrProtocol, d.ID, err)
				}
			}
		}
		req.Inputs = append(req.Inputs, t)
	}

	if req.Parameters, err = protocol.DecodeParameters(d.Parameters); err != nil {
		return nil, handles, fmt.Errorf("%w: request %q: %w", ErrProtocol, d.ID, err)
	}
	return req, handles, nil
}

// execute runs the model over requests. A model error, a panic or a
// response count mismatch fails the whole batch.
func (b *Bridge) execute(ctx context.Context, requests []*Request) (responses []*Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("model panic: %v\n%s", r, runtimedebug.Stack())
			responses, err = nil, fmt.Errorf("%w: panic: %v", ErrUserCode, r)
		}
	}()

	responses, err = b.model.Execute(ctx, requests)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserCode, err)
	}
	if len(responses) != len(requests) {
		return nil, fmt.Errorf("%w: %d responses for %d requests", ErrUserCode, len(responses), len(requests))
	}
	return responses, nil
}

// encodeResponse writes resp into slot i of batch. Allocations made for the
// item are scheduled for release against id once they are published; on
// error they are freed at once and the slot is left to setResponseError.
func (b *Bridge) encodeResponse(id, batch uint64, i int, req *Request, resp *Response) (err error) {
	if resp == nil {
		return fmt.Errorf("%w: no response for request %q", ErrUserCode, req.ID)
	}
	if resp.Err != nil {
		return fmt.Errorf("%w: request %q: %w", ErrUserCode, req.ID, resp.Err)
	}

	w := protocol.NewWriter(b.region)
	var exported []uint64
	defer func() {
		if err != nil {
			for _, h := range exported {
				if rerr := b.devices.Release(h); rerr != nil {
					b.log.WithError(rerr).Warnf("release of device handle %d", h)
				}
			}
			if rerr := w.Rollback(); rerr != nil {
				b.log.WithError(rerr).Warn("rollback of partial response")
			}
			return
		}
		b.scheduleWriter(id, w)
		for _, h := range exported {
			b.scheduleTensorRemoval(id, Removal{Offset: h, Device: true})
		}
	}()

	var outputs []uint64
	for _, t := range resp.Outputs {
		if len(req.RequestedOutputs) > 0 && !slices.Contains(req.RequestedOutputs, t.Name) {
			continue
		}
		d := protocol.TensorDesc{
			Name:   t.Name,
			DType:  t.DType,
			Shape:  t.Shape,
			Memory: t.Memory,
		}
		switch t.Memory {
		case MemoryDevice:
			h, err := b.devices.Export(t.Device, t.ByteSize)
			if err != nil {
				return fmt.Errorf("%w: request %q: export %q: %w", ErrResource, req.ID, t.Name, err)
			}
			exported = append(exported, h)
			d.Data, d.ByteSize, d.DeviceID = h, t.ByteSize, t.Device.Device
		default:
			if d.Data, err = w.WriteBytes(t.Data); err != nil {
				return fmt.Errorf("%w: request %q: output %q: %w", ErrResource, req.ID, t.Name, err)
			}
			d.ByteSize = uint64(len(t.Data))
		}
		off, err := w.WriteTensor(d)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				return fmt.Errorf("%w: request %q: %w", ErrUserCode, req.ID, err)
			}
			return fmt.Errorf("%w: request %q: %w", ErrResource, req.ID, err)
		}
		outputs = append(outputs, off)
	}

	off, err := w.WriteResponse(protocol.ResponseDesc{Outputs: outputs})
	if err != nil {
		return fmt.Errorf("%w: request %q: %w", ErrResource, req.ID, err)
	}
	if err := protocol.SetResponse(b.region, batch, i, off); err != nil {
		return fmt.Errorf("%w: request %q: %w", ErrProtocol, req.ID, err)
	}
	return nil
}

// setResponseError answers slot i with an error response. If even that
// cannot be written the slot stays empty, which readers treat as failed.
func (b *Bridge) setResponseError(ctx context.Context, w *protocol.Writer, batch uint64, i int, cause error) {
	b.metrics.itemFailed(ctx, errorClass(cause))
	b.log.WithError(cause).Debugf("request %d of batch failed", i)

	off, err := w.WriteResponse(protocol.ResponseDesc{Error: true, Message: cause.Error()})
	if err == nil {
		err = protocol.SetResponse(b.region, batch, i, off)
	}
	if err != nil {
		b.log.WithError(err).Warnf("cannot record failure of request %d", i)
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrUserCode):
		return "user_code"
	case errors.Is(err, ErrResource):
		return "resource"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "unknown"
	}
}
