package protocol

import (
	"encoding/binary"
	"fmt"
)

// RequestDesc is the decoded form of a request record
type RequestDesc struct {
	ID               string
	CorrelationID    uint64
	Flags            uint64
	Inputs           []uint64 // Tensor records
	RequestedOutputs []string
	Parameters       string // JSON object, empty if none
}

type requestRecord struct {
	id          uint64 // String record
	correlation uint64
	flags       uint64
	inputs      uint64 // Offset list of tensor records
	outputs     uint64 // Offset list of string records
	parameters  uint64 // String record
}

// WriteRequest stores d and returns its offset.
func (w *Writer) WriteRequest(d RequestDesc) (uint64, error) {
	if len(d.Inputs) > MaxTensors || len(d.RequestedOutputs) > MaxTensors {
		return 0, fmt.Errorf("%w: request %q has too many tensors", ErrMalformed, d.ID)
	}
	id, err := w.WriteString(d.ID)
	if err != nil {
		return 0, err
	}
	inputs, err := w.WriteOffsets(d.Inputs)
	if err != nil {
		return 0, err
	}
	names := make([]uint64, len(d.RequestedOutputs))
	for i, name := range d.RequestedOutputs {
		if names[i], err = w.WriteString(name); err != nil {
			return 0, err
		}
	}
	outputs, err := w.WriteOffsets(names)
	if err != nil {
		return 0, err
	}
	params, err := w.WriteString(d.Parameters)
	if err != nil {
		return 0, err
	}

	off, rec, err := allocRecord[requestRecord](w)
	if err != nil {
		return 0, err
	}
	rec.id = id
	rec.correlation = d.CorrelationID
	rec.flags = d.Flags
	rec.inputs = inputs
	rec.outputs = outputs
	rec.parameters = params
	return off, nil
}

// ReadRequest decodes the request record at off. Input tensors are
// returned as offsets; decoding them is left to the caller.
func ReadRequest(m Memory, off uint64) (RequestDesc, error) {
	rec, err := view[requestRecord](m, off)
	if err != nil {
		return RequestDesc{}, err
	}
	d := RequestDesc{
		CorrelationID: rec.correlation,
		Flags:         rec.flags,
	}
	if d.ID, err = ReadString(m, rec.id); err != nil {
		return d, err
	}
	if d.Inputs, err = ReadOffsets(m, rec.inputs, MaxTensors); err != nil {
		return d, err
	}
	names, err := ReadOffsets(m, rec.outputs, MaxTensors)
	if err != nil {
		return d, err
	}
	for _, n := range names {
		name, err := ReadString(m, n)
		if err != nil {
			return d, err
		}
		d.RequestedOutputs = append(d.RequestedOutputs, name)
	}
	if d.Parameters, err = ReadString(m, rec.parameters); err != nil {
		return d, err
	}
	return d, nil
}

// WriteRequestBatch stores the ordered request offsets.
func (w *Writer) WriteRequestBatch(requests []uint64) (uint64, error) {
	if len(requests) == 0 || len(requests) > MaxBatch {
		return 0, fmt.Errorf("%w: batch of %d requests", ErrMalformed, len(requests))
	}
	return w.WriteOffsets(requests)
}

// ReadRequestBatch decodes the request offsets of a batch.
func ReadRequestBatch(m Memory, off uint64) ([]uint64, error) {
	if off == 0 {
		return nil, fmt.Errorf("%w: nil request batch", ErrMalformed)
	}
	return ReadOffsets(m, off, MaxBatch)
}

// ResponseDesc is the decoded form of a response record
type ResponseDesc struct {
	Error   bool
	Message string
	Outputs []uint64 // Tensor records
}

type responseRecord struct {
	flags   uint64
	message uint64 // String record
	outputs uint64 // Offset list of tensor records
}

// WriteResponse stores d and returns its offset.
func (w *Writer) WriteResponse(d ResponseDesc) (uint64, error) {
	msg, err := w.WriteString(d.Message)
	if err != nil {
		return 0, err
	}
	var outputs uint64
	if len(d.Outputs) > 0 {
		if outputs, err = w.WriteOffsets(d.Outputs); err != nil {
			return 0, err
		}
	}
	off, rec, err := allocRecord[responseRecord](w)
	if err != nil {
		return 0, err
	}
	if d.Error {
		rec.flags = flagError
	}
	rec.message = msg
	rec.outputs = outputs
	return off, nil
}

// ReadResponse decodes the response record at off.
func ReadResponse(m Memory, off uint64) (ResponseDesc, error) {
	rec, err := view[responseRecord](m, off)
	if err != nil {
		return ResponseDesc{}, err
	}
	d := ResponseDesc{Error: rec.flags&flagError != 0}
	if d.Message, err = ReadString(m, rec.message); err != nil {
		return d, err
	}
	if d.Outputs, err = ReadOffsets(m, rec.outputs, MaxTensors); err != nil {
		return d, err
	}
	return d, nil
}

// ResponseBatchDesc is the decoded form of a response batch
type ResponseBatchDesc struct {
	Error     bool
	Message   string
	Responses []uint64 // Response records, 0 for an item never filled in
}

type responseBatchRecord struct {
	flags   uint64
	message uint64 // String record
	items   uint64 // Offset list with one slot per request
}

// NewResponseBatch allocates a response batch with n empty slots, one per
// request of the batch being answered.
func (w *Writer) NewResponseBatch(n int) (uint64, error) {
	if n < 0 || n > MaxBatch {
		return 0, fmt.Errorf("%w: batch of %d responses", ErrMalformed, n)
	}
	items, err := w.WriteOffsets(make([]uint64, n))
	if err != nil {
		return 0, err
	}
	off, rec, err := allocRecord[responseBatchRecord](w)
	if err != nil {
		return 0, err
	}
	rec.items = items
	return off, nil
}

// SetResponse fills slot i of the batch at off with a response record.
func SetResponse(m Memory, batch uint64, i int, response uint64) error {
	rec, err := view[responseBatchRecord](m, batch)
	if err != nil {
		return err
	}
	head, err := m.Bytes(rec.items, 8)
	if err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(head)
	if i < 0 || uint64(i) >= n {
		return fmt.Errorf("%w: response slot %d of %d", ErrMalformed, i, n)
	}
	slot, err := m.Bytes(rec.items+8+8*uint64(i), 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(slot, response)
	return nil
}

// SetBatchError marks the whole batch at off failed with msg.
func (w *Writer) SetBatchError(batch uint64, msg string) error {
	rec, err := view[responseBatchRecord](w.m, batch)
	if err != nil {
		return err
	}
	s, err := w.WriteString(msg)
	if err != nil {
		return err
	}
	rec.flags = flagError
	rec.message = s
	return nil
}

// ReadResponseBatch decodes the response batch at off.
func ReadResponseBatch(m Memory, off uint64) (ResponseBatchDesc, error) {
	rec, err := view[responseBatchRecord](m, off)
	if err != nil {
		return ResponseBatchDesc{}, err
	}
	d := ResponseBatchDesc{Error: rec.flags&flagError != 0}
	if d.Message, err = ReadString(m, rec.message); err != nil {
		return d, err
	}
	if d.Responses, err = ReadOffsets(m, rec.items, MaxBatch); err != nil {
		return d, err
	}
	return d, nil
}
