package shmbridge

import (
	"gosuda.org/shmbridge/internal/protocol"
)

// Removal is a resource the worker published to the engine. It is released
// only after the engine acknowledged the response it belongs to.
type Removal struct {
	Offset uint64 // Region allocation, or device handle when Device is set
	Device bool
}

type scheduled struct {
	response uint64
	removal  Removal
}

// scheduleTensorRemoval queues r for release once response id has been
// acknowledged. Releases happen in scheduling order.
func (b *Bridge) scheduleTensorRemoval(id uint64, r ...Removal) {
	if len(r) == 0 {
		return
	}
	b.removalMu.Lock()
	for _, x := range r {
		b.removals = append(b.removals, scheduled{response: id, removal: x})
	}
	b.removalMu.Unlock()
}

// scheduleWriter hands every allocation of w over to the removal list.
func (b *Bridge) scheduleWriter(id uint64, w *protocol.Writer) {
	allocs := w.Forget()
	r := make([]Removal, len(allocs))
	for i, off := range allocs {
		r[i] = Removal{Offset: off}
	}
	b.scheduleTensorRemoval(id, r...)
}

// acknowledge records that the engine is done with response id.
func (b *Bridge) acknowledge(id uint64) {
	b.corrMu.Lock()
	if _, ok := b.responses[id]; !ok {
		b.log.Debugf("cleanup for unknown response %d", id)
	}
	b.responses[id] = true
	b.corrMu.Unlock()
}

// cleanup releases everything scheduled against acknowledged responses.
// The correlation and removal locks are never held together, and no
// release runs under either.
func (b *Bridge) cleanup() {
	b.corrMu.Lock()
	var acked map[uint64]struct{}
	for id, done := range b.responses {
		if !done {
			continue
		}
		if acked == nil {
			acked = make(map[uint64]struct{})
		}
		acked[id] = struct{}{}
		delete(b.responses, id)
	}
	b.corrMu.Unlock()
	if len(acked) == 0 {
		return
	}

	b.removalMu.Lock()
	var ready []scheduled
	kept := b.removals[:0]
	for _, s := range b.removals {
		if _, ok := acked[s.response]; ok {
			ready = append(ready, s)
		} else {
			kept = append(kept, s)
		}
	}
	clear(b.removals[len(kept):])
	b.removals = kept
	b.removalMu.Unlock()

	for _, s := range ready {
		b.release(s)
	}
	if len(ready) > 0 {
		b.log.Debugf("released %d resources of %d responses", len(ready), len(acked))
	}
}

func (b *Bridge) release(s scheduled) {
	if b.opts.OnRelease != nil {
		b.opts.OnRelease(s.response, s.removal)
	}
	var err error
	if s.removal.Device {
		err = b.devices.Release(s.removal.Offset)
	} else {
		err = b.region.Free(s.removal.Offset)
	}
	if err != nil {
		b.log.WithError(err).Warnf("release of %+v for response %d", s.removal, s.response)
	}
}
