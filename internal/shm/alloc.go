//go:build unix

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Allocate reserves n bytes and returns their offset. Offsets are
// Alignment-aligned. Free blocks are reused first-fit before the region
// tail is consumed; when the tail is too short the region grows by whole
// growth increments, up to its maximum size.
func (r *Region) Allocate(n uint64) (uint64, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if n == 0 {
		n = 1
	}
	if n > r.hdr.maxSize {
		return 0, fmt.Errorf("%w: %d bytes requested", ErrExhausted, n)
	}
	need := alignUp(n+_block_header, Alignment)

	h := r.hdr
	h.mu.Lock()
	defer h.mu.Unlock()

	var prev uint64
	for cur := h.freeHead; cur != 0; {
		b := r.block(cur)
		next := b.tag
		if b.size >= need {
			if b.size-need >= Alignment {
				rest := r.block(cur + need)
				rest.size = b.size - need
				rest.tag = next
				r.setNext(prev, cur+need)
			} else {
				need = b.size
				r.setNext(prev, next)
			}
			b.size = need
			b.tag = _allocated_tag
			h.live++
			return cur + _block_header, nil
		}
		prev, cur = cur, next
	}

	off := h.cursor
	end := off + need
	if end > atomic.LoadUint64(&h.size) {
		if err := r.grow(end); err != nil {
			return 0, err
		}
	}
	b := r.block(off)
	b.size = need
	b.tag = _allocated_tag
	h.cursor = end
	h.live++
	return off + _block_header, nil
}

// Free returns the allocation at offset to the region. Neighbouring free
// blocks are merged, and a free block touching the tail gives its space
// back to the bump cursor.
func (r *Region) Free(offset uint64) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if offset < _first_block+_block_header || offset%Alignment != 0 {
		return fmt.Errorf("%w: offset %d", ErrInvalidFree, offset)
	}
	bo := offset - _block_header

	h := r.hdr
	h.mu.Lock()
	defer h.mu.Unlock()

	if bo >= h.cursor {
		return fmt.Errorf("%w: offset %d", ErrInvalidFree, offset)
	}
	b := r.block(bo)
	if b.tag != _allocated_tag || b.size < Alignment || bo+b.size > h.cursor {
		return fmt.Errorf("%w: offset %d", ErrInvalidFree, offset)
	}
	h.live--

	var pprev, prev uint64
	cur := h.freeHead
	for cur != 0 && cur < bo {
		pprev, prev, cur = prev, cur, r.block(cur).tag
	}

	b.tag = cur
	if cur != 0 && bo+b.size == cur {
		nb := r.block(cur)
		b.size += nb.size
		b.tag = nb.tag
	}

	before := prev
	if prev != 0 {
		pb := r.block(prev)
		if prev+pb.size == bo {
			pb.size += b.size
			pb.tag = b.tag
			bo, b = prev, pb
			before = pprev
		} else {
			pb.tag = bo
		}
	} else {
		h.freeHead = bo
	}

	if bo+b.size == h.cursor {
		r.setNext(before, 0)
		h.cursor = bo
	}
	return nil
}

// Stats describes allocator occupancy.
type Stats struct {
	Size       uint64 // Bytes backed by the file
	MaxSize    uint64 // Upper bound
	Cursor     uint64 // Start of the untouched tail
	Live       uint64 // Allocated blocks
	FreeBlocks int    // Blocks on the free list
	FreeBytes  uint64 // Bytes on the free list
}

// Stats returns a consistent snapshot of the allocator.
func (r *Region) Stats() Stats {
	h := r.hdr
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Stats{
		Size:    atomic.LoadUint64(&h.size),
		MaxSize: h.maxSize,
		Cursor:  h.cursor,
		Live:    h.live,
	}
	for cur := h.freeHead; cur != 0; cur = r.block(cur).tag {
		s.FreeBlocks++
		s.FreeBytes += r.block(cur).size
	}
	return s
}

// grow extends the backing file so that end bytes are addressable.
// Called with the region mutex held.
func (r *Region) grow(end uint64) error {
	h := r.hdr
	size := atomic.LoadUint64(&h.size)
	if end > h.maxSize {
		return fmt.Errorf("%w: need %d bytes, max %d", ErrExhausted, end, h.maxSize)
	}
	steps := (end - size + h.growth - 1) / h.growth
	newSize := size + steps*h.growth
	if newSize > h.maxSize {
		newSize = h.maxSize
	}
	if err := r.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("%w: %w", ErrGrow, err)
	}
	atomic.StoreUint64(&h.size, newSize)
	return nil
}

func (r *Region) block(off uint64) *block {
	return (*block)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) setNext(prev, next uint64) {
	if prev == 0 {
		r.hdr.freeHead = next
		return
	}
	r.block(prev).tag = next
}
