//go:build unix

package shm

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"gosuda.org/shmbridge/internal/ipcsync"
)

// pagesize stores the system page size for sizing the backing file
var pagesize = uint64(syscall.Getpagesize())

const (
	// LayoutVersion is the region header layout this package understands
	LayoutVersion uint64 = 1

	// HeaderSize is the size of the region header at offset 0
	HeaderSize = 128

	// Alignment of every offset returned by Allocate
	Alignment = 64

	// Default sizing, matching what an engine uses when a model does not
	// configure its own
	DefaultSize    uint64 = 1 << 20
	DefaultGrowth  uint64 = 1 << 20
	DefaultMaxSize uint64 = 1 << 30
)

const (
	_region_magic  uint64 = 0x4e4f494745524d53
	_allocated_tag uint64 = 0xa110c8edb10cc000
	_block_header  uint64 = 16
	_first_block   uint64 = HeaderSize + Alignment - _block_header
	_min_region    uint64 = 4096
)

// header is stored at offset 0 of every region
type header struct {
	magic    uint64 // _region_magic once initialized
	version  uint64 // LayoutVersion
	size     uint64 // Bytes currently backed by the file (only grows)
	maxSize  uint64 // Bytes reserved in every mapping
	growth   uint64 // Growth increment
	cursor   uint64 // Bump pointer, start of the untouched tail
	freeHead uint64 // First free block (address ordered), 0 when empty
	live     uint64 // Number of allocated blocks
	mu       ipcsync.Mutex
	_        [HeaderSize - 8*8 - ipcsync.MutexSize]byte
}

var _ [unsafe.Sizeof(header{}) - HeaderSize]struct{}
var _ [HeaderSize - unsafe.Sizeof(header{})]struct{}

// block precedes every allocation. tag is _allocated_tag while the block
// is in use and the offset of the next free block while it is free.
type block struct {
	size uint64
	tag  uint64
}

// Options sizes a new region.
type Options struct {
	Size    uint64 // Initial size in bytes
	Growth  uint64 // Growth increment in bytes
	MaxSize uint64 // Upper bound the region may grow to
}

func (o *Options) normalize() error {
	if o.Size == 0 {
		o.Size = DefaultSize
	}
	if o.Growth == 0 {
		o.Growth = DefaultGrowth
	}
	if o.MaxSize == 0 {
		o.MaxSize = DefaultMaxSize
		if o.MaxSize < o.Size {
			o.MaxSize = o.Size
		}
	}
	o.Size = alignUp(o.Size, pagesize)
	o.Growth = alignUp(o.Growth, pagesize)
	o.MaxSize = alignUp(o.MaxSize, pagesize)
	if o.Size < _min_region || o.MaxSize < o.Size {
		return ErrInvalidSize
	}
	return nil
}

// Region is one process's view of a Shared Region
type Region struct {
	name  string
	file  *os.File
	mem   []byte
	hdr   *header
	owner bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// Create makes a new named region and maps it. The caller owns the region
// and is expected to Remove it once every peer is gone.
func Create(name string, opts Options) (*Region, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	path := Path(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(opts.Size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: %w", ErrGrow, err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(opts.MaxSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	r := &Region{
		name:  name,
		file:  file,
		mem:   mem,
		hdr:   (*header)(unsafe.Pointer(&mem[0])),
		owner: true,
	}
	r.hdr.version = LayoutVersion
	r.hdr.size = opts.Size
	r.hdr.maxSize = opts.MaxSize
	r.hdr.growth = opts.Growth
	r.hdr.cursor = _first_block
	r.hdr.freeHead = 0
	r.hdr.live = 0
	atomic.StoreUint64(&r.hdr.magic, _region_magic)

	return r, nil
}

// Attach maps an existing region created by a peer.
func Attach(name string) (*Region, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	path := Path(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, name)
		}
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	var h header
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&h)), HeaderSize)
	if _, err := file.ReadAt(raw, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %w", ErrBadMagic, err)
	}
	if h.magic != _region_magic {
		file.Close()
		return nil, ErrBadMagic
	}
	if h.version != LayoutVersion {
		file.Close()
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.version)
	}
	if h.maxSize < _min_region {
		file.Close()
		return nil, ErrInvalidSize
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(h.maxSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Region{
		name: name,
		file: file,
		mem:  mem,
		hdr:  (*header)(unsafe.Pointer(&mem[0])),
	}, nil
}

// Name returns the name/identifier of the region
func (r *Region) Name() string {
	return r.name
}

// Size returns the bytes currently backed by the region file
// Every attached process observes growth through the shared header.
func (r *Region) Size() uint64 {
	return atomic.LoadUint64(&r.hdr.size)
}

// MaxSize returns the upper bound the region may grow to
func (r *Region) MaxSize() uint64 {
	return r.hdr.maxSize
}

// Growth returns the growth increment
func (r *Region) Growth() uint64 {
	return r.hdr.growth
}

// FD returns the file descriptor of the backing file
func (r *Region) FD() uintptr {
	return r.file.Fd()
}

// Owner reports whether this process created the region
func (r *Region) Owner() bool {
	return r.owner
}

// Base returns the local base address of the mapping.
func (r *Region) Base() unsafe.Pointer {
	return unsafe.Pointer(&r.mem[0])
}

// Pointer translates offset into a local address after checking that
// n bytes starting there lie inside the region.
func (r *Region) Pointer(offset, n uint64) (unsafe.Pointer, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	size := r.Size()
	if offset >= size || n > size-offset {
		return nil, fmt.Errorf("%w: [%d,+%d) of %d", ErrOutOfBounds, offset, n, size)
	}
	return unsafe.Pointer(&r.mem[offset]), nil
}

// Translate returns the local address of offset.
func (r *Region) Translate(offset uint64) (unsafe.Pointer, error) {
	return r.Pointer(offset, 1)
}

// Bytes returns a view of n bytes at offset. Writes through the view are
// visible to every process mapping the region.
func (r *Region) Bytes(offset, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	p, err := r.Pointer(offset, n)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}

// Close unmaps the region and closes the backing file. The region itself
// survives until Remove.
func (r *Region) Close() (err error) {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		err = multierr.Combine(
			unix.Munmap(r.mem),
			r.file.Close(),
		)
		r.mem = nil
		r.hdr = nil
	})
	return err
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}
