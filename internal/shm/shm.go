// Package shm manages the Shared Region: one file-backed shared mapping
// holding every structure the engine and the worker exchange, addressed
// by offsets from the region base.
//
// The mapping reserves the region's maximum size up front. Growth only
// extends the backing file, so the local base address of an attached
// process never moves and offsets stay valid for the life of the region.
package shm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Region errors
var (
	ErrInvalidName    = errors.New("shm: invalid region name")
	ErrInvalidSize    = errors.New("shm: invalid region size")
	ErrBadMagic       = errors.New("shm: not a shared region")
	ErrVersion        = errors.New("shm: unsupported region layout version")
	ErrExhausted      = errors.New("shm: region exhausted")
	ErrGrow           = errors.New("shm: failed to grow region")
	ErrOutOfBounds    = errors.New("shm: offset out of bounds")
	ErrInvalidFree    = errors.New("shm: free of unallocated block")
	ErrClosed         = errors.New("shm: region closed")
	ErrAlreadyExists  = errors.New("shm: region already exists")
	ErrRegionNotFound = errors.New("shm: region not found")
)

// Dir is the directory holding region backing files. It prefers the
// tmpfs at /dev/shm and falls back to the system temporary directory.
func Dir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Path returns the backing file path of the named region.
func Path(name string) string {
	return filepath.Join(Dir(), name)
}

// Remove unlinks the backing file of the named region. Processes that
// still map it keep their view until they Close.
func Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidName
	}
	return nil
}
