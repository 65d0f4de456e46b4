package shmbridge

import (
	"errors"
)

// Error classes. Every error the bridge reports wraps exactly one of them;
// classify with errors.Is.
var (
	// ErrTransport marks a malformed message handle or a corrupted queue.
	// Region invariants can no longer be trusted and the worker must exit.
	ErrTransport = errors.New("shmbridge: transport error")

	// ErrUserCode marks a fault raised by the hosted model. The whole
	// batch fails; the worker keeps serving.
	ErrUserCode = errors.New("shmbridge: model error")

	// ErrResource marks region exhaustion or a device handle failure.
	// Only the affected request fails.
	ErrResource = errors.New("shmbridge: resource error")

	// ErrProtocol marks an unknown message kind or a malformed record.
	// At startup, a control block version mismatch is fatal.
	ErrProtocol = errors.New("shmbridge: protocol error")
)

// Lifecycle and engine errors
var (
	ErrInvalidState = errors.New("shmbridge: invalid bridge state")
	ErrRemote       = errors.New("shmbridge: inference failed")
	ErrClosed       = errors.New("shmbridge: engine closed")
	ErrWorkerStall  = errors.New("shmbridge: worker stalled")
	ErrNoModel      = errors.New("shmbridge: model not found")
)

// IsFatal reports whether err leaves the worker unable to continue.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport)
}
