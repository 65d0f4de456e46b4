package shmbridge

//go:generate go tool stringer -type=State -trimprefix=State
type State uint32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateShuttingDown
	StateFinalized
)
