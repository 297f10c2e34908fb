package shm

import (
	"errors"

	internalshm "github.com/srediag/tssx/internal/shm"
)

var (
	// ErrSyncInit is returned when a synchronization primitive cannot be
	// initialized. The segment holding it is unusable.
	ErrSyncInit = errors.New("shm: synchronization init failed")
	// ErrSync is returned when a lock, wait or wake on a primitive fails.
	// It indicates corrupted shared state and must not be retried.
	ErrSync = errors.New("shm: synchronization failure")
	// ErrSegment is returned when a segment cannot be created, attached,
	// resized or mapped.
	ErrSegment = errors.New("shm: segment failure")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("shm: connection closed")
	// ErrUnsupported is returned on platforms without shared futexes.
	ErrUnsupported = internalshm.ErrUnsupported
)
