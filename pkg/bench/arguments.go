// Package bench measures round-trip latency of the shared-memory
// transport: a raw ping-pong over a named segment and an echo exchange
// through the interposed socket surface.
package bench

import (
	"errors"
	"fmt"
)

// ErrArguments is wrapped by every validation failure.
var ErrArguments = errors.New("bench: invalid arguments")

// Arguments configure one benchmark run.
type Arguments struct {
	// Size is the payload of every message in bytes.
	Size int
	// Count is the number of round trips.
	Count int
	// Name identifies the segment, or the address for the echo benchmark.
	Name string
}

// DefaultArguments returns 4 KiB messages, 1000 round trips over
// the segment "shm-sync".
func DefaultArguments() Arguments {
	return Arguments{Size: 4096, Count: 1000, Name: "shm-sync"}
}

// Validate checks that a run is possible.
func (a Arguments) Validate() error {
	switch {
	case a.Size <= 0:
		return fmt.Errorf("%w: size %d must be positive", ErrArguments, a.Size)
	case a.Count <= 0:
		return fmt.Errorf("%w: count %d must be positive", ErrArguments, a.Count)
	case a.Name == "":
		return fmt.Errorf("%w: empty name", ErrArguments)
	}
	return nil
}
