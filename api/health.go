// Package api defines public API contracts for tssx.
package api

// Health reports whether a transport can currently serve connections.
type Health interface {
	// Live fails when the process can no longer use shared memory at all.
	Live() error
	// Ready fails when new connections would fall back to the kernel path.
	Ready() error
}
