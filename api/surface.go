// Package api defines public API contracts for tssx.
package api

import "golang.org/x/sys/unix"

// CallSurface is the socket call surface an application uses. The kernel
// implements it, and so does the shared-memory interposer, with identical
// results for descriptors it does not carry.
type CallSurface interface {
	Connect(fd int, sa unix.Sockaddr) error
	Accept(fd int) (int, unix.Sockaddr, error)
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Close(fd int) error
}
