package shm

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrMisaligned is returned when a shared word would not be naturally aligned.
	ErrMisaligned = errors.New("shm: misaligned address")
	// ErrOutOfRange is returned when a structure does not fit inside a mapping.
	ErrOutOfRange = errors.New("shm: offset out of range")
)

// At returns a pointer to size bytes at off inside mem. The pointer must be
// aligned to align bytes so that atomic operations and futexes on the words
// it holds are valid.
func At(mem []byte, off, size, align int) (unsafe.Pointer, error) {
	if off < 0 || size <= 0 || off+size > len(mem) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+size, len(mem))
	}
	p := unsafe.Pointer(&mem[off])
	if align > 1 && uintptr(p)%uintptr(align) != 0 {
		return nil, fmt.Errorf("%w: %#x not aligned to %d", ErrMisaligned, uintptr(p), align)
	}
	return p, nil
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
