//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations. The private variants key the
// wait queue on the calling process' address space and would never see a
// wake issued by another process mapping the same page.
const (
	futexWait = 0
	futexWake = 1
)

// FutexWait blocks while *addr == val. It returns nil on wake-up, on a value
// mismatch and on signal interruption; callers must re-check their
// condition because spurious returns are allowed.
func FutexWait(addr *uint32, val uint32) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	// Syscall6 rather than RawSyscall6: the wait may block for a long time
	// and the scheduler must be able to hand the P to another thread.
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWait,
		uintptr(val),
		0, // no timeout
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return fmt.Errorf("futex wait: %w", errno)
	}
}

// FutexWake wakes up to n waiters blocked on addr and returns how many
// were woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWake,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake: %w", errno)
	}
	return int(r1), nil
}
