package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	internalshm "github.com/srediag/tssx/internal/shm"
)

// SemaphoreSize is the number of bytes a Semaphore occupies in shared memory.
const SemaphoreSize = int(unsafe.Sizeof(semaphoreState{}))

// Mutex states, after Drepper's "Futexes Are Tricky".
const (
	unlocked  = 0
	locked    = 1
	contended = 2
)

// semaphoreState is the shared-memory representation of a Semaphore.
// Every field is only touched atomically.
type semaphoreState struct {
	mutex uint32 // unlocked, locked or contended
	cond  uint32 // condition sequence, bumped on every notify
	count uint32 // pending notifications; guarded by mutex
	// waiters blocked on cond; guarded by mutex
	waiters uint32
}

// Semaphore is a lock plus condition pair that works across processes,
// with a pending counter so a Notify that happens before the matching Wait
// is never lost. Notifications accumulate: N Notify calls release N Wait
// calls.
type Semaphore struct {
	st *semaphoreState
}

// InitSemaphore initializes a semaphore in mem. Only the process that
// created the segment may call it; attachers use OpenSemaphore.
func InitSemaphore(mem []byte) (*Semaphore, error) {
	st, err := semaphoreAt(mem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncInit, err)
	}
	atomic.StoreUint32(&st.waiters, 0)
	atomic.StoreUint32(&st.count, 0)
	atomic.StoreUint32(&st.cond, 0)
	atomic.StoreUint32(&st.mutex, unlocked)
	return &Semaphore{st: st}, nil
}

// OpenSemaphore binds a semaphore that another party already initialized.
func OpenSemaphore(mem []byte) (*Semaphore, error) {
	st, err := semaphoreAt(mem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSync, err)
	}
	return &Semaphore{st: st}, nil
}

func semaphoreAt(mem []byte) (*semaphoreState, error) {
	p, err := internalshm.At(mem, 0, SemaphoreSize, 4)
	if err != nil {
		return nil, err
	}
	return (*semaphoreState)(p), nil
}

// Wait blocks until a notification is pending and consumes it.
// There is no timeout.
func (s *Semaphore) Wait() error {
	st, err := s.state()
	if err != nil {
		return err
	}
	if err := st.lock(); err != nil {
		return err
	}
	for atomic.LoadUint32(&st.count) == 0 {
		atomic.AddUint32(&st.waiters, 1)
		seq := atomic.LoadUint32(&st.cond)
		if err := st.unlock(); err != nil {
			return err
		}
		// A Notify between unlock and the wait bumps cond, so the futex
		// call returns at once instead of sleeping through it.
		werr := internalshm.FutexWait(&st.cond, seq)
		if err := st.lock(); err != nil {
			return err
		}
		atomic.AddUint32(&st.waiters, ^uint32(0))
		if werr != nil {
			_ = st.unlock()
			return fmt.Errorf("%w: %v", ErrSync, werr)
		}
	}
	atomic.AddUint32(&st.count, ^uint32(0))
	return st.unlock()
}

// TryWait consumes a pending notification if there is one and reports
// whether it did. It never blocks on the condition.
func (s *Semaphore) TryWait() (bool, error) {
	st, err := s.state()
	if err != nil {
		return false, err
	}
	if err := st.lock(); err != nil {
		return false, err
	}
	ok := atomic.LoadUint32(&st.count) > 0
	if ok {
		atomic.AddUint32(&st.count, ^uint32(0))
	}
	return ok, st.unlock()
}

// Notify records one notification and wakes one blocked waiter, if any.
func (s *Semaphore) Notify() error {
	st, err := s.state()
	if err != nil {
		return err
	}
	if err := st.lock(); err != nil {
		return err
	}
	atomic.AddUint32(&st.count, 1)
	atomic.AddUint32(&st.cond, 1)
	if atomic.LoadUint32(&st.waiters) > 0 {
		if _, err := internalshm.FutexWake(&st.cond, 1); err != nil {
			_ = st.unlock()
			return fmt.Errorf("%w: %v", ErrSync, err)
		}
	}
	return st.unlock()
}

// Pending returns the number of notifications not yet consumed.
func (s *Semaphore) Pending() uint32 {
	if s.st == nil {
		return 0
	}
	return atomic.LoadUint32(&s.st.count)
}

// Destroy resets the shared state and detaches this handle. All parties
// must have stopped waiting and notifying before it is called.
func (s *Semaphore) Destroy() error {
	st, err := s.state()
	if err != nil {
		return err
	}
	if atomic.LoadUint32(&st.mutex) != unlocked {
		return fmt.Errorf("%w: destroy of a held semaphore", ErrSync)
	}
	atomic.StoreUint32(&st.count, 0)
	atomic.StoreUint32(&st.waiters, 0)
	s.st = nil
	return nil
}

func (s *Semaphore) state() (*semaphoreState, error) {
	if s == nil || s.st == nil {
		return nil, fmt.Errorf("%w: semaphore destroyed", ErrSync)
	}
	return s.st, nil
}

func (st *semaphoreState) lock() error {
	if atomic.CompareAndSwapUint32(&st.mutex, unlocked, locked) {
		return nil
	}
	for atomic.SwapUint32(&st.mutex, contended) != unlocked {
		if err := internalshm.FutexWait(&st.mutex, contended); err != nil {
			return fmt.Errorf("%w: lock: %v", ErrSync, err)
		}
	}
	return nil
}

func (st *semaphoreState) unlock() error {
	if atomic.AddUint32(&st.mutex, ^uint32(0)) == unlocked {
		return nil
	}
	atomic.StoreUint32(&st.mutex, unlocked)
	if _, err := internalshm.FutexWake(&st.mutex, 1); err != nil {
		return fmt.Errorf("%w: unlock: %v", ErrSync, err)
	}
	return nil
}
