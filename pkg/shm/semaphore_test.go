//go:build linux

package shm

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SemaphoreTestSuite struct {
	suite.Suite
	mem []byte
	sem *Semaphore
}

func (s *SemaphoreTestSuite) SetupTest() {
	s.mem = make([]byte, 64)
	sem, err := InitSemaphore(s.mem)
	s.Require().NoError(err)
	s.sem = sem
}

func (s *SemaphoreTestSuite) TestNotifyBeforeWaitIsKept() {
	s.Require().NoError(s.sem.Notify())
	s.Equal(uint32(1), s.sem.Pending())

	done := make(chan error, 1)
	go func() { done <- s.sem.Wait() }()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("wait did not consume the pending notification")
	}
	s.Equal(uint32(0), s.sem.Pending())
}

func (s *SemaphoreTestSuite) TestNotificationsAccumulate() {
	const n = 16
	for i := 0; i < n; i++ {
		s.Require().NoError(s.sem.Notify())
	}
	s.Equal(uint32(n), s.sem.Pending())
	for i := 0; i < n; i++ {
		s.Require().NoError(s.sem.Wait())
	}
	s.Equal(uint32(0), s.sem.Pending())

	ok, err := s.sem.TryWait()
	s.NoError(err)
	s.False(ok)
}

func (s *SemaphoreTestSuite) TestTryWait() {
	ok, err := s.sem.TryWait()
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.sem.Notify())
	ok, err = s.sem.TryWait()
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(uint32(0), s.sem.Pending())
}

func (s *SemaphoreTestSuite) TestWaitBlocksUntilNotify() {
	done := make(chan error, 1)
	go func() { done <- s.sem.Wait() }()

	select {
	case <-done:
		s.FailNow("wait returned without a notification")
	case <-time.After(50 * time.Millisecond):
	}

	s.Require().NoError(s.sem.Notify())
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("waiter was not woken")
	}
}

func (s *SemaphoreTestSuite) TestEveryWaiterGetsOneNotification() {
	const waiters = 8
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.sem.Wait()
		}()
	}
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < waiters; i++ {
		s.Require().NoError(s.sem.Notify())
	}

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		s.FailNow("a notification was lost")
	}
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
	s.Equal(uint32(0), s.sem.Pending())
}

func (s *SemaphoreTestSuite) TestOpenDoesNotReset() {
	s.Require().NoError(s.sem.Notify())
	other, err := OpenSemaphore(s.mem)
	s.Require().NoError(err)
	s.Equal(uint32(1), other.Pending())
	s.Require().NoError(other.Wait())
	s.Equal(uint32(0), s.sem.Pending())
}

func (s *SemaphoreTestSuite) TestDestroy() {
	s.Require().NoError(s.sem.Destroy())
	s.ErrorIs(s.sem.Wait(), ErrSync)
	s.ErrorIs(s.sem.Notify(), ErrSync)
	s.ErrorIs(s.sem.Destroy(), ErrSync)
	s.Equal(uint32(0), s.sem.Pending())
}

func TestSemaphoreTestSuite(t *testing.T) {
	suite.Run(t, new(SemaphoreTestSuite))
}

func TestInitSemaphoreTooShort(t *testing.T) {
	_, err := InitSemaphore(make([]byte, SemaphoreSize-1))
	assert.ErrorIs(t, err, ErrSyncInit)
	_, err = OpenSemaphore(nil)
	assert.ErrorIs(t, err, ErrSync)
}

func TestInitSemaphoreMisaligned(t *testing.T) {
	mem := make([]byte, 64)
	_, err := InitSemaphore(mem[1:])
	assert.ErrorIs(t, err, ErrSyncInit)
}

// pingPong alternates notify and wait between two goroutines over a pair of
// semaphores, the way two processes drive a duplex segment.
func pingPong(t *testing.T, rounds int) {
	mem := make([]byte, 128)
	ping, err := InitSemaphore(mem[:64])
	require.NoError(t, err)
	pong, err := InitSemaphore(mem[64:])
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		for i := 0; i < rounds; i++ {
			if err := ping.Wait(); err != nil {
				errs <- err
				return
			}
			if err := pong.Notify(); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	for i := 0; i < rounds; i++ {
		require.NoError(t, ping.Notify())
		require.NoError(t, pong.Wait())
	}
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("responder did not finish")
	}
	assert.Equal(t, uint32(0), ping.Pending())
	assert.Equal(t, uint32(0), pong.Pending())
}

func TestSemaphorePingPong(t *testing.T) {
	for _, rounds := range []int{1, 10, 10000} {
		t.Run(fmt.Sprintf("rounds=%d", rounds), func(t *testing.T) { pingPong(t, rounds) })
	}
}
