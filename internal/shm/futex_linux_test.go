//go:build linux

package shm

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutexWaitValueMismatch(t *testing.T) {
	word := new(uint32)
	atomic.StoreUint32(word, 7)

	start := time.Now()
	require.NoError(t, FutexWait(word, 6))
	assert.Less(t, time.Since(start), time.Second)
}

func TestFutexWakeFromAnotherGoroutine(t *testing.T) {
	word := new(uint32)
	done := make(chan error, 1)
	go func() {
		for atomic.LoadUint32(word) == 0 {
			if err := FutexWait(word, 0); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	time.Sleep(20 * time.Millisecond)
	atomic.StoreUint32(word, 1)
	_, err := FutexWake(word, 1)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestFutexWakeWithoutWaiters(t *testing.T) {
	word := new(uint32)
	n, err := FutexWake(word, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
