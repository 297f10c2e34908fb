package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSegmentIDEncoding(t *testing.T) {
	for _, id := range []int64{0, 1, 32769, 1<<40 + 7, noSegment} {
		b := encodeSegmentID(id)
		require.Len(t, b, segmentIDSize)
		assert.Equal(t, id, decodeSegmentID(b))
	}
}

func TestReceiveSegmentIDAcrossShortReads(t *testing.T) {
	wire := encodeSegmentID(4242)
	sys := &stubSyscalls{
		chunks: [][]byte{wire[:3], wire[3:5], wire[5:]},
	}
	id, err := receiveSegmentID(sys, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), id)
}

func TestReceiveSegmentIDRetriesInterruptsAndWaits(t *testing.T) {
	wire := encodeSegmentID(9)
	sys := &stubSyscalls{}
	calls := 0
	wrapped := &scriptedReader{stubSyscalls: sys, script: []func(p []byte) (int, error){
		func(p []byte) (int, error) { calls++; return 0, unix.EINTR },
		func(p []byte) (int, error) { calls++; return 0, unix.EAGAIN },
		func(p []byte) (int, error) { calls++; return copy(p, wire), nil },
	}}
	id, err := receiveSegmentID(wrapped, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
	assert.Equal(t, 3, calls)
	assert.Contains(t, sys.calls, "poll")
}

func TestReceiveSegmentIDEOF(t *testing.T) {
	wire := encodeSegmentID(1)
	sys := &stubSyscalls{chunks: [][]byte{wire[:4]}}
	_, err := receiveSegmentID(sys, 3)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Contains(t, err.Error(), "4 of 8")
}

func TestReceiveSegmentIDReadError(t *testing.T) {
	sys := &stubSyscalls{readErr: unix.ECONNRESET}
	_, err := receiveSegmentID(sys, 3)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestSendSegmentID(t *testing.T) {
	sys := &stubSyscalls{}
	require.NoError(t, sendSegmentID(sys, 3, 77))
	require.Len(t, sys.written, 1)
	assert.Equal(t, int64(77), decodeSegmentID(sys.written[0]))

	sys = &stubSyscalls{writeErr: unix.EPIPE}
	assert.ErrorIs(t, sendSegmentID(sys, 3, 77), ErrHandshake)
}

// scriptedReader replays read results in order.
type scriptedReader struct {
	*stubSyscalls
	script []func(p []byte) (int, error)
}

func (r *scriptedReader) Read(fd int, p []byte) (int, error) {
	f := r.script[0]
	r.script = r.script[1:]
	return f(p)
}
