package intercept

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// segmentIDSize is the wire size of the handshake: one native-endian int64.
const segmentIDSize = 8

// noSegment tells the connecting side to stay on the kernel path.
const noSegment int64 = -1

// ErrHandshake is returned when the segment identifier cannot be exchanged.
var ErrHandshake = errors.New("intercept: handshake failed")

func encodeSegmentID(id int64) []byte {
	b := make([]byte, segmentIDSize)
	binary.NativeEndian.PutUint64(b, uint64(id))
	return b
}

func decodeSegmentID(b []byte) int64 {
	return int64(binary.NativeEndian.Uint64(b))
}

// sendSegmentID writes the identifier on the real socket.
func sendSegmentID(sys Syscalls, fd int, id int64) error {
	b := encodeSegmentID(id)
	for off := 0; off < len(b); {
		n, err := sys.Write(fd, b[off:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := waitFd(sys, fd, unix.POLLOUT); err != nil {
				return fmt.Errorf("%w: %v", ErrHandshake, err)
			}
			continue
		case err != nil:
			return fmt.Errorf("%w: write: %v", ErrHandshake, err)
		}
		off += n
	}
	return nil
}

// receiveSegmentID reads exactly segmentIDSize bytes from the real socket.
func receiveSegmentID(sys Syscalls, fd int) (int64, error) {
	b := make([]byte, segmentIDSize)
	for off := 0; off < len(b); {
		n, err := sys.Read(fd, b[off:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := waitFd(sys, fd, unix.POLLIN); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrHandshake, err)
			}
			continue
		case err != nil:
			return 0, fmt.Errorf("%w: read: %v", ErrHandshake, err)
		case n == 0:
			return 0, fmt.Errorf("%w: short read, %d of %d bytes", ErrHandshake, off, len(b))
		}
		off += n
	}
	return decodeSegmentID(b), nil
}

// waitFd blocks a non-blocking descriptor until it is ready.
func waitFd(sys Syscalls, fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := sys.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("poll: revents %#x", fds[0].Revents)
		}
		return nil
	}
}
