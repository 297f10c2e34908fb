package intercept

import (
	"sync"

	"golang.org/x/sys/unix"
)

// stubSyscalls scripts the kernel side of the call surface and records
// what the interposer forwarded to it.
type stubSyscalls struct {
	mu sync.Mutex

	connectErr error
	acceptFd   int
	acceptErr  error
	local      unix.Sockaddr
	localErr   error

	// chunks returned by successive reads, then readN/readErr
	chunks  [][]byte
	readN   int
	readErr error

	writeN   int
	writeErr error
	written  [][]byte

	soError    int
	sockoptErr error

	closeErr error
	closed   []int
	calls    []string
}

var _ Syscalls = (*stubSyscalls)(nil)

func (s *stubSyscalls) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubSyscalls) Connect(fd int, sa unix.Sockaddr) error {
	s.record("connect")
	return s.connectErr
}

func (s *stubSyscalls) Accept(fd int) (int, unix.Sockaddr, error) {
	s.record("accept")
	if s.acceptErr != nil {
		return -1, nil, s.acceptErr
	}
	return s.acceptFd, &unix.SockaddrUnix{}, nil
}

func (s *stubSyscalls) Read(fd int, p []byte) (int, error) {
	s.record("read")
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return copy(p, c), nil
	}
	return s.readN, s.readErr
}

func (s *stubSyscalls) Write(fd int, p []byte) (int, error) {
	s.record("write")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), p...))
	if s.writeErr != nil {
		return s.writeN, s.writeErr
	}
	return len(p), nil
}

func (s *stubSyscalls) Close(fd int) error {
	s.record("close")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, fd)
	return s.closeErr
}

func (s *stubSyscalls) Getsockname(fd int) (unix.Sockaddr, error) {
	s.record("getsockname")
	return s.local, s.localErr
}

func (s *stubSyscalls) Poll(fds []unix.PollFd, timeout int) (int, error) {
	s.record("poll")
	fds[0].Revents = fds[0].Events
	return 1, nil
}

func (s *stubSyscalls) GetsockoptInt(fd, level, opt int) (int, error) {
	s.record("getsockopt")
	return s.soError, s.sockoptErr
}
