package intercept

import (
	"golang.org/x/sys/unix"

	"github.com/srediag/tssx/api"
)

// Syscalls is the uninterposed call surface. The interposer uses it for the
// kernel path and for the handshake.
type Syscalls interface {
	Connect(fd int, sa unix.Sockaddr) error
	Accept(fd int) (int, unix.Sockaddr, error)
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Close(fd int) error
	Getsockname(fd int) (unix.Sockaddr, error)
	Poll(fds []unix.PollFd, timeout int) (int, error)
	GetsockoptInt(fd, level, opt int) (int, error)
}

// RealSyscalls calls straight into the kernel.
type RealSyscalls struct{}

var (
	_ Syscalls        = RealSyscalls{}
	_ api.CallSurface = RealSyscalls{}
	_ api.CallSurface = (*Interposer)(nil)
)

func (RealSyscalls) Connect(fd int, sa unix.Sockaddr) error { return unix.Connect(fd, sa) }

func (RealSyscalls) Accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_CLOEXEC)
}

func (RealSyscalls) Read(fd int, p []byte) (int, error)  { return unix.Read(fd, p) }
func (RealSyscalls) Write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }
func (RealSyscalls) Close(fd int) error                  { return unix.Close(fd) }

func (RealSyscalls) Getsockname(fd int) (unix.Sockaddr, error) { return unix.Getsockname(fd) }

func (RealSyscalls) Poll(fds []unix.PollFd, timeout int) (int, error) {
	return unix.Poll(fds, timeout)
}

func (RealSyscalls) GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}
