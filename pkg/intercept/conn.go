package intercept

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

// Conn is a connected stream socket whose calls go through an Interposer.
// It turns end of stream into io.EOF.
type Conn struct {
	ip     *Interposer
	fd     int
	closed atomic.Bool
}

var _ io.ReadWriteCloser = (*Conn)(nil)

// NewConn wraps an already connected descriptor.
func (ip *Interposer) NewConn(fd int) *Conn {
	return &Conn{ip: ip, fd: fd}
}

// Dial connects to address. network is "unix", "tcp", "tcp4" or "tcp6".
func (ip *Interposer) Dial(network, address string) (*Conn, error) {
	sa, family, err := resolve(network, address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	for {
		err = ip.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = ip.Close(fd)
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return ip.NewConn(fd), nil
}

// Fd returns the descriptor.
func (c *Conn) Fd() int { return c.fd }

// SharedMemory reports whether the connection runs over shared memory.
func (c *Conn) SharedMemory() bool { return c.ip.Enrolled(c.fd) }

// Read reads up to len(p) bytes.
func (c *Conn) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	for {
		n, err := c.ip.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes p. On the kernel path partial writes are retried until all
// of p is written. Over shared memory p is one message and must fit the
// payload slot, larger writes fail with EMSGSIZE: a second message would
// overwrite the first before the peer read it.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	written := 0
	for written < len(p) {
		n, err := c.ip.Write(c.fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if n > 0 {
			written += n
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Close closes the connection once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ip.Close(c.fd)
}

// Listener accepts connections on a listening socket through an
// Interposer.
type Listener struct {
	ip     *Interposer
	fd     int
	path   string
	addr   string
	closed atomic.Bool
}

// Listen creates a listening socket on address. network is "unix", "tcp",
// "tcp4" or "tcp6". A stale unix socket file at address is replaced.
func (ip *Interposer) Listen(network, address string) (*Listener, error) {
	sa, family, err := resolve(network, address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	fail := func(call string, err error) (*Listener, error) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s %s: %w", network, address, os.NewSyscallError(call, err))
	}

	ln := &Listener{ip: ip, fd: fd}
	if family == unix.AF_UNIX {
		if a := sa.(*unix.SockaddrUnix); a.Name[0] != '@' {
			ln.path = a.Name
			removeStaleSocket(a.Name)
		}
	} else if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	ln.addr = sockaddrString(bound)
	return ln, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Conn, error) {
	for {
		nfd, _, err := l.ip.Accept(l.fd)
		switch {
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err != nil:
			if l.closed.Load() {
				return nil, net.ErrClosed
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		return l.ip.NewConn(nfd), nil
	}
}

// Addr returns the bound address: a path for unix sockets, host:port
// otherwise.
func (l *Listener) Addr() string { return l.addr }

// Fd returns the listening descriptor.
func (l *Listener) Fd() int { return l.fd }

// Close stops the listener. A goroutine blocked in Accept returns
// net.ErrClosed.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	// shutdown wakes a blocked accept; close alone does not.
	_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
	err := l.ip.Close(l.fd)
	if l.path != "" {
		removeStaleSocket(l.path)
	}
	return err
}

// removeStaleSocket deletes the socket file at path and reports whether
// there was one.
func removeStaleSocket(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil || fi.Mode()&os.ModeSocket == 0 {
		return false
	}
	return os.Remove(path) == nil
}

func resolve(network, address string) (unix.Sockaddr, int, error) {
	switch network {
	case "unix":
		if address == "" {
			return nil, 0, fmt.Errorf("%s: empty socket path", network)
		}
		// a leading '@' selects the abstract namespace
		return &unix.SockaddrUnix{Name: address}, unix.AF_UNIX, nil
	case "tcp", "tcp4", "tcp6":
		addr, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return nil, 0, err
		}
		if ip4 := addr.IP.To4(); ip4 != nil && network != "tcp6" {
			sa := &unix.SockaddrInet4{Port: addr.Port}
			copy(sa.Addr[:], ip4)
			return sa, unix.AF_INET, nil
		}
		if addr.IP == nil && network != "tcp6" {
			return &unix.SockaddrInet4{Port: addr.Port}, unix.AF_INET, nil
		}
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("%w: network %q", errors.ErrUnsupported, network)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrUnix:
		return a.Name
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return ""
}
