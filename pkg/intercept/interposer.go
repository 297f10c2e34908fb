// Package intercept redirects the socket call surface (connect, accept,
// read, write, close) of same-host peers onto shared-memory connections.
// Descriptors that are not enrolled go to the kernel unchanged.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/srediag/tssx/adapter"
	"github.com/srediag/tssx/internal/logging"
	"github.com/srediag/tssx/pkg/bridge"
	"github.com/srediag/tssx/pkg/config"
	"github.com/srediag/tssx/pkg/shm"
)

var logger = logging.New("intercept")

// Interposer owns the connection bridge of one process, or of one test.
type Interposer struct {
	cfg     *config.Config
	sys     Syscalls
	probe   *Probe
	conns   *bridge.Bridge[*shm.Connection]
	metrics *Metrics
	tel     *adapter.Telemetry

	registerer prometheus.Registerer
}

// Option customizes an Interposer.
type Option func(*Interposer) error

// WithSyscalls replaces the kernel call surface.
func WithSyscalls(sys Syscalls) Option {
	return func(ip *Interposer) error {
		ip.sys = sys
		return nil
	}
}

// WithMetrics uses m instead of a fresh unregistered set.
func WithMetrics(m *Metrics) Option {
	return func(ip *Interposer) error {
		ip.metrics = m
		return nil
	}
}

// WithRegisterer registers the interposer's metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(ip *Interposer) error {
		ip.registerer = r
		return nil
	}
}

// WithTelemetry sets the tracer and meter used for handshakes.
func WithTelemetry(t *adapter.Telemetry) Option {
	return func(ip *Interposer) error {
		ip.tel = t
		return nil
	}
}

// New returns an Interposer for cfg. A nil cfg means config.DefaultConfig.
func New(cfg *config.Config, opts ...Option) (*Interposer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := config.VerifyConfig(cfg); err != nil {
		return nil, err
	}
	ip := &Interposer{
		cfg:     cfg.Clone(),
		sys:     RealSyscalls{},
		probe:   NewProbe(cfg.Servers),
		conns:   bridge.New[*shm.Connection](),
		metrics: NewMetrics(cfg.MetricsNamespace),
	}
	for _, opt := range opts {
		if err := opt(ip); err != nil {
			return nil, err
		}
	}
	if ip.registerer != nil {
		if err := ip.metrics.Register(ip.registerer); err != nil {
			return nil, err
		}
	}
	if ip.tel == nil {
		tel, err := adapter.NewTelemetry(nil, nil)
		if err != nil {
			return nil, err
		}
		ip.tel = tel
	}
	return ip, nil
}

// Config returns a copy of the interposer's configuration.
func (ip *Interposer) Config() *config.Config {
	return ip.cfg.Clone()
}

// Metrics returns the interposer's collectors.
func (ip *Interposer) Metrics() *Metrics {
	return ip.metrics
}

// Enrolled reports whether fd is carried over shared memory.
func (ip *Interposer) Enrolled(fd int) bool {
	_, ok := ip.conns.Lookup(fd)
	return ok
}

// Connections returns the number of enrolled descriptors.
func (ip *Interposer) Connections() int {
	return ip.conns.Len()
}

// Connect connects fd to sa. When sa is an enrolled server it then reads
// the segment identifier, attaches the segment and enrolls fd. Errors of
// the real connect are returned unchanged and leave fd on the kernel path.
// A non-blocking connect to an enrolled server waits for the connection
// to complete, since the acceptor sends the identifier regardless, and
// then returns nil.
func (ip *Interposer) Connect(fd int, sa unix.Sockaddr) error {
	if err := ip.sys.Connect(fd, sa); err != nil {
		if (err != unix.EINPROGRESS && err != unix.EALREADY) || !ip.probe.Supports(sa) {
			return err
		}
		if err := ip.completeConnect(fd); err != nil {
			return err
		}
	} else if !ip.probe.Supports(sa) {
		return nil
	}

	ctx, end := ip.tel.StartHandshake(context.Background(), "connect", fd)
	id, err := receiveSegmentID(ip.sys, fd)
	if err != nil {
		ip.metrics.HandshakeFailures.Inc()
		end(false, err)
		return err
	}
	if id < 0 {
		logger.Infof("fd %d: peer has no segment, staying on the kernel path", fd)
		ip.metrics.Fallbacks.Inc()
		end(false, nil)
		return nil
	}

	seg, err := shm.AttachID(ctx, int(id), shm.Options{AttachTimeout: ip.cfg.AttachTimeout})
	if err != nil {
		ip.metrics.HandshakeFailures.Inc()
		end(false, err)
		return err
	}
	if err := ip.enroll(shm.NewConnection(fd, seg, shm.RoleClient)); err != nil {
		end(false, err)
		return err
	}
	end(true, nil)
	return nil
}

// completeConnect waits for a pending connect on fd and reports its
// outcome as connect(2) would have.
func (ip *Interposer) completeConnect(fd int) error {
	if err := waitFd(ip.sys, fd, unix.POLLOUT); err != nil {
		logger.Debugf("fd %d: waiting for connect: %v", fd, err)
	}
	soerr, err := ip.sys.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Accept accepts a connection on the listening descriptor fd. When the
// address the peer connected to is enrolled it creates a private segment, sends its
// identifier and enrolls the new descriptor. If no segment can be created
// the peer is told to stay on the kernel path.
func (ip *Interposer) Accept(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := ip.sys.Accept(fd)
	if err != nil {
		return nfd, sa, err
	}
	// The accepted socket's own address is what the peer connected to,
	// even when the listener is bound to a wildcard address.
	local, err := ip.sys.Getsockname(nfd)
	if err != nil {
		logger.Warnf("fd %d: getsockname: %v, staying on the kernel path", nfd, err)
		return nfd, sa, nil
	}
	if !ip.probe.Supports(local) {
		return nfd, sa, nil
	}

	_, end := ip.tel.StartHandshake(context.Background(), "accept", nfd)
	seg, err := shm.CreatePrivate(shm.Options{PayloadSize: ip.cfg.PayloadSize})
	if err != nil {
		logger.Warnf("fd %d: %v, staying on the kernel path", nfd, err)
		ip.metrics.Fallbacks.Inc()
		if err := sendSegmentID(ip.sys, nfd, noSegment); err != nil {
			ip.metrics.HandshakeFailures.Inc()
			end(false, err)
			_ = ip.sys.Close(nfd)
			return -1, nil, err
		}
		end(false, nil)
		return nfd, sa, nil
	}

	if err := sendSegmentID(ip.sys, nfd, int64(seg.ID())); err != nil {
		ip.metrics.HandshakeFailures.Inc()
		end(false, err)
		_ = seg.Close()
		_ = ip.sys.Close(nfd)
		return -1, nil, err
	}
	if err := ip.enroll(shm.NewConnection(nfd, seg, shm.RoleServer)); err != nil {
		end(false, err)
		_ = ip.sys.Close(nfd)
		return -1, nil, err
	}
	end(true, nil)
	return nfd, sa, nil
}

func (ip *Interposer) enroll(conn *shm.Connection) error {
	if err := ip.conns.Insert(conn.Key(), conn); err != nil {
		_ = conn.Close()
		return err
	}
	ip.metrics.ConnectionsActive.Inc()
	ip.metrics.Enrolled.WithLabelValues(conn.Role().String()).Inc()
	logger.Debugf("fd %d: enrolled as %s on segment %s", conn.Key(), conn.Role(), conn.Segment().Name())
	return nil
}

// Read reads from fd. Enrolled descriptors read the next message from
// shared memory and report a closed peer as 0 bytes with no error, like
// read(2) at end of stream.
func (ip *Interposer) Read(fd int, p []byte) (int, error) {
	conn, ok := ip.conns.Lookup(fd)
	if !ok {
		return ip.sys.Read(fd, p)
	}
	n, err := conn.Read(p)
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err != nil {
		return n, fmt.Errorf("fd %d: %w", fd, err)
	}
	ip.metrics.BytesRead.Add(float64(n))
	return n, nil
}

// Write writes to fd. On enrolled descriptors p must fit into one payload
// slot, larger writes fail with EMSGSIZE. Writing after the peer closed
// fails with EPIPE.
func (ip *Interposer) Write(fd int, p []byte) (int, error) {
	conn, ok := ip.conns.Lookup(fd)
	if !ok {
		return ip.sys.Write(fd, p)
	}
	n, err := conn.Write(p)
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return n, errno
		}
		return n, fmt.Errorf("fd %d: %w", fd, err)
	}
	ip.metrics.BytesWritten.Add(float64(n))
	return n, nil
}

// Close releases fd's shared-memory connection, if any, and always closes
// the descriptor itself.
func (ip *Interposer) Close(fd int) error {
	var connErr error
	if conn, ok := ip.conns.Remove(fd); ok {
		ip.metrics.ConnectionsActive.Dec()
		if err := conn.Close(); err != nil {
			connErr = fmt.Errorf("fd %d: %w", fd, err)
		}
	}
	if err := ip.sys.Close(fd); err != nil {
		return err
	}
	return connErr
}

// Shutdown releases every shared-memory connection without closing the
// descriptors themselves.
func (ip *Interposer) Shutdown() error {
	var errs []error
	for _, conn := range ip.conns.Drain() {
		ip.metrics.ConnectionsActive.Dec()
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fd %d: %w", conn.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// PayloadSize returns the largest write an enrolled descriptor accepts.
func (ip *Interposer) PayloadSize(fd int) (int, bool) {
	conn, ok := ip.conns.Lookup(fd)
	if !ok {
		return 0, false
	}
	return conn.Segment().PayloadSize(), true
}
