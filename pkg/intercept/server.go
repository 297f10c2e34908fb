package intercept

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"
)

// Handler serves one accepted connection. The server closes the
// connection when the handler returns.
type Handler func(c *Conn)

// Server accepts connections on a Listener and runs a Handler for each on
// a bounded worker pool. Accepts block while every worker is busy.
type Server struct {
	ln      *Listener
	handler Handler
	pool    *ants.Pool

	mu     sync.Mutex
	active map[*Conn]struct{}
	closed atomic.Bool
}

// NewServer sizes the worker pool from the interposer's AcceptWorkers.
func (ip *Interposer) NewServer(ln *Listener, h Handler) (*Server, error) {
	s := &Server{ln: ln, handler: h, active: map[*Conn]struct{}{}}
	pool, err := ants.NewPool(ip.cfg.AcceptWorkers,
		ants.WithPanicHandler(func(p interface{}) {
			logger.Errorf("handler panic: %v", p)
		}),
	)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Serve accepts until the server is closed. It returns nil after Close.
func (s *Server) Serve() error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(c, true)
		if err := s.pool.Submit(func() {
			defer func() {
				s.track(c, false)
				_ = c.Close()
			}()
			s.handler(c)
		}); err != nil {
			logger.Warnf("fd %d: %v", c.Fd(), err)
			s.track(c, false)
			_ = c.Close()
			if s.closed.Load() {
				return nil
			}
		}
	}
}

func (s *Server) track(c *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.active[c] = struct{}{}
	} else {
		delete(s.active, c)
	}
}

// Running returns the number of handlers currently executing.
func (s *Server) Running() int {
	return s.pool.Running()
}

// Close stops accepting, shuts down every connection still being served and
// waits up to timeout for the handlers to return.
func (s *Server) Close(timeout time.Duration) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.active {
		// wakes handlers blocked in a kernel read
		_ = unix.Shutdown(c.Fd(), unix.SHUT_RDWR)
		if c.SharedMemory() {
			_ = c.Close()
		}
	}
	s.mu.Unlock()
	if perr := s.pool.ReleaseTimeout(timeout); perr != nil && err == nil {
		err = perr
	}
	return err
}
