package bench

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/srediag/tssx/pkg/intercept"
)

// EchoShutdownTimeout bounds how long RunEchoServer waits for handlers.
const EchoShutdownTimeout = 5 * time.Second

// RunEchoServer listens on args.Name and echoes every message back until
// ctx is done. ready, when not nil, receives the bound address once the
// listener is up.
func RunEchoServer(ctx context.Context, ip *intercept.Interposer, network string, args Arguments, ready chan<- string) error {
	if err := args.Validate(); err != nil {
		return err
	}
	ln, err := ip.Listen(network, args.Name)
	if err != nil {
		return err
	}
	srv, err := ip.NewServer(ln, func(c *intercept.Conn) {
		buf := make([]byte, args.Size)
		for {
			n, err := c.Read(buf)
			if err != nil {
				if err != io.EOF {
					logger.Debugf("fd %d: %v", c.Fd(), err)
				}
				return
			}
			if _, err := c.Write(buf[:n]); err != nil {
				logger.Debugf("fd %d: %v", c.Fd(), err)
				return
			}
		}
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	if ready != nil {
		ready <- ln.Addr()
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	select {
	case <-ctx.Done():
		if err := srv.Close(EchoShutdownTimeout); err != nil {
			return err
		}
		return <-served
	case err := <-served:
		_ = srv.Close(EchoShutdownTimeout)
		return err
	}
}

// RunEchoClient dials args.Name and times args.Count echoed messages of
// args.Size bytes. Over shared memory a message has to fit one payload slot.
func RunEchoClient(ctx context.Context, ip *intercept.Interposer, network string, args Arguments, opts Options) (Summary, error) {
	if err := args.Validate(); err != nil {
		return Summary{}, err
	}
	c, err := ip.Dial(network, args.Name)
	if err != nil {
		return Summary{}, err
	}
	defer c.Close()
	if payload, ok := ip.PayloadSize(c.Fd()); ok && args.Size > payload {
		return Summary{}, fmt.Errorf("%w: size %d exceeds the %d byte payload slot", ErrArguments, args.Size, payload)
	}
	logger.Infof("connected to %s, shared memory: %t", args.Name, c.SharedMemory())

	out := make([]byte, args.Size)
	in := make([]byte, args.Size)
	b := NewBenchmarks(opts.Window)
	b.Start()
	for i := 0; i < args.Count; i++ {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		fill(out, byte('a'+i%26))
		b.Begin()
		if _, err := c.Write(out); err != nil {
			return Summary{}, fmt.Errorf("round %d: %w", i, err)
		}
		if _, err := io.ReadFull(c, in); err != nil {
			return Summary{}, fmt.Errorf("round %d: %w", i, err)
		}
		b.End()
		if err := verify(in, out[0], i); err != nil {
			return Summary{}, err
		}
	}

	s := b.Evaluate(args)
	if opts.Output != nil {
		s.Print(opts.Output)
	}
	return s, nil
}
