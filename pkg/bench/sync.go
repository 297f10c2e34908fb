package bench

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/srediag/tssx/internal/logging"
	"github.com/srediag/tssx/pkg/shm"
)

var logger = logging.New("bench")

const (
	serverFill = '1'
	clientFill = '2'
)

// Options tune a benchmark run beyond its Arguments.
type Options struct {
	// Dir holds the named segment. Defaults to /dev/shm.
	Dir string
	// AttachTimeout bounds the wait for the peer's segment.
	AttachTimeout time.Duration
	// Window is the number of samples the median is computed over.
	Window int
	// Output receives the summary. Nil prints nothing.
	Output io.Writer
}

func (o Options) segmentOptions(args Arguments) shm.Options {
	return shm.Options{
		PayloadSize:   args.Size,
		Buffers:       1,
		Dir:           o.Dir,
		AttachTimeout: o.AttachTimeout,
	}
}

// RunServer waits for a client on the simplex segment args.Name and times
// args.Count round trips. Every round trip fills the slot with '1',
// notifies the client and waits for the slot to come back filled with '2'.
func RunServer(ctx context.Context, args Arguments, opts Options) (Summary, error) {
	if err := args.Validate(); err != nil {
		return Summary{}, err
	}
	seg, err := shm.OpenNamed(ctx, args.Name, opts.segmentOptions(args))
	if err != nil {
		return Summary{}, err
	}
	defer release(seg)

	own := seg.Semaphore(shm.ClientToServer)
	peer := seg.Semaphore(shm.ServerToClient)
	stop := unblockOnDone(ctx, own)
	defer stop()

	// the client announces itself once before the first round trip
	if err := wait(ctx, own); err != nil {
		return Summary{}, err
	}
	logger.Infof("client attached to %s", seg.Name())

	slot := seg.Buffer(shm.ServerToClient)
	b := NewBenchmarks(opts.Window)
	b.Start()
	for i := 0; i < args.Count; i++ {
		b.Begin()
		fill(slot, serverFill)
		if err := peer.Notify(); err != nil {
			return Summary{}, err
		}
		if err := wait(ctx, own); err != nil {
			return Summary{}, err
		}
		if err := verify(slot, clientFill, i); err != nil {
			return Summary{}, err
		}
		b.End()
	}

	s := b.Evaluate(args)
	if opts.Output != nil {
		s.Print(opts.Output)
	}
	return s, nil
}

// RunClient attaches to the simplex segment args.Name and answers
// args.Count round trips of RunServer.
func RunClient(ctx context.Context, args Arguments, opts Options) error {
	if err := args.Validate(); err != nil {
		return err
	}
	seg, err := shm.OpenNamed(ctx, args.Name, opts.segmentOptions(args))
	if err != nil {
		return err
	}
	defer release(seg)

	own := seg.Semaphore(shm.ServerToClient)
	peer := seg.Semaphore(shm.ClientToServer)
	stop := unblockOnDone(ctx, own)
	defer stop()

	if err := peer.Notify(); err != nil {
		return err
	}
	slot := seg.Buffer(shm.ClientToServer)
	for i := 0; i < args.Count; i++ {
		if err := wait(ctx, own); err != nil {
			return err
		}
		if err := verify(slot, serverFill, i); err != nil {
			return err
		}
		fill(slot, clientFill)
		if err := peer.Notify(); err != nil {
			return err
		}
	}
	return nil
}

// wait consumes one notification and reports the context's error when it
// was the cancellation that woke it.
func wait(ctx context.Context, sem *shm.Semaphore) error {
	if err := sem.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// unblockOnDone notifies sem when ctx is done so a blocked Wait returns.
func unblockOnDone(ctx context.Context, sem *shm.Semaphore) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = sem.Notify()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func fill(slot []byte, b byte) {
	for i := range slot {
		slot[i] = b
	}
}

func verify(slot []byte, want byte, round int) error {
	for i, b := range slot {
		if b != want {
			return fmt.Errorf("round %d: byte %d is %q, want %q", round, i, b, want)
		}
	}
	return nil
}

func release(seg *shm.Segment) {
	if seg.Owner() {
		if err := seg.Remove(); err != nil {
			logger.Warnf("%v", err)
		}
	}
	if err := seg.Close(); err != nil {
		logger.Warnf("%v", err)
	}
}
