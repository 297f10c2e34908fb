// Package health reports whether this host can carry connections over
// shared memory, as liveness and readiness checks.
package health

import (
	"fmt"
	"net/http"
	"os"

	"github.com/heptiolabs/healthcheck"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/srediag/tssx/api"
	internalshm "github.com/srediag/tssx/internal/shm"
	"github.com/srediag/tssx/pkg/shm"
)

const defaultMaxGoroutines = 10000

// Options configure the checks.
type Options struct {
	// SegmentDir is where named segments are created. Defaults to /dev/shm.
	SegmentDir string
	// PayloadSize is the slot size new connections use. Readiness requires
	// room for one duplex segment of that size.
	PayloadSize int
	// MaxGoroutines fails liveness above this count. Defaults to 10000.
	MaxGoroutines int
}

// Checker implements api.Health for the shared-memory transport.
type Checker struct {
	opts Options
}

var _ api.Health = (*Checker)(nil)

// New returns a Checker.
func New(opts Options) *Checker {
	if opts.SegmentDir == "" {
		opts.SegmentDir = internalshm.DefaultDir
	}
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = defaultMaxGoroutines
	}
	return &Checker{opts: opts}
}

// Live fails when the segment directory is missing or not a directory.
func (c *Checker) Live() error {
	fi, err := os.Stat(c.opts.SegmentDir)
	if err != nil {
		return fmt.Errorf("segment dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("segment dir %s is not a directory", c.opts.SegmentDir)
	}
	return nil
}

// Ready fails when a new connection would fall back to the kernel path:
// accepted connections need a private System V segment, and named
// segments need room in the segment directory.
func (c *Checker) Ready() error {
	if err := c.PrivateSegment(); err != nil {
		return err
	}
	return c.SegmentSpace()
}

// PrivateSegment creates and drops one private segment of the configured
// payload size. It fails when SHMMAX, SHMALL or SHMMNI leave no room.
func (c *Checker) PrivateSegment() error {
	seg, err := shm.CreatePrivate(shm.Options{PayloadSize: max(c.opts.PayloadSize, 1)})
	if err != nil {
		return fmt.Errorf("private segment: %w", err)
	}
	// already marked for removal, detaching destroys it
	return seg.Close()
}

// SegmentSpace fails when the segment directory has no room for another
// named segment.
func (c *Checker) SegmentSpace() error {
	need := uint64(shm.SegmentSize(max(c.opts.PayloadSize, 1), 2))
	stat, err := disk.Usage(c.opts.SegmentDir)
	if err != nil {
		return fmt.Errorf("segment dir usage: %w", err)
	}
	if stat.Free < need {
		return fmt.Errorf("segment dir %s: %d bytes free, need %d", c.opts.SegmentDir, stat.Free, need)
	}
	return nil
}

// Handler serves /live and /ready.
func (c *Checker) Handler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("segment-dir", c.Live)
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(c.opts.MaxGoroutines))
	h.AddReadinessCheck("private-segment", c.PrivateSegment)
	h.AddReadinessCheck("segment-space", c.SegmentSpace)
	return h
}

// Mount registers the health endpoints on mux under /live and /ready.
func (c *Checker) Mount(mux *http.ServeMux) {
	h := c.Handler()
	mux.HandleFunc("/live", h.LiveEndpoint)
	mux.HandleFunc("/ready", h.ReadyEndpoint)
}
