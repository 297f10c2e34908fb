package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/tssx/internal/logging"
	internalshm "github.com/srediag/tssx/internal/shm"
)

const (
	segmentMagic   = 0x54535358 // "TSSX"
	segmentVersion = 1

	lineSize          = 64
	headerSize        = 64
	channelHeaderSize = 64
	// SyncBlockSize is the size of the synchronization block that follows
	// the payload slots.
	SyncBlockSize = headerSize + 2*channelHeaderSize

	// DefaultAttachTimeout bounds how long an attacher waits for the
	// creator to finish initializing a segment.
	DefaultAttachTimeout = 5 * time.Second
)

var segmentLogger = logging.New("segment")

// Direction selects one half of a duplex segment.
type Direction int

const (
	// ClientToServer carries bytes written by the connecting side.
	ClientToServer Direction = iota
	// ServerToClient carries bytes written by the accepting side.
	ServerToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// segmentHeader sits right after the payload slots.
type segmentHeader struct {
	magic       uint32
	version     uint32
	ready       uint32 // 0 until the creator finished initializing
	buffers     uint32
	payloadSize uint64
	creatorPID  uint32
	_           [36]byte
}

// channelHeader describes one direction.
type channelHeader struct {
	sem    semaphoreState
	length uint32 // bytes of the message in the slot, 0 when consumed
	closed uint32 // set by the writer of this direction on close
	_      [40]byte
}

// Options configure segment creation and attachment.
type Options struct {
	// PayloadSize is the capacity of one payload slot in bytes.
	PayloadSize int
	// Buffers is 2 for a duplex segment and 1 for a simplex segment whose
	// single slot is shared by both directions. Zero means 2.
	Buffers int
	// Dir holds named segments. Defaults to /dev/shm.
	Dir string
	// Perm is the permission set of created segments. Defaults to 0660.
	Perm uint32
	// AttachTimeout bounds the wait for the creator's ready flag.
	AttachTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Buffers == 0 {
		o.Buffers = 2
	}
	if o.Dir == "" {
		o.Dir = internalshm.DefaultDir
	}
	if o.Perm == 0 {
		o.Perm = internalshm.DefaultPerm
	}
	if o.AttachTimeout <= 0 {
		o.AttachTimeout = DefaultAttachTimeout
	}
	return o
}

func (o Options) validate() error {
	if o.PayloadSize <= 0 {
		return fmt.Errorf("%w: payload size %d must be positive", ErrSegment, o.PayloadSize)
	}
	if o.Buffers != 1 && o.Buffers != 2 {
		return fmt.Errorf("%w: %d buffers, want 1 or 2", ErrSegment, o.Buffers)
	}
	return nil
}

// SegmentSize returns the total size of a segment with the given payload
// slot size and slot count.
func SegmentSize(payloadSize, buffers int) int {
	return buffers*internalshm.AlignUp(payloadSize, lineSize) + SyncBlockSize
}

// Segment is a process-local handle on a mapped shared region holding
// payload slots and the semaphores that guard them.
type Segment struct {
	region  *internalshm.MappedRegion
	name    string
	owner   bool
	removed bool

	payloadSize int
	buffers     int

	hdr      *segmentHeader
	channels [2]*channelHeader
	sems     [2]*Semaphore
	slots    [2][]byte
}

// OpenNamed creates the named segment or, when it already exists, attaches
// to it. Only the creating call initializes the semaphores; Owner reports
// which one this was.
func OpenNamed(ctx context.Context, name string, opts Options) (*Segment, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	size := SegmentSize(opts.PayloadSize, opts.Buffers)
	if !internalshm.CanCreate(opts.Dir, uint64(size)) {
		return nil, fmt.Errorf("%w: %s cannot hold %d bytes", ErrSegment, opts.Dir, size)
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:   name,
		Dir:    opts.Dir,
		Size:   size,
		Create: true,
		Perm:   opts.Perm,
		Wait:   opts.AttachTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSegment, name, err)
	}
	return setup(ctx, region, name, opts)
}

// OpenKey creates or attaches the System V segment identified by key,
// for peers that agreed on the key beforehand.
func OpenKey(ctx context.Context, key int, opts Options) (*Segment, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if key == 0 {
		return nil, fmt.Errorf("%w: key 0 is IPC_PRIVATE, use CreatePrivate", ErrSegment)
	}
	region, err := internalshm.MapSysV(ctx, internalshm.SysVOptions{
		Key:    key,
		Size:   SegmentSize(opts.PayloadSize, opts.Buffers),
		Create: true,
		Perm:   opts.Perm,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: key %d: %v", ErrSegment, key, err)
	}
	return setup(ctx, region, fmt.Sprintf("key:%d", key), opts)
}

// CreatePrivate creates an anonymous System V segment. Its ID is what the
// accepting side hands to the connecting side during the handshake. The
// segment is marked for removal at once, so it disappears with the last
// detach even when its creator dies without closing it. Linux still lets
// the peer attach by ID while the creator holds it.
func CreatePrivate(opts Options) (*Segment, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ctx := context.Background()
	region, err := internalshm.MapSysV(ctx, internalshm.SysVOptions{
		Size:   SegmentSize(opts.PayloadSize, opts.Buffers),
		Create: true,
		Perm:   opts.Perm,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: private: %v", ErrSegment, err)
	}
	seg, err := setup(ctx, region, "", opts)
	if err != nil {
		return nil, err
	}
	if err := seg.Remove(); err != nil {
		_ = seg.Close()
		return nil, err
	}
	return seg, nil
}

// AttachID attaches the System V segment with identifier id. The payload
// geometry is read from the segment header; only the timeout of opts is used.
func AttachID(ctx context.Context, id int, opts Options) (*Segment, error) {
	opts = opts.withDefaults()
	region, err := internalshm.AttachSysV(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: id %d: %v", ErrSegment, id, err)
	}
	fail := func(err error) (*Segment, error) {
		_ = internalshm.UnmapRegion(ctx, region)
		return nil, err
	}
	if region.Size < SyncBlockSize {
		return fail(fmt.Errorf("%w: id %d: segment of %d bytes is too small", ErrSegment, id, region.Size))
	}
	seg := &Segment{region: region, name: fmt.Sprintf("id:%d", id)}
	p, err := internalshm.At(region.Addr, region.Size-SyncBlockSize, headerSize, 8)
	if err != nil {
		return fail(fmt.Errorf("%w: id %d: %v", ErrSegment, id, err))
	}
	seg.hdr = (*segmentHeader)(p)
	if err := waitReady(ctx, seg.hdr, opts.AttachTimeout); err != nil {
		return fail(fmt.Errorf("%w: id %d: %v", ErrSegment, id, err))
	}
	opts.PayloadSize = int(atomic.LoadUint64(&seg.hdr.payloadSize))
	opts.Buffers = int(atomic.LoadUint32(&seg.hdr.buffers))
	if err := opts.validate(); err != nil {
		return fail(err)
	}
	if SegmentSize(opts.PayloadSize, opts.Buffers) != region.Size {
		return fail(fmt.Errorf("%w: id %d: header does not match segment size %d", ErrSegment, id, region.Size))
	}
	if err := seg.carve(opts); err != nil {
		return fail(err)
	}
	if err := seg.openSemaphores(); err != nil {
		return fail(err)
	}
	return seg, nil
}

// setup lays the segment out over region and either initializes it (creator)
// or waits for the creator and validates it (attacher).
func setup(ctx context.Context, region *internalshm.MappedRegion, name string, opts Options) (*Segment, error) {
	seg := &Segment{region: region, name: name, owner: region.Created}
	fail := func(err error) (*Segment, error) {
		_ = internalshm.UnmapRegion(ctx, region)
		if seg.owner {
			_ = internalshm.RemoveRegion(region.Path, region.ID)
		}
		return nil, err
	}
	if err := seg.carve(opts); err != nil {
		return fail(err)
	}

	if seg.owner {
		if err := seg.initialize(); err != nil {
			return fail(err)
		}
		segmentLogger.Debugf("created segment %s size=%d payload=%d buffers=%d",
			seg.Name(), region.Size, opts.PayloadSize, opts.Buffers)
		return seg, nil
	}

	if err := waitReady(ctx, seg.hdr, opts.AttachTimeout); err != nil {
		return fail(fmt.Errorf("%w: %s: %v", ErrSegment, seg.Name(), err))
	}
	if got := int(atomic.LoadUint64(&seg.hdr.payloadSize)); got != opts.PayloadSize {
		return fail(fmt.Errorf("%w: %s: payload size %d, want %d", ErrSegment, seg.Name(), got, opts.PayloadSize))
	}
	if got := int(atomic.LoadUint32(&seg.hdr.buffers)); got != opts.Buffers {
		return fail(fmt.Errorf("%w: %s: %d buffers, want %d", ErrSegment, seg.Name(), got, opts.Buffers))
	}
	if err := seg.openSemaphores(); err != nil {
		return fail(err)
	}
	segmentLogger.Debugf("attached segment %s size=%d", seg.Name(), region.Size)
	return seg, nil
}

func (s *Segment) carve(opts Options) error {
	mem := s.region.Addr
	slot := internalshm.AlignUp(opts.PayloadSize, lineSize)
	base := opts.Buffers * slot
	if base+SyncBlockSize > len(mem) {
		return fmt.Errorf("%w: mapping of %d bytes cannot hold layout of %d", ErrSegment, len(mem), base+SyncBlockSize)
	}

	p, err := internalshm.At(mem, base, headerSize, 8)
	if err != nil {
		return fmt.Errorf("%w: header: %v", ErrSegment, err)
	}
	s.hdr = (*segmentHeader)(p)
	for d := range s.channels {
		p, err := internalshm.At(mem, base+headerSize+d*channelHeaderSize, channelHeaderSize, 8)
		if err != nil {
			return fmt.Errorf("%w: channel %s: %v", ErrSegment, Direction(d), err)
		}
		s.channels[d] = (*channelHeader)(p)
	}

	s.payloadSize = opts.PayloadSize
	s.buffers = opts.Buffers
	s.slots[ClientToServer] = mem[0:opts.PayloadSize:opts.PayloadSize]
	if opts.Buffers == 2 {
		s.slots[ServerToClient] = mem[slot : slot+opts.PayloadSize : slot+opts.PayloadSize]
	} else {
		s.slots[ServerToClient] = s.slots[ClientToServer]
	}
	return nil
}

func (s *Segment) initialize() error {
	clear(s.region.Addr[:s.buffers*internalshm.AlignUp(s.payloadSize, lineSize)])
	for d, ch := range s.channels {
		mem := unsafe.Slice((*byte)(unsafe.Pointer(&ch.sem)), SemaphoreSize)
		sem, err := InitSemaphore(mem)
		if err != nil {
			return err
		}
		s.sems[d] = sem
		atomic.StoreUint32(&ch.length, 0)
		atomic.StoreUint32(&ch.closed, 0)
	}
	atomic.StoreUint32(&s.hdr.magic, segmentMagic)
	atomic.StoreUint32(&s.hdr.version, segmentVersion)
	atomic.StoreUint32(&s.hdr.buffers, uint32(s.buffers))
	atomic.StoreUint64(&s.hdr.payloadSize, uint64(s.payloadSize))
	atomic.StoreUint32(&s.hdr.creatorPID, uint32(os.Getpid()))
	// Publish last: attachers only look at the rest once ready is set.
	atomic.StoreUint32(&s.hdr.ready, 1)
	return nil
}

func (s *Segment) openSemaphores() error {
	for d, ch := range s.channels {
		mem := unsafe.Slice((*byte)(unsafe.Pointer(&ch.sem)), SemaphoreSize)
		sem, err := OpenSemaphore(mem)
		if err != nil {
			return err
		}
		s.sems[d] = sem
	}
	return nil
}

var errNotReady = errors.New("segment not initialized yet")

// waitReady polls the creator's ready flag with exponential backoff.
func waitReady(ctx context.Context, hdr *segmentHeader, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = timeout
	op := func() error {
		if atomic.LoadUint32(&hdr.ready) == 0 {
			return errNotReady
		}
		if atomic.LoadUint32(&hdr.magic) != segmentMagic {
			return backoff.Permanent(fmt.Errorf("bad magic %#x", atomic.LoadUint32(&hdr.magic)))
		}
		if v := atomic.LoadUint32(&hdr.version); v != segmentVersion {
			return backoff.Permanent(fmt.Errorf("unsupported version %d", v))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Name returns the segment's name, or a synthetic "key:"/"id:" label for
// System V segments.
func (s *Segment) Name() string {
	if s.name == "" && s.region != nil {
		return fmt.Sprintf("id:%d", s.region.ID)
	}
	return s.name
}

// ID returns the System V identifier, or -1 for named segments.
func (s *Segment) ID() int {
	return s.region.ID
}

// Owner reports whether this handle created the segment and therefore
// decides when it is removed.
func (s *Segment) Owner() bool {
	return s.owner
}

// Size returns the total mapped size in bytes.
func (s *Segment) Size() int {
	return s.region.Size
}

// PayloadSize returns the capacity of one payload slot.
func (s *Segment) PayloadSize() int {
	return s.payloadSize
}

// Buffers returns the number of payload slots.
func (s *Segment) Buffers() int {
	return s.buffers
}

// Buffer returns the payload slot carrying direction d.
func (s *Segment) Buffer(d Direction) []byte {
	return s.slots[d]
}

// Semaphore returns the semaphore the reader of direction d waits on.
func (s *Segment) Semaphore(d Direction) *Semaphore {
	return s.sems[d]
}

// CreatorPID returns the process that created the segment.
func (s *Segment) CreatorPID() int {
	return int(atomic.LoadUint32(&s.hdr.creatorPID))
}

func (s *Segment) channel(d Direction) *channelHeader {
	return s.channels[d]
}

// Close unmaps the segment and closes the local descriptor. It does not
// invalidate the segment for a peer that still has it mapped.
func (s *Segment) Close() error {
	if s.region == nil || s.region.Addr == nil {
		return nil
	}
	if err := internalshm.UnmapRegion(context.Background(), s.region); err != nil {
		return fmt.Errorf("%w: teardown %s: %v", ErrSegment, s.Name(), err)
	}
	return nil
}

// Remove deletes the segment's name (named segments) or marks it for
// destruction after the last detach (System V). Only the owner should call
// it. Calls after the first successful one do nothing.
func (s *Segment) Remove() error {
	if s.removed {
		return nil
	}
	if err := internalshm.RemoveRegion(s.region.Path, s.region.ID); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrSegment, s.Name(), err)
	}
	s.removed = true
	return nil
}

// Removed reports whether Remove already ran on this handle.
func (s *Segment) Removed() bool {
	return s.removed
}
