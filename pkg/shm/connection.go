package shm

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// Role tells a Connection which direction it writes.
type Role int

const (
	// RoleClient writes client->server and reads server->client.
	RoleClient Role = iota
	// RoleServer writes server->client and reads client->server.
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Connection runs the ping-pong channel protocol over a Segment for one
// descriptor. Each direction carries a single outstanding message: a second
// Write before the peer read the first overwrites it.
type Connection struct {
	key  int
	seg  *Segment
	role Role
	out  Direction
	in   Direction

	readMu  sync.Mutex
	writeMu sync.Mutex

	// bytes of the last message that did not fit the caller's buffer
	spill    *bytebufferpool.ByteBuffer
	spillOff int

	peerGone bool
	closed   atomic.Bool
}

// NewConnection binds seg to the descriptor key. The segment must already
// be initialized or attached.
func NewConnection(key int, seg *Segment, role Role) *Connection {
	c := &Connection{key: key, seg: seg, role: role}
	if role == RoleServer {
		c.out, c.in = ServerToClient, ClientToServer
	} else {
		c.out, c.in = ClientToServer, ServerToClient
	}
	return c
}

// Key returns the descriptor the connection is registered under.
func (c *Connection) Key() int { return c.key }

// Role returns the side of the connection this process plays.
func (c *Connection) Role() Role { return c.role }

// Segment returns the underlying segment.
func (c *Connection) Segment() *Segment { return c.seg }

// Write copies p into the outgoing slot and notifies the peer. p must fit
// into one payload slot; larger writes fail with EMSGSIZE and the caller
// has to chunk them.
func (c *Connection) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) > c.seg.PayloadSize() {
		return 0, unix.EMSGSIZE
	}
	if len(p) == 0 {
		return 0, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return 0, ErrClosed
	}

	if atomic.LoadUint32(&c.seg.channel(c.in).closed) != 0 {
		return 0, unix.EPIPE
	}
	ch := c.seg.channel(c.out)
	n := copy(c.seg.Buffer(c.out), p)
	atomic.StoreUint32(&ch.length, uint32(n))
	if err := c.seg.Semaphore(c.out).Notify(); err != nil {
		return 0, err
	}
	return n, nil
}

// Read returns bytes of the next message from the peer, blocking until one
// arrives. When p is shorter than the message the remainder is returned
// by the following calls without waiting. io.EOF reports that the peer
// closed its side.
func (c *Connection) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.closed.Load() {
		return 0, ErrClosed
	}

	if c.spill != nil {
		n := copy(p, c.spill.B[c.spillOff:])
		c.spillOff += n
		if c.spillOff == c.spill.Len() {
			c.releaseSpill()
		}
		return n, nil
	}
	if len(p) == 0 {
		return 0, nil
	}
	if c.peerGone {
		return 0, io.EOF
	}

	ch := c.seg.channel(c.in)
	sem := c.seg.Semaphore(c.in)
	for {
		if err := sem.Wait(); err != nil {
			return 0, err
		}
		if c.closed.Load() {
			return 0, ErrClosed
		}
		length := int(atomic.LoadUint32(&ch.length))
		if length == 0 {
			if atomic.LoadUint32(&ch.closed) != 0 {
				c.peerGone = true
				return 0, io.EOF
			}
			continue
		}
		if length > c.seg.PayloadSize() {
			return 0, fmt.Errorf("%w: message of %d bytes in a %d byte slot", ErrSync, length, c.seg.PayloadSize())
		}
		msg := c.seg.Buffer(c.in)[:length]
		n := copy(p, msg)
		if n < length {
			c.spill = bytebufferpool.Get()
			_, _ = c.spill.Write(msg[n:])
			c.spillOff = 0
		}
		atomic.StoreUint32(&ch.length, 0)
		return n, nil
	}
}

// Buffered returns how many bytes of a previous message are still waiting
// to be read.
func (c *Connection) Buffered() int {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.spill == nil {
		return 0
	}
	return c.spill.Len() - c.spillOff
}

func (c *Connection) releaseSpill() {
	bytebufferpool.Put(c.spill)
	c.spill = nil
	c.spillOff = 0
}

// Close marks this side closed, wakes a peer blocked in Read and unmaps the
// segment. A local Read blocked on the same connection returns ErrClosed.
// The owner also removes the segment unless that already happened at
// creation; the peer keeps its own mapping until
// it closes.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	atomic.StoreUint32(&c.seg.channel(c.out).closed, 1)
	notifyErr := c.seg.Semaphore(c.out).Notify()
	// Only this process waits on the incoming semaphore.
	_ = c.seg.Semaphore(c.in).Notify()

	// Nobody may touch the mapping once it is gone.
	c.readMu.Lock()
	c.writeMu.Lock()
	if c.spill != nil {
		c.releaseSpill()
	}
	defer c.writeMu.Unlock()
	defer c.readMu.Unlock()

	var removeErr error
	if c.seg.Owner() && !c.seg.Removed() {
		removeErr = c.seg.Remove()
	}
	closeErr := c.seg.Close()
	segmentLogger.Debugf("closed %s connection fd=%d segment=%s", c.role, c.key, c.seg.Name())

	switch {
	case notifyErr != nil:
		return notifyErr
	case removeErr != nil:
		return removeErr
	}
	return closeErr
}
