// Package bridge maps application-visible descriptors to the shared-memory
// connections that back them.
package bridge

import (
	"errors"
	"fmt"
	"io"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/tssx/internal/logging"
)

// ErrDuplicateKey is returned by Insert when the descriptor is already
// registered. The rejected connection stays with the caller.
var ErrDuplicateKey = errors.New("bridge: descriptor already registered")

var logger = logging.New("bridge")

// Entry is what the bridge stores per descriptor.
type Entry interface {
	io.ReadWriteCloser
	Key() int
}

// Bridge is a process-local table from descriptor to connection. It is safe
// for concurrent use; lookups for descriptors never registered only touch
// one shard.
type Bridge[E Entry] struct {
	m cmap.ConcurrentMap[int, E]
}

// New returns an empty bridge.
func New[E Entry]() *Bridge[E] {
	return &Bridge[E]{
		m: cmap.NewWithCustomShardingFunction[int, E](shard),
	}
}

func shard(key int) uint32 {
	// fnv-1a over the descriptor bytes
	h := uint32(2166136261)
	for i := 0; i < 8; i++ {
		h ^= uint32(byte(key >> (8 * i)))
		h *= 16777619
	}
	return h
}

// Insert registers e under key. A key that is already present is rejected.
func (b *Bridge[E]) Insert(key int, e E) error {
	if !b.m.SetIfAbsent(key, e) {
		logger.Warnf("rejected duplicate connection for fd %d", key)
		return fmt.Errorf("%w: fd %d", ErrDuplicateKey, key)
	}
	logger.Tracef("registered fd %d", key)
	return nil
}

// Lookup returns the connection registered under key.
func (b *Bridge[E]) Lookup(key int) (E, bool) {
	return b.m.Get(key)
}

// Remove unregisters key and returns what was stored there.
func (b *Bridge[E]) Remove(key int) (E, bool) {
	e, ok := b.m.Pop(key)
	if ok {
		logger.Tracef("unregistered fd %d", key)
	}
	return e, ok
}

// Len returns the number of registered connections.
func (b *Bridge[E]) Len() int {
	return b.m.Count()
}

// Keys returns the registered descriptors in no particular order.
func (b *Bridge[E]) Keys() []int {
	return b.m.Keys()
}

// Drain unregisters every connection and returns them. The caller closes
// them.
func (b *Bridge[E]) Drain() []E {
	var out []E
	for _, key := range b.m.Keys() {
		if e, ok := b.m.Pop(key); ok {
			out = append(out, e)
		}
	}
	return out
}
