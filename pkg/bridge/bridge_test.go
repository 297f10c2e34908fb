package bridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	key    int
	closed int
}

func (f *fakeConn) Read(p []byte) (int, error)  { return 0, nil }
func (f *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeConn) Key() int                    { return f.key }
func (f *fakeConn) Close() error {
	f.closed++
	return nil
}

func TestInsertLookupRemove(t *testing.T) {
	b := New[*fakeConn]()
	c := &fakeConn{key: 7}

	_, ok := b.Lookup(7)
	assert.False(t, ok)

	require.NoError(t, b.Insert(7, c))
	got, ok := b.Lookup(7)
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, b.Len())

	removed, ok := b.Remove(7)
	require.True(t, ok)
	assert.Same(t, c, removed)
	_, ok = b.Lookup(7)
	assert.False(t, ok)
	_, ok = b.Remove(7)
	assert.False(t, ok)
	assert.Equal(t, 0, c.closed)
}

func TestDuplicateInsertIsRejected(t *testing.T) {
	b := New[*fakeConn]()
	first := &fakeConn{key: 3}
	second := &fakeConn{key: 3}

	require.NoError(t, b.Insert(3, first))
	err := b.Insert(3, second)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	got, _ := b.Lookup(3)
	assert.Same(t, first, got)
	// the bridge never touches either connection's resources
	assert.Equal(t, 0, first.closed)
	assert.Equal(t, 0, second.closed)
}

func TestDrain(t *testing.T) {
	b := New[*fakeConn]()
	conns := []*fakeConn{{key: 1}, {key: 2}, {key: 3}}
	for _, c := range conns {
		require.NoError(t, b.Insert(c.key, c))
	}
	assert.ElementsMatch(t, []int{1, 2, 3}, b.Keys())

	drained := b.Drain()
	assert.ElementsMatch(t, conns, drained)
	assert.Equal(t, 0, b.Len())
	for _, c := range conns {
		assert.Equal(t, 0, c.closed)
	}
	assert.Empty(t, b.Drain())
}

func TestConcurrentAccess(t *testing.T) {
	b := New[*fakeConn]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := g*1000 + i
				if err := b.Insert(key, &fakeConn{key: key}); err != nil {
					t.Error(err)
					return
				}
				if _, ok := b.Lookup(key); !ok {
					t.Errorf("fd %d missing", key)
					return
				}
				if i%2 == 0 {
					b.Remove(key)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 8*250, b.Len())
}

func TestShardSpreadsDescriptors(t *testing.T) {
	seen := map[uint32]bool{}
	for fd := 0; fd < 64; fd++ {
		seen[shard(fd)%32] = true
	}
	assert.Greater(t, len(seen), 16)
}
