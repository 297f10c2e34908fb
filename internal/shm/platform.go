// Package shm contains platform-specific helpers for mapping shared memory
// segments and for the futex calls that block on words inside them.
package shm

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// DefaultDir is where named segments live when no directory is configured.
const DefaultDir = "/dev/shm"

// DefaultPerm is the permission set of newly created segments.
const DefaultPerm = 0o660

var (
	// ErrUnsupported is returned on platforms without shared futexes.
	ErrUnsupported = errors.New("shm: not supported on this platform")
	// ErrInvalidName is returned for segment names that are empty or nested.
	ErrInvalidName = errors.New("shm: invalid segment name")
	// ErrSizeMismatch is returned when an existing region does not have
	// the size the attacher expects.
	ErrSizeMismatch = errors.New("shm: region size mismatch")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	// Fd is the descriptor of a named region, -1 for System V regions.
	Fd int
	// ID is the System V identifier, -1 for named regions.
	ID   int
	Size int
	// Path is the backing file of a named region.
	Path string
	// Created reports whether this call created the region.
	Created bool
}

// Named reports whether the region is backed by a file rather than System V.
func (r *MappedRegion) Named() bool {
	return r.Fd >= 0
}

// MapOptions defines options for mapping a named shared memory region.
type MapOptions struct {
	Name string
	Dir  string
	// Size is the exact size of the region. The creator resizes the
	// backing file to it; an attacher requires the file to have this size
	// already. Zero accepts whatever size the file has.
	Size   int
	Create bool
	Perm   uint32
	// Wait bounds how long an attacher waits for the creator to size the
	// file. Zero checks once.
	Wait time.Duration
}

// SysVOptions defines options for a System V region.
type SysVOptions struct {
	// Key is the System V key, 0 (IPC_PRIVATE) for an anonymous region.
	Key    int
	Size   int
	Create bool
	Perm   uint32
}

// RegionPath returns the file backing the named region name inside dir.
func RegionPath(dir, name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" || strings.Contains(name, "/") {
		return "", ErrInvalidName
	}
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name), nil
}

// CanCreate reports whether dir has room for a region of size bytes. When
// the usage of dir cannot be determined it optimistically returns true.
func CanCreate(dir string, size uint64) bool {
	if dir == "" {
		dir = DefaultDir
	}
	stat, err := disk.Usage(dir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
