//go:build !linux

package shm

import (
	"context"
)

// MapRegion is not implemented outside Linux.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// MapSysV is not implemented outside Linux.
func MapSysV(ctx context.Context, opts SysVOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// AttachSysV is not implemented outside Linux.
func AttachSysV(ctx context.Context, id int) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// UnmapRegion is not implemented outside Linux.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return ErrUnsupported
}

// RemoveRegion is not implemented outside Linux.
func RemoveRegion(path string, id int) error {
	return ErrUnsupported
}
