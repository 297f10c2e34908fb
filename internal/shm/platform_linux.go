//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a named shared memory region (Linux implementation).
// With opts.Create the region is created exclusively; when it already exists it
// is opened instead and the result reports Created == false.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := RegionPath(opts.Dir, opts.Name)
	if err != nil {
		return nil, err
	}
	perm := opts.Perm
	if perm == 0 {
		perm = DefaultPerm
	}

	created := false
	fd := -1
	if opts.Create {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, perm)
		if err == nil {
			created = true
		} else if !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}
	if fd < 0 {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, perm)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}

	cleanup := func() {
		_ = unix.Close(fd)
		if created {
			_ = unix.Unlink(path)
		}
	}

	size := opts.Size
	if created && size > 0 {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			cleanup()
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	} else {
		// Only the creator sizes the file. An attacher that resized it
		// could pull pages out from under the creator's mapping.
		current, err := waitSized(ctx, fd, opts.Wait)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if size > 0 && current != size {
			cleanup()
			return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, current, size)
		}
		size = current
	}
	if size <= 0 {
		cleanup()
		return nil, fmt.Errorf("mmap %s: empty region", path)
	}

	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr:    addr,
		Fd:      fd,
		ID:      -1,
		Size:    size,
		Path:    path,
		Created: created,
	}, nil
}

var errNotSized = errors.New("region not sized yet")

// waitSized returns the size of the file behind fd once its creator has
// sized it, polling for at most wait.
func waitSized(ctx context.Context, fd int, wait time.Duration) (int, error) {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if wait > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 50 * time.Microsecond
		eb.MaxInterval = 10 * time.Millisecond
		eb.MaxElapsedTime = wait
		b = eb
	}
	size := 0
	op := func() error {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return backoff.Permanent(fmt.Errorf("fstat: %w", err))
		}
		if st.Size == 0 {
			return errNotSized
		}
		size = int(st.Size)
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return 0, err
	}
	return size, nil
}

// MapSysV creates or attaches a System V region. A private key always
// creates a fresh region; any other key falls back to the existing region
// when exclusive creation reports EEXIST.
func MapSysV(ctx context.Context, opts SysVOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	perm := int(opts.Perm)
	if perm == 0 {
		perm = DefaultPerm
	}

	created := false
	id := -1
	var err error
	if opts.Create {
		id, err = unix.SysvShmGet(opts.Key, opts.Size, unix.IPC_CREAT|unix.IPC_EXCL|perm)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, unix.EEXIST) && opts.Key != unix.IPC_PRIVATE:
			id = -1
		default:
			return nil, fmt.Errorf("shmget: %w", err)
		}
	}
	if id < 0 {
		id, err = unix.SysvShmGet(opts.Key, opts.Size, perm)
		if err != nil {
			return nil, fmt.Errorf("shmget: %w", err)
		}
	}

	region, err := attachSysV(id)
	if err != nil {
		if created {
			_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		}
		return nil, err
	}
	region.Created = created
	return region, nil
}

// AttachSysV attaches the System V region with identifier id.
func AttachSysV(ctx context.Context, id int) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return attachSysV(id)
}

func attachSysV(id int) (*MappedRegion, error) {
	addr, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat %d: %w", id, err)
	}
	return &MappedRegion{
		Addr: addr,
		Fd:   -1,
		ID:   id,
		Size: len(addr),
	}, nil
}

// UnmapRegion unmaps the region and closes its descriptor (Linux implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var errs []error
	if region.Named() {
		if err := unix.Munmap(region.Addr); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		if err := unix.Close(region.Fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		region.Fd = -1
	} else if err := unix.SysvShmDetach(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("shmdt: %w", err))
	}
	region.Addr = nil
	return errors.Join(errs...)
}

// RemoveRegion deletes the name of a named region or marks a System V
// region for destruction once the last process detaches.
func RemoveRegion(path string, id int) error {
	if path != "" {
		if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("unlink %s: %w", path, err)
		}
		return nil
	}
	if id >= 0 {
		if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil && !errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("shmctl %d: %w", id, err)
		}
	}
	return nil
}
