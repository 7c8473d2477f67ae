package shmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mlos-go/mlos/mlosterr"
)

// namePrefix mirrors the conventional POSIX shm_open prefix: regions
// live under /dev/shm/ with a product-scoped prefix so they don't
// collide with unrelated shared memory users on the host.
const namePrefix = "/dev/shm/mlos."

func shmPath(name string) string {
	return namePrefix + name
}

type linuxRegion struct {
	path string
	data []byte
	fd   int
}

func (l *linuxRegion) close(cleanup bool) error {
	var ferr error
	if l.data != nil {
		ferr = unix.Munmap(l.data)
		l.data = nil
	}
	if l.fd >= 0 {
		unix.Close(l.fd)
		l.fd = -1
	}
	if cleanup {
		if err := unix.Unlink(l.path); err != nil && err != unix.ENOENT {
			return wrapIO(l.path, err)
		}
	}
	return ferr
}

func (l *linuxRegion) rawFD() (int, bool) {
	if l.fd < 0 {
		return 0, false
	}
	return l.fd, true
}

func (l *linuxRegion) unlinkNow() error {
	if err := unix.Unlink(l.path); err != nil && err != unix.ENOENT {
		return wrapIO(l.path, err)
	}
	return nil
}

func mapFD(fd int, size int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func createNamed(name string, size int, exclusive bool) (*Region, error) {
	path := shmPath(name)
	flags := unix.O_RDWR | unix.O_CREAT | unix.O_CLOEXEC
	if exclusive {
		flags |= unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, 0600)
	if err != nil {
		if err == unix.EEXIST {
			return nil, fmt.Errorf("shmem %q: %w", name, mlosterr.ErrAlreadyExists)
		}
		if err == unix.EACCES {
			return nil, fmt.Errorf("shmem %q: %w: %v", name, mlosterr.ErrPermission, err)
		}
		return nil, wrapIO(name, err)
	}

	// An existing backing that is already large enough is left as is;
	// only a new or smaller one is grown to size.
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, wrapIO(name, err)
	}
	if st.Size < int64(size) {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, wrapIO(name, err)
		}
	}
	data, err := mapFD(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, wrapIO(name, err)
	}
	// fd is kept open (not closed here) so Region.Fd can hand it to
	// sockrelay for relaying to another process; linuxRegion.close
	// releases it once the region itself is closed.
	return &Region{
		name: name,
		size: size,
		data: data,
		impl: &linuxRegion{path: path, data: data, fd: fd},
	}, nil
}

func openNamed(name string, size int) (*Region, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, fmt.Errorf("shmem %q: %w", name, mlosterr.ErrNotFound)
		}
		if err == unix.EACCES {
			return nil, fmt.Errorf("shmem %q: %w: %v", name, mlosterr.ErrPermission, err)
		}
		return nil, wrapIO(name, err)
	}

	data, err := mapFD(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, wrapIO(name, err)
	}
	return &Region{
		name: name,
		size: size,
		data: data,
		impl: &linuxRegion{path: path, data: data, fd: fd},
	}, nil
}

func openAnonymousFD(fd int, size int) (*Region, error) {
	data, err := mapFD(fd, size)
	if err != nil {
		return nil, wrapIO("<anonymous>", err)
	}
	return &Region{
		size: size,
		data: data,
		impl: &anonMapping{data: data, fd: fd},
	}, nil
}

// anonMapping unmaps on close; unlike linuxRegion there is never a name
// to remove, matching the anonymous-memory mode in spec.md §4.7 where
// the target shm_unlinks the name immediately after creation and only
// the fd survives. It still tracks the fd it was handed so it can, in
// turn, be relayed onward (e.g. an agent re-offering a region to a
// third process) via Region.Fd.
type anonMapping struct {
	data []byte
	fd   int
}

func (a *anonMapping) close(cleanup bool) error {
	if a.data == nil {
		return nil
	}
	err := unix.Munmap(a.data)
	a.data = nil
	unix.Close(a.fd)
	return err
}

func (a *anonMapping) rawFD() (int, bool) {
	return a.fd, true
}
