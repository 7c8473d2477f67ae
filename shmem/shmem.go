// Package shmem abstracts a fixed-size named or anonymous shared memory
// region: create/open/map/unmap/unlink, plus a byte-slice view over the
// mapping. On Linux a region is backed by a file under /dev/shm; on
// Windows by a named file mapping object. OpenAnonymous maps a file
// descriptor handed over by another process (see package sockrelay)
// without any name at all.
package shmem

import (
	"fmt"

	"github.com/mlos-go/mlos/mlosterr"
)

// Region is a scoped handle on a mapped shared memory region. The zero
// value is not usable; construct one with CreateNew, CreateOrOpen,
// OpenExisting or OpenAnonymous.
type Region struct {
	name           string
	size           int
	data           []byte
	cleanupOnClose bool
	impl           regionImpl
}

// regionImpl is the platform-specific half of a Region: the OS handle
// needed to unmap/close/unlink it.
type regionImpl interface {
	close(cleanup bool) error
}

// fdProvider is implemented by region backings that can hand out a raw
// file descriptor for relaying to another process over a Unix domain
// socket (package sockrelay). Windows regions don't implement it; Fd
// reports ok == false for them.
type fdProvider interface {
	rawFD() (int, bool)
}

// unlinker is implemented by named region backings that can drop their
// filesystem name while keeping the mapping (and, if a caller grabbed
// one via Fd, the underlying fd) alive — the "anonymous memory" mode of
// spec.md §4.7, where only a process that already has the fd can reach
// the region.
type unlinker interface {
	unlinkNow() error
}

// Fd returns the region's raw file descriptor and true, if its backing
// supports handing one out (Linux named and anonymous regions); false
// otherwise.
func (r *Region) Fd() (int, bool) {
	if fp, ok := r.impl.(fdProvider); ok {
		return fp.rawFD()
	}
	return 0, false
}

// UnlinkName removes the region's backing filesystem name immediately,
// without unmapping it, so that only processes already holding (or
// handed, via sockrelay) its fd can still reach it. A no-op on
// backings that don't support it.
func (r *Region) UnlinkName() error {
	if u, ok := r.impl.(unlinker); ok {
		return u.unlinkNow()
	}
	return nil
}

// CreateNew creates a brand new named region of the given size. It
// fails with mlosterr.ErrAlreadyExists if the name is already backed.
func CreateNew(name string, size int) (*Region, error) {
	return createNamed(name, size, true)
}

// CreateOrOpen creates the named region if absent, or opens it if an
// existing backing of at least size bytes is already present.
func CreateOrOpen(name string, size int) (*Region, error) {
	return createNamed(name, size, false)
}

// OpenExisting opens a named region that must already exist, failing
// with mlosterr.ErrNotFound otherwise.
func OpenExisting(name string, size int) (*Region, error) {
	return openNamed(name, size)
}

// OpenAnonymous maps an already-open file descriptor (typically received
// over a Unix domain socket via SCM_RIGHTS, see package sockrelay) as a
// size-byte shared region. There is no name to unlink; cleanup only
// closes the local mapping.
func OpenAnonymous(fd int, size int) (*Region, error) {
	return openAnonymousFD(fd, size)
}

// Bytes returns the mutable byte view over the mapped region. The slice
// is valid until Close is called.
func (r *Region) Bytes() []byte {
	return r.data
}

// Size returns the region's fixed size in bytes.
func (r *Region) Size() int {
	return r.size
}

// Name returns the region's well-known name, or "" for anonymous
// regions.
func (r *Region) Name() string {
	return r.name
}

// SetCleanupOnClose controls whether Close unlinks the backing name
// (Linux) in addition to unmapping. The last process to detach from a
// region is responsible for setting this to true before releasing it
// (spec: "last detacher owns OS-level cleanup").
func (r *Region) SetCleanupOnClose(cleanup bool) {
	r.cleanupOnClose = cleanup
}

// Close unmaps the region and, if SetCleanupOnClose(true) was called,
// unlinks its backing name.
func (r *Region) Close() error {
	if r.impl == nil {
		return nil
	}
	err := r.impl.close(r.cleanupOnClose)
	r.impl = nil
	r.data = nil
	return err
}

func wrapIO(name string, err error) error {
	return fmt.Errorf("shmem %q: %w: %v", name, mlosterr.ErrIO, err)
}
