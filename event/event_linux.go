package event

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mlos-go/mlos/shmem"
)

// Named POSIX semaphores (sem_open/sem_post/sem_wait) are a glibc
// wrapper, not a raw syscall, and would require cgo to call directly.
// glibc's own implementation of them is just a futex word living in a
// shm-backed page, so we reimplement that directly: a named event is a
// single uint32 word in a one-page shmem.Region, manipulated with
// FUTEX_WAKE/FUTEX_WAIT (golang.org/x/sys/unix.Syscall6 with
// unix.SYS_FUTEX), giving the same cross-process wake/wait primitive
// without a cgo dependency.
type futexEvent struct {
	region *shmem.Region
	word   *uint32
}

func eventRegionName(name string) string {
	return name + ".event"
}

func createOrOpenImpl(name string) (eventImpl, error) {
	r, err := shmem.CreateOrOpen(eventRegionName(name), os.Getpagesize())
	if err != nil {
		return nil, err
	}
	word := (*uint32)(unsafe.Pointer(&r.Bytes()[0]))
	return &futexEvent{region: r, word: word}, nil
}

func (e *futexEvent) signal() error {
	atomic.StoreUint32(e.word, 1)
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(e.word)),
		uintptr(unix.FUTEX_WAKE), 1, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (e *futexEvent) wait() error {
	for {
		if atomic.CompareAndSwapUint32(e.word, 1, 0) {
			return nil
		}
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(e.word)),
			uintptr(unix.FUTEX_WAIT), 0, 0, 0, 0)
		// EAGAIN: the word changed between our load and the futex
		// syscall's own check, i.e. a signal raced us - go re-check.
		// EINTR: spurious wake, re-check per spec.md §4.2.
		if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
			return errno
		}
	}
}

func (e *futexEvent) close(cleanup bool) error {
	e.region.SetCleanupOnClose(cleanup)
	return e.region.Close()
}
