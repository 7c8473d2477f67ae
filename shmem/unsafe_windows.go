package shmem

import "unsafe"

// unsafeByteSlice turns a mapped view's base address into a byte slice
// of the given length, the Windows equivalent of the []byte returned by
// unix.Mmap on Linux.
func unsafeByteSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
