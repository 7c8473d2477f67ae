package channel

import (
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the 16-byte frame header from spec.md §6:
// offset 0: i32 length, offset 4: u32 codegen_type_index,
// offset 8: u64 codegen_type_hash.
const HeaderSize = 16

// rawHeader is the in-memory layout cast directly over a buffer
// position; Length is manipulated with atomics because it is the
// channel protocol's synchronization point (in-progress bit, ready,
// consumed-and-free all live in its sign/low bit), while TypeIndex and
// TypeHash are plain fields because only the reservation's owning
// producer ever writes them.
type rawHeader struct {
	length    atomic.Int32
	typeIndex uint32
	typeHash  uint64
}

func headerAt(buf []byte, off uint32) *rawHeader {
	return (*rawHeader)(unsafe.Pointer(&buf[off]))
}

// lengthInProgress packs frameLen with bit 0 set, marking "writer in
// progress" per spec.md §4.4.2.
func lengthInProgress(frameLen uint32) int32 {
	return int32(frameLen | 1)
}

func inProgress(length int32) bool {
	return length > 0 && length&1 != 0
}

func readyLength(length int32) uint32 {
	return uint32(length &^ 1)
}
