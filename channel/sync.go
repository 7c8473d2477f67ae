package channel

import (
	"sync/atomic"
	"unsafe"
)

// Sync is the eight-field ChannelSynchronization record from spec.md
// §3, cast directly over a slice of shared memory so every field is
// accessed with explicit atomics from every attached process. The
// struct is padded to 64 bytes so the control and feedback channel's
// two Sync records each own a full cache line and never false-share.
type Sync struct {
	WritePosition         atomic.Uint32
	ReadPosition          atomic.Uint32
	FreePosition          atomic.Uint32
	ActiveReaderCount     atomic.Uint32
	ReaderWaitingCount    atomic.Uint32
	terminateChannel      atomic.Uint32 // 0/1, exposed via SetTerminated()/Terminated()
	_                     [40]byte      // pad record to 64 bytes
}

// SyncSize is the footprint of a Sync record inside the global region
// header (spec.md §3: "every field naturally aligned... reserved slack
// for cache-line padding").
const SyncSize = 64

func init() {
	if unsafe.Sizeof(Sync{}) != SyncSize {
		panic("channel: Sync size drifted from the documented cache-line layout")
	}
}

// SyncView casts a SyncSize-byte window of shared memory to a *Sync.
// The caller must ensure buf is at least SyncSize bytes and stays
// alive/mapped for the lifetime of the returned pointer.
func SyncView(buf []byte) *Sync {
	return (*Sync)(unsafe.Pointer(&buf[0]))
}

// Terminated reports whether the channel has been asked to shut down.
func (s *Sync) Terminated() bool {
	return s.terminateChannel.Load() != 0
}

// SetTerminated sets the cooperative shutdown flag (spec.md §4.4
// "Termination").
func (s *Sync) SetTerminated() {
	s.terminateChannel.Store(1)
}
