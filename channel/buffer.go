// Package channel implements the lock-free, multi-producer /
// multi-consumer circular shared channel (spec.md §4.4): a single byte
// buffer of power-of-two size S carrying variable-length frames between
// producer and consumer threads that may live in different processes.
package channel

import (
	"context"
	"fmt"
	"runtime"

	"github.com/mlos-go/mlos/event"
	"github.com/mlos-go/mlos/internal/ringmath"
	"github.com/mlos-go/mlos/mlosterr"
)

// inProgressSpinLimit bounds how many times a consumer that won
// ownership of a frame (via CAS on read_position) spins waiting for the
// publishing writer's in-progress bit to clear before it falls back to
// yielding the scheduler between checks. This resolves spec.md §9's
// open question about an unbounded in-progress spin: bounded spin, then
// a (still unbounded, but yielding) fallback retry, matching the spec's
// stated intent that the writer is always eventually making progress.
const inProgressSpinLimit = 1000

// Buffer is one circular channel: a byte ring plus the synchronization
// record and notification event backing it. Buffer does not own the
// memory it wraps; callers construct it over a shmem.Region's bytes (or
// any other power-of-two byte slice, which is convenient for tests).
type Buffer struct {
	ring   []byte // power-of-two size S
	sync   *Sync
	notify *event.Event
}

// New wraps ring (size must be a power of two) and sync with the given
// notification event into a channel Buffer.
func New(ring []byte, sync *Sync, notify *event.Event) (*Buffer, error) {
	if !ringmath.IsPowerOfTwo(uint32(len(ring))) {
		return nil, fmt.Errorf("channel: ring size %d is not a power of two", len(ring))
	}
	return &Buffer{ring: ring, sync: sync, notify: notify}, nil
}

func (b *Buffer) size() uint32 { return uint32(len(b.ring)) }

func (b *Buffer) margin() uint32 { return b.size() - HeaderSize }

// Acquire reserves a contiguous frame of HeaderSize+payloadLen bytes,
// rounded up to a multiple of 4, for a message of the given type, transparently
// inserting and publishing a link frame when the natural reservation
// would wrap past the end of the ring (spec.md §4.4.1). On success it
// returns the byte offset of the header and a payload slice of
// payloadLen bytes the caller must fill in before calling Publish.
func (b *Buffer) Acquire(typeIndex uint32, typeHash uint64, payloadLen uint32) (offset uint32, payload []byte, err error) {
	frameLen := ringmath.AlignUp4(HeaderSize + payloadLen)

	for {
		if b.sync.Terminated() {
			return 0, nil, mlosterr.ErrAborted
		}

		free := b.sync.FreePosition.Load()
		write := b.sync.WritePosition.Load()

		if ringmath.Distance(free, write) > b.margin()-frameLen {
			b.AdvanceFree()
			continue
		}

		off := ringmath.Offset(write, b.size())
		reserve := frameLen
		crossesEnd := ringmath.SpansEnd(off, frameLen, b.size())
		if crossesEnd {
			reserve = b.size() - off
		}

		if !b.sync.WritePosition.CompareAndSwap(write, write+reserve) {
			continue
		}

		if crossesEnd {
			b.publishLinkFrame(off, reserve)
			continue
		}

		hdr := headerAt(b.ring, off)
		hdr.length.Store(lengthInProgress(frameLen))
		hdr.typeIndex = typeIndex
		hdr.typeHash = typeHash
		return off, b.ring[off+HeaderSize : off+HeaderSize+payloadLen], nil
	}
}

// publishLinkFrame writes and immediately finalizes a zero-payload,
// type-index-0 padding frame at off (spec.md §4.4.1 step 6): the codec
// skips type-index-0 frames without dispatching them, so link frames
// never need the in-progress phase a real payload does.
func (b *Buffer) publishLinkFrame(off, length uint32) {
	hdr := headerAt(b.ring, off)
	hdr.typeIndex = 0
	hdr.typeHash = 0
	clear(b.ring[off+HeaderSize : off+length])
	hdr.length.Store(int32(length))
	b.notifyReaders()
}

// Publish finalizes a frame reserved by Acquire: stores the final
// (in-progress bit cleared) length with release semantics, making the
// producer's payload writes visible to any consumer that acquires this
// frame, then signals a waiting reader if any (spec.md §4.4.2).
func (b *Buffer) Publish(offset uint32) {
	hdr := headerAt(b.ring, offset)
	cur := hdr.length.Load()
	hdr.length.Store(int32(readyLength(cur)))
	b.notifyReaders()
}

func (b *Buffer) notifyReaders() {
	if b.sync.ReaderWaitingCount.Load() > 0 && b.notify != nil {
		b.notify.Signal()
	}
}

// AdvanceFree walks frames starting at free_position, CAS-advancing
// free_position past every contiguous run of consumed (negative-length)
// frames, stopping at the first frame that is still reserved or ready
// but unread (spec.md §4.4.3). Any process may call this; it never
// touches frame memory, only the free_position counter.
func (b *Buffer) AdvanceFree() {
	for {
		free := b.sync.FreePosition.Load()
		write := b.sync.WritePosition.Load()
		if free == write {
			return
		}
		hdr := headerAt(b.ring, ringmath.Offset(free, b.size()))
		length := hdr.length.Load()
		if length >= 0 {
			return
		}
		if !b.sync.FreePosition.CompareAndSwap(free, free+uint32(-length)) {
			return
		}
	}
}

// AcquireRead claims ownership of the next frame for this consumer,
// blocking on the notification event when the channel is empty. ctx
// cancellation is wired cooperatively: a cancelled ctx causes this
// Buffer to terminate (as if Terminate had been called), waking any
// blocked waiter, which is the mechanism spec.md §5 describes as "the
// enclosing context...periodically setting terminate_channel".
func (b *Buffer) AcquireRead(ctx context.Context) (offset uint32, frameLen uint32, typeIndex uint32, typeHash uint64, err error) {
	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				b.Terminate()
			case <-stop:
			}
		}()
	}

	for {
		rp := b.sync.ReadPosition.Load()
		off := ringmath.Offset(rp, b.size())
		hdr := headerAt(b.ring, off)
		length := hdr.length.Load()

		switch {
		case length > 0:
			claim := readyLength(length)
			if !b.sync.ReadPosition.CompareAndSwap(rp, rp+claim) {
				continue
			}
			b.spinUntilReady(hdr)
			return off, claim, hdr.typeIndex, hdr.typeHash, nil

		case length == 0:
			if b.sync.Terminated() {
				return 0, 0, 0, 0, mlosterr.ErrAborted
			}
			b.sync.ReaderWaitingCount.Add(1)
			waitErr := b.notify.Wait()
			b.sync.ReaderWaitingCount.Add(^uint32(0)) // -1
			if waitErr != nil {
				return 0, 0, 0, 0, fmt.Errorf("channel: wait: %w", waitErr)
			}
			// Spurious/coalesced wakeups are expected; loop and re-check.

		default: // length < 0: cleanup in progress at this slot, retry
		}
	}
}

// spinUntilReady waits for a frame claimed via CAS on read_position to
// finish publishing (its in-progress bit to clear). Bounded spin, then
// falls back to yielding between checks rather than aborting: once this
// consumer owns the frame there is no way to hand it back, so it must
// eventually observe the writer's release store (spec.md §9 open
// question resolution).
func (b *Buffer) spinUntilReady(hdr *rawHeader) {
	for i := 0; inProgress(hdr.length.Load()); i++ {
		if i < inProgressSpinLimit {
			continue
		}
		runtime.Gosched()
	}
}

// PayloadAt returns the payload bytes of the frame with the given
// offset and total frame length, as returned by AcquireRead: the
// header's HeaderSize bytes are excluded. Callers typically pass this
// straight to a frame/dispatch decoder.
func (b *Buffer) PayloadAt(offset, frameLen uint32) []byte {
	return b.ring[offset+HeaderSize : offset+frameLen]
}

// MarkConsumed reclaims a frame a consumer has finished dispatching: it
// zeroes the payload (everything but the length field), then stores
// length = -frameLen with release semantics, both ending the frame's
// visibility to readers and scheduling its reclamation by the next
// AdvanceFree (spec.md §4.4.4 step 3).
func (b *Buffer) MarkConsumed(offset, frameLen uint32) {
	hdr := headerAt(b.ring, offset)
	clear(b.ring[offset+HeaderSize : offset+frameLen])
	hdr.typeIndex = 0
	hdr.typeHash = 0
	hdr.length.Store(-int32(frameLen))
}

// Terminate asks the channel to shut down: sets terminate_channel and
// signals the notification event once to unblock any sleeping consumer
// (spec.md §4.4 "Termination").
func (b *Buffer) Terminate() {
	b.sync.SetTerminated()
	if b.notify != nil {
		b.notify.Signal()
	}
}

// Recover re-establishes channel invariants after attaching to a region
// that may have been left behind by a crashed process (spec.md §4.4
// "Recovery (initialization)"):
//
//  1. Advance free_position past every already-consumed frame.
//  2. Walk from the (now advanced) free_position to write_position,
//     turning any frame that is still mid-publish or was consumed but
//     unreachable by step 1 into a type-index-0 link frame: same
//     length, zero payload, ready (not in-progress). This reuses the
//     codec's existing "never dispatch type index 0" rule (spec.md
//     §4.5) to make a crashed-mid-write frame inert without having to
//     invent a third wire state.
//  3. Reset read_position to free_position so nothing already consumed
//     is processed twice.
func (b *Buffer) Recover() {
	b.AdvanceFree()

	free := b.sync.FreePosition.Load()
	write := b.sync.WritePosition.Load()
	for pos := free; pos != write; {
		off := ringmath.Offset(pos, b.size())
		hdr := headerAt(b.ring, off)
		length := hdr.length.Load()

		if length < 0 || inProgress(length) {
			var frameLen uint32
			if length < 0 {
				frameLen = uint32(-length)
			} else {
				frameLen = readyLength(length)
			}
			clear(b.ring[off+HeaderSize : off+frameLen])
			hdr.typeIndex = 0
			hdr.typeHash = 0
			hdr.length.Store(int32(frameLen))
			pos += frameLen
			continue
		}

		pos += readyLength(length)
	}

	b.sync.ReadPosition.Store(b.sync.FreePosition.Load())
}

