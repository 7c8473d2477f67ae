package channel

import (
	"context"
	"testing"
	"time"

	"github.com/mlos-go/mlos/event"
	"github.com/mlos-go/mlos/mlosterr"
)

func newTestBuffer(t *testing.T, size int) (*Buffer, *Sync) {
	t.Helper()
	ring := make([]byte, size)
	syncBuf := make([]byte, SyncSize)
	sync := SyncView(syncBuf)

	ev, err := event.CreateOrOpen(t.Name())
	if err != nil {
		t.Skipf("event.CreateOrOpen: %v (requires /dev/shm + futex support)", err)
	}
	ev.SetCleanupOnClose(true)
	t.Cleanup(func() { ev.Close() })

	buf, err := New(ring, sync, ev)
	if err != nil {
		t.Fatal(err)
	}
	return buf, sync
}

func sendString(t *testing.T, b *Buffer, typeIndex uint32, typeHash uint64, msg string) {
	t.Helper()
	off, payload, err := b.Acquire(typeIndex, typeHash, uint32(len(msg)))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	copy(payload, msg)
	b.Publish(off)
}

func TestHelloRoundTrip(t *testing.T) {
	b, _ := newTestBuffer(t, 256)

	sendString(t, b, 1, 0xDEADBEEF01, "hi")

	off, frameLen, typeIndex, typeHash, err := b.AcquireRead(context.Background())
	if err != nil {
		t.Fatalf("AcquireRead: %v", err)
	}
	if typeIndex != 1 || typeHash != 0xDEADBEEF01 {
		t.Fatalf("got type (%d,%x)", typeIndex, typeHash)
	}
	got := string(b.ring[off+HeaderSize : off+frameLen])
	if got[:2] != "hi" {
		t.Fatalf("got payload %q", got)
	}
	b.MarkConsumed(off, frameLen)
	b.AdvanceFree()

	if rp, wp := b.sync.ReadPosition.Load(), b.sync.WritePosition.Load(); rp != wp {
		t.Fatalf("quiescent positions differ: read=%d write=%d", rp, wp)
	}
}

// TestLinkFrame matches scenario E2: with a small ring and three
// frames whose third would overrun the buffer end, one 24-byte link
// frame (type index 0) is transparently inserted in front of it. The
// reader sees the link frame as a type-index-0 frame and skips it, so
// exactly three real frames come through, in order. The third frame
// only fits once the first two and the link frame have been consumed,
// so the sender runs alongside the reader.
func TestLinkFrame(t *testing.T) {
	b, _ := newTestBuffer(t, 64)

	sizes := []int{4, 4, 12} // payload sizes -> frame lens 20,20,28
	sendErr := make(chan error, 1)
	go func() {
		for i, sz := range sizes {
			off, payload, err := b.Acquire(uint32(i+1), uint64(i+1), uint32(sz))
			if err != nil {
				sendErr <- err
				return
			}
			for j := range payload {
				payload[j] = byte('a' + i)
			}
			b.Publish(off)
		}
		sendErr <- nil
	}()

	var dispatched, links int
	for dispatched < len(sizes) {
		off, frameLen, typeIndex, _, err := b.AcquireRead(context.Background())
		if err != nil {
			t.Fatalf("AcquireRead: %v", err)
		}
		b.MarkConsumed(off, frameLen)
		if typeIndex == 0 {
			// Pads from offset 40 to the end of the 64-byte ring.
			if frameLen != 24 {
				t.Fatalf("link frame length = %d, want 24", frameLen)
			}
			links++
			continue
		}
		dispatched++
		if typeIndex != uint32(dispatched) {
			t.Fatalf("got type index %d, want %d", typeIndex, dispatched)
		}
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if links != 1 {
		t.Fatalf("saw %d link frames, want 1", links)
	}
}

func TestTerminateWakesWaiter(t *testing.T) {
	b, _ := newTestBuffer(t, 256)

	done := make(chan error, 1)
	go func() {
		_, _, _, _, err := b.AcquireRead(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Terminate()

	select {
	case err := <-done:
		if err != mlosterr.ErrAborted {
			t.Fatalf("got err %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireRead did not wake up after Terminate")
	}
}

func TestContextCancelAborts(t *testing.T) {
	b, _ := newTestBuffer(t, 256)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, _, _, err := b.AcquireRead(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != mlosterr.ErrAborted {
			t.Fatalf("got err %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireRead did not observe context cancellation")
	}
}

// TestRecoverCancelsInProgressFrame matches scenario E3: a frame left
// mid-publish (in-progress bit set, no final release store) is turned
// into an inert link frame by Recover, read_position resets to
// free_position, and subsequent sends proceed normally.
func TestRecoverCancelsInProgressFrame(t *testing.T) {
	b, _ := newTestBuffer(t, 256)

	off, payload, err := b.Acquire(7, 0x1234, 8)
	if err != nil {
		t.Fatal(err)
	}
	copy(payload, "deadbeef")
	// Simulate a crash: never call Publish, so the header is left with
	// the in-progress bit set.

	b.Recover()

	if rp, fp := b.sync.ReadPosition.Load(), b.sync.FreePosition.Load(); rp != fp {
		t.Fatalf("read_position %d != free_position %d after recovery", rp, fp)
	}
	hdr := headerAt(b.ring, off)
	if inProgress(hdr.length.Load()) {
		t.Fatal("frame still marked in-progress after recovery")
	}
	if hdr.typeIndex != 0 {
		t.Fatalf("recovered frame should be converted to a link frame, got type index %d", hdr.typeIndex)
	}

	sendString(t, b, 2, 0xCAFE, "ok")

	// The channel layer itself returns link frames (type index 0) like
	// any other frame; skipping them without dispatch is the frame
	// codec's job (spec.md §4.5), so the test walks past the one left
	// behind by recovery to find the real message.
	for {
		goff, frameLen, typeIndex, _, err := b.AcquireRead(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		b.MarkConsumed(goff, frameLen)
		if typeIndex == 0 {
			continue
		}
		if typeIndex != 2 {
			t.Fatalf("got type index %d, want 2", typeIndex)
		}
		break
	}
}
