// Package event implements a named, binary inter-process notification
// signal used to wake a consumer blocked on an empty channel (see
// package channel). Signal wakes at most one waiter; Wait tolerates
// spurious and coalesced wakeups, matching spec.md §4.2.
package event

// Event is a named binary signal. The zero value is not usable;
// construct one with CreateOrOpen.
type Event struct {
	name           string
	cleanupOnClose bool
	impl           eventImpl
}

type eventImpl interface {
	signal() error
	wait() error
	close(cleanup bool) error
}

// CreateOrOpen creates the named event if it doesn't exist yet, or
// attaches to it if it does. Names are process-wide: two CreateOrOpen
// calls for the same name in different processes observe the same
// underlying signal.
func CreateOrOpen(name string) (*Event, error) {
	impl, err := createOrOpenImpl(name)
	if err != nil {
		return nil, err
	}
	return &Event{name: name, impl: impl}, nil
}

// Signal wakes at most one waiter blocked in Wait. If no one is
// currently waiting, the signal is remembered for exactly one future
// Wait call (binary, not counting: a second Signal before any Wait does
// not queue a second wakeup).
func (e *Event) Signal() error {
	return e.impl.signal()
}

// Wait blocks until Signal is called by some process, or returns early
// spuriously; callers must re-check their own condition after Wait
// returns, exactly as spec.md requires of the channel protocol.
func (e *Event) Wait() error {
	return e.impl.wait()
}

// SetCleanupOnClose controls whether Close removes the event's OS-level
// backing (the shared memory word backing the futex on Linux, or
// nothing extra on Windows since the kernel object is destroyed once
// unreferenced).
func (e *Event) SetCleanupOnClose(cleanup bool) {
	e.cleanupOnClose = cleanup
}

// Close releases the event handle.
func (e *Event) Close() error {
	if e.impl == nil {
		return nil
	}
	err := e.impl.close(e.cleanupOnClose)
	e.impl = nil
	return err
}
