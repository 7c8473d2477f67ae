package event

import (
	"golang.org/x/sys/windows"
)

const namePrefix = `Local\mlos.`

type winEvent struct {
	handle windows.Handle
}

func createOrOpenImpl(name string) (eventImpl, error) {
	full := namePrefix + name
	namePtr, err := windows.UTF16PtrFromString(full)
	if err != nil {
		return nil, err
	}
	// manualReset=false: an auto-reset event, matching spec.md §4.2's
	// "On Windows this is an auto-reset event".
	h, err := windows.CreateEvent(nil, 0 /* manual reset */, 0 /* initial state */, namePtr)
	if err != nil {
		return nil, err
	}
	return &winEvent{handle: h}, nil
}

func (e *winEvent) signal() error {
	return windows.SetEvent(e.handle)
}

func (e *winEvent) wait() error {
	_, err := windows.WaitForSingleObject(e.handle, windows.INFINITE)
	return err
}

func (e *winEvent) close(cleanup bool) error {
	// Windows named kernel objects are reference counted; closing the
	// last handle destroys the object, so there is no separate unlink
	// step analogous to Linux's shm_unlink.
	return windows.CloseHandle(e.handle)
}
