package shmem

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/mlos-go/mlos/mlosterr"
)

// namePrefix mirrors the well-known Windows named-mapping convention
// used throughout spec.md §6 ("Host_<product>.GlobalMemory" etc); here
// it is just an extra namespace qualifier so regions created by this
// package never collide with unrelated named mappings on the host.
const namePrefix = "Local\\mlos."

// newOwnerRestrictedSecurityAttributes returns the SecurityAttributes
// used for new mappings. spec.md §1 explicitly treats the Windows ACL
// plumbing as an opaque out-of-scope policy; this stub returns nil, so
// mappings get the default (process token) DACL and no DACL restricted
// to the current user and administrators is constructed, which is the
// documented boundary of this module.
func newOwnerRestrictedSecurityAttributes() *windows.SecurityAttributes {
	return nil
}

type windowsRegion struct {
	handle windows.Handle
	addr   uintptr
}

func (w *windowsRegion) close(cleanup bool) error {
	// cleanup has no separate meaning on Windows: a named mapping is
	// destroyed automatically once every handle referencing it is
	// closed, so "unlink" and "close" are the same operation.
	var err error
	if w.addr != 0 {
		err = windows.UnmapViewOfFile(w.addr)
		w.addr = 0
	}
	if w.handle != 0 {
		if cerr := windows.CloseHandle(w.handle); err == nil {
			err = cerr
		}
		w.handle = 0
	}
	return err
}

func mapView(h windows.Handle, size int) (uintptr, []byte, error) {
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return 0, nil, err
	}
	data := unsafeByteSlice(addr, size)
	return addr, data, nil
}

func createNamed(name string, size int, exclusive bool) (*Region, error) {
	full := namePrefix + name
	namePtr, err := windows.UTF16PtrFromString(full)
	if err != nil {
		return nil, wrapIO(name, err)
	}

	h, err := windows.CreateFileMapping(windows.InvalidHandle, newOwnerRestrictedSecurityAttributes(),
		windows.PAGE_READWRITE, 0, uint32(size), namePtr)
	// CreateFileMapping returns a valid handle even when the mapping
	// already existed; GetLastError distinguishes the two cases.
	alreadyExisted := windows.GetLastError() == windows.ERROR_ALREADY_EXISTS
	if err != nil {
		return nil, wrapIO(name, err)
	}
	if exclusive && alreadyExisted {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("shmem %q: %w", name, mlosterr.ErrAlreadyExists)
	}

	addr, data, err := mapView(h, size)
	if err != nil {
		windows.CloseHandle(h)
		return nil, wrapIO(name, err)
	}
	return &Region{
		name: name,
		size: size,
		data: data,
		impl: &windowsRegion{handle: h, addr: addr},
	}, nil
}

func openNamed(name string, size int) (*Region, error) {
	full := namePrefix + name
	namePtr, err := windows.UTF16PtrFromString(full)
	if err != nil {
		return nil, wrapIO(name, err)
	}

	h, err := windows.OpenFileMapping(windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, false, namePtr)
	if err != nil {
		if err == windows.ERROR_FILE_NOT_FOUND {
			return nil, fmt.Errorf("shmem %q: %w", name, mlosterr.ErrNotFound)
		}
		return nil, wrapIO(name, err)
	}

	addr, data, err := mapView(h, size)
	if err != nil {
		windows.CloseHandle(h)
		return nil, wrapIO(name, err)
	}
	return &Region{
		name: name,
		size: size,
		data: data,
		impl: &windowsRegion{handle: h, addr: addr},
	}, nil
}

// openAnonymousFD has no Windows analog in this module: anonymous
// memory mode is specified as Linux-only (spec.md §4.7), since it
// depends on SCM_RIGHTS fd handoff over a Unix domain socket.
func openAnonymousFD(fd int, size int) (*Region, error) {
	return nil, fmt.Errorf("shmem: anonymous memory mode: %w", mlosterr.ErrUnsupported)
}
