// Package mlosterr collects the error-kind taxonomy shared by every
// component of the shared-memory exchange: resource errors (shmem/event
// setup), protocol errors (frame/dispatch validation), lifecycle errors
// (cooperative channel termination) and programmer errors (misuse of the
// config dictionary API). Components wrap one of these sentinels with
// fmt.Errorf("%w") so callers can use errors.Is against a stable kind
// instead of string-matching package-local errors.
package mlosterr

import "errors"

// Resource errors: surfaced from shmem, event and sockrelay setup/attach.
var (
	ErrNotFound    = errors.New("mlos: resource not found")
	ErrAlreadyExists = errors.New("mlos: resource already exists")
	ErrPermission  = errors.New("mlos: permission denied")
	ErrIO          = errors.New("mlos: i/o error")
	ErrUnsupported = errors.New("mlos: unsupported on this OS")
)

// Protocol errors: surfaced from frame decoding and dispatch registration.
var (
	ErrInvalidFrame     = errors.New("mlos: invalid frame")
	ErrInvalidBaseIndex = errors.New("mlos: registry announced with non-contiguous base index")
	ErrAlreadyPresent   = errors.New("mlos: config key already present")
)

// Lifecycle errors: cooperative cancellation of the shared channel.
var (
	ErrAborted = errors.New("mlos: aborted: channel terminated")
)

// Programmer errors: caller misuse, not reachable via normal operation.
var (
	ErrKeyNotFound = errors.New("mlos: update_config: key not found")
)
