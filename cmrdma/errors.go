package cmrdma

import "errors"

// Error kinds mirror the taxonomy in the RDMA substrate design (spec §7).
var (
	// ErrInvalidArgument covers nil/zero arguments supplied by the caller.
	ErrInvalidArgument = errors.New("cmrdma: invalid argument")

	// ErrDeviceError covers any verbs/rdmacm failure reported by the
	// backend: a failed bind, resolve, accept, connect or QP operation.
	ErrDeviceError = errors.New("cmrdma: device error")

	// ErrWouldBlock is EAGAIN from the non-blocking event channel. It
	// never escapes PollEvent (which surfaces it as EventNone) but is
	// used internally, and by backend implementations, to signal "no
	// event queued right now" without allocating an error per call.
	ErrWouldBlock = errors.New("cmrdma: would block")
)
