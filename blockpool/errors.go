package blockpool

import "errors"

// Error kinds match the taxonomy in the RDMA substrate design: callers use
// errors.Is against these sentinels instead of an errno-style global.
var (
	// ErrInvalidArgument covers a nil/zero pointer, a zero or oversized
	// alloc request, or calling InitPool a second time.
	ErrInvalidArgument = errors.New("blockpool: invalid argument")

	// ErrOutOfMemory covers the region cap being reached, an aligned
	// mmap failure, or (in principle) node-pool exhaustion during extend.
	ErrOutOfMemory = errors.New("blockpool: out of memory")

	// ErrNotFound covers a foreign pointer passed to Dealloc.
	ErrNotFound = errors.New("blockpool: address not owned by any region")

	// ErrDeviceError covers a registration callback reporting failure.
	ErrDeviceError = errors.New("blockpool: region registration failed")
)
