package blockpool

import (
	"sync"

	"github.com/vela-rpc/rdma/internal/rdmalog"
)

// global is the process-wide pool behind InitPool/AllocBlock/DeallocBlock,
// modeling the reference implementation's g_info/g_regions globals as a
// lazily initialized singleton with an explicit init/destroy lifecycle
// (spec §9 design note). Embedders that want more than one pool (tests,
// or a host process with multiple RDMA NICs) should use NewPool directly
// instead.
var (
	globalMu sync.Mutex
	global   *Pool
)

// InitPool initializes the process-wide block pool. It is one-shot:
// calling it again before DestroyPool logs a warning and fails with
// ErrInvalidArgument, leaving the existing pool untouched (spec §6).
func InitPool(cfg Config, cb RegisterFunc) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		rdmalog.Default.Warn("InitPool called while already initialized")
		return ErrInvalidArgument
	}

	p, err := NewPool(cfg, cb)
	if err != nil {
		return err
	}
	global = p
	return nil
}

// AllocBlock allocates from the process-wide pool.
func AllocBlock(size uintptr) (Ptr, error) {
	globalMu.Lock()
	p := global
	globalMu.Unlock()
	if p == nil {
		return 0, ErrInvalidArgument
	}
	return p.Alloc(size)
}

// DeallocBlock returns a block to the process-wide pool.
func DeallocBlock(ptr Ptr) error {
	globalMu.Lock()
	p := global
	globalMu.Unlock()
	if p == nil {
		return ErrInvalidArgument
	}
	return p.Dealloc(ptr)
}

// RegionID returns the registration key for ptr in the process-wide pool,
// or 0 if unknown.
func RegionID(ptr Ptr) uint32 {
	globalMu.Lock()
	p := global
	globalMu.Unlock()
	if p == nil {
		return 0
	}
	return p.RegionID(ptr)
}

// DestroyPool is test-only: it tears down the process-wide pool so a test
// binary can re-InitPool with a different configuration.
func DestroyPool() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return
	}
	global.Destroy()
	global = nil
}

// BlockType is test-only: see Pool.BlockType.
func BlockType(ptr Ptr) int {
	globalMu.Lock()
	p := global
	globalMu.Unlock()
	if p == nil {
		return -1
	}
	return p.BlockType(ptr)
}

// BlockSizeOfClass is test-only: see Pool.BlockSize.
func BlockSizeOfClass(class int) uintptr {
	globalMu.Lock()
	p := global
	globalMu.Unlock()
	if p == nil {
		return 0
	}
	return p.BlockSize(class)
}

// GlobalFreeLen is test-only: see Pool.GlobalFreeLen.
func GlobalFreeLen(class int) uintptr {
	globalMu.Lock()
	p := global
	globalMu.Unlock()
	if p == nil {
		return 0
	}
	return p.GlobalFreeLen(class)
}

// RegionCount is test-only: see Pool.RegionCount.
func RegionCount() int {
	globalMu.Lock()
	p := global
	globalMu.Unlock()
	if p == nil {
		return 0
	}
	return p.RegionCount()
}
