//go:build linux

// Package blockpool implements the registered-block pool: a process-wide,
// size-classed, bucketed allocator that hands out page-aligned memory
// blocks backed by pre-registered RDMA memory regions, so every block
// carries a stable registration key (lkey/rkey) usable in RDMA work
// requests without per-send registration cost.
//
// There is no coalescing and no deregistration: carved blocks are returned
// as atomic units, and regions live until the pool is destroyed (test-only).
package blockpool

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vela-rpc/rdma/internal/rdmalog"
	"github.com/vela-rpc/rdma/internal/ratelimit"
)

const (
	bytesInMB = 1 << 20

	// numClasses is the number of size classes: {B, 2B, 4B, 8B}.
	numClasses = 4

	// DefaultBlockSize is the base size class B used when Config.BlockSize
	// is left at zero, matching the reference implementation's coupling to
	// its IOBuf default block size.
	DefaultBlockSize = 8192
)

// RegisterFunc registers a freshly mmap'd region with the RDMA device and
// returns its non-zero registration key (lkey), or 0 on failure.
type RegisterFunc func(mem []byte) (id uint32)

// Ptr is an allocated block's address. It is valid as the Addr field of an
// RDMA work request for as long as the block has not been passed to
// Dealloc.
type Ptr uintptr

// Bytes views the block of size n starting at p as a byte slice. Callers
// must not retain the slice past Dealloc(p).
func (p Ptr) Bytes(n uintptr) []byte {
	if p == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p))), n)
}

// Config controls a Pool's sizing. Zero values are replaced with defaults
// by ValidateAndSetDefaults, matching the clamps in spec §4.B.
type Config struct {
	// InitialSizeMB sizes the first region; clamped to >= 64.
	InitialSizeMB int `yaml:"rdma_memory_pool_initial_size_mb"`
	// IncreaseSizeMB sizes every subsequent region; clamped to >= 64.
	IncreaseSizeMB int `yaml:"rdma_memory_pool_increase_size_mb"`
	// MaxRegions hard-caps the region count; clamped to [1, MaxRegions].
	MaxRegions int `yaml:"rdma_memory_pool_max_regions"`
	// Buckets is the per-class free-list shard count; clamped to >= 1.
	Buckets int `yaml:"rdma_memory_pool_buckets"`
	// BlockSize is B, the smallest size class; defaults to DefaultBlockSize.
	BlockSize uint32 `yaml:"rdma_memory_pool_block_size"`
}

// ValidateAndSetDefaults clamps the configuration in place, mirroring
// afxdp.SocketConfig.ValidateAndSetDefaults.
func (c *Config) ValidateAndSetDefaults() {
	if c.InitialSizeMB < 64 {
		c.InitialSizeMB = 64
	}
	if c.IncreaseSizeMB < 64 {
		c.IncreaseSizeMB = 64
	}
	if c.MaxRegions < 1 {
		c.MaxRegions = 1
	}
	if c.MaxRegions > MaxRegions {
		c.MaxRegions = MaxRegions
	}
	if c.Buckets < 1 {
		c.Buckets = 1
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
}

type classState struct {
	locks []sync.Mutex
	idle  []*idleNode // idle[bucket] is the LIFO head for (class, bucket)
	ready *idleNode   // guarded by Pool.extendMu
}

// Pool is a size-classed, bucketed registered-block allocator.
//
// All exported methods are safe to call concurrently from any goroutine.
// Lock order is fixed: a bucket lock is always acquired before the extend
// lock, and two bucket locks are never held at once (spec §5).
type Pool struct {
	cfg       Config
	classSize [numClasses]uintptr

	cb RegisterFunc

	extendMu sync.Mutex
	table    regionTable
	classes  [numClasses]classState

	nodes *nodePool

	logger   rdmalog.Logger
	leakGate *ratelimit.Gate
	oomGate  *ratelimit.Gate
}

// NewPool constructs a standalone pool. Most callers that only need one
// process-wide pool should use InitPool/AllocBlock/DeallocBlock instead;
// NewPool exists so tests (and embedders that genuinely need more than one
// pool, e.g. per-NIC pools) aren't forced through global state.
func NewPool(cfg Config, cb RegisterFunc) (*Pool, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: register callback is nil", ErrInvalidArgument)
	}
	cfg.ValidateAndSetDefaults()

	p := &Pool{
		cfg:      cfg,
		cb:       cb,
		nodes:    newNodePool(),
		logger:   rdmalog.Default,
		leakGate: ratelimit.NewGate(time.Second),
		oomGate:  ratelimit.NewGate(time.Second),
	}
	p.classSize = [numClasses]uintptr{
		uintptr(cfg.BlockSize),
		uintptr(cfg.BlockSize) * 2,
		uintptr(cfg.BlockSize) * 4,
		uintptr(cfg.BlockSize) * 8,
	}
	for i := range p.classes {
		p.classes[i].locks = make([]sync.Mutex, cfg.Buckets)
		p.classes[i].idle = make([]*idleNode, cfg.Buckets)
	}

	if err := p.extend(cfg.InitialSizeMB, blockDefault); err != nil {
		return nil, err
	}
	return p, nil
}

const (
	blockDefault  = 0
	block2Default = 1
	block4Default = 2
	block8Default = 3
)

// classOf picks the smallest class with class size >= size.
func (p *Pool) classOf(size uintptr) (int, error) {
	if size == 0 || size > p.classSize[numClasses-1] {
		return 0, fmt.Errorf("%w: size %d out of range", ErrInvalidArgument, size)
	}
	for i, cs := range p.classSize {
		if size <= cs {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: size %d out of range", ErrInvalidArgument, size)
}

// extend adds a new region sized from mb for the given class, serialized by
// the extend lock (spec §4.B "Region extension").
func (p *Pool) extend(mb int, class int) error {
	p.extendMu.Lock()
	defer p.extendMu.Unlock()
	return p.extendLocked(mb, class)
}

func (p *Pool) extendLocked(mb int, class int) error {
	if p.table.len() >= p.cfg.MaxRegions {
		return ErrOutOfMemory
	}

	buckets := uintptr(p.cfg.Buckets)
	classSize := p.classSize[class]

	// Regularize region size: floor((mb*MiB) / (classSize*buckets)) * (classSize*buckets).
	regionSize := uintptr(mb) * bytesInMB / classSize / buckets * classSize * buckets
	if regionSize < 64 {
		return fmt.Errorf("%w: regularized region size %d too small", ErrInvalidArgument, regionSize)
	}

	mem, err := unix.Mmap(-1, 0, int(regionSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		if p.oomGate.Allow() {
			p.logger.Error("extend: mmap region failed", "size", regionSize, "err", err)
		}
		return fmt.Errorf("%w: mmap region: %v", ErrOutOfMemory, err)
	}

	id := p.cb(mem)
	if id == 0 {
		_ = unix.Munmap(mem)
		return fmt.Errorf("%w: registration callback returned 0", ErrDeviceError)
	}

	nodes := make([]*idleNode, 0, buckets)
	for uintptr(len(nodes)) < buckets {
		n, ok := p.nodes.get()
		if !ok {
			for _, got := range nodes {
				p.nodes.put(got)
			}
			_ = unix.Munmap(mem)
			if p.oomGate.Allow() {
				p.logger.Error("extend: node pool exhausted", "buckets", buckets)
			}
			return fmt.Errorf("%w: node pool exhausted", ErrOutOfMemory)
		}
		nodes = append(nodes, n)
	}

	base := uintptr(unsafe.Pointer(&mem[0]))
	p.table.publish(Region{start: base, size: regionSize, id: id, class: class, mem: mem})

	bucketSpan := regionSize / buckets
	cls := &p.classes[class]
	for i, n := range nodes {
		n.start = base + uintptr(i)*bucketSpan
		n.len = bucketSpan
		n.next = cls.ready
		cls.ready = n
	}
	return nil
}

// pickReady moves the ready-list node belonging to bucket (if any) onto
// idle[bucket]. It stops at the first matching node: this is correct only
// because each region contributes exactly one ready node per bucket (spec
// §9, Open Question (b)) — that invariant must be preserved by extend.
func (p *Pool) pickReady(class, bucket int) {
	cls := &p.classes[class]
	buckets := uintptr(p.cfg.Buckets)

	var prev *idleNode
	node := cls.ready
	for node != nil {
		r := p.table.resolve(node.start)
		idx := int((node.start - r.start) * buckets / r.size)
		if idx == bucket {
			if prev == nil {
				cls.ready = node.next
			} else {
				prev.next = node.next
			}
			node.next = nil
			cls.idle[bucket] = node
			return
		}
		prev = node
		node = node.next
	}
}

// Alloc returns a block of at least size bytes from the smallest size class
// that fits it. Fails with ErrInvalidArgument for size == 0 or size greater
// than the largest class, and with ErrOutOfMemory when extension fails.
func (p *Pool) Alloc(size uintptr) (Ptr, error) {
	class, err := p.classOf(size)
	if err != nil {
		return 0, err
	}
	return p.allocFrom(class)
}

func (p *Pool) allocFrom(class int) (Ptr, error) {
	bucket := int(rand.Uint32() % uint32(p.cfg.Buckets))
	cls := &p.classes[class]

	cls.locks[bucket].Lock()
	defer cls.locks[bucket].Unlock()

	if cls.idle[bucket] == nil {
		p.extendMu.Lock()
		p.pickReady(class, bucket)
		if cls.idle[bucket] == nil {
			if err := p.extendLocked(p.cfg.IncreaseSizeMB, class); err != nil {
				p.extendMu.Unlock()
				if p.oomGate.Allow() {
					p.logger.Error("alloc: extend failed",
						"class", class, "hint",
						"raise rdma_memory_pool_increase_size_mb or rdma_memory_pool_max_regions")
				}
				if !errors.Is(err, ErrOutOfMemory) {
					err = fmt.Errorf("%w: extend: %w", ErrOutOfMemory, err)
				}
				return 0, err
			}
			p.pickReady(class, bucket)
		}
		p.extendMu.Unlock()
	}

	node := cls.idle[bucket]
	if node == nil {
		return 0, ErrOutOfMemory
	}

	addr := node.start
	classSize := p.classSize[class]
	if node.len > classSize {
		node.start += classSize
		node.len -= classSize
	} else {
		cls.idle[bucket] = node.next
		p.nodes.put(node)
	}
	return Ptr(addr), nil
}

// Dealloc returns a block to its owning bucket's free list. Fails with
// ErrInvalidArgument for a nil pointer and ErrNotFound for a pointer that
// does not belong to any region.
//
// If the node object pool is exhausted, the block is silently leaked
// rather than failing: losing a block is strictly better than failing to
// deallocate, which would corrupt caller expectations (spec §4.B, Open
// Question (c)).
func (p *Pool) Dealloc(ptr Ptr) error {
	if ptr == 0 {
		return ErrInvalidArgument
	}
	addr := uintptr(ptr)

	r := p.table.resolve(addr)
	if r == nil {
		return ErrNotFound
	}

	node, ok := p.nodes.get()
	if !ok {
		if p.leakGate.Allow() {
			p.logger.Warn("dealloc: node pool exhausted, leaking block", "addr", addr)
		}
		return nil
	}

	buckets := uintptr(p.cfg.Buckets)
	bucket := int((addr - r.start) * buckets / r.size)
	node.start = addr
	node.len = p.classSize[r.class]
	node.next = nil

	cls := &p.classes[r.class]
	cls.locks[bucket].Lock()
	node.next = cls.idle[bucket]
	cls.idle[bucket] = node
	cls.locks[bucket].Unlock()
	return nil
}

// RegionID returns the registration key of the region containing ptr, or 0
// if ptr is unknown to the pool.
func (p *Pool) RegionID(ptr Ptr) uint32 {
	r := p.table.resolve(uintptr(ptr))
	if r == nil {
		return 0
	}
	return r.id
}

// BlockType is test-only: it returns the size class that owns ptr, or -1.
func (p *Pool) BlockType(ptr Ptr) int {
	r := p.table.resolve(uintptr(ptr))
	if r == nil {
		return -1
	}
	return r.class
}

// BlockSize is test-only: it returns the byte size of class.
func (p *Pool) BlockSize(class int) uintptr {
	return p.classSize[class]
}

// GlobalFreeLen is test-only: it sums the free bytes of class, across the
// idle lists of all buckets and the class's ready list.
func (p *Pool) GlobalFreeLen(class int) uintptr {
	cls := &p.classes[class]
	var total uintptr
	for i := range cls.locks {
		cls.locks[i].Lock()
		for n := cls.idle[i]; n != nil; n = n.next {
			total += n.len
		}
		cls.locks[i].Unlock()
	}
	p.extendMu.Lock()
	for n := cls.ready; n != nil; n = n.next {
		total += n.len
	}
	p.extendMu.Unlock()
	return total
}

// RegionCount is test-only: it returns the number of published regions.
func (p *Pool) RegionCount() int {
	return p.table.len()
}

// SetNodePoolExhausted is test-only: it forces every subsequent internal
// node acquisition to fail, so the leak-on-exhaustion path in Dealloc (and
// the rollback path in extend) can be exercised deterministically.
func (p *Pool) SetNodePoolExhausted(v bool) {
	p.nodes.setExhausted(v)
}

// Destroy is test-only: it unmaps every region's backing memory and clears
// the region table and every idle and ready list. The configuration and
// registration callback are kept, so a later Alloc on the same Pool maps
// and registers a new region.
func (p *Pool) Destroy() {
	p.extendMu.Lock()
	defer p.extendMu.Unlock()

	for i := 0; i < p.table.len(); i++ {
		r := &p.table.regions[i]
		if r.mem != nil {
			_ = unix.Munmap(r.mem)
		}
	}
	p.table = regionTable{}
	for i := range p.classes {
		cls := &p.classes[i]
		for j := range cls.idle {
			cls.idle[j] = nil
		}
		cls.ready = nil
	}
}
