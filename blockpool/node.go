package blockpool

import (
	"sync"
	"sync/atomic"
)

// idleNode is a free-range descriptor: {start, len, next}. len is always a
// positive multiple of the owning region's block-class size. Nodes form
// singly-linked LIFO stacks; a node's ownership is exactly its list
// membership (spec §9 design note).
type idleNode struct {
	start uintptr
	len   uintptr
	next  *idleNode
}

// nodePool is the thread-safe object pool idleNodes are drawn from and
// returned to. The reference implementation (butil::object_pool) is an
// external collaborator assumed to be thread-safe and effectively
// inexhaustible; we model that with sync.Pool, with a test-only override
// to force the exhaustion path so the silent-leak behavior (spec §4.B,
// Open Question (c)) is exercised deterministically in tests.
type nodePool struct {
	pool sync.Pool

	// forceExhausted is flipped by tests to make get() fail even though
	// sync.Pool itself never reports exhaustion. Never touched in
	// production code paths.
	forceExhausted atomic.Bool
}

func newNodePool() *nodePool {
	return &nodePool{
		pool: sync.Pool{New: func() any { return &idleNode{} }},
	}
}

// get acquires a node from the pool. ok is false only when a test has
// forced exhaustion via setExhausted(true).
func (p *nodePool) get() (n *idleNode, ok bool) {
	if p.forceExhausted.Load() {
		return nil, false
	}
	return p.pool.Get().(*idleNode), true
}

// put returns a node to the pool for reuse.
func (p *nodePool) put(n *idleNode) {
	n.start, n.len, n.next = 0, 0, nil
	p.pool.Put(n)
}

// setExhausted is test-only: it makes every subsequent get() fail until
// cleared, so callers can deterministically exercise node-pool-exhaustion
// handling (the extend() rollback path and the dealloc() silent-leak path).
func (p *nodePool) setExhausted(v bool) {
	p.forceExhausted.Store(v)
}
