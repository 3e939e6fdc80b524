// Package ratelimit provides simple time-based gates.
//
// Gate is adapted from the packets-per-second throttle used by the
// afxdp-bench-go load generators: instead of pacing a send loop, it paces
// how often a recurring diagnostic (a log line, a metric flush) is allowed
// to fire.
package ratelimit

import (
	"sync"
	"time"
)

// Gate allows one "tick" to pass per interval; calls inside the same
// interval are suppressed. Safe for concurrent use.
type Gate struct {
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

// NewGate creates a gate that allows at most one Allow() == true per interval.
func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Allow reports whether the caller may proceed, advancing the internal
// deadline if so. Typical use: `if gate.Allow() { log.Warn(...) }`.
func (g *Gate) Allow() bool {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Before(g.next) {
		return false
	}
	g.next = now.Add(g.interval)
	return true
}

// Throttle limits to n operations per second on average.
// Not safe for concurrent use; pace a single-threaded loop, mirroring the
// original packets-per-second load generator throttle.
type Throttle struct {
	nsPerOp    int64
	opsSoFar   uint64
	startTime  time.Time
	checkEvery uint64
}

// NewThrottle creates a limiter for opsPerSec operations per second.
// If opsPerSec == 0, throttling is disabled and ThrottleN is a no-op.
func NewThrottle(opsPerSec uint64) *Throttle {
	if opsPerSec == 0 {
		return nil
	}
	return &Throttle{
		nsPerOp:   int64(time.Second) / int64(opsPerSec),
		startTime: time.Now(),

		// Check wall time every ~10ms worth of ops to balance accuracy
		// against overhead. At least every 32 ops, at most every 1024.
		checkEvery: min(max(opsPerSec/100, 32), 1024),
	}
}

// ThrottleN blocks until n more operations are allowed to have happened.
func (t *Throttle) ThrottleN(n uint64) {
	if t == nil || n == 0 {
		return
	}

	t.opsSoFar += n
	if t.opsSoFar%t.checkEvery != 0 {
		return // Fast path: only check time periodically.
	}

	expected := t.startTime.Add(time.Duration(int64(t.opsSoFar) * t.nsPerOp))
	if now := time.Now(); now.Before(expected) {
		time.Sleep(expected.Sub(now))
	}
	// If behind schedule, naturally catch up by not sleeping.
}
