package ratelimit

import (
	"testing"
	"time"
)

func TestGateAllowsOncePerInterval(t *testing.T) {
	g := NewGate(50 * time.Millisecond)

	if !g.Allow() {
		t.Fatal("first Allow() should succeed")
	}
	if g.Allow() {
		t.Fatal("second Allow() within the interval should be suppressed")
	}

	time.Sleep(60 * time.Millisecond)
	if !g.Allow() {
		t.Fatal("Allow() after the interval elapsed should succeed")
	}
}

func TestThrottleNilOnZeroRate(t *testing.T) {
	th := NewThrottle(0)
	if th != nil {
		t.Fatal("NewThrottle(0) should return nil (throttling disabled)")
	}
	th.ThrottleN(1000) // must not panic on a nil receiver
}

func TestThrottlePacesToTarget(t *testing.T) {
	th := NewThrottle(1000)
	start := time.Now()
	for i := 0; i < 200; i++ {
		th.ThrottleN(1)
	}
	elapsed := time.Since(start)
	if elapsed < 150*time.Millisecond {
		t.Fatalf("200 ops at 1000/s finished in %v, expected roughly 200ms", elapsed)
	}
}
