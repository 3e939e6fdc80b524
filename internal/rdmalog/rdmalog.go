// Package rdmalog provides the small, rate-limited diagnostics logger used
// throughout blockpool and cmrdma. It stands in for the glog+gflags
// combination (PLOG_EVERY_SECOND, LOG(WARNING)) used by the reference
// implementation: device failures and memory exhaustion are expected to
// happen under load and must not be allowed to flood stderr.
package rdmalog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vela-rpc/rdma/internal/ratelimit"
)

// Logger writes structured key=value diagnostic lines.
type Logger interface {
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// Default is the process-wide logger used by packages that don't take an
// explicit Logger dependency (mirroring the reference implementation's
// globally-configured glog sink).
var Default Logger = NewStderrLogger()

// StderrLogger writes to os.Stderr and rate-limits repeated messages.
type StderrLogger struct {
	mu     sync.Mutex
	out    *os.File
	gates  map[string]*ratelimit.Gate
	period time.Duration
}

// NewStderrLogger creates a logger that allows each distinct message at
// most once per second, matching the reference's PLOG_EVERY_SECOND /
// LOG_EVERY_SECOND behavior (spec §7: "memory exhaustion logs once per
// second").
func NewStderrLogger() *StderrLogger {
	return &StderrLogger{
		out:    os.Stderr,
		gates:  make(map[string]*ratelimit.Gate),
		period: time.Second,
	}
}

func (l *StderrLogger) gateFor(msg string) *ratelimit.Gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[msg]
	if !ok {
		g = ratelimit.NewGate(l.period)
		l.gates[msg] = g
	}
	return g
}

func (l *StderrLogger) emit(level, msg string, kv []any) {
	if !l.gateFor(msg).Allow() {
		return
	}
	fmt.Fprintf(l.out, "level=%s msg=%q", level, msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", kv[i], kv[i+1])
	}
	fmt.Fprintln(l.out)
}

func (l *StderrLogger) Warn(msg string, kv ...any)  { l.emit("warn", msg, kv) }
func (l *StderrLogger) Error(msg string, kv ...any) { l.emit("error", msg, kv) }
