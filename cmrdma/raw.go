package cmrdma

import (
	"net/netip"
	"time"
)

// RawIdentifier is the backend-specific CM identifier a concrete
// implementation (fakeverbs, or a real rdmacm binding) must satisfy. It
// speaks in untranslated event kinds and raw errors; Endpoint is the
// backend-agnostic layer on top that enforces the one-pending-event
// invariant and translates events through decodeEvent (spec §4.D, §4.E).
//
// Implementations are not required to be safe for concurrent use: like the
// reference rdma_cm_id, a single identifier is only ever driven by one
// goroutine at a time, serialized by its owning Endpoint's caller.
type RawIdentifier interface {
	// BindAndListen binds to addr and starts listening with the given
	// backlog. Only valid on a freshly created identifier.
	BindAndListen(addr netip.AddrPort, backlog int) error

	// GetRequest dequeues one pending incoming connection request, if any,
	// returning a new identifier for it plus the initiator's private data.
	// Returns ErrWouldBlock when none is queued.
	GetRequest() (RawIdentifier, []byte, error)

	// ResolveAddr resolves a route-capable local/remote address pair. src
	// is the zero value when the caller has no explicit source to bind to.
	ResolveAddr(src netip.Addr, remote netip.AddrPort, timeout time.Duration) error

	// ResolveRoute resolves the path between the addresses already given
	// to ResolveAddr.
	ResolveRoute(timeout time.Duration) error

	// Accept completes a passive-side handshake, carrying data back to the
	// peer's ESTABLISHED event.
	Accept(data []byte) error

	// Connect initiates an active-side handshake, carrying data to the
	// peer's connection request.
	Connect(data []byte) error

	// CreateQP creates and binds a queue pair to this identifier.
	CreateQP(attr QPInitAttr, pd ProtectionDomain) (*QP, error)

	// DestroyQP destroys this identifier's queue pair without touching its
	// CQ. Idempotent: calling it with no QP attached is a no-op.
	DestroyQP() error

	// NextRawEvent dequeues the next event, or returns ErrWouldBlock if the
	// channel's fd is not currently readable. It does not implicitly
	// acknowledge a previously returned event; AckEvent does that.
	NextRawEvent() (RawEventKind, []byte, error)

	// AckEvent acknowledges the most recently returned event, releasing any
	// backend resources pinned to it. Called exactly once per event
	// returned by NextRawEvent, always before the next NextRawEvent call;
	// on an identifier returned by GetRequest it is also called once, before
	// its first NextRawEvent, for the connection-request event.
	AckEvent() error

	// FD returns the identifier's non-blocking, close-on-exec event-channel
	// file descriptor, suitable for poll/epoll.
	FD() int

	// Close tears the identifier down. Idempotent.
	Close() error
}
