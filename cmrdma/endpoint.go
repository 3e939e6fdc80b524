//go:build linux

package cmrdma

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vela-rpc/rdma/internal/rdmalog"
)

// Endpoint is the non-blocking control-plane façade over one CM identifier
// (spec §4.D). It is not safe for concurrent use: exactly like the
// reference rdma_cm_id, all operations on a given Endpoint must be
// serialized by the caller, typically the single goroutine driving that
// connection's event pump.
type Endpoint struct {
	raw RawIdentifier
	gw  VerbsGateway
	cfg Config

	// pending is true between a NextRawEvent call that returned an event
	// and the following PollEvent call, which must ack it first. An
	// endpoint returned by GetRequest starts with pending set for the
	// connection-request event that carried its private data. It is the
	// Go expression of "at most one unacknowledged event per identifier"
	// (spec §5, invariant 7).
	pending  bool
	connData []byte

	qp *QP
}

// Create allocates a fresh, unbound endpoint.
func Create(backend Backend, cfg Config) (*Endpoint, error) {
	cfg.ValidateAndSetDefaults()
	raw, err := backend.CreateIdentifier()
	if err != nil {
		return nil, fmt.Errorf("%w: create identifier: %v", ErrDeviceError, err)
	}
	return &Endpoint{raw: raw, gw: backend, cfg: cfg}, nil
}

// Listen creates an endpoint, binds it to addr and starts listening. A
// backlog of 0 uses Config.Backlog.
func Listen(backend Backend, cfg Config, addr netip.AddrPort, backlog int) (*Endpoint, error) {
	ep, err := Create(backend, cfg)
	if err != nil {
		return nil, err
	}
	if backlog <= 0 {
		backlog = ep.cfg.Backlog
	}
	if err := ep.raw.BindAndListen(addr, backlog); err != nil {
		ep.raw.Close()
		return nil, fmt.Errorf("%w: bind/listen %s: %v", ErrDeviceError, addr, err)
	}
	return ep, nil
}

// GetRequest dequeues one pending connection request, if any. It returns
// (nil, nil) both when none is queued and when the backend reports any
// other failure fetching it, logging the latter: a listener should never
// be taken down by one bad request (spec §4.D).
func (e *Endpoint) GetRequest() (*Endpoint, error) {
	raw, data, err := e.raw.GetRequest()
	if err != nil {
		if !errors.Is(err, ErrWouldBlock) {
			rdmalog.Default.Warn("cmrdma: get_request failed", "err", err)
		}
		return nil, nil
	}
	if raw == nil {
		return nil, nil
	}
	return &Endpoint{raw: raw, gw: e.gw, cfg: e.cfg, connData: data, pending: true}, nil
}

// ResolveAddr resolves the path to remote, rewriting the source address to
// the host's RDMA NIC whenever remote is itself local (spec §4.D).
func (e *Endpoint) ResolveAddr(remote netip.AddrPort) error {
	var src netip.Addr
	local, err := isLocalIP(remote.Addr())
	if err != nil {
		return fmt.Errorf("%w: checking local address: %v", ErrDeviceError, err)
	}
	if local {
		nic, err := DefaultNICAddr()
		if err != nil {
			return fmt.Errorf("%w: resolving RDMA NIC address: %v", ErrDeviceError, err)
		}
		src = nic
	}
	timeout := time.Duration(e.cfg.ConnTimeoutMS/2) * time.Millisecond
	if err := e.raw.ResolveAddr(src, remote, timeout); err != nil {
		return fmt.Errorf("%w: resolve_addr %s: %v", ErrDeviceError, remote, err)
	}
	return nil
}

// ResolveRoute resolves the route to the address already given to
// ResolveAddr.
func (e *Endpoint) ResolveRoute() error {
	timeout := time.Duration(e.cfg.ConnTimeoutMS/2) * time.Millisecond
	if err := e.raw.ResolveRoute(timeout); err != nil {
		return fmt.Errorf("%w: resolve_route: %v", ErrDeviceError, err)
	}
	return nil
}

// Accept completes a passive-side handshake, sending data back to the
// peer's ESTABLISHED event.
func (e *Endpoint) Accept(data []byte) error {
	if err := e.raw.Accept(data); err != nil {
		return fmt.Errorf("%w: accept: %v", ErrDeviceError, err)
	}
	return nil
}

// Connect initiates an active-side handshake, sending data to the peer's
// connection request.
func (e *Endpoint) Connect(data []byte) error {
	if err := e.raw.Connect(data); err != nil {
		return fmt.Errorf("%w: connect: %v", ErrDeviceError, err)
	}
	return nil
}

// CreateQP creates a queue pair bound to this identifier, using the
// gateway's protection domain and max SGE (spec §4.D).
func (e *Endpoint) CreateQP(sqSize, rqSize uint32, cq CQ, userContext uint64) (*QP, error) {
	attr := QPInitAttr{
		UserContext:   userContext,
		SendCQ:        cq,
		RecvCQ:        cq,
		QPType:        QPTypeRC,
		MaxSendWR:     sqSize,
		MaxRecvWR:     rqSize,
		MaxSendSGE:    e.gw.MaxSGE(),
		MaxRecvSGE:    1,
		MaxInlineData: 64,
	}
	qp, err := e.raw.CreateQP(attr, e.gw.ProtectionDomain())
	if err != nil {
		return nil, fmt.Errorf("%w: create_qp: %v", ErrDeviceError, err)
	}
	e.qp = qp
	return qp, nil
}

// ReleaseQP destroys this endpoint's queue pair, if any, without touching
// its CQ. Idempotent.
func (e *Endpoint) ReleaseQP() error {
	if e.qp == nil {
		return nil
	}
	if err := e.raw.DestroyQP(); err != nil {
		return fmt.Errorf("%w: destroy_qp: %v", ErrDeviceError, err)
	}
	e.qp = nil
	return nil
}

// PollEvent advances the event pump by one step: it first acknowledges the
// previously returned event, if any, then fetches the next one. It never
// blocks; EventNone with a nil error means the channel had nothing queued
// (spec §4.D, §5 invariant 7).
func (e *Endpoint) PollEvent() (Event, error) {
	if e.pending {
		if err := e.raw.AckEvent(); err != nil {
			return EventError, fmt.Errorf("%w: ack_cm_event: %v", ErrDeviceError, err)
		}
		e.pending = false
		e.connData = nil
	}

	kind, data, err := e.raw.NextRawEvent()
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			return EventNone, nil
		}
		return EventError, fmt.Errorf("%w: get_cm_event: %v", ErrDeviceError, err)
	}

	e.pending = true
	e.connData = data
	return decodeEvent(kind), nil
}

// ConnData returns the private-data blob carried by the most recently
// returned event. It is valid only until the next PollEvent call.
func (e *Endpoint) ConnData() []byte { return e.connData }

// FD returns the identifier's pollable event-channel file descriptor.
func (e *Endpoint) FD() int { return e.raw.FD() }

// Wait blocks until the event channel becomes readable or timeoutMS
// elapses, whichever comes first. A caller drives its event pump as
// `for { ev := ep.PollEvent(); if ev == EventNone { ep.Wait(...) } }`
// instead of busy-polling. Signal interruptions are retried transparently;
// only a genuine poll(2) failure is returned.
func (e *Endpoint) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(e.raw.FD()),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("%w: poll event channel: %v", ErrDeviceError, err)
	}
}

// Close releases the queue pair, if any, and tears down the identifier.
func (e *Endpoint) Close() error {
	qpErr := e.ReleaseQP()
	closeErr := e.raw.Close()
	return errors.Join(qpErr, closeErr)
}
