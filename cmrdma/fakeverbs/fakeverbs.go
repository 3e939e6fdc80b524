//go:build linux

// Package fakeverbs is an in-process, non-RDMA implementation of
// cmrdma.Backend. It simulates the rdmacm handshake state machine over Go
// channels and a real pipe fd per identifier, so tests exercise the same
// non-blocking event-pump discipline a real verbs binding would require,
// without touching hardware. It is also the only implementation this repo
// carries for a host with no RDMA NIC (spec §9 design note).
package fakeverbs

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vela-rpc/rdma/cmrdma"
)

// Backend is a self-contained fake fabric: identifiers created from the
// same Backend can bind, listen, connect and hand off private data to each
// other, entirely in memory. Identifiers from two different Backend values
// can never see one another, mirroring two hosts with no route between
// them.
type Backend struct {
	mu        sync.Mutex
	listeners map[netip.AddrPort]*identifier

	nextLkey atomic.Uint32
}

// New returns an empty fake fabric.
func New() *Backend {
	return &Backend{listeners: make(map[netip.AddrPort]*identifier)}
}

func (b *Backend) RegisterRegion(mem []byte) uint32 {
	return b.nextLkey.Add(1)
}

func (b *Backend) ProtectionDomain() cmrdma.ProtectionDomain { return pdToken{} }

func (b *Backend) MaxSGE() uint32 { return 32 }

func (b *Backend) CreateIdentifier() (cmrdma.RawIdentifier, error) {
	return newIdentifier(b)
}

type pdToken struct{}

type rawEvent struct {
	kind cmrdma.RawEventKind
	data []byte
}

// identifier is one simulated rdma_cm_id. Its event queue is a plain slice
// guarded by mu; pipeR/pipeW mirror the fd a real verbs event channel would
// hand back, kept readable exactly while the queue is non-empty.
type identifier struct {
	backend *Backend

	mu     sync.Mutex
	events []rawEvent

	pipeR, pipeW int

	listenAddr netip.AddrPort
	backlog    chan *identifier

	remoteAddr netip.AddrPort
	localAddr  netip.Addr

	peer *identifier

	initialPrivateData []byte

	qp     *cmrdma.QP
	closed bool
}

func newIdentifier(b *Backend) (*identifier, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("fakeverbs: creating event channel: %w", err)
	}
	return &identifier{backend: b, pipeR: fds[0], pipeW: fds[1]}, nil
}

func (i *identifier) pushEvent(kind cmrdma.RawEventKind, data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	i.events = append(i.events, rawEvent{kind, data})
	var b [1]byte
	unix.Write(i.pipeW, b[:])
}

func (i *identifier) BindAndListen(addr netip.AddrPort, backlogSize int) error {
	i.backend.mu.Lock()
	defer i.backend.mu.Unlock()
	if _, exists := i.backend.listeners[addr]; exists {
		return fmt.Errorf("fakeverbs: address already in use: %s", addr)
	}
	i.listenAddr = addr
	i.backlog = make(chan *identifier, backlogSize)
	i.backend.listeners[addr] = i
	return nil
}

func (i *identifier) GetRequest() (cmrdma.RawIdentifier, []byte, error) {
	if i.backlog == nil {
		return nil, nil, fmt.Errorf("fakeverbs: identifier is not listening")
	}
	select {
	case child := <-i.backlog:
		return child, child.initialPrivateData, nil
	default:
		return nil, nil, cmrdma.ErrWouldBlock
	}
}

func (i *identifier) ResolveAddr(src netip.Addr, remote netip.AddrPort, _ time.Duration) error {
	i.localAddr = src
	i.remoteAddr = remote
	i.pushEvent(cmrdma.RawAddrResolved, nil)
	return nil
}

func (i *identifier) ResolveRoute(_ time.Duration) error {
	i.pushEvent(cmrdma.RawRouteResolved, nil)
	return nil
}

func (i *identifier) Connect(data []byte) error {
	i.backend.mu.Lock()
	listener, ok := i.backend.listeners[i.remoteAddr]
	i.backend.mu.Unlock()
	if !ok {
		return fmt.Errorf("fakeverbs: connection refused: no listener at %s", i.remoteAddr)
	}

	child, err := newIdentifier(i.backend)
	if err != nil {
		return err
	}
	child.initialPrivateData = append([]byte(nil), data...)
	child.peer = i

	select {
	case listener.backlog <- child:
	default:
		return fmt.Errorf("fakeverbs: listen backlog full at %s", i.remoteAddr)
	}
	return nil
}

func (i *identifier) Accept(data []byte) error {
	sent := append([]byte(nil), data...)
	i.pushEvent(cmrdma.RawEstablished, sent)
	if i.peer != nil {
		i.peer.pushEvent(cmrdma.RawEstablished, sent)
	}
	return nil
}

func (i *identifier) CreateQP(attr cmrdma.QPInitAttr, _ cmrdma.ProtectionDomain) (*cmrdma.QP, error) {
	qp := cmrdma.NewQP(attr.UserContext)
	i.qp = qp
	return qp, nil
}

func (i *identifier) DestroyQP() error {
	i.qp = nil
	return nil
}

func (i *identifier) NextRawEvent() (cmrdma.RawEventKind, []byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.events) == 0 {
		return cmrdma.RawNone, nil, cmrdma.ErrWouldBlock
	}
	ev := i.events[0]
	i.events = i.events[1:]
	var b [1]byte
	unix.Read(i.pipeR, b[:])
	return ev.kind, ev.data, nil
}

// AckEvent is a no-op: the fake fabric has no kernel-side event memory to
// release. Endpoint still calls it in order, exercising the same
// ack-before-next-fetch sequencing a real backend requires.
func (i *identifier) AckEvent() error { return nil }

func (i *identifier) FD() int { return i.pipeR }

func (i *identifier) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true

	if i.listenAddr.IsValid() {
		i.backend.mu.Lock()
		if i.backend.listeners[i.listenAddr] == i {
			delete(i.backend.listeners, i.listenAddr)
		}
		i.backend.mu.Unlock()
	}

	unix.Close(i.pipeR)
	unix.Close(i.pipeW)
	return nil
}
