package cmrdma

// Event is the closed set of CM transitions an Endpoint's event pump can
// report. It mirrors the reference implementation's GetCMEvent() switch
// (spec §4.E): every rdma_cm_event_type not explicitly recognized there
// collapses to EventOther, and any failure to fetch an event at all
// collapses to EventError, never propagating the underlying errno.
type Event int

const (
	// EventNone means no event was queued; the channel's fd was not
	// readable. Not an error.
	EventNone Event = iota
	EventAddrResolved
	EventRouteResolved
	EventEstablished
	EventDisconnect
	// EventOther covers every CM event kind the substrate does not act on
	// (REJECTED, UNREACHABLE, DEVICE_REMOVAL, ADDR_ERROR, ROUTE_ERROR, ...).
	// Callers should treat it as informational.
	EventOther
	// EventError means the event channel itself failed; the caller should
	// tear the endpoint down.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventAddrResolved:
		return "ADDR_RESOLVED"
	case EventRouteResolved:
		return "ROUTE_RESOLVED"
	case EventEstablished:
		return "ESTABLISHED"
	case EventDisconnect:
		return "DISCONNECT"
	case EventOther:
		return "OTHER"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// RawEventKind is the backend's untranslated event kind, decoded into an
// Event by decodeEvent. Splitting these lets a backend stay ignorant of the
// closed Event enum and lets the decoder stay a pure function (spec §4.E
// names the decoder as its own component, separate from the event pump).
type RawEventKind int

const (
	RawNone RawEventKind = iota
	RawAddrResolved
	RawRouteResolved
	RawEstablished
	RawDisconnected
	RawOther
)

func decodeEvent(kind RawEventKind) Event {
	switch kind {
	case RawAddrResolved:
		return EventAddrResolved
	case RawRouteResolved:
		return EventRouteResolved
	case RawEstablished:
		return EventEstablished
	case RawDisconnected:
		return EventDisconnect
	default:
		return EventOther
	}
}
