// Package transport implements the Leg abstraction: a bound transport
// endpoint speaking UDP or TCP, with a fixed (proto, addr, port) identity
// and a SIP contact string. It also holds the Registry that tracks live
// legs and wires their file descriptors into the event loop.
package transport

import "github.com/netsip/dispatch/sipmsg"

// Criteria filters legs for Registry.GetLegs / Leg.CanDeliverTo. A nil
// pointer field means "don't filter on this dimension".
type Criteria struct {
	Proto     *sipmsg.Proto
	Addr      *string
	Port      *uint16
	FD        *int // matches Leg.FD()
	Predicate func(Leg) bool
}

func (c Criteria) matches(l Leg) bool {
	if c.Proto != nil && l.Proto() != *c.Proto {
		return false
	}
	if c.Addr != nil && l.Addr() != *c.Addr {
		return false
	}
	if c.Port != nil && l.Port() != *c.Port {
		return false
	}
	if c.FD != nil && l.FD() != *c.FD {
		return false
	}
	if c.Predicate != nil && !c.Predicate(l) {
		return false
	}
	return true
}

// DeliverFunc is the completion callback passed to Leg.Deliver: err is nil
// on success (bytes handed to the socket for TCP, or sent immediately for
// UDP).
type DeliverFunc func(err error)

// Leg is a bound transport endpoint: identity (proto, addr, port) plus a
// SIP contact string and the I/O operations the dispatcher/forwarder need.
type Leg interface {
	Proto() sipmsg.Proto
	Addr() string
	Port() uint16
	Contact() string

	// FD returns the descriptor to register with the event loop, or -1 if
	// this leg has none.
	FD() int

	// Deliver sends pkt toward dstAddr ("proto:host:port"); cb fires exactly
	// once with the outcome.
	Deliver(pkt sipmsg.Packet, dstAddr string, cb DeliverFunc)

	// CanDeliverTo reports whether this leg could plausibly reach a peer
	// matching c — used by the resolver's hop-to-leg binding and the proxy
	// forwarder's received= restriction.
	CanDeliverTo(c Criteria) bool

	// ForwardIncoming lets a leg annotate a packet just received on it
	// before stateless-proxy processing (e.g. Record-Route).
	ForwardIncoming(pkt sipmsg.Packet) error

	// ForwardOutgoing lets the chosen outgoing leg annotate a packet right
	// before it is sent on behalf of the proxy forwarder, receiving the leg
	// the packet arrived on for context (e.g. Via injection carrying the
	// incoming leg's protocol).
	ForwardOutgoing(pkt sipmsg.Packet, incoming Leg) error
}

// ReceiveFunc is invoked by a Leg's background reader for every packet it
// decodes; a nil packet return from the underlying read (a partial TCP
// read, or a listening socket that spawned a new leg) is swallowed before
// ReceiveFunc is called.
type ReceiveFunc func(pkt sipmsg.Packet, leg Leg, from string)
