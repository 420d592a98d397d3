package dispatch

import (
	"sync"
	"time"

	"github.com/netsip/dispatch/sipmsg"
	"github.com/netsip/dispatch/timing"
	"github.com/netsip/dispatch/transport"
)

// State is the QueueEntry lifecycle state: created unresolved, in flight
// once a (leg, dst_addr) list is attached, terminal once removed.
type State uint8

const (
	StateUnresolved State = iota
	StateInFlight
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateInFlight:
		return "in_flight"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

// CompletionFunc is a QueueEntry's completion hook: err is nil on a
// successful send, ETIMEDOUT-wrapping on retransmit exhaustion, or a
// resolver/transport error.
type CompletionFunc func(err error)

// QueueEntry holds one in-flight delivery: the packet, its candidate
// (leg, dst_addr) pairs, and the retransmit schedule. Its zero value is not
// meaningful; construct with newQueueEntry.
type QueueEntry struct {
	mu sync.Mutex

	id      string
	packet  sipmsg.Packet
	dstAddr []string
	legs    []transport.Leg

	retransmits timing.Schedule // nil => single-shot

	callback  CompletionFunc
	proto     []sipmsg.Proto // optional protocol filter for resolution
	legFilter []transport.Leg

	state     State
	createdAt time.Time
}

func newQueueEntry(pkt sipmsg.Packet, id string, now time.Time) *QueueEntry {
	if id == "" {
		id = pkt.TID()
	}
	return &QueueEntry{
		id:        id,
		packet:    pkt,
		state:     StateUnresolved,
		createdAt: now,
	}
}

// ID returns the cancellation key.
func (q *QueueEntry) ID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.id
}

// headLocked returns the current (leg, dst_addr) pair, or ok=false if
// unresolved. Caller must hold q.mu.
func (q *QueueEntry) headLocked() (leg transport.Leg, addr string, ok bool) {
	if len(q.legs) == 0 || len(q.dstAddr) == 0 {
		return nil, "", false
	}
	return q.legs[0], q.dstAddr[0], true
}

// popFrontLocked advances past the current head candidate, e.g. after a
// failed send with more candidates remaining. Caller must hold q.mu.
func (q *QueueEntry) popFrontLocked() {
	if len(q.legs) > 0 {
		q.legs = q.legs[1:]
	}
	if len(q.dstAddr) > 0 {
		q.dstAddr = q.dstAddr[1:]
	}
}

// resolvedLocked attaches resolver output, truncating so the dst_addr and
// leg lists always have identical length. A terminal entry stays terminal —
// resolution completing after a cancel must not revive it. Caller must hold
// q.mu.
func (q *QueueEntry) resolvedLocked(dstAddr []string, legs []transport.Leg) {
	n := len(dstAddr)
	if len(legs) < n {
		n = len(legs)
	}
	q.dstAddr = dstAddr[:n]
	q.legs = legs[:n]
	if q.state != StateTerminal {
		q.state = StateInFlight
	}
}

// dueRetransmitsLocked pops every scheduled timestamp strictly before now,
// returning whether a retransmit fired and whether the entry's hard expiry
// (the schedule's last element) has also elapsed. Caller must hold q.mu.
func (q *QueueEntry) dueRetransmitsLocked(now time.Time) (fired, expired bool) {
	if len(q.retransmits) == 0 {
		return false, false
	}
	for len(q.retransmits) > 0 && q.retransmits[0].Before(now) {
		q.retransmits = q.retransmits[1:]
		fired = true
	}
	return fired, len(q.retransmits) == 0
}

// nextWakeLocked returns the entry's next pending timestamp, or zero if
// none remain. Caller must hold q.mu.
func (q *QueueEntry) nextWakeLocked() time.Time {
	if len(q.retransmits) == 0 {
		return time.Time{}
	}
	return q.retransmits[0]
}
