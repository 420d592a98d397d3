// Package dispatch implements the dispatch core of the SIP stack: it owns
// the delivery queue with RFC 3261 §17 retransmit scheduling, the response
// retransmission cache, and the inbound demultiplexing between transport
// legs and the upper transaction/application layer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/netsip/dispatch/eventloop"
	"github.com/netsip/dispatch/resolve"
	"github.com/netsip/dispatch/sipmsg"
	"github.com/netsip/dispatch/timing"
	"github.com/netsip/dispatch/transport"
)

// ErrTimedOut is returned to a QueueEntry's callback when its retransmit
// schedule is exhausted without a successful send.
var ErrTimedOut = errors.New("ETIMEDOUT: retransmit schedule exhausted")

// DeliverOpts configures one Deliver call.
type DeliverOpts struct {
	// ID overrides the cancellation key; defaults to packet.TID().
	ID string
	// DstAddr/Legs pin a known destination, skipping resolution entirely
	// (used by response delivery and stateless-proxy forwarding).
	DstAddr []string
	Legs    []transport.Leg
	// DoRetransmits overrides the dispatcher-wide default for this entry.
	DoRetransmits *bool
	Callback      CompletionFunc
	AllowedProto  []sipmsg.Proto
	AllowedLegs   []transport.Leg
}

// URIResolver is the narrow resolve contract the dispatcher needs;
// *resolve.Resolver satisfies it. Narrowed to an interface so tests can
// stub resolution without standing up DNS or real legs.
type URIResolver interface {
	ResolveURI(ctx context.Context, uri string, allowedProto []sipmsg.Proto, allowedLegs []transport.Leg, cb resolve.Callback)
}

// Config bundles the dispatcher's construction-time parameters.
type Config struct {
	DoRetransmits bool // used as given; the zero value turns retransmits off
	SendPoolSize  int  // bounded concurrency for outbound leg.Deliver calls
}

// Dispatcher is the dispatch core: Deliver/Receive/CancelDelivery/
// QueueExpire, driving QueueEntry state machines.
type Dispatcher struct {
	log      *slog.Logger
	clock    clockwork.Clock
	loop     *eventloop.Loop
	registry *transport.Registry
	resolver URIResolver
	cache    *ResponseCache
	sendPool pond.Pool
	metrics  *Metrics

	doRetransmits bool

	mu       sync.Mutex
	queue    map[string]*QueueEntry
	order    []*QueueEntry // insertion order, for deterministic queue_expire sweep
	receiver transport.ReceiveFunc
}

const defaultSendPoolSize = 32

// NewDispatcher constructs a Dispatcher. cfg.DoRetransmits is taken as
// given: a zero Config leaves retransmits off for every delivery that does
// not override it through DeliverOpts, so callers that want retransmits by
// default pass DoRetransmits: true.
func NewDispatcher(log *slog.Logger, clock clockwork.Clock, loop *eventloop.Loop, registry *transport.Registry, resolver URIResolver, cfg Config) *Dispatcher {
	poolSize := cfg.SendPoolSize
	if poolSize <= 0 {
		poolSize = defaultSendPoolSize
	}
	return &Dispatcher{
		log:           log,
		clock:         clock,
		loop:          loop,
		registry:      registry,
		resolver:      resolver,
		cache:         NewResponseCache(),
		sendPool:      pond.NewPool(poolSize),
		metrics:       NewMetrics(nil),
		doRetransmits: cfg.DoRetransmits,
		queue:         map[string]*QueueEntry{},
	}
}

// SetReceiver installs the upper-layer callback invoked by Receive for
// packets that don't hit the response cache. Without a receiver such
// packets are dropped silently.
func (d *Dispatcher) SetReceiver(recv transport.ReceiveFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = recv
}

// Deliver enqueues pkt for delivery. Calling it without a packet, or with a
// response that has no pinned (leg, dst_addr), is a programmer error and
// panics — responses carry no request-URI to resolve a route from.
func (d *Dispatcher) Deliver(ctx context.Context, pkt sipmsg.Packet, opts DeliverOpts) {
	if pkt == nil {
		panic("dispatch: Deliver called without a packet")
	}
	if pkt.IsResponse() {
		if len(opts.DstAddr) == 0 || len(opts.Legs) == 0 {
			panic("dispatch: response delivery requires a pinned leg and dst_addr")
		}
		d.cache.Put(pkt)
	}

	now := d.clock.Now()
	entry := newQueueEntry(pkt, opts.ID, now)
	entry.callback = opts.Callback
	entry.proto = opts.AllowedProto
	entry.legFilter = opts.AllowedLegs

	doRetransmit := d.doRetransmits
	if opts.DoRetransmits != nil {
		doRetransmit = *opts.DoRetransmits
	}
	if doRetransmit {
		kind := timing.Kind{IsRequest: pkt.IsRequest(), Method: pkt.Method()}
		if pkt.IsResponse() {
			kind.ResponseCode = pkt.Code()
			kind.Method = cseqMethod(pkt)
		}
		entry.retransmits = timing.For(kind, d.clock)
	}

	if len(opts.DstAddr) > 0 {
		entry.resolvedLocked(opts.DstAddr, opts.Legs)
	}

	d.mu.Lock()
	if prev, ok := d.queue[entry.id]; ok {
		// A newer delivery under the same id supersedes the old entry; the
		// stale one must not linger in the sweep order or fire callbacks.
		d.dropFromOrderLocked(prev)
		prev.mu.Lock()
		prev.state = StateTerminal
		prev.mu.Unlock()
	}
	d.queue[entry.id] = entry
	d.order = append(d.order, entry)
	metricQueueDepth.Set(float64(len(d.queue)))
	d.mu.Unlock()

	d.deliverEntry(ctx, entry)
}

// cseqMethod extracts the method token from a "seq method" CSeq value.
func cseqMethod(pkt sipmsg.Packet) string {
	cseq := pkt.CSeq()
	for i := 0; i < len(cseq); i++ {
		if cseq[i] == ' ' {
			return cseq[i+1:]
		}
	}
	return ""
}

// deliverEntry resolves the entry's destination if needed, then hands the
// packet to the head candidate's leg.
func (d *Dispatcher) deliverEntry(ctx context.Context, entry *QueueEntry) {
	entry.mu.Lock()
	if entry.state == StateTerminal {
		entry.mu.Unlock()
		return
	}
	leg, addr, ok := entry.headLocked()
	pkt := entry.packet
	proto := entry.proto
	legFilter := entry.legFilter
	entry.mu.Unlock()

	if !ok {
		d.resolver.ResolveURI(ctx, pkt.URI(), proto, legFilter, func(res resolve.Result, err error) {
			if err != nil {
				d.metrics.deliverAttempt("resolve_error")
				d.failEntry(entry, err)
				return
			}
			entry.mu.Lock()
			entry.resolvedLocked(res.DstAddr, res.Legs)
			entry.mu.Unlock()
			d.deliverEntry(ctx, entry)
		})
		return
	}

	d.sendPool.Submit(func() {
		leg.Deliver(pkt, addr, func(err error) {
			d.handleSendCompletion(ctx, entry, err)
		})
	})
}

// handleSendCompletion applies the outcome of one send attempt to the
// entry's state machine.
func (d *Dispatcher) handleSendCompletion(ctx context.Context, entry *QueueEntry, err error) {
	entry.mu.Lock()
	if entry.state == StateTerminal {
		// Late transport completion for a cancelled or already-removed
		// entry; it must not be resurrected and its callback must stay
		// silent.
		entry.mu.Unlock()
		return
	}
	hasRetransmits := len(entry.retransmits) > 0
	cb := entry.callback
	entry.mu.Unlock()

	if err != nil {
		d.metrics.deliverAttempt("error")

		// Reconcile the failure by advancing to the next candidate
		// (proto,host,port), if one is queued, instead of waiting for the
		// retransmit timer.
		entry.mu.Lock()
		entry.popFrontLocked()
		_, _, hasMore := entry.headLocked()
		entry.mu.Unlock()
		if hasMore {
			d.deliverEntry(ctx, entry)
			return
		}

		if !hasRetransmits {
			d.removeEntry(entry)
		}
		// With retransmits still attached the entry stays queued: the next
		// scheduled resend may succeed, or QueueExpire fires ETIMEDOUT once
		// the 64*T1 sentinel elapses.
		if cb != nil {
			cb(fmt.Errorf("transport delivery failed: %w", err))
		}
		return
	}

	d.metrics.deliverAttempt("sent")
	// Success settles the entry whether or not a schedule is attached: the
	// transport has taken definite ownership. Retransmits only fire while
	// an attempt's completion is still outstanding, e.g. a TCP connect that
	// never finishes.
	if d.removeEntry(entry) && cb != nil {
		cb(nil)
	}
}

// CancelDelivery removes every queue entry matching id. Idempotent: calling
// it twice, or on an unknown id, is a silent no-op. A cancelled entry fires
// no further callbacks; transport writes already handed to a leg may still
// complete, but their completion is dropped.
func (d *Dispatcher) CancelDelivery(id string) {
	d.mu.Lock()
	entry, ok := d.queue[id]
	if ok {
		delete(d.queue, id)
		d.dropFromOrderLocked(entry)
		metricQueueDepth.Set(float64(len(d.queue)))
	}
	d.mu.Unlock()
	if ok {
		entry.mu.Lock()
		entry.state = StateTerminal
		entry.mu.Unlock()
		metricCancellations.Inc()
	}
}

// removeEntry takes entry out of the queue and marks it terminal, reporting
// whether this call was the one that removed it — the terminal callback
// fires at most once, and only from the remover.
func (d *Dispatcher) removeEntry(entry *QueueEntry) bool {
	d.mu.Lock()
	removed := false
	if cur, ok := d.queue[entry.id]; ok && cur == entry {
		delete(d.queue, entry.id)
		d.dropFromOrderLocked(entry)
		metricQueueDepth.Set(float64(len(d.queue)))
		removed = true
	}
	d.mu.Unlock()
	if removed {
		entry.mu.Lock()
		entry.state = StateTerminal
		entry.mu.Unlock()
	}
	return removed
}

func (d *Dispatcher) dropFromOrderLocked(target *QueueEntry) {
	for i, e := range d.order {
		if e == target {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) failEntry(entry *QueueEntry, err error) {
	entry.mu.Lock()
	cb := entry.callback
	entry.mu.Unlock()
	if !d.removeEntry(entry) {
		return
	}
	if cb != nil {
		cb(err)
	}
}

// QueueExpire is the periodic (1Hz) sweep: pops due retransmits, re-enters
// deliverEntry for each, fires ETIMEDOUT for exhausted entries, sweeps the
// response cache, and returns the minimum pending expiry across everything
// still live so the caller can schedule a finer-grained wake.
func (d *Dispatcher) QueueExpire(ctx context.Context, now time.Time) time.Time {
	d.mu.Lock()
	entries := append([]*QueueEntry(nil), d.order...)
	d.mu.Unlock()

	var minExpire time.Time
	for _, entry := range entries {
		entry.mu.Lock()
		fired, expired := entry.dueRetransmitsLocked(now)
		wake := entry.nextWakeLocked()
		entry.mu.Unlock()

		if expired {
			metricTimeouts.Inc()
			d.failEntry(entry, ErrTimedOut)
			continue
		}
		if fired {
			metricRetransmits.Inc()
			// Resend to the same head candidate; the dst_addr/leg lists are
			// untouched by a retransmit firing, only by a failed send.
			d.deliverEntry(ctx, entry)
		}
		if !wake.IsZero() && (minExpire.IsZero() || wake.Before(minExpire)) {
			minExpire = wake
		}
	}

	d.cache.Sweep(now)
	return minExpire
}

// AddLeg registers l with the leg registry, wiring its file descriptor into
// the event loop. The registry is the owner; this passthrough keeps the
// dispatcher the single public surface embedding code talks to.
func (d *Dispatcher) AddLeg(l transport.Leg) {
	d.registry.AddLeg(l)
}

// RemoveLeg removes legs by identity and unregisters their FDs.
func (d *Dispatcher) RemoveLeg(legs ...transport.Leg) {
	d.registry.RemoveLeg(legs...)
}

// GetLegs returns every registered leg matching c.
func (d *Dispatcher) GetLegs(c transport.Criteria) []transport.Leg {
	return d.registry.GetLegs(c)
}

// AddTimer schedules cb on the dispatcher's event loop.
func (d *Dispatcher) AddTimer(when time.Time, cb func(), repeat time.Duration) eventloop.Timer {
	return d.loop.AddTimer(when, cb, repeat)
}

// ResolveURI runs the hop-selection pipeline against the dispatcher's
// resolver; exposed so transaction-layer callers can resolve without
// delivering.
func (d *Dispatcher) ResolveURI(ctx context.Context, uri string, allowedProto []sipmsg.Proto, allowedLegs []transport.Leg, cb resolve.Callback) {
	d.resolver.ResolveURI(ctx, uri, allowedProto, allowedLegs, cb)
}

// Receive demultiplexes an inbound packet: requests answerable from the
// response cache are answered directly (the receiver never sees them),
// everything else goes to the registered receiver.
func (d *Dispatcher) Receive(ctx context.Context, pkt sipmsg.Packet, leg transport.Leg, from string) {
	if pkt.IsRequest() {
		if cached, ok := d.cache.Lookup(pkt); ok {
			metricCacheHits.Inc()
			d.Deliver(ctx, cached, DeliverOpts{DstAddr: []string{from}, Legs: []transport.Leg{leg}, DoRetransmits: boolPtr(false)})
			return
		}
	}

	d.mu.Lock()
	recv := d.receiver
	d.mu.Unlock()
	if recv == nil {
		return
	}
	recv(pkt, leg, from)
}

func boolPtr(b bool) *bool { return &b }
