package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsip/dispatch/dispatch"
	"github.com/netsip/dispatch/resolve"
	"github.com/netsip/dispatch/sipmsg"
	"github.com/netsip/dispatch/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLeg records every Deliver target. With a nil results channel each send
// completes immediately with success; with a non-nil channel Deliver blocks
// until the test feeds (or closes) it, which models a transport whose
// completion is still outstanding — the only situation in which retransmits
// fire.
type fakeLeg struct {
	proto   sipmsg.Proto
	addr    string
	port    uint16
	results chan error

	mu   sync.Mutex
	sent []string
}

func (f *fakeLeg) Proto() sipmsg.Proto { return f.proto }
func (f *fakeLeg) Addr() string        { return f.addr }
func (f *fakeLeg) Port() uint16        { return f.port }
func (f *fakeLeg) Contact() string     { return "sip:" + f.addr + ":5060" }
func (f *fakeLeg) FD() int             { return -1 }
func (f *fakeLeg) Deliver(pkt sipmsg.Packet, dstAddr string, cb transport.DeliverFunc) {
	f.mu.Lock()
	f.sent = append(f.sent, dstAddr)
	f.mu.Unlock()
	if f.results != nil {
		cb(<-f.results)
		return
	}
	cb(nil)
}
func (f *fakeLeg) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}
func (f *fakeLeg) CanDeliverTo(c transport.Criteria) bool  { return true }
func (f *fakeLeg) ForwardIncoming(pkt sipmsg.Packet) error { return nil }
func (f *fakeLeg) ForwardOutgoing(pkt sipmsg.Packet, incoming transport.Leg) error {
	return nil
}

type fakeResolver struct {
	result resolve.Result
	err    error
}

func (r *fakeResolver) ResolveURI(ctx context.Context, uri string, allowedProto []sipmsg.Proto, allowedLegs []transport.Leg, cb resolve.Callback) {
	cb(r.result, r.err)
}

func newTestDispatcher(t *testing.T, clock clockwork.Clock, resolver dispatch.URIResolver) *dispatch.Dispatcher {
	t.Helper()
	registry := transport.NewRegistry(discardLogger(), nil, context.Background())
	d := dispatch.NewDispatcher(discardLogger(), clock, nil, registry, resolver, dispatch.Config{DoRetransmits: true})
	return d
}

func TestDeliver_SingleShotNoRetransmit_SendsOnceAndCompletes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	leg := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.1", port: 5060}
	resolver := &fakeResolver{}
	d := newTestDispatcher(t, clock, resolver)

	// ACK requests never get a retransmit schedule, so this exercises the
	// single-shot completion path.
	pkt := sipmsg.NewRequest("ACK", "sip:bob@example.com", "call-1", 1, "z9-branch")

	done := make(chan error, 1)
	d.Deliver(context.Background(), pkt, dispatch.DeliverOpts{
		DstAddr:  []string{"udp:10.0.0.1:5060"},
		Legs:     []transport.Leg{leg},
		Callback: func(err error) { done <- err },
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	assert.Equal(t, []string{"udp:10.0.0.1:5060"}, leg.sentTo())
}

func TestDeliver_SendSuccess_SettlesEntryDespiteSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	leg := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.1", port: 5060}
	resolver := &fakeResolver{}
	d := newTestDispatcher(t, clock, resolver)

	pkt := sipmsg.NewRequest("INVITE", "sip:bob@example.com", "call-2", 1, "z9-invite")
	done := make(chan error, 1)
	d.Deliver(context.Background(), pkt, dispatch.DeliverOpts{
		DstAddr:  []string{"udp:10.0.0.1:5060"},
		Legs:     []transport.Leg{leg},
		Callback: func(err error) { done <- err },
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	// The transport reported success, so the entry left the queue and the
	// schedule is dead: advancing past T1 must not resend.
	clock.Advance(600 * time.Millisecond)
	d.QueueExpire(context.Background(), clock.Now())
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, leg.sentTo(), 1)
}

func TestDeliver_PendingCompletion_RetransmitsAtT1(t *testing.T) {
	clock := clockwork.NewFakeClock()
	leg := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.1", port: 5060, results: make(chan error)}
	defer close(leg.results)
	resolver := &fakeResolver{}
	d := newTestDispatcher(t, clock, resolver)

	pkt := sipmsg.NewRequest("INVITE", "sip:bob@example.com", "call-3", 1, "z9-invite2")
	d.Deliver(context.Background(), pkt, dispatch.DeliverOpts{
		DstAddr: []string{"udp:10.0.0.1:5060"},
		Legs:    []transport.Leg{leg},
	})
	time.Sleep(20 * time.Millisecond)
	require.Len(t, leg.sentTo(), 1)

	clock.Advance(600 * time.Millisecond)
	min := d.QueueExpire(context.Background(), clock.Now())
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, leg.sentTo(), 2, "retransmit at T1 should have resent")
	assert.False(t, min.IsZero())
}

func TestDeliver_RetransmitExhaustion_FiresTimedOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	leg := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.1", port: 5060, results: make(chan error)}
	defer close(leg.results)
	resolver := &fakeResolver{}
	d := newTestDispatcher(t, clock, resolver)

	pkt := sipmsg.NewRequest("INVITE", "sip:bob@example.com", "call-4", 1, "z9-invite3")

	done := make(chan error, 1)
	d.Deliver(context.Background(), pkt, dispatch.DeliverOpts{
		DstAddr: []string{"udp:10.0.0.1:5060"},
		Legs:    []transport.Leg{leg},
		Callback: func(err error) {
			if errors.Is(err, dispatch.ErrTimedOut) {
				done <- err
			}
		},
	})
	time.Sleep(10 * time.Millisecond)

	clock.Advance(33 * time.Second)
	d.QueueExpire(context.Background(), clock.Now())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, dispatch.ErrTimedOut)
	case <-time.After(time.Second):
		t.Fatal("ETIMEDOUT callback never fired")
	}
}

func TestDeliver_SendError_AdvancesToNextCandidate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	failing := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.1", port: 5060, results: make(chan error, 1)}
	failing.results <- errors.New("connection refused")
	working := &fakeLeg{proto: sipmsg.ProtoTCP, addr: "10.0.0.1", port: 5060}
	resolver := &fakeResolver{}
	d := newTestDispatcher(t, clock, resolver)

	pkt := sipmsg.NewRequest("INVITE", "sip:bob@example.com", "call-5", 1, "z9-adv")
	done := make(chan error, 1)
	d.Deliver(context.Background(), pkt, dispatch.DeliverOpts{
		DstAddr:  []string{"udp:192.0.2.5:5060", "tcp:192.0.2.5:5060"},
		Legs:     []transport.Leg{failing, working},
		Callback: func(err error) { done <- err },
	})

	select {
	case err := <-done:
		require.NoError(t, err, "second candidate should have succeeded silently")
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	assert.Equal(t, []string{"udp:192.0.2.5:5060"}, failing.sentTo())
	assert.Equal(t, []string{"tcp:192.0.2.5:5060"}, working.sentTo())
}

// One retransmit at t=0.6s, then CancelDelivery — no further callbacks,
// even when the transport's late completion eventually arrives.
func TestCancelDelivery_StopsRetransmitsAndSilencesCallbacks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	leg := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.1", port: 5060, results: make(chan error, 4)}
	resolver := &fakeResolver{}
	d := newTestDispatcher(t, clock, resolver)

	var cbMu sync.Mutex
	callbacks := 0
	pkt := sipmsg.NewRequest("INVITE", "sip:bob@example.com", "call-6", 1, "z9-cancel")
	d.Deliver(context.Background(), pkt, dispatch.DeliverOpts{
		DstAddr: []string{"udp:10.0.0.1:5060"},
		Legs:    []transport.Leg{leg},
		Callback: func(err error) {
			cbMu.Lock()
			callbacks++
			cbMu.Unlock()
		},
	})
	time.Sleep(10 * time.Millisecond)

	clock.Advance(600 * time.Millisecond)
	d.QueueExpire(context.Background(), clock.Now())
	time.Sleep(20 * time.Millisecond)
	require.Len(t, leg.sentTo(), 2, "exactly one retransmit before cancel")

	d.CancelDelivery(pkt.TID())
	d.CancelDelivery(pkt.TID()) // idempotent

	// Late transport completions for the two in-flight sends are dropped.
	leg.results <- nil
	leg.results <- nil
	clock.Advance(40 * time.Second)
	d.QueueExpire(context.Background(), clock.Now())
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, leg.sentTo(), 2, "no resends after cancel")
	cbMu.Lock()
	defer cbMu.Unlock()
	assert.Zero(t, callbacks, "cancelled entry fired a callback")
}

func TestDeliver_ResolveError_SurfacesThroughCallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	resolver := &fakeResolver{err: resolve.ErrHostUnreach}
	d := newTestDispatcher(t, clock, resolver)

	pkt := sipmsg.NewRequest("INVITE", "sip:bob@nowhere.invalid", "call-7", 1, "z9-unres")
	done := make(chan error, 1)
	d.Deliver(context.Background(), pkt, dispatch.DeliverOpts{
		Callback: func(err error) { done <- err },
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, resolve.ErrHostUnreach)
	case <-time.After(time.Second):
		t.Fatal("resolve error never surfaced")
	}
}

func TestDeliver_ResponseWithoutPinnedLeg_Panics(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := newTestDispatcher(t, clock, &fakeResolver{})
	resp := sipmsg.NewResponse(200, "OK", "INVITE", "call-8", 1, "z9-abort")
	assert.Panics(t, func() {
		d.Deliver(context.Background(), resp, dispatch.DeliverOpts{})
	})
}

func TestReceive_CachedResponse_SkipsReceiverAndRedelivers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	respLeg := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.1", port: 5060}
	recvLeg := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.2", port: 5060}
	resolver := &fakeResolver{}
	d := newTestDispatcher(t, clock, resolver)

	receiverCalled := false
	d.SetReceiver(func(pkt sipmsg.Packet, leg transport.Leg, from string) {
		receiverCalled = true
	})

	resp := sipmsg.NewResponse(200, "OK", "INVITE", "call-9", 1, "z9-cached")
	d.Deliver(context.Background(), resp, dispatch.DeliverOpts{
		DstAddr:       []string{"udp:10.0.0.1:5060"},
		Legs:          []transport.Leg{respLeg},
		DoRetransmits: boolPtr(false),
	})
	time.Sleep(10 * time.Millisecond)

	req := sipmsg.NewRequest("INVITE", "sip:bob@example.com", "call-9", 1, "z9-cached")
	d.Receive(context.Background(), req, recvLeg, "udp:203.0.113.1:5060")
	time.Sleep(10 * time.Millisecond)

	assert.False(t, receiverCalled)
	assert.Contains(t, recvLeg.sentTo(), "udp:203.0.113.1:5060")
}

func TestReceive_NoCacheHit_ForwardsToReceiver(t *testing.T) {
	clock := clockwork.NewFakeClock()
	leg := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.1", port: 5060}
	resolver := &fakeResolver{}
	d := newTestDispatcher(t, clock, resolver)

	var gotFrom string
	d.SetReceiver(func(pkt sipmsg.Packet, l transport.Leg, from string) {
		gotFrom = from
	})

	req := sipmsg.NewRequest("INVITE", "sip:bob@example.com", "call-10", 1, "z9-fresh")
	d.Receive(context.Background(), req, leg, "udp:203.0.113.1:5060")

	assert.Equal(t, "udp:203.0.113.1:5060", gotFrom)
}

func boolPtr(b bool) *bool { return &b }
