package transport_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsip/dispatch/sipmsg"
	"github.com/netsip/dispatch/transport"
)

type fakeLeg struct {
	proto   sipmsg.Proto
	addr    string
	port    uint16
	contact string
}

func (f *fakeLeg) Proto() sipmsg.Proto { return f.proto }
func (f *fakeLeg) Addr() string        { return f.addr }
func (f *fakeLeg) Port() uint16        { return f.port }
func (f *fakeLeg) Contact() string     { return f.contact }
func (f *fakeLeg) FD() int             { return -1 }
func (f *fakeLeg) Deliver(pkt sipmsg.Packet, dstAddr string, cb transport.DeliverFunc) {
	cb(nil)
}
func (f *fakeLeg) CanDeliverTo(c transport.Criteria) bool { return true }
func (f *fakeLeg) ForwardIncoming(pkt sipmsg.Packet) error { return nil }
func (f *fakeLeg) ForwardOutgoing(pkt sipmsg.Packet, incoming transport.Leg) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_AddGetRemove(t *testing.T) {
	reg := transport.NewRegistry(discardLogger(), nil, context.Background())

	udpLeg := &fakeLeg{proto: sipmsg.ProtoUDP, addr: "10.0.0.1", port: 5060}
	tcpLeg := &fakeLeg{proto: sipmsg.ProtoTCP, addr: "10.0.0.1", port: 5060}
	reg.AddLeg(udpLeg)
	reg.AddLeg(tcpLeg)

	require.Len(t, reg.All(), 2)

	udp := sipmsg.ProtoUDP
	got := reg.GetLegs(transport.Criteria{Proto: &udp})
	require.Len(t, got, 1)
	assert.Same(t, udpLeg, got[0])

	reg.RemoveLeg(udpLeg)
	require.Len(t, reg.All(), 1)
	assert.Same(t, tcpLeg, reg.All()[0])
}

func TestRegistry_EmptyCriteriaMatchesAll(t *testing.T) {
	reg := transport.NewRegistry(discardLogger(), nil, context.Background())
	reg.AddLeg(&fakeLeg{proto: sipmsg.ProtoUDP, addr: "a", port: 1})
	reg.AddLeg(&fakeLeg{proto: sipmsg.ProtoTCP, addr: "b", port: 2})
	assert.Len(t, reg.GetLegs(transport.Criteria{}), 2)
}
