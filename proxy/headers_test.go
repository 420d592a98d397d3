package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsip/dispatch/sipmsg"
)

func TestParseTopVia_SentByWithPort(t *testing.T) {
	v, ok := parseTopVia("SIP/2.0/UDP 198.51.100.7:5080;branch=z9hG4bK1", 5060, 5061)
	require.True(t, ok)
	assert.Equal(t, sipmsg.ProtoUDP, v.Proto)
	assert.Equal(t, "198.51.100.7", v.Host)
	assert.Equal(t, uint16(5080), v.Port)
	assert.False(t, v.HasRecv)
}

func TestParseTopVia_DefaultPortWhenAbsent(t *testing.T) {
	v, ok := parseTopVia("SIP/2.0/UDP host.example.com;branch=z9hG4bK2", 5060, 5061)
	require.True(t, ok)
	assert.Equal(t, "host.example.com", v.Host)
	assert.Equal(t, uint16(5060), v.Port)
}

func TestParseTopVia_TCPTransport(t *testing.T) {
	v, ok := parseTopVia("SIP/2.0/TCP 198.51.100.7;branch=z9hG4bK3", 5060, 5061)
	require.True(t, ok)
	assert.Equal(t, sipmsg.ProtoTCP, v.Proto)
}

func TestParseTopVia_TLSUsesTLSDefaultPort(t *testing.T) {
	v, ok := parseTopVia("SIP/2.0/TLS secure.example.com;branch=z9hG4bK4", 5060, 5061)
	require.True(t, ok)
	assert.Equal(t, sipmsg.ProtoTCP, v.Proto)
	assert.Equal(t, uint16(5061), v.Port)
}

func TestParseTopVia_ReceivedParam(t *testing.T) {
	v, ok := parseTopVia("SIP/2.0/UDP 198.51.100.7:5080;branch=z9;received=203.0.113.9", 5060, 5061)
	require.True(t, ok)
	require.True(t, v.HasRecv)
	assert.Equal(t, "203.0.113.9", v.Received)
	assert.Zero(t, v.RecvPort)
}

func TestParseTopVia_ReceivedWithPort(t *testing.T) {
	v, ok := parseTopVia("SIP/2.0/UDP a.example.com;received=203.0.113.9:5082", 5060, 5061)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9", v.Received)
	assert.Equal(t, uint16(5082), v.RecvPort)
}

func TestParseTopVia_Malformed(t *testing.T) {
	_, ok := parseTopVia("SIP/2.0/UDP", 5060, 5061)
	assert.False(t, ok)
}

func TestRouteURI_AngleBrackets(t *testing.T) {
	assert.Equal(t, "sip:10.0.0.5:5060;lr", routeURI("<sip:10.0.0.5:5060;lr>"))
	assert.Equal(t, "sip:10.0.0.5:5060", routeURI("Proxy <sip:10.0.0.5:5060>;foo=bar"))
}

func TestRouteURI_BareWithParams(t *testing.T) {
	assert.Equal(t, "sip:10.0.0.5:5060", routeURI("sip:10.0.0.5:5060;lr"))
	assert.Equal(t, "sip:10.0.0.5", routeURI("sip:10.0.0.5"))
}

func TestContactUserHost_Bracketed(t *testing.T) {
	userHost, _, _, scheme, ok := contactUserHost("\"Alice\" <sip:alice@192.168.1.5:5070>;expires=300")
	require.True(t, ok)
	assert.Equal(t, "alice@192.168.1.5:5070", userHost)
	assert.Equal(t, "sip", scheme)
}

func TestContactUserHost_BareSips(t *testing.T) {
	userHost, _, _, scheme, ok := contactUserHost("sips:bob@example.net")
	require.True(t, ok)
	assert.Equal(t, "bob@example.net", userHost)
	assert.Equal(t, "sips", scheme)
}

func TestContactUserHost_NotASipURI(t *testing.T) {
	_, _, _, _, ok := contactUserHost("mailto:alice@example.com")
	assert.False(t, ok)
}

func TestReplaceContactUserHost_PreservesWrapper(t *testing.T) {
	got := replaceContactUserHost("\"Alice\" <sip:alice@192.168.1.5>;expires=300", "cafe01@10.0.0.1:5060")
	assert.Equal(t, "\"Alice\" <sip:cafe01@10.0.0.1:5060>;expires=300", got)
}

func TestParseAddr_RoundTripWithFormatAddr(t *testing.T) {
	addr := formatAddr(sipmsg.ProtoTCP, "192.0.2.5", 5070)
	proto, host, port, ok := parseAddr(addr)
	require.True(t, ok)
	assert.Equal(t, sipmsg.ProtoTCP, proto)
	assert.Equal(t, "192.0.2.5", host)
	assert.Equal(t, uint16(5070), port)
}

func TestParseAddr_Malformed(t *testing.T) {
	_, _, _, ok := parseAddr("192.0.2.5:5070")
	assert.False(t, ok)
	_, _, _, ok = parseAddr("udp:192.0.2.5:notaport")
	assert.False(t, ok)
}
