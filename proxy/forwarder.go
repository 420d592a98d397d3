// Package proxy implements the optional stateless-proxy forwarding layer
// built on top of the dispatch core: Via-based response routing, Route
// header consumption, and Contact rewriting (RFC 3261 §16.11), reusing the
// dispatcher's own resolve-then-deliver pipeline rather than introducing a
// second state machine.
package proxy

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/netsip/dispatch/dispatch"
	"github.com/netsip/dispatch/resolve"
	"github.com/netsip/dispatch/sipmsg"
	"github.com/netsip/dispatch/transport"
)

// Registrar lets REGISTER requests be special-cased ahead of proxy
// processing. Handle returns true if it fully handled the request, in
// which case forwarding stops.
type Registrar interface {
	Handle(ctx context.Context, pkt sipmsg.Packet, leg transport.Leg, from string) bool
}

// NATHelper rewrites an SDP body (or other media-description state) in pkt
// just before it leaves on outgoingLeg.
type NATHelper interface {
	RewriteSDP(pkt sipmsg.Packet, outgoingLeg transport.Leg) error
}

// Resolver is the subset of *resolve.Resolver the forwarder needs: URI
// resolution for request forwarding, plus host2ip for Via/Route hostnames
// that aren't already IP literals.
type Resolver interface {
	dispatch.URIResolver
	HostToIP(ctx context.Context, host string) (string, error)
}

// Config bundles the forwarder's construction-time parameters.
type Config struct {
	// DefaultPort is used when a Via sent-by or received= lacks an explicit
	// port. Defaults to 5060.
	DefaultPort uint16
	// DefaultPortTLS is the sent-by default applied when the top Via names
	// a TLS transport (which otherwise routes over the TCP leg plane).
	DefaultPortTLS uint16
}

// Forwarder is the stateless-proxy forwarding state machine. It consumes a
// dispatch.Dispatcher purely as a retransmit-free delivery sink — a
// stateless proxy keeps no transaction state and issues no retransmits of
// its own (RFC 3261 §16.11).
type Forwarder struct {
	log         *slog.Logger
	registry    *transport.Registry
	resolver    Resolver
	dispatcher  *dispatch.Dispatcher
	registrar   Registrar
	nat         NATHelper
	rewriter    ContactRewriter
	metrics     *Metrics
	defaultPort uint16
	tlsPort     uint16
}

const (
	fallbackDefaultPort uint16 = 5060
	fallbackTLSPort     uint16 = 5061
)

// NewForwarder constructs a Forwarder. registrar, nat, and rewriter may all
// be nil: a nil registrar skips REGISTER short-circuiting, a nil nat skips
// the do_nat hook, a nil rewriter leaves Contact headers untouched.
func NewForwarder(log *slog.Logger, registry *transport.Registry, resolver Resolver, dispatcher *dispatch.Dispatcher, registrar Registrar, nat NATHelper, rewriter ContactRewriter, cfg Config) *Forwarder {
	defaultPort := cfg.DefaultPort
	if defaultPort == 0 {
		defaultPort = fallbackDefaultPort
	}
	tlsPort := cfg.DefaultPortTLS
	if tlsPort == 0 {
		tlsPort = fallbackTLSPort
	}
	return &Forwarder{
		log:         log,
		registry:    registry,
		resolver:    resolver,
		dispatcher:  dispatcher,
		registrar:   registrar,
		nat:         nat,
		rewriter:    rewriter,
		metrics:     NewMetrics(nil),
		defaultPort: defaultPort,
		tlsPort:     tlsPort,
	}
}

// HandleIncoming runs the full stateless-proxy pipeline for a packet just
// received on incoming: registrar short-circuit, the incoming leg's own
// annotation hook, then the response/request branch.
func (f *Forwarder) HandleIncoming(ctx context.Context, pkt sipmsg.Packet, incoming transport.Leg, from string) {
	if pkt.IsRequest() && pkt.Method() == "REGISTER" && f.registrar != nil {
		if f.registrar.Handle(ctx, pkt, incoming, from) {
			return
		}
	}

	if err := incoming.ForwardIncoming(pkt); err != nil {
		f.log.Debug("proxy: forward_incoming rejected packet, dropping", "err", err)
		f.metrics.dropped("forward_incoming_rejected")
		return
	}

	if pkt.IsResponse() {
		f.forwardResponse(ctx, pkt, incoming)
		return
	}
	f.forwardRequest(ctx, pkt, incoming)
}

// forwardResponse routes a response by its topmost Via (RFC 3261 §18.2.2):
// the sent-by host:port is the destination, and a received= parameter
// restricts which legs may carry it.
func (f *Forwarder) forwardResponse(ctx context.Context, pkt sipmsg.Packet, incoming transport.Leg) {
	raw := pkt.Header("via")
	if raw == "" {
		f.log.Debug("proxy: response missing via, dropping")
		f.metrics.dropped("missing_via")
		return
	}
	via, ok := parseTopVia(raw, f.defaultPort, f.tlsPort)
	if !ok {
		f.log.Debug("proxy: malformed top via, dropping")
		f.metrics.dropped("malformed_via")
		return
	}

	host := via.Host
	if lit, isIP := resolve.IsIPv4Literal(via.Host); isIP {
		host = lit.String()
	} else {
		ip, err := f.resolver.HostToIP(ctx, via.Host)
		if err != nil {
			f.log.Debug("proxy: via host2ip failed, dropping", "host", via.Host, "err", err)
			f.metrics.dropped("via_host2ip_failed")
			return
		}
		host = ip
	}
	dstAddr := formatAddr(via.Proto, host, via.Port)

	candidates := f.registry.All()
	if via.HasRecv {
		received := via.Received
		restricted := f.registry.GetLegs(transport.Criteria{Addr: &received})
		candidates = candidates[:0:0]
		for _, l := range restricted {
			if l.CanDeliverTo(addrCriteria(dstAddr)) {
				candidates = append(candidates, l)
			}
		}
		if len(candidates) == 0 {
			f.log.Debug("proxy: no leg matches via received=, dropping", "received", received)
			f.metrics.dropped("no_leg_for_received")
			return
		}
	}

	f.finalize(ctx, pkt, incoming, dstAddr, candidates, nil)
}

// forwardRequest routes a request: a top Route naming one of our own legs
// is adopted and popped, a remaining Route supplies the destination, and
// otherwise the request-URI is resolved.
func (f *Forwarder) forwardRequest(ctx context.Context, pkt sipmsg.Packet, incoming transport.Leg) {
	var outgoingLeg transport.Leg
	var dstAddr string

	routes := pkt.AllHeaders("route")
	if len(routes) > 0 {
		if leg, matched := f.matchOwnLeg(routeURI(routes[0])); matched {
			outgoingLeg = leg
			pkt.ReplaceHeaders("route", routes[1:])
			routes = routes[1:]
		}
	}
	if len(routes) > 0 {
		if parsed, ok := resolve.ParseURI(routeURI(routes[0])); ok {
			dstAddr = f.addrFromParsedURI(parsed)
		}
	}

	if dstAddr == "" {
		allowed := []sipmsg.Proto{sipmsg.ProtoUDP, sipmsg.ProtoTCP}
		if incoming.Proto() == sipmsg.ProtoTCP {
			allowed = []sipmsg.Proto{sipmsg.ProtoTCP, sipmsg.ProtoUDP}
		}
		f.resolver.ResolveURI(ctx, pkt.URI(), allowed, nil, func(res resolve.Result, err error) {
			if err != nil || len(res.DstAddr) == 0 {
				f.log.Debug("proxy: resolve_uri failed for request forwarding", "err", err)
				f.metrics.dropped("resolve_uri_failed")
				return
			}
			addr, resolveErr := f.resolveHostsToIP(ctx, res.DstAddr[0])
			if resolveErr != nil {
				f.log.Debug("proxy: resolved dst_addr host2ip failed", "err", resolveErr)
				f.metrics.dropped("dst_addr_host2ip_failed")
				return
			}
			legs := res.Legs[:1]
			f.finalize(ctx, pkt, incoming, addr, legs, outgoingLeg)
		})
		return
	}

	if dstAddr != "" {
		resolved, err := f.resolveHostsToIP(ctx, dstAddr)
		if err != nil {
			f.log.Debug("proxy: route dst_addr host2ip failed", "err", err)
			f.metrics.dropped("route_dst_addr_host2ip_failed")
			return
		}
		dstAddr = resolved
	}

	f.finalize(ctx, pkt, incoming, dstAddr, f.registry.All(), outgoingLeg)
}

// finalize derives or confirms the outgoing leg, rewrites Contact headers,
// runs the leg/nat hooks, and hands the packet to the dispatcher as a
// stateless, non-retransmitted delivery.
func (f *Forwarder) finalize(ctx context.Context, pkt sipmsg.Packet, incoming transport.Leg, dstAddr string, candidates []transport.Leg, outgoingLeg transport.Leg) {
	leg := outgoingLeg
	if leg == nil {
		leg = deriveOutgoingLeg(candidates, dstAddr, incoming.Proto() == sipmsg.ProtoTCP)
	}
	if leg == nil {
		f.log.Debug("proxy: no outgoing leg can deliver to dst_addr, dropping", "dst_addr", dstAddr)
		f.metrics.dropped("no_outgoing_leg")
		return
	}

	if f.rewriter != nil {
		f.rewriteContacts(pkt, leg)
	}

	if err := leg.ForwardOutgoing(pkt, incoming); err != nil {
		f.log.Debug("proxy: forward_outgoing rejected packet, dropping", "err", err)
		f.metrics.dropped("forward_outgoing_rejected")
		return
	}
	if f.nat != nil {
		if err := f.nat.RewriteSDP(pkt, leg); err != nil {
			f.log.Debug("proxy: do_nat failed, forwarding unmodified SDP", "err", err)
		}
	}

	direction := "response"
	if pkt.IsRequest() {
		direction = "request"
	}
	f.metrics.forwarded(direction)

	f.dispatcher.Deliver(ctx, pkt, dispatch.DeliverOpts{
		DstAddr:       []string{dstAddr},
		Legs:          []transport.Leg{leg},
		DoRetransmits: boolPtr(false),
	})
}

func (f *Forwarder) rewriteContacts(pkt sipmsg.Packet, outgoingLeg transport.Leg) {
	contacts := pkt.AllHeaders("contact")
	if len(contacts) == 0 {
		return
	}
	out := make([]string, len(contacts))
	for i, raw := range contacts {
		out[i] = f.rewriteContact(raw, outgoingLeg)
	}
	pkt.ReplaceHeaders("contact", out)
}

// rewriteContact replaces a single Contact header's user@host with a token
// scoped to outgoingLeg. A Contact that already carries one of
// our tokens is recovered to plaintext first, then re-encoded — the key is
// derived from the current leg set, so a token minted before a leg topology
// change must be re-keyed rather than passed through unchanged.
func (f *Forwarder) rewriteContact(raw string, outgoingLeg transport.Leg) string {
	userHost, _, _, _, ok := contactUserHost(raw)
	if !ok {
		return raw
	}
	at := strings.IndexByte(userHost, '@')
	if at < 0 {
		return raw
	}
	user := userHost[:at]
	plain := userHost
	if isHexToken(user) {
		if recovered, ok := f.rewriter.Recover(user); ok {
			plain = recovered
		}
	}
	token := f.rewriter.Rewrite(plain)
	newUserHost := token + "@" + outgoingLeg.Addr() + ":" + strconv.Itoa(int(outgoingLeg.Port()))
	return replaceContactUserHost(raw, newUserHost)
}

func (f *Forwarder) matchOwnLeg(uri string) (transport.Leg, bool) {
	parsed, ok := resolve.ParseURI(uri)
	if !ok {
		return nil, false
	}
	for _, l := range f.registry.All() {
		if l.Addr() != parsed.Domain {
			continue
		}
		if parsed.DefaultPort != 0 && l.Port() != parsed.DefaultPort {
			continue
		}
		return l, true
	}
	return nil, false
}

func (f *Forwarder) addrFromParsedURI(parsed resolve.ParsedURI) string {
	port := parsed.DefaultPort
	if port == 0 {
		port = f.defaultPort
	}
	proto := sipmsg.ProtoUDP
	if parsed.Transport == string(sipmsg.ProtoTCP) {
		proto = sipmsg.ProtoTCP
	}
	return formatAddr(proto, parsed.Domain, port)
}

// resolveHostsToIP substitutes addr's host with its first A record if it
// isn't already an IPv4 literal, so the transport only ever sees IP
// destinations.
func (f *Forwarder) resolveHostsToIP(ctx context.Context, addr string) (string, error) {
	proto, host, port, ok := parseAddr(addr)
	if !ok {
		return addr, nil
	}
	if _, isIP := resolve.IsIPv4Literal(host); isIP {
		return addr, nil
	}
	ip, err := f.resolver.HostToIP(ctx, host)
	if err != nil {
		return "", err
	}
	return formatAddr(proto, ip, port), nil
}

// deriveOutgoingLeg picks the first candidate that can deliver to addr,
// preferring TCP legs when preferTCP is set and more than one candidate
// qualifies.
func deriveOutgoingLeg(candidates []transport.Leg, addr string, preferTCP bool) transport.Leg {
	crit := addrCriteria(addr)
	var matches []transport.Leg
	for _, l := range candidates {
		if l.CanDeliverTo(crit) {
			matches = append(matches, l)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	if preferTCP {
		for _, l := range matches {
			if l.Proto() == sipmsg.ProtoTCP {
				return l
			}
		}
	}
	return matches[0]
}

func addrCriteria(addr string) transport.Criteria {
	proto, host, port, ok := parseAddr(addr)
	if !ok {
		return transport.Criteria{}
	}
	return transport.Criteria{Proto: &proto, Addr: &host, Port: &port}
}

// parseAddr splits a "proto:host:port" dst_addr string.
func parseAddr(addr string) (proto sipmsg.Proto, host string, port uint16, ok bool) {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) != 3 {
		return "", "", 0, false
	}
	p, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return "", "", 0, false
	}
	return sipmsg.Proto(parts[0]), parts[1], uint16(p), true
}

func boolPtr(b bool) *bool { return &b }
