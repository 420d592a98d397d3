package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/netsip/dispatch/sipmsg"
	"github.com/netsip/dispatch/transport"
)

const defaultSIPPort uint16 = 5060
const defaultSIPSPort uint16 = 5061

// LegSource supplies the candidate legs to match resolved hops against.
// *transport.Registry satisfies this.
type LegSource interface {
	GetLegs(c transport.Criteria) []transport.Leg
}

// Result is the output of a successful ResolveURI call: parallel
// dst_addr/leg lists, in priority order. Index i describes one
// (leg, addr) delivery attempt.
type Result struct {
	DstAddr []string
	Legs    []transport.Leg
}

// Callback receives either a populated Result or an error. Resolution is
// callback-completed so callers tolerate asynchronous DNS, even though
// this implementation happens to complete inline.
type Callback func(Result, error)

// Resolver turns a SIP URI into a prioritised list of (proto,host,port)
// hops and matching legs: static domain map, global outgoing proxy,
// embedded IP literal, DNS SRV, DNS A, in that priority order.
type Resolver struct {
	domainMap     *DomainMap
	outgoingProxy string // "[proto:]host[:port]", empty if unset
	dns           *dnsLookup
	legs          LegSource
	metrics       *Metrics
}

// Config bundles the resolver's construction-time parameters.
type Config struct {
	DomainMap     map[string][]string
	OutgoingProxy string
	DNS           DNSResolver // nil uses net.DefaultResolver
}

// NewResolver builds a Resolver. legs supplies the candidate Leg set;
// metrics may be nil (the process-wide instruments from NewMetrics(nil) are
// used).
func NewResolver(cfg Config, legs LegSource, metrics *Metrics) *Resolver {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Resolver{
		domainMap:     NewDomainMap(cfg.DomainMap),
		outgoingProxy: cfg.OutgoingProxy,
		dns:           newDNSLookup(cfg.DNS),
		legs:          legs,
		metrics:       metrics,
	}
}

// ResolveURI runs the full hop-selection pipeline and invokes cb exactly
// once. allowedProto and allowedLegs are optional restrictions (empty
// means unrestricted).
func (r *Resolver) ResolveURI(ctx context.Context, uri string, allowedProto []sipmsg.Proto, allowedLegs []transport.Leg, cb Callback) {
	parsed, ok := ParseURI(uri)
	if !ok || parsed.Domain == "" {
		r.metrics.failures.WithLabelValues("ehostunreach").Inc()
		cb(Result{}, ErrHostUnreach)
		return
	}

	proto := protocolPreference(parsed)
	if len(allowedProto) > 0 {
		proto = intersectPreserveOrder(allowedProto, proto)
		if len(proto) == 0 {
			r.metrics.failures.WithLabelValues("enoprotoopt").Inc()
			cb(Result{}, ErrNoProtoOpt)
			return
		}
	}

	defaultPort := defaultSIPPort
	if parsed.Scheme == "sips" {
		defaultPort = defaultSIPSPort
	}
	if parsed.DefaultPort != 0 {
		defaultPort = parsed.DefaultPort
	}

	lookupDomain := parsed.Domain
	var ipLiteral string
	if ip, isIP := IsIPv4Literal(parsed.Domain); isIP {
		ipLiteral = ip.String()
		lookupDomain = ReverseArpa(ip)
	} else {
		lookupDomain = strings.TrimRight(parsed.Domain, ".")
	}

	candidates := r.domainMap.Lookup(lookupDomain, proto)
	if len(candidates) == 0 && r.outgoingProxy != "" {
		candidates = r.expandOutgoingProxy(proto)
	}
	if len(candidates) == 0 && ipLiteral != "" {
		for _, p := range proto {
			candidates = append(candidates, sipmsg.HopCandidate{Prio: -1, Proto: p, Host: ipLiteral, Port: defaultPort})
		}
	}
	if len(candidates) == 0 {
		r.resolveViaDNS(ctx, parsed.Domain, proto, defaultPort, allowedLegs, cb)
		return
	}

	r.finalize(candidates, allowedLegs, cb)
}

// HostToIP resolves a non-literal hostname to its first A record, used by
// the stateless-proxy forwarder to turn a Via sent-by host, or a
// Route/resolved dst_addr hostname, into an IP before it's used as a send
// target.
func (r *Resolver) HostToIP(ctx context.Context, host string) (string, error) {
	addrs, err := r.dns.a(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: host2ip %s: no A records", ErrHostUnreach, host)
	}
	return addrs[0], nil
}

// DomainToSRV resolves "_sip._<proto>.<domain>" SRV records for each proto
// in protos, synthesizing Prio=-1 candidates from the domain's A records
// when no SRV records exist. scheme ("sip" or "sips") selects the default
// port used for the A fallback. Candidates are returned in DNS order;
// callers sort by Prio when ordering matters.
func (r *Resolver) DomainToSRV(ctx context.Context, domain string, protos []sipmsg.Proto, scheme string, cb func([]sipmsg.HopCandidate, error)) {
	defaultPort := defaultSIPPort
	if strings.EqualFold(scheme, "sips") {
		defaultPort = defaultSIPSPort
	}
	if len(protos) == 0 {
		protos = []sipmsg.Proto{sipmsg.ProtoUDP, sipmsg.ProtoTCP}
	}

	srvHits, err := r.dns.lookupSRVAll(ctx, domain, protos)
	if err == nil && len(srvHits) > 0 {
		cb(srvHits, nil)
		return
	}
	aHits, err := r.dns.lookupAAll(ctx, domain, protos, defaultPort)
	if err != nil {
		cb(nil, err)
		return
	}
	if len(aHits) == 0 {
		cb(nil, fmt.Errorf("%w: domain2srv %s: no records", ErrInval, domain))
		return
	}
	cb(aHits, nil)
}

func (r *Resolver) resolveViaDNS(ctx context.Context, domain string, proto []sipmsg.Proto, defaultPort uint16, allowedLegs []transport.Leg, cb Callback) {
	srvHits, err := r.dns.lookupSRVAll(ctx, domain, proto)
	if err == nil && len(srvHits) > 0 {
		r.metrics.dnsHits.WithLabelValues("srv").Inc()
		r.finalize(srvHits, allowedLegs, cb)
		return
	}

	aHits, err := r.dns.lookupAAll(ctx, domain, proto, defaultPort)
	if err != nil || len(aHits) == 0 {
		r.metrics.failures.WithLabelValues("ehostunreach").Inc()
		cb(Result{}, ErrHostUnreach)
		return
	}
	r.metrics.dnsHits.WithLabelValues("a").Inc()
	r.finalize(aHits, allowedLegs, cb)
}

// finalize sorts candidates ascending by Prio, binds each to the first
// matching leg, drops unmatched candidates, and invokes cb.
func (r *Resolver) finalize(candidates []sipmsg.HopCandidate, allowedLegs []transport.Leg, cb Callback) {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Prio < candidates[j].Prio })

	var dstAddr []string
	var legs []transport.Leg
	for _, c := range candidates {
		leg := r.matchLeg(c, allowedLegs)
		if leg == nil {
			continue
		}
		dstAddr = append(dstAddr, c.Addr())
		legs = append(legs, leg)
	}

	if len(dstAddr) == 0 {
		r.metrics.failures.WithLabelValues("ehostunreach").Inc()
		cb(Result{}, ErrHostUnreach)
		return
	}
	cb(Result{DstAddr: dstAddr, Legs: legs}, nil)
}

func (r *Resolver) matchLeg(c sipmsg.HopCandidate, allowedLegs []transport.Leg) transport.Leg {
	proto := c.Proto
	host := c.Host
	port := c.Port
	pool := r.legs.GetLegs(transport.Criteria{Proto: &proto})
	for _, l := range pool {
		if len(allowedLegs) > 0 && !containsLeg(allowedLegs, l) {
			continue
		}
		if l.CanDeliverTo(transport.Criteria{Proto: &proto, Addr: &host, Port: &port}) {
			return l
		}
	}
	return nil
}

func containsLeg(set []transport.Leg, l transport.Leg) bool {
	for _, s := range set {
		if s == l {
			return true
		}
	}
	return false
}

func (r *Resolver) expandOutgoingProxy(allowed []sipmsg.Proto) []sipmsg.HopCandidate {
	proto, host, port, hasProto := splitStaticEntry(r.outgoingProxy)
	if port == 0 {
		port = defaultSIPPort
	}
	var out []sipmsg.HopCandidate
	for _, p := range allowed {
		if hasProto && proto != p {
			continue
		}
		out = append(out, sipmsg.HopCandidate{Prio: -1, Proto: p, Host: host, Port: port})
	}
	return out
}

// protocolPreference derives the allowed-protocol order from scheme and
// params: sips forces TCP, an explicit transport= param wins, otherwise
// UDP is preferred with TCP as fallback.
func protocolPreference(p ParsedURI) []sipmsg.Proto {
	if p.Scheme == "sips" {
		return []sipmsg.Proto{sipmsg.ProtoTCP}
	}
	if p.Transport != "" {
		return []sipmsg.Proto{sipmsg.Proto(p.Transport)}
	}
	return []sipmsg.Proto{sipmsg.ProtoUDP, sipmsg.ProtoTCP}
}

// intersectPreserveOrder filters to protocols present in both lists,
// keeping the caller's allowed order.
func intersectPreserveOrder(allowed, preferred []sipmsg.Proto) []sipmsg.Proto {
	present := map[sipmsg.Proto]bool{}
	for _, p := range preferred {
		present[p] = true
	}
	var out []sipmsg.Proto
	for _, p := range allowed {
		if present[p] {
			out = append(out, p)
		}
	}
	return out
}
