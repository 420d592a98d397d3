package resolve

import (
	"strconv"
	"strings"

	"github.com/netsip/dispatch/sipmsg"
)

// DomainMap is the static domain-to-proxy table: a lookup from a domain
// name to one or more hop entries, consulted before any DNS query.
// Lookup is longest-suffix: an exact match, then "*.<parent>" peeled one
// label at a time, then the catch-all "*" entry.
type DomainMap struct {
	entries map[string][]string
}

// NewDomainMap builds a DomainMap from raw string entries of the form
// "[proto:]host[:port]". Multiple entries per domain are tried in the
// order given.
func NewDomainMap(raw map[string][]string) *DomainMap {
	m := &DomainMap{entries: map[string][]string{}}
	for domain, hops := range raw {
		m.entries[strings.ToLower(domain)] = append([]string(nil), hops...)
	}
	return m
}

// Lookup resolves domain against the map for each proto in allowed, in
// priority order: exact match, then "*.parent" walking up the label chain,
// then "*". Returns nil if nothing matches.
func (m *DomainMap) Lookup(domain string, allowed []sipmsg.Proto) []sipmsg.HopCandidate {
	if m == nil || len(m.entries) == 0 {
		return nil
	}
	domain = strings.ToLower(domain)

	for _, key := range suffixKeys(domain) {
		if raw, ok := m.entries[key]; ok {
			return m.expand(raw, allowed)
		}
	}
	if raw, ok := m.entries["*"]; ok {
		return m.expand(raw, allowed)
	}
	return nil
}

// suffixKeys yields the exact domain first, then "*.<suffix>" for each
// progressively shorter parent, e.g. for "a.b.example.com" it yields:
// "a.b.example.com", "*.b.example.com", "*.example.com", "*.com".
func suffixKeys(domain string) []string {
	keys := []string{domain}
	labels := strings.Split(domain, ".")
	for i := 1; i < len(labels); i++ {
		keys = append(keys, "*."+strings.Join(labels[i:], "."))
	}
	return keys
}

// expand turns raw "[proto:]host[:port]" strings into HopCandidates, one per
// entry per allowed protocol it's compatible with. Entries with an explicit
// proto prefix are restricted to that protocol; entries without one are
// offered for every protocol in allowed. Static entries are never DNS SRV
// results, so Prio is always -1 and they sort ahead of any SRV hit.
func (m *DomainMap) expand(raw []string, allowed []sipmsg.Proto) []sipmsg.HopCandidate {
	var out []sipmsg.HopCandidate
	for _, entry := range raw {
		proto, host, port, hasProto := splitStaticEntry(entry)
		if port == 0 {
			port = defaultSIPPort
		}
		for _, p := range allowed {
			if hasProto && proto != p {
				continue
			}
			out = append(out, sipmsg.HopCandidate{Prio: -1, Proto: p, Host: host, Port: port})
		}
	}
	return out
}

func splitStaticEntry(entry string) (proto sipmsg.Proto, host string, port uint16, hasProto bool) {
	rest := entry
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		candidate := sipmsg.Proto(strings.ToLower(rest[:i]))
		if candidate == sipmsg.ProtoUDP || candidate == sipmsg.ProtoTCP {
			proto = candidate
			hasProto = true
			rest = rest[i+1:]
		}
	}
	host = rest
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		if p, err := strconv.ParseUint(rest[i+1:], 10, 16); err == nil {
			host = rest[:i]
			port = uint16(p)
		}
	}
	return proto, host, port, hasProto
}
