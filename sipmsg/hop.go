package sipmsg

import "fmt"

// Proto is a transport protocol a Leg can speak.
type Proto string

const (
	ProtoUDP Proto = "udp"
	ProtoTCP Proto = "tcp"
)

// HopCandidate is one resolved next-hop option, ordered ascending by Prio.
// Prio carries the DNS SRV priority; it is -1 for candidates that didn't
// come from an SRV query (static maps, IP literals, synthesized A-record
// fallbacks), so those always sort ahead.
type HopCandidate struct {
	Prio  int32
	Proto Proto
	Host  string
	Port  uint16
}

func (h HopCandidate) String() string {
	return fmt.Sprintf("%s:%s:%d", h.Proto, h.Host, h.Port)
}

// Addr renders the candidate as the "proto:host:port" string the dispatch
// queue uses for dst_addr entries.
func (h HopCandidate) Addr() string {
	return h.String()
}
