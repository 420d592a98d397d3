package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/netsip/dispatch/eventloop"
	"github.com/netsip/dispatch/sipmsg"
)

// Decoder turns raw bytes read off the wire into a Packet. The SIP parser
// itself lives outside this module; callers supply their own.
type Decoder func(raw []byte) (sipmsg.Packet, error)

// UDPLeg is a Leg backed by a single IPv4 UDP socket wrapped in a
// golang.org/x/net/ipv4 PacketConn with destination, source and interface
// control messages enabled. Poll discards the control message it reads, and
// Deliver sends without one, so no outgoing interface is pinned.
type UDPLeg struct {
	conn    *net.UDPConn
	pc4     *ipv4.PacketConn
	addr    string
	port    uint16
	contact string
	decode  Decoder
	recv    ReceiveFunc
}

var _ Leg = (*UDPLeg)(nil)
var _ eventloop.FDReader = (*UDPLeg)(nil)

// NewUDPLeg binds bindAddr:port and returns a UDPLeg. contact is the SIP
// contact string this leg advertises (e.g. "sip:10.0.0.1:5060").
func NewUDPLeg(bindAddr string, port uint16, contact string, decode Decoder, recv ReceiveFunc) (*UDPLeg, error) {
	laddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	pc4 := ipv4.NewPacketConn(conn)
	if err := pc4.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst|ipv4.FlagSrc, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: enable udp control messages: %w", err)
	}
	if port == 0 {
		port = uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	}
	return &UDPLeg{
		conn:    conn,
		pc4:     pc4,
		addr:    bindAddr,
		port:    port,
		contact: contact,
		decode:  decode,
		recv:    recv,
	}, nil
}

func (u *UDPLeg) Proto() sipmsg.Proto { return sipmsg.ProtoUDP }
func (u *UDPLeg) Addr() string        { return u.addr }
func (u *UDPLeg) Port() uint16        { return u.port }
func (u *UDPLeg) Contact() string     { return u.contact }

func (u *UDPLeg) FD() int {
	f, err := u.conn.File()
	if err != nil {
		return -1
	}
	defer f.Close()
	return int(f.Fd())
}

func (u *UDPLeg) Close() error { return u.conn.Close() }

// Deliver sends pkt to dstAddr ("udp:host:port"). UDP delivery reports
// success immediately once the datagram is handed to the kernel.
func (u *UDPLeg) Deliver(pkt sipmsg.Packet, dstAddr string, cb DeliverFunc) {
	host, port, err := splitHostPort(dstAddr)
	if err != nil {
		cb(err)
		return
	}
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		cb(fmt.Errorf("transport: resolve dst addr %q: %w", dstAddr, err))
		return
	}
	_, err = u.pc4.WriteTo([]byte(pkt.Dump()), nil, raddr)
	cb(err)
}

func (u *UDPLeg) CanDeliverTo(c Criteria) bool {
	if c.Proto != nil && *c.Proto != sipmsg.ProtoUDP {
		return false
	}
	if c.Predicate != nil && !c.Predicate(u) {
		return false
	}
	return true
}

func (u *UDPLeg) ForwardIncoming(pkt sipmsg.Packet) error { return nil }
func (u *UDPLeg) ForwardOutgoing(pkt sipmsg.Packet, incoming Leg) error {
	pkt.SetHeader("Contact", u.contact)
	return nil
}

// Poll implements eventloop.FDReader: one read attempt, bounded by a short
// deadline so context cancellation is observed promptly.
func (u *UDPLeg) Poll(ctx context.Context) (ok bool, err error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return false, err
		}
		return false, nil
	}
	buf := make([]byte, 65536)
	n, _, from, err := u.pc4.ReadFrom(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return false, err
		}
		return false, nil
	}
	pkt, err := u.decode(buf[:n])
	if err != nil {
		// Malformed inbound is dropped at the leg boundary.
		return true, nil
	}
	fromAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return true, nil
	}
	u.recv(pkt, u, fromAddr.String())
	return true, nil
}

func splitHostPort(addr string) (string, uint16, error) {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) == 3 {
		// "proto:host:port"
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("transport: malformed dst addr %q", addr)
	}
	p, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("transport: malformed port in %q: %w", addr, err)
	}
	return parts[0], uint16(p), nil
}
