package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/netsip/dispatch/sipmsg"
)

// TCPLeg is a Leg backed by a TCP listener. Each accepted connection spawns
// a read goroutine that feeds ReceiveFunc; outbound Deliver calls dial (or
// reuse) a connection to the destination. Each Read is decoded as one whole
// message: there is no Content-Length framing across reads and no
// reconnection policy.
type TCPLeg struct {
	ln      net.Listener
	addr    string
	port    uint16
	contact string
	decode  Decoder
	recv    ReceiveFunc

	mu    sync.Mutex
	conns map[string]net.Conn
}

var _ Leg = (*TCPLeg)(nil)

// NewTCPLeg binds and listens on bindAddr:port.
func NewTCPLeg(bindAddr string, port uint16, contact string, decode Decoder, recv ReceiveFunc) (*TCPLeg, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp: %w", err)
	}
	if port == 0 {
		port = uint16(ln.Addr().(*net.TCPAddr).Port)
	}
	t := &TCPLeg{
		ln:      ln,
		addr:    bindAddr,
		port:    port,
		contact: contact,
		decode:  decode,
		recv:    recv,
		conns:   map[string]net.Conn{},
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPLeg) Proto() sipmsg.Proto { return sipmsg.ProtoTCP }
func (t *TCPLeg) Addr() string        { return t.addr }
func (t *TCPLeg) Port() uint16        { return t.port }
func (t *TCPLeg) Contact() string     { return t.contact }

func (t *TCPLeg) FD() int {
	ln, ok := t.ln.(*net.TCPListener)
	if !ok {
		return -1
	}
	f, err := ln.File()
	if err != nil {
		return -1
	}
	defer f.Close()
	return int(f.Fd())
}

func (t *TCPLeg) Close() error { return t.ln.Close() }

func (t *TCPLeg) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		t.adopt(conn)
	}
}

func (t *TCPLeg) adopt(conn net.Conn) {
	key := conn.RemoteAddr().String()
	t.mu.Lock()
	t.conns[key] = conn
	t.mu.Unlock()
	go t.readLoop(key, conn)
}

func (t *TCPLeg) readLoop(key string, conn net.Conn) {
	defer func() {
		t.mu.Lock()
		if t.conns[key] == conn {
			delete(t.conns, key)
		}
		t.mu.Unlock()
		conn.Close()
	}()
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			// Partial/zero read: silently ignored.
			continue
		}
		pkt, err := t.decode(buf[:n])
		if err != nil {
			continue
		}
		t.recv(pkt, t, key)
	}
}

// dial establishes (or reuses) a connection to addr, asynchronously, and
// invokes done with the result. Errors surface through the caller's
// DeliverFunc.
func (t *TCPLeg) dial(host string, port uint16, done func(net.Conn, error)) {
	key := fmt.Sprintf("%s:%d", host, port)
	t.mu.Lock()
	if c, ok := t.conns[key]; ok {
		t.mu.Unlock()
		done(c, nil)
		return
	}
	t.mu.Unlock()

	go func() {
		conn, err := net.Dial("tcp4", key)
		if err != nil {
			done(nil, err)
			return
		}
		t.mu.Lock()
		t.conns[key] = conn
		t.mu.Unlock()
		go t.readLoop(key, conn)
		done(conn, nil)
	}()
}

// Deliver connects (if needed) and writes pkt. TCP success means the bytes
// were handed to the socket, not that the peer acknowledged them.
func (t *TCPLeg) Deliver(pkt sipmsg.Packet, dstAddr string, cb DeliverFunc) {
	host, port, err := splitHostPort(dstAddr)
	if err != nil {
		cb(err)
		return
	}
	t.dial(host, port, func(conn net.Conn, err error) {
		if err != nil {
			cb(fmt.Errorf("transport: tcp connect to %s:%d: %w", host, port, err))
			return
		}
		if conn == nil {
			cb(errors.New("transport: nil tcp connection"))
			return
		}
		_, err = conn.Write([]byte(pkt.Dump()))
		cb(err)
	})
}

func (t *TCPLeg) CanDeliverTo(c Criteria) bool {
	if c.Proto != nil && *c.Proto != sipmsg.ProtoTCP {
		return false
	}
	if c.Predicate != nil && !c.Predicate(t) {
		return false
	}
	return true
}

func (t *TCPLeg) ForwardIncoming(pkt sipmsg.Packet) error { return nil }
func (t *TCPLeg) ForwardOutgoing(pkt sipmsg.Packet, incoming Leg) error {
	pkt.SetHeader("Contact", t.contact)
	return nil
}
