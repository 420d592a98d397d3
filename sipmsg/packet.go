// Package sipmsg defines the Packet contract the dispatch core consumes.
//
// The wire-level SIP parser/serializer is out of scope for this module:
// real deployments plug in their own Packet implementation backed by a full
// message codec. This package also ships a minimal struct-based
// implementation, just complete enough to drive the dispatcher, resolver,
// and proxy forwarder in tests and in the example command.
package sipmsg

import (
	"fmt"
	"strings"
)

// Packet is the minimal surface the dispatch core needs from a SIP message.
// It is satisfied by whatever message type an embedding application already
// has; this package's Message is one concrete, deliberately small
// implementation.
type Packet interface {
	IsRequest() bool
	IsResponse() bool
	Method() string  // request method, or the CSeq method for a response
	Code() int        // status code; 0 for requests
	CSeq() string      // "<seq> <method>"
	CallID() string
	URI() string       // request-URI for requests; unused for responses
	Branch() string     // top Via branch parameter, used to build TID
	Header(name string) string
	SetHeader(name, value string)
	AllHeaders(name string) []string
	// ReplaceHeaders overwrites every value of name with values (empty
	// values removes the header entirely); used by Route-header consumption
	// and Contact rewriting.
	ReplaceHeaders(name string, values []string)

	// TID is the transaction identifier used for retransmit-queue
	// cancellation: a branch + CSeq fingerprint (RFC 3261 §17.1.3).
	TID() string

	Dump() string

	// SDP body accessors. A Packet without a body returns "", false.
	Body() (string, bool)
	SetBody(contentType, body string)
}

// CacheKey returns the response-cache key for a packet: CSeq + NUL +
// Call-ID, the pair that ties a request retransmission to the response
// already sent for it.
func CacheKey(p Packet) string {
	return p.CSeq() + "\x00" + p.CallID()
}

// Message is a small concrete Packet used by tests, the example command, and
// any caller that doesn't already have its own SIP message type. It is not a
// wire parser: Dump renders a readable approximation, not valid SIP bytes.
type Message struct {
	request bool
	method  string
	code    int
	reason  string
	cseqNum string
	uri     string
	branch  string
	callID  string

	headers     map[string][]string
	order       []string
	contentType string
	body        string
}

var _ Packet = (*Message)(nil)

// NewRequest builds a request Packet for method against uri, with the given
// branch and Call-ID/CSeq. Callers typically set additional
// headers (Via, Route, Contact...) with SetHeader afterward.
func NewRequest(method, uri, callID string, cseqNum int, branch string) *Message {
	return &Message{
		request: true,
		method:  strings.ToUpper(method),
		uri:     uri,
		callID:  callID,
		cseqNum: fmt.Sprintf("%d %s", cseqNum, strings.ToUpper(method)),
		branch:  branch,
		headers: map[string][]string{},
	}
}

// NewResponse builds a response Packet with the given status code, echoing
// the CSeq/Call-ID/branch of the request it answers.
func NewResponse(code int, reason, method, callID string, cseqNum int, branch string) *Message {
	return &Message{
		request: false,
		method:  strings.ToUpper(method),
		code:    code,
		reason:  reason,
		callID:  callID,
		cseqNum: fmt.Sprintf("%d %s", cseqNum, strings.ToUpper(method)),
		branch:  branch,
		headers: map[string][]string{},
	}
}

func (m *Message) IsRequest() bool  { return m.request }
func (m *Message) IsResponse() bool { return !m.request }
func (m *Message) Method() string   { return m.method }
func (m *Message) Code() int        { return m.code }
func (m *Message) CSeq() string     { return m.cseqNum }
func (m *Message) CallID() string   { return m.callID }
func (m *Message) URI() string      { return m.uri }
func (m *Message) Branch() string   { return m.branch }

func (m *Message) Header(name string) string {
	vs := m.headers[strings.ToLower(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func (m *Message) AllHeaders(name string) []string {
	return append([]string(nil), m.headers[strings.ToLower(name)]...)
}

func (m *Message) SetHeader(name, value string) {
	key := strings.ToLower(name)
	if _, ok := m.headers[key]; !ok {
		m.order = append(m.order, key)
	}
	m.headers[key] = append(m.headers[key], value)
}

func (m *Message) ReplaceHeaders(name string, values []string) {
	key := strings.ToLower(name)
	if len(values) == 0 {
		delete(m.headers, key)
		for i, k := range m.order {
			if k == key {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		return
	}
	if _, ok := m.headers[key]; !ok {
		m.order = append(m.order, key)
	}
	m.headers[key] = append([]string(nil), values...)
}

// TID fingerprints a transaction from the top Via branch and the CSeq,
// falling back to Call-ID for messages without a branch.
func (m *Message) TID() string {
	if m.branch != "" {
		return m.branch + "/" + m.cseqNum
	}
	return m.callID + "/" + m.cseqNum
}

func (m *Message) Dump() string {
	var b strings.Builder
	if m.request {
		fmt.Fprintf(&b, "%s %s SIP/2.0\r\n", m.method, m.uri)
	} else {
		fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", m.code, m.reason)
	}
	fmt.Fprintf(&b, "call-id: %s\r\n", m.callID)
	fmt.Fprintf(&b, "cseq: %s\r\n", m.cseqNum)
	for _, name := range m.order {
		for _, v := range m.headers[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	if m.body != "" {
		fmt.Fprintf(&b, "content-type: %s\r\ncontent-length: %d\r\n\r\n%s", m.contentType, len(m.body), m.body)
	} else {
		b.WriteString("\r\n")
	}
	return b.String()
}

func (m *Message) Body() (string, bool) {
	if m.body == "" {
		return "", false
	}
	return m.body, true
}

func (m *Message) SetBody(contentType, body string) {
	m.contentType = contentType
	m.body = body
}

// ParseMessage is the inverse of Dump: just enough of a decoder to exercise
// a Leg's receive path with Message-based traffic. It only understands its
// own Dump output, not general SIP wire syntax.
func ParseMessage(raw []byte) (*Message, error) {
	text := string(raw)
	headEnd := strings.Index(text, "\r\n\r\n")
	var head, body string
	if headEnd >= 0 {
		head = text[:headEnd]
		body = text[headEnd+4:]
	} else {
		head = strings.TrimRight(text, "\r\n")
	}

	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("sipmsg: empty message")
	}

	m := &Message{headers: map[string][]string{}}
	startLine := lines[0]
	if strings.HasPrefix(startLine, "SIP/2.0 ") {
		fields := strings.SplitN(startLine[len("SIP/2.0 "):], " ", 2)
		code, err := parseStatusCode(fields[0])
		if err != nil {
			return nil, fmt.Errorf("sipmsg: bad status code: %w", err)
		}
		m.request = false
		m.code = code
		if len(fields) == 2 {
			m.reason = fields[1]
		}
	} else {
		fields := strings.SplitN(startLine, " ", 3)
		if len(fields) != 3 || fields[2] != "SIP/2.0" {
			return nil, fmt.Errorf("sipmsg: malformed request line %q", startLine)
		}
		m.request = true
		m.method = strings.ToUpper(fields[0])
		m.uri = fields[1]
	}

	var contentType string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		i := strings.Index(line, ": ")
		if i < 0 {
			continue
		}
		name, value := strings.ToLower(line[:i]), line[i+2:]
		switch name {
		case "call-id":
			m.callID = value
		case "cseq":
			m.cseqNum = value
			m.method = cseqMethodField(value, m)
		case "content-type":
			contentType = value
		case "content-length":
			// derivable from body length on Dump; ignored on decode.
		case "via":
			m.branch = branchFromVia(value)
			m.SetHeader(name, value)
		default:
			m.SetHeader(name, value)
		}
	}
	if body != "" {
		m.body = body
		m.contentType = contentType
	}
	return m, nil
}

func parseStatusCode(s string) (int, error) {
	code := 0
	if len(s) != 3 {
		return 0, fmt.Errorf("status code must be 3 digits, got %q", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("status code must be numeric, got %q", s)
		}
		code = code*10 + int(r-'0')
	}
	return code, nil
}

// cseqMethodField returns the request's own method (unchanged) for
// requests, where ParseMessage already set Method from the start line; for
// responses the CSeq carries the method since the start line doesn't.
func cseqMethodField(cseq string, m *Message) string {
	if m.request {
		return m.method
	}
	if i := strings.IndexByte(cseq, ' '); i >= 0 {
		return cseq[i+1:]
	}
	return m.method
}

// branchFromVia extracts the "branch=" parameter from a raw Via header
// value, used to recover TID on a decoded message.
func branchFromVia(via string) string {
	for _, part := range strings.Split(via, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "branch=") {
			return part[len("branch="):]
		}
	}
	return ""
}
