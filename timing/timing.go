// Package timing derives RFC 3261 §17 retransmit schedules from a packet's
// kind (request method, or response class/CSeq method).
//
// The schedule math (doubling capped at T2, hard ceiling at 64*T1) is
// hand-rolled rather than built on a generic backoff library:
// github.com/cenkalti/backoff/v4 always caps growth at its own MaxInterval,
// which cannot express the INVITE case's uncapped doubling up to the 64*T1
// ceiling (RFC 3261 §17.1.1.2).
package timing

import (
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// T1 is the initial round-trip-time estimate.
	T1 = 500 * time.Millisecond
	// T2 is the cap on exponential backoff for non-INVITE traffic.
	T2 = 4 * time.Second
	// Ceiling is the hard retransmit timeout, 64*T1.
	Ceiling = 64 * T1
)

// Kind classifies a packet for scheduling purposes, independent of the
// concrete Packet type the caller uses.
type Kind struct {
	IsRequest    bool
	Method       string // request method, or the CSeq method for a response
	ResponseCode int    // 0 for requests
}

// Schedule is an ordered list of absolute retransmit timestamps. The last
// element is not a firing instant but the hard expiry marker
// (created+64*T1); all others are strictly increasing firing times. A nil
// Schedule means "no retransmit".
type Schedule []time.Time

// Expiry returns the schedule's terminal sentinel, or the zero Time if the
// schedule is nil (single-shot entries have no expiry of their own here;
// the dispatcher still bounds them by the send attempt itself).
func (s Schedule) Expiry() time.Time {
	if len(s) == 0 {
		return time.Time{}
	}
	return s[len(s)-1]
}

// Firings returns every element except the trailing expiry sentinel.
func (s Schedule) Firings() []time.Time {
	if len(s) <= 1 {
		return nil
	}
	return s[:len(s)-1]
}

// For derives the retransmit schedule for a packet of kind k, created at
// "now" (read from clk). Per RFC 3261 §17:
//
//   - request ACK                    -> nil (no retransmit)
//   - request INVITE                 -> (T1, T2=∞) uncapped doubling, 64*T1 ceiling
//   - any other request              -> (T1, T2=4s) capped doubling, 64*T1 ceiling
//   - final response, CSeq = INVITE  -> (T1, T2=4s) capped doubling, 64*T1 ceiling
//   - any other response             -> nil (no retransmit)
func For(k Kind, clk clockwork.Clock) Schedule {
	now := clk.Now()

	if k.IsRequest {
		method := strings.ToUpper(k.Method)
		switch method {
		case "ACK":
			return nil
		case "INVITE":
			return generate(now, true)
		default:
			return generate(now, false)
		}
	}

	// Response: only final (code >= 200) responses to an INVITE retransmit;
	// provisional 1xx responses never do.
	if k.ResponseCode >= 200 && strings.ToUpper(k.Method) == "INVITE" {
		return generate(now, false)
	}
	return nil
}

// generate builds the firing list plus trailing expiry sentinel:
//
//	to = T1; rtm = now+to; expire = now+64*T1
//	while rtm < expire: append(rtm); to = min(2*to, T2 or ∞); rtm += to
//	append(expire)
func generate(now time.Time, uncapped bool) Schedule {
	expire := now.Add(Ceiling)
	to := T1
	rtm := now.Add(to)

	var sched Schedule
	for rtm.Before(expire) {
		sched = append(sched, rtm)
		to *= 2
		if !uncapped && to > T2 {
			to = T2
		}
		rtm = rtm.Add(to)
	}
	sched = append(sched, expire)
	return sched
}
