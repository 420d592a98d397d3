package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/netsip/dispatch/eventloop"
)

// fdRegistrar is the subset of eventloop.Loop the Registry needs; narrowed
// to an interface so tests can stub it.
type fdRegistrar interface {
	AddFD(fd int, r eventloop.FDReader, parent context.Context)
	DelFD(fd int)
}

// Registry tracks the live legs: add/remove by identity, match by
// criteria, and wire leg file descriptors into the event loop.
type Registry struct {
	log  *slog.Logger
	loop fdRegistrar
	ctx  context.Context

	mu   sync.Mutex
	legs []Leg
}

// NewRegistry constructs an empty Registry. ctx bounds the lifetime of every
// FD reader goroutine registered for legs added to this registry.
func NewRegistry(log *slog.Logger, loop fdRegistrar, ctx context.Context) *Registry {
	return &Registry{log: log, loop: loop, ctx: ctx}
}

// AddLeg registers an already-constructed Leg and, if it exposes a file
// descriptor, wires an eventloop.FDReader for it. Legs without an FD
// (e.g. a pure in-memory test double) are simply tracked.
func (r *Registry) AddLeg(l Leg) {
	r.mu.Lock()
	r.legs = append(r.legs, l)
	r.mu.Unlock()

	if reader, ok := l.(eventloop.FDReader); ok {
		if fd := l.FD(); fd >= 0 {
			r.loop.AddFD(fd, reader, r.ctx)
		}
	}
	r.log.Debug("transport.registry: leg added", "proto", l.Proto(), "addr", l.Addr(), "port", l.Port())
}

// RemoveLeg unregisters legs by identity and unregisters their FDs.
func (r *Registry) RemoveLeg(targets ...Leg) {
	r.mu.Lock()
	kept := r.legs[:0:0]
	for _, l := range r.legs {
		remove := false
		for _, t := range targets {
			if l == t {
				remove = true
				break
			}
		}
		if remove {
			continue
		}
		kept = append(kept, l)
	}
	r.legs = kept
	r.mu.Unlock()

	for _, l := range targets {
		if fd := l.FD(); fd >= 0 {
			r.loop.DelFD(fd)
		}
		r.log.Debug("transport.registry: leg removed", "proto", l.Proto(), "addr", l.Addr(), "port", l.Port())
	}
}

// GetLegs returns every leg matching c (conjunctive; empty criteria
// matches all legs). Lookup is list-returning; callers (resolver,
// forwarder) pick the first acceptable match.
func (r *Registry) GetLegs(c Criteria) []Leg {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Leg
	for _, l := range r.legs {
		if c.matches(l) {
			out = append(out, l)
		}
	}
	return out
}

// All returns every registered leg.
func (r *Registry) All() []Leg {
	return r.GetLegs(Criteria{})
}
