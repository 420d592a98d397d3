// Package eventloop provides the I/O-readiness and timer primitive the
// dispatch core runs on: a container/heap timer queue serviced by a single
// goroutine, plus context-scoped, deadline-polled read loops for registered
// file descriptors. The dispatch core only depends on the AddTimer/AddFD
// surface, so embedding applications can substitute their own loop.
package eventloop

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback; Cancel is idempotent.
type Timer interface {
	Cancel()
}

// FDReader is the minimal read-loop contract a registered descriptor
// implements: Poll blocks (with a bounded deadline so ctx cancellation is
// observed promptly) until one read is available or ctx is done.
type FDReader interface {
	// Poll performs one read attempt. ok is false when the attempt timed
	// out and the caller should simply poll again; err is non-nil only for
	// a fatal condition that should unregister this reader.
	Poll(ctx context.Context) (ok bool, err error)
}

// Loop is an event loop made of one goroutine per registered FD reader,
// plus a shared heap-based timer queue serviced by its own goroutine. All timer callbacks fire on the timer goroutine, serially, so
// timer-driven work never preempts other timer-driven work.
type Loop struct {
	log *slog.Logger

	mu      sync.Mutex
	timers  timerHeap
	seq     uint64
	readers map[int]context.CancelFunc

	wake chan struct{}
}

// New constructs an idle Loop. Call Run to start servicing timers; FD
// readers registered via AddFD run immediately on their own goroutine.
func New(log *slog.Logger) *Loop {
	return &Loop{
		log:     log,
		readers: map[int]context.CancelFunc{},
		wake:    make(chan struct{}, 1),
	}
}

type timerEntry struct {
	when    time.Time
	cb      func()
	repeat  time.Duration // 0 = one-shot
	seq     uint64
	index   int
	cancel  bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type timerHandle struct {
	loop  *Loop
	entry *timerEntry
}

func (t *timerHandle) Cancel() {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	t.entry.cancel = true
}

// AddTimer schedules cb to run at "when" (absolute). If repeat > 0, the timer
// re-arms itself every "repeat" after firing until Cancel is called — used
// by the dispatcher's 1Hz QueueExpire tick.
func (l *Loop) AddTimer(when time.Time, cb func(), repeat time.Duration) Timer {
	l.mu.Lock()
	l.seq++
	e := &timerEntry{when: when, cb: cb, repeat: repeat, seq: l.seq}
	heap.Push(&l.timers, e)
	l.mu.Unlock()
	l.nudge()
	return &timerHandle{loop: l, entry: e}
}

// AddFD registers a long-lived reader; it runs on its own goroutine until
// parent is done, DelFD is called for fd, or Poll returns a fatal error. AddFD is a
// no-op once fd is already registered, so a leg is never double-wired.
func (l *Loop) AddFD(fd int, r FDReader, parent context.Context) {
	l.mu.Lock()
	if _, exists := l.readers[fd]; exists {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	l.readers[fd] = cancel
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			ok, err := r.Poll(ctx)
			if err != nil {
				l.log.Debug("eventloop: fd reader stopped", "fd", fd, "error", err)
				l.DelFD(fd)
				return
			}
			if !ok {
				continue
			}
		}
	}()
}

// DelFD unregisters fd, stopping its reader goroutine.
func (l *Loop) DelFD(fd int) {
	l.mu.Lock()
	cancel, ok := l.readers[fd]
	if ok {
		delete(l.readers, fd)
	}
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

// Looptime returns the current wall-clock time as seconds since the Unix
// epoch. The reading is not monotonic: it follows adjustments of the
// system clock.
func (l *Loop) Looptime() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drives the timer queue until ctx is canceled. FD readers registered
// via AddFD run independently and are not affected by Run returning.
func (l *Loop) Run(ctx context.Context) error {
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		l.mu.Lock()
		var next *timerEntry
		for l.timers.Len() > 0 {
			next = l.timers[0]
			if next.cancel {
				heap.Pop(&l.timers)
				next = nil
				continue
			}
			break
		}
		var wait time.Duration
		if next == nil {
			wait = time.Hour
		} else {
			wait = time.Until(next.when)
		}
		l.mu.Unlock()

		if wait <= 0 {
			l.mu.Lock()
			e := heap.Pop(&l.timers).(*timerEntry)
			l.mu.Unlock()
			if !e.cancel {
				e.cb()
				if e.repeat > 0 {
					l.mu.Lock()
					e.when = e.when.Add(e.repeat)
					l.seq++
					e.seq = l.seq
					heap.Push(&l.timers, e)
					l.mu.Unlock()
				}
			}
			continue
		}

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-l.wake:
		}
	}
}
