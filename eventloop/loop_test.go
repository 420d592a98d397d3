package eventloop_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsip/dispatch/eventloop"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runningLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = loop.Run(ctx) }()
	return loop
}

func TestAddTimer_FiresOnce(t *testing.T) {
	loop := runningLoop(t)

	fired := make(chan struct{})
	loop.AddTimer(time.Now().Add(20*time.Millisecond), func() { close(fired) }, 0)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestAddTimer_FiresInDeadlineOrder(t *testing.T) {
	loop := runningLoop(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	done := make(chan struct{})

	now := time.Now()
	loop.AddTimer(now.Add(80*time.Millisecond), func() { record("late")(); close(done) }, 0)
	loop.AddTimer(now.Add(20*time.Millisecond), record("early"), 0)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers never drained")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"early", "late"}, order)
}

func TestAddTimer_RepeatReArms(t *testing.T) {
	loop := runningLoop(t)

	fires := make(chan struct{}, 16)
	timer := loop.AddTimer(time.Now().Add(20*time.Millisecond), func() { fires <- struct{}{} }, 20*time.Millisecond)
	defer timer.Cancel()

	for i := 0; i < 3; i++ {
		select {
		case <-fires:
		case <-time.After(2 * time.Second):
			t.Fatalf("repeating timer stalled after %d fires", i)
		}
	}
}

func TestTimer_CancelPreventsFire(t *testing.T) {
	loop := runningLoop(t)

	fired := make(chan struct{}, 1)
	timer := loop.AddTimer(time.Now().Add(60*time.Millisecond), func() { fired <- struct{}{} }, 0)
	timer.Cancel()
	timer.Cancel() // idempotent

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(200 * time.Millisecond):
	}
}

// countingReader counts Poll calls; each poll parks briefly so counts stay
// small and comparable.
type countingReader struct {
	mu    sync.Mutex
	polls int
}

func (r *countingReader) Poll(ctx context.Context) (bool, error) {
	r.mu.Lock()
	r.polls++
	r.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Millisecond):
	}
	return false, nil
}

func (r *countingReader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

func TestAddFD_StartsReaderAndDeduplicates(t *testing.T) {
	loop := eventloop.New(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &countingReader{}
	second := &countingReader{}
	loop.AddFD(7, first, ctx)
	loop.AddFD(7, second, ctx) // same fd: ignored

	require.Eventually(t, func() bool { return first.count() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, second.count(), "duplicate AddFD must not start a second reader")
}

func TestDelFD_StopsReader(t *testing.T) {
	loop := eventloop.New(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &countingReader{}
	loop.AddFD(9, r, ctx)
	require.Eventually(t, func() bool { return r.count() > 0 }, 2*time.Second, 10*time.Millisecond)

	loop.DelFD(9)
	time.Sleep(50 * time.Millisecond) // drain any poll already in flight
	settled := r.count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, r.count(), "reader kept polling after DelFD")
}
