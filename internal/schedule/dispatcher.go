// Package schedule is the single-goroutine event loop that drives a network
// interface: posted events, timers and the per-tick frequent tasks.
package schedule

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Dispatcher runs every callback on the goroutine that called Run, so state
// reached only from callbacks needs no locking. Only Post may be called from
// other goroutines.
type Dispatcher struct {
	clock        clock.Clock
	tickInterval time.Duration
	tasks        *FrequentTasks
	timers       timerHeap

	mu     sync.Mutex
	posted []func()
	wake   chan struct{}
}

// NewDispatcher creates a dispatcher that runs its frequent tasks every
// tickInterval.
func NewDispatcher(clk clock.Clock, tickInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		clock:        clk,
		tickInterval: tickInterval,
		tasks:        NewFrequentTasks(),
		wake:         make(chan struct{}, 1),
	}
}

func (d *Dispatcher) Clock() clock.Clock            { return d.clock }
func (d *Dispatcher) FrequentTasks() *FrequentTasks { return d.tasks }

// Post queues fn to run on the dispatcher goroutine.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	d.posted = append(d.posted, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run processes events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := d.clock.Ticker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			d.RunPosted()
		case <-ticker.C:
			d.RunOnce()
		}
	}
}

// RunPosted runs every posted event, including ones posted meanwhile.
func (d *Dispatcher) RunPosted() int {
	n := 0
	for {
		d.mu.Lock()
		batch := d.posted
		d.posted = nil
		d.mu.Unlock()

		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
		}
		n += len(batch)
	}
}

// RunOnce is one tick: posted events, expired timers, then the frequent
// tasks.
func (d *Dispatcher) RunOnce() {
	d.RunPosted()
	d.processTimers()
	d.tasks.Process()
}

// Timer is a pending callback created by AddTimer or AddRepeatingTimer.
type Timer struct {
	when      time.Time
	interval  time.Duration
	fn        func()
	index     int
	cancelled bool
}

// Cancel stops the timer. Must be called on the dispatcher goroutine.
func (t *Timer) Cancel() { t.cancelled = true }

// AddTimer runs fn once on the first tick at least delay from now. Must be
// called on the dispatcher goroutine.
func (d *Dispatcher) AddTimer(delay time.Duration, fn func()) *Timer {
	t := &Timer{when: d.clock.Now().Add(delay), fn: fn}
	heap.Push(&d.timers, t)
	return t
}

// AddRepeatingTimer runs fn every interval until cancelled.
func (d *Dispatcher) AddRepeatingTimer(interval time.Duration, fn func()) *Timer {
	t := &Timer{when: d.clock.Now().Add(interval), interval: interval, fn: fn}
	heap.Push(&d.timers, t)
	return t
}

// NumTimers counts pending timers, cancelled ones included until they
// expire.
func (d *Dispatcher) NumTimers() int { return len(d.timers) }

func (d *Dispatcher) processTimers() {
	now := d.clock.Now()
	for len(d.timers) > 0 && !d.timers[0].when.After(now) {
		t := heap.Pop(&d.timers).(*Timer)
		if t.cancelled {
			continue
		}
		t.fn()
		if t.interval > 0 && !t.cancelled {
			t.when = t.when.Add(t.interval)
			if !t.when.After(now) {
				t.when = now.Add(t.interval)
			}
			heap.Push(&d.timers, t)
		}
	}
}

// timerHeap orders timers by expiry.
type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
