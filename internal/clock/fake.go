// ABOUTME: Fake clock for deterministic tests without wall-clock waits.
// ABOUTME: Advance moves time forward and fires any timers that come due.

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when Advance is called.
// Timers and tickers created from it fire synchronously inside
// Advance, in due-time order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	due      time.Time
	interval time.Duration // 0 for one-shot After timers
	ch       chan time.Time
	stopped  bool
}

// NewFake creates a fake clock starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	f.waiters = append(f.waiters, &waiter{due: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &waiter{due: f.now.Add(d), interval: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clk: f, w: w}
}

// Advance moves the clock forward by d, firing every timer and ticker
// whose due time is reached. Sends are non-blocking: a ticker whose
// channel is already full drops the tick, matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)
	for {
		next := f.nextDue(target)
		if next == nil {
			break
		}
		f.now = next.due
		select {
		case next.ch <- f.now:
		default:
		}
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			next.stopped = true
		}
		f.prune()
	}
	f.now = target
}

// nextDue returns the earliest live waiter due at or before target.
func (f *Fake) nextDue(target time.Time) *waiter {
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].due.Before(f.waiters[j].due)
	})
	for _, w := range f.waiters {
		if !w.stopped && !w.due.After(target) {
			return w
		}
	}
	return nil
}

func (f *Fake) prune() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	f.waiters = live
}

type fakeTicker struct {
	clk *Fake
	w   *waiter
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.w.ch
}

func (t *fakeTicker) Stop() {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	t.w.stopped = true
	t.clk.prune()
}
