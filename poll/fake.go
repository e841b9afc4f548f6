package poll

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Timers fire during Advance,
// in deadline order, on buffered channels.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	clock   *Fake
	at      time.Time
	period  time.Duration // 0 for one-shot
	ch      chan time.Time
	stopped bool
}

// NewFake creates a Fake clock starting at a fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot timer.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{clock: f, at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

// NewTicker registers a repeating timer.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{clock: f, at: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w
}

func (w *fakeWaiter) C() <-chan time.Time { return w.ch }

func (w *fakeWaiter) Stop() {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	w.stopped = true
}

// Advance moves the clock forward, firing every due timer. Sends are
// non-blocking: a receiver that has not drained its channel misses the tick,
// matching time.Ticker semantics.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		// Find the earliest due waiter.
		var next *fakeWaiter
		for _, w := range f.waiters {
			if w.stopped || w.at.After(target) {
				continue
			}
			if next == nil || w.at.Before(next.at) {
				next = w
			}
		}
		if next == nil {
			break
		}

		f.now = next.at
		select {
		case next.ch <- next.at:
		default:
		}

		if next.period > 0 {
			next.at = next.at.Add(next.period)
		} else {
			next.stopped = true
		}
	}

	f.now = target
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	f.waiters = live
	f.mu.Unlock()
}
