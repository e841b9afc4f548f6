// Package poll provides the timed-polling primitives the sync engine is built
// on. The host framework's virtual-DOM updates do not fire observable events
// at a useful granularity, so explicit polling is a deliberate technique
// here, not an accident — this package isolates it behind a cancellable loop
// and a Clock interface so timer-driven logic is unit-testable with a fake
// clock.
package poll

import (
	"context"
	"time"
)

// Clock abstracts time for the engine. Real is used in production; Fake in
// tests.
type Clock interface {
	Now() time.Time
	// After fires once after d.
	After(d time.Duration) <-chan time.Time
	// NewTicker fires repeatedly every d until stopped.
	NewTicker(d time.Duration) Ticker
}

// Ticker is a stoppable repeating timer.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Decision controls a Loop from its tick function.
type Decision int

const (
	// Continue keeps the loop running.
	Continue Decision = iota
	// Stop ends the loop after the current tick.
	Stop
)

// Loop runs fn every interval until fn returns Stop or ctx is done. It runs
// in the caller's goroutine; start it with go when concurrency is wanted.
func Loop(ctx context.Context, clock Clock, interval time.Duration, fn func() Decision) {
	t := clock.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if fn() == Stop {
				return
			}
		}
	}
}

// Real is the wall-clock implementation.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
