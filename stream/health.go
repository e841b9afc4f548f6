package stream

import (
	"context"
	"time"

	"github.com/hazyhaar/streamrelay/page"
	"github.com/hazyhaar/streamrelay/poll"
	"github.com/hazyhaar/streamrelay/selector"
)

// HealthLoop probes the critical selectors against fresh snapshots.
// Breakage is not fatal; the engine degrades to finding nothing. The
// user is warned once per page session, not on every cycle.
func (w *Watcher) HealthLoop(ctx context.Context, interval time.Duration) {
	poll.Loop(ctx, w.opts.Clock, interval, func() poll.Decision {
		w.healthTick(ctx)
		return poll.Continue
	})
}

func (w *Watcher) healthTick(ctx context.Context) {
	doc, err := w.opts.Page.Snapshot(ctx)
	if err != nil {
		return
	}
	report := w.opts.Host.Registry().HealthCheck(doc)
	w.mu.Lock()
	w.lastHealth = report
	warned := w.healthWarned
	failing := len(report.CriticalFailures()) > 0
	if failing && !warned {
		w.healthWarned = true
	}
	w.mu.Unlock()

	if failing && !warned {
		w.opts.Logger.Warn("stream: critical selectors are failing",
			"failures", len(report.CriticalFailures()))
		w.toast(ctx, "Page layout changed, relay may miss content", page.ToastWarning)
	}
}

// Health returns the most recent selector health report.
func (w *Watcher) Health() selector.HealthReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHealth
}
