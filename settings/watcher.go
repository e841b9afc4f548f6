package settings

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/streamrelay/poll"
)

// WatchOptions tunes the reload loop.
type WatchOptions struct {
	// Interval is the version-poll frequency. Default: 1s.
	Interval time.Duration
	// Clock drives the loop; tests pass a fake.
	Clock poll.Clock
}

func (o *WatchOptions) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Clock == nil {
		o.Clock = poll.Real{}
	}
}

// WatchStats are point-in-time reload counters.
type WatchStats struct {
	Checks  int64 `json:"checks"`
	Reloads int64 `json:"reloads"`
	Errors  int64 `json:"errors"`
}

// Watcher re-reads the settings row when user_version advances and
// publishes each new snapshot over Changes.
type Watcher struct {
	store *Store
	opts  WatchOptions
	ch    chan Settings

	checks  atomic.Int64
	reloads atomic.Int64
	errors  atomic.Int64
}

// NewWatcher creates a watcher; call Run to start it.
func NewWatcher(store *Store, opts WatchOptions) *Watcher {
	opts.applyDefaults()
	return &Watcher{store: store, opts: opts, ch: make(chan Settings, 1)}
}

// Changes delivers a snapshot after each detected update. The buffer
// holds one pending snapshot; when a consumer lags, older snapshots
// are replaced by newer ones.
func (w *Watcher) Changes() <-chan Settings { return w.ch }

func (w *Watcher) Stats() WatchStats {
	return WatchStats{
		Checks:  w.checks.Load(),
		Reloads: w.reloads.Load(),
		Errors:  w.errors.Load(),
	}
}

// Run blocks until ctx ends, polling user_version at the configured
// interval. A failed read does not advance the observed version, so
// the reload retries on the next cycle.
func (w *Watcher) Run(ctx context.Context) {
	log := w.store.logger
	last, err := w.store.version(ctx)
	if err != nil {
		log.Warn("settings: initial version check failed", "error", err)
		last = -1
	}

	log.Info("settings: watcher started", "interval", w.opts.Interval)
	poll.Loop(ctx, w.opts.Clock, w.opts.Interval, func() poll.Decision {
		w.checks.Add(1)
		cur, err := w.store.version(ctx)
		if err != nil {
			w.errors.Add(1)
			log.Warn("settings: version check failed", "error", err)
			return poll.Continue
		}
		if cur == last {
			return poll.Continue
		}
		snap, err := w.store.Snapshot(ctx)
		if err != nil {
			w.errors.Add(1)
			log.Warn("settings: reload failed", "error", err)
			return poll.Continue
		}
		last = cur
		w.reloads.Add(1)
		log.Info("settings: reloaded", "version", cur)

		// Replace any unconsumed snapshot with the newer one.
		select {
		case w.ch <- snap:
		default:
			select {
			case <-w.ch:
			default:
			}
			w.ch <- snap
		}
		return poll.Continue
	})
	log.Info("settings: watcher stopped")
}
