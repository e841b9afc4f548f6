// Package stream is the synchronization engine: it watches response
// containers in the observed page, live-relays streaming replies
// through the delivery transport, and keeps finished content decorated
// with idempotent send/resend/edit/delete controls.
//
// All work is driven by two inputs: debounced mutation pings from the
// page agent and overlay interaction events. Every timer goes through
// the poll package so the whole engine runs against a fake clock in
// tests.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/streamrelay/convo"
	"github.com/hazyhaar/streamrelay/ledger"
	"github.com/hazyhaar/streamrelay/page"
	"github.com/hazyhaar/streamrelay/poll"
	"github.com/hazyhaar/streamrelay/relay"
	"github.com/hazyhaar/streamrelay/selector"
	"github.com/hazyhaar/streamrelay/settings"
)

// Archiver persists finalized responses. Optional.
type Archiver interface {
	Archive(ctx context.Context, containerID, question, text, rawHTML string) error
}

// Options configures the Watcher.
type Options struct {
	Page      page.Handle
	Host      *convo.Host
	Ledger    *ledger.Ledger
	Transport relay.Transport

	// Settings returns the current settings snapshot. Called on every
	// decision point; never cached by the engine.
	Settings func(ctx context.Context) settings.Settings

	// Archive receives finalized responses. Nil disables archiving.
	Archive Archiver

	Clock  poll.Clock
	Logger *slog.Logger

	// WaitPoll is the first-content poll interval.
	WaitPoll time.Duration
	// WaitTimeout bounds the wait for first content (thinking phase).
	WaitTimeout time.Duration
	// EditPoll is the live edit-push interval.
	EditPoll time.Duration
	// StopPoll is the streaming-end check interval.
	StopPoll time.Duration
	// SessionTimeout forces finalization of a live session.
	SessionTimeout time.Duration

	// MinFirstChunkChars gates the initial live send.
	MinFirstChunkChars int
	// MinScanChars gates steady-scan decoration.
	MinScanChars int

	// Async dispatches fire-and-forget transport calls. Tests replace
	// it to run them inline.
	Async func(func())
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = poll.Real{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.WaitPoll <= 0 {
		o.WaitPoll = 50 * time.Millisecond
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 120 * time.Second
	}
	if o.EditPoll <= 0 {
		o.EditPoll = 500 * time.Millisecond
	}
	if o.StopPoll <= 0 {
		o.StopPoll = 100 * time.Millisecond
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 60 * time.Second
	}
	if o.MinFirstChunkChars <= 0 {
		o.MinFirstChunkChars = 10
	}
	if o.MinScanChars <= 0 {
		o.MinScanChars = 5
	}
	if o.Async == nil {
		o.Async = func(fn func()) { go fn() }
	}
}

// containerState is the watcher's per-container lifecycle memory.
type containerState struct {
	// liveHandled means a session was started (or deliberately skipped)
	// for this container's streaming phase.
	liveHandled bool
	// finalScanned means the finished container got its full scan.
	finalScanned bool
}

// Watcher reacts to mutation pings and decides, once per container
// lifecycle transition, whether to start a live session or run a scan.
type Watcher struct {
	opts Options

	mu         sync.Mutex
	processing map[string]bool
	state      map[string]*containerState
	sessions   map[string]*Session
	controls   map[string]page.ControlState
	lastCount  int
	tracked    string

	healthWarned bool
	lastHealth   selector.HealthReport

	scans    atomic.Int64
	started  atomic.Int64
	sends    atomic.Int64
	failures atomic.Int64
}

// NewWatcher creates a Watcher. Call Run to start consuming events.
func NewWatcher(opts Options) (*Watcher, error) {
	if opts.Page == nil || opts.Host == nil || opts.Ledger == nil || opts.Transport == nil {
		return nil, fmt.Errorf("stream: page, host, ledger and transport are required")
	}
	if opts.Settings == nil {
		return nil, fmt.Errorf("stream: settings source is required")
	}
	opts.applyDefaults()
	return &Watcher{
		opts:       opts,
		processing: make(map[string]bool),
		state:      make(map[string]*containerState),
		sessions:   make(map[string]*Session),
		controls:   make(map[string]page.ControlState),
	}, nil
}

// WatcherStats are point-in-time engine counters.
type WatcherStats struct {
	Scans          int64 `json:"scans"`
	SessionsActive int   `json:"sessions_active"`
	SessionsTotal  int64 `json:"sessions_total"`
	Sends          int64 `json:"sends"`
	Failures       int64 `json:"failures"`
}

func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	active := 0
	for _, s := range w.sessions {
		if !s.Done() {
			active++
		}
	}
	w.mu.Unlock()
	return WatcherStats{
		Scans:          w.scans.Load(),
		SessionsActive: active,
		SessionsTotal:  w.started.Load(),
		Sends:          w.sends.Load(),
		Failures:       w.failures.Load(),
	}
}

// Run consumes page events until ctx ends or the event channel closes.
func (w *Watcher) Run(ctx context.Context) {
	log := w.opts.Logger
	log.Info("stream: watcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info("stream: watcher stopped")
			return
		case ev, ok := <-w.opts.Page.Events():
			if !ok {
				log.Info("stream: event channel closed")
				return
			}
			switch ev.Kind {
			case page.EventMutation:
				w.OnMutation(ctx)
			case page.EventClick:
				w.onClick(ctx, ev)
			case page.EventEditSubmit:
				w.onEditSubmit(ctx, ev)
			}
		}
	}
}

// OnMutation takes a fresh snapshot and walks the current container
// set, deciding per container under the re-entrancy lock.
func (w *Watcher) OnMutation(ctx context.Context) {
	cfg := w.opts.Settings(ctx)
	if !cfg.Enabled {
		return
	}

	doc, err := w.opts.Page.Snapshot(ctx)
	if err != nil {
		w.opts.Logger.Warn("stream: snapshot failed", "error", err)
		return
	}

	containers := w.opts.Host.Containers(doc)
	for i, c := range containers {
		id := convo.ID(c)
		if id == "" {
			// Agent has not tagged this node yet; the tagging mutation
			// triggers another ping.
			continue
		}
		if !w.acquire(id) {
			continue
		}
		w.decide(ctx, cfg, doc, c, id, i == len(containers)-1, len(containers))
		w.release(id)
	}

	w.mu.Lock()
	w.lastCount = len(containers)
	w.mu.Unlock()
}

// decide runs the synchronous per-container decision. The lock is held
// only here; streaming work is kicked off asynchronously.
func (w *Watcher) decide(ctx context.Context, cfg settings.Settings, doc *html.Node, c *html.Node, id string, isLast bool, count int) {
	st := w.containerState(id)
	streaming := w.opts.Host.Streaming(c)

	switch {
	case streaming && !st.liveHandled:
		if !w.looksNew(id, isLast, count) {
			return
		}
		st.liveHandled = true
		w.setTracked(id)
		w.maybeStartSession(ctx, cfg, doc, id)

	case !streaming && !st.finalScanned:
		if s := w.session(id); s != nil && !s.Done() {
			// The session finalizes itself; scan after it is done.
			return
		}
		st.finalScanned = true
		w.scanContainer(ctx, cfg, c, id)
	}
}

// looksNew applies the accepted new-container heuristic: the container
// count grew, or the last container streams and differs from the one
// currently tracked. An in-place node replacement that keeps both the
// count and the synthetic id is not detected; accepted approximation.
func (w *Watcher) looksNew(id string, isLast bool, count int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if count > w.lastCount {
		return true
	}
	return isLast && id != w.tracked
}

func (w *Watcher) maybeStartSession(ctx context.Context, cfg settings.Settings, doc *html.Node, id string) {
	log := w.opts.Logger
	if !cfg.AutoSendFirstChunk {
		log.Debug("stream: live relay disabled, container will be scanned when done", "container", id)
		return
	}

	question := w.opts.Host.LatestQuestion(doc)
	if convo.SkipQuestion(question, cfg.SkipKeywords) {
		log.Info("stream: skip keyword matched, not live-relaying", "container", id)
		return
	}

	s := newSession(w, id, question)
	w.mu.Lock()
	w.sessions[id] = s
	w.mu.Unlock()
	w.started.Add(1)
	log.Info("stream: session starting", "container", id)
	go s.Run(ctx)
}

func (w *Watcher) containerState(id string) *containerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.state[id]
	if !ok {
		st = &containerState{}
		w.state[id] = st
	}
	return st
}

func (w *Watcher) session(id string) *Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions[id]
}

func (w *Watcher) setTracked(id string) {
	w.mu.Lock()
	w.tracked = id
	w.mu.Unlock()
}

// acquire takes the per-container re-entrancy lock. It never blocks:
// an overlapping mutation ping for a busy container is dropped, the
// next ping resynchronizes.
func (w *Watcher) acquire(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.processing[id] {
		return false
	}
	w.processing[id] = true
	return true
}

func (w *Watcher) release(id string) {
	w.mu.Lock()
	delete(w.processing, id)
	w.mu.Unlock()
}

// setControl applies an overlay state, skipping a repeat of the state
// already applied to that element.
func (w *Watcher) setControl(ctx context.Context, id string, index int, state page.ControlState) {
	key := elementKey(id, index)
	w.mu.Lock()
	if w.controls[key] == state {
		w.mu.Unlock()
		return
	}
	w.controls[key] = state
	w.mu.Unlock()

	if err := w.opts.Page.SetControls(ctx, page.ElementState{ContainerID: id, Index: index, State: state}); err != nil {
		w.opts.Logger.Warn("stream: set controls failed", "container", id, "index", index, "error", err)
	}
}

func (w *Watcher) toast(ctx context.Context, text string, kind page.ToastKind) {
	if err := w.opts.Page.Toast(ctx, text, kind); err != nil {
		w.opts.Logger.Debug("stream: toast failed", "error", err)
	}
}

// elementKey is the ledger fast-path cache key for one content element.
func elementKey(id string, index int) string {
	return fmt.Sprintf("%s#%d", id, index)
}

// findContainer locates a container by synthetic id in a snapshot.
func findContainer(doc *html.Node, id string) *html.Node {
	if doc == nil {
		return nil
	}
	var found *html.Node
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if found != nil {
			return
		}
		if convo.ID(n) == id {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(doc)
	return found
}
