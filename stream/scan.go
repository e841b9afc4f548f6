package stream

import (
	"context"

	"golang.org/x/net/html"

	"github.com/hazyhaar/streamrelay/convo"
	"github.com/hazyhaar/streamrelay/extract"
	"github.com/hazyhaar/streamrelay/page"
	"github.com/hazyhaar/streamrelay/settings"
)

// scanContainer decorates every finished content element of one
// container. Already-delivered text (by fingerprint) gets the action
// controls back instead of a fresh send button, which is what makes
// rescans idempotent across host-page DOM rebuilds.
func (w *Watcher) scanContainer(ctx context.Context, cfg settings.Settings, container *html.Node, id string) {
	w.scans.Add(1)
	scope := w.opts.Host.Scope(container)
	if scope == nil {
		// Reasoning phase: not ready, the next ping rescans.
		return
	}

	for i, el := range w.opts.Host.ContentBlocks(scope) {
		if w.opts.Host.Streaming(el) {
			// Tail element still growing.
			continue
		}
		text := w.opts.Host.ExtractText(el)
		if len(text) < w.opts.MinScanChars {
			continue
		}
		w.decorate(ctx, cfg, id, i, text)
	}
}

// decorate picks the overlay state for one element.
func (w *Watcher) decorate(ctx context.Context, cfg settings.Settings, id string, index int, text string) {
	key := elementKey(id, index)

	if rec, ok := w.opts.Ledger.Lookup(text); ok {
		w.opts.Ledger.CacheElement(key, rec)
		w.setControl(ctx, id, index, page.ControlSent)
		return
	}

	if cfg.SplitThreshold > 0 && len(text) > cfg.SplitThreshold {
		// Both halves already delivered means the whole element is.
		head, rest := extract.SplitText(text)
		if _, ok1 := w.opts.Ledger.Lookup(head); ok1 {
			if _, ok2 := w.opts.Ledger.Lookup(rest); ok2 {
				w.setControl(ctx, id, index, page.ControlSent)
				return
			}
		}
		w.setControl(ctx, id, index, page.ControlSplit)
		return
	}

	w.setControl(ctx, id, index, page.ControlSend)
}

// Rescan runs a full scan over every container in a fresh snapshot.
// Used at startup and after the page is known to have been rebuilt.
func (w *Watcher) Rescan(ctx context.Context) {
	cfg := w.opts.Settings(ctx)
	if !cfg.Enabled {
		return
	}
	doc, err := w.opts.Page.Snapshot(ctx)
	if err != nil {
		w.opts.Logger.Warn("stream: rescan snapshot failed", "error", err)
		return
	}
	w.opts.Ledger.InvalidateElements()
	w.mu.Lock()
	w.controls = make(map[string]page.ControlState)
	w.mu.Unlock()

	for _, c := range w.opts.Host.Containers(doc) {
		id := convo.ID(c)
		if id == "" {
			continue
		}
		if !w.opts.Host.Streaming(c) {
			w.scanContainer(ctx, cfg, c, id)
		}
	}
}
