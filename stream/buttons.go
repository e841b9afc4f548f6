package stream

import (
	"context"

	"github.com/hazyhaar/streamrelay/extract"
	"github.com/hazyhaar/streamrelay/ledger"
	"github.com/hazyhaar/streamrelay/page"
	"github.com/hazyhaar/streamrelay/relay"
)

// onClick executes an overlay button press against the transport and
// the ledger.
func (w *Watcher) onClick(ctx context.Context, ev page.Event) {
	text, ok := w.elementText(ctx, ev.ContainerID, ev.Index)
	if !ok {
		w.opts.Logger.Warn("stream: click on vanished element",
			"container", ev.ContainerID, "index", ev.Index)
		return
	}
	key := elementKey(ev.ContainerID, ev.Index)

	switch ev.Action {
	case page.ActionSend:
		w.doSend(ctx, key, ev, text)
	case page.ActionSendPart1, page.ActionSendPart2:
		head, rest := extract.SplitText(text)
		part := head
		if ev.Action == page.ActionSendPart2 {
			part = rest
		}
		w.doSendPart(ctx, ev, text, part)
	case page.ActionResend:
		w.doResend(ctx, key, ev, text)
	case page.ActionEdit:
		w.doOpenEditor(ctx, key, ev, text)
	case page.ActionDelete:
		w.doDelete(ctx, key, ev, text)
	}
}

func (w *Watcher) doSend(ctx context.Context, key string, ev page.Event, text string) {
	// A rescan may have raced the click; never double-send known text.
	if rec, ok := w.opts.Ledger.Lookup(text); ok {
		w.opts.Ledger.CacheElement(key, rec)
		w.setControl(ctx, ev.ContainerID, ev.Index, page.ControlSent)
		return
	}

	res, err := w.opts.Transport.Send(ctx, text)
	if err != nil {
		w.failures.Add(1)
		w.opts.Logger.Warn("stream: send failed", "container", ev.ContainerID, "error", err)
		w.toast(ctx, "Send failed", page.ToastError)
		return
	}
	w.sends.Add(1)
	w.opts.Ledger.RecordSend(key, &ledger.Record{
		MessageIDs: res.MessageIDs,
		Text:       text,
		MultiPart:  res.MultiPart,
		Status:     ledger.StatusSent,
	})
	w.setControl(ctx, ev.ContainerID, ev.Index, page.ControlSent)
}

// doSendPart delivers one half of an oversized paragraph. Each half is
// its own ledger entry; the halves are never merged into a multi-part
// record. The element flips to sent once both halves are delivered.
func (w *Watcher) doSendPart(ctx context.Context, ev page.Event, whole, part string) {
	if part == "" {
		return
	}
	if _, ok := w.opts.Ledger.Lookup(part); !ok {
		res, err := w.opts.Transport.Send(ctx, part)
		if err != nil {
			w.failures.Add(1)
			w.opts.Logger.Warn("stream: part send failed", "container", ev.ContainerID, "error", err)
			w.toast(ctx, "Send failed", page.ToastError)
			return
		}
		w.sends.Add(1)
		w.opts.Ledger.RecordSend("", &ledger.Record{
			MessageIDs: res.MessageIDs,
			Text:       part,
			MultiPart:  res.MultiPart,
			Status:     ledger.StatusSent,
		})
	}

	head, rest := extract.SplitText(whole)
	_, ok1 := w.opts.Ledger.Lookup(head)
	_, ok2 := w.opts.Ledger.Lookup(rest)
	if ok1 && ok2 {
		w.setControl(ctx, ev.ContainerID, ev.Index, page.ControlSent)
	}
}

func (w *Watcher) doResend(ctx context.Context, key string, ev page.Event, text string) {
	rec, ok := w.record(key, text)
	if !ok {
		w.doSend(ctx, key, ev, text)
		return
	}

	res, err := w.opts.Transport.Send(ctx, rec.Text)
	if err != nil {
		w.failures.Add(1)
		w.toast(ctx, "Resend failed", page.ToastError)
		return
	}
	w.sends.Add(1)
	// The fresh ids supersede the old ones for later edit/delete.
	rec.MessageIDs = res.MessageIDs
	rec.MultiPart = res.MultiPart
	w.toast(ctx, "Message resent", page.ToastSuccess)
}

func (w *Watcher) doOpenEditor(ctx context.Context, key string, ev page.Event, text string) {
	rec, ok := w.record(key, text)
	if !ok {
		w.toast(ctx, "Nothing sent for this element yet", page.ToastWarning)
		return
	}
	if err := w.opts.Page.ShowEditModal(ctx, ev.ContainerID, ev.Index, rec.Text); err != nil {
		w.opts.Logger.Warn("stream: open editor failed", "error", err)
	}
}

// onEditSubmit applies modal-confirmed text to the delivered message.
func (w *Watcher) onEditSubmit(ctx context.Context, ev page.Event) {
	key := elementKey(ev.ContainerID, ev.Index)
	rec, ok := w.opts.Ledger.LookupElement(key)
	if !ok {
		if text, found := w.elementText(ctx, ev.ContainerID, ev.Index); found {
			rec, ok = w.opts.Ledger.Lookup(text)
		}
	}
	if !ok || ev.Text == "" || ev.Text == rec.Text {
		return
	}

	if err := w.opts.Transport.Edit(ctx, rec.FirstID(), ev.Text); err != nil {
		w.failures.Add(1)
		w.toast(ctx, "Edit failed", page.ToastError)
		return
	}
	w.opts.Ledger.RecordEdit(rec, ev.Text)
	w.toast(ctx, "Message updated", page.ToastSuccess)
}

func (w *Watcher) doDelete(ctx context.Context, key string, ev page.Event, text string) {
	rec, ok := w.record(key, text)
	if !ok {
		return
	}
	if err := relay.DeleteAll(ctx, w.opts.Transport, rec.MessageIDs); err != nil {
		w.failures.Add(1)
		w.toast(ctx, "Delete failed", page.ToastError)
		return
	}
	w.opts.Ledger.RecordDelete(key, rec)
	w.setControl(ctx, ev.ContainerID, ev.Index, page.ControlSend)
	w.toast(ctx, "Message deleted", page.ToastSuccess)
}

// record resolves the delivery record for an element, fast path by
// element key, authoritative path by text fingerprint.
func (w *Watcher) record(key, text string) (*ledger.Record, bool) {
	if rec, ok := w.opts.Ledger.LookupElement(key); ok {
		return rec, true
	}
	return w.opts.Ledger.Lookup(text)
}

// elementText reads the current text of one content element from a
// fresh snapshot.
func (w *Watcher) elementText(ctx context.Context, id string, index int) (string, bool) {
	doc, err := w.opts.Page.Snapshot(ctx)
	if err != nil {
		return "", false
	}
	container := findContainer(doc, id)
	if container == nil {
		return "", false
	}
	scope := w.opts.Host.Scope(container)
	if scope == nil {
		return "", false
	}
	blocks := w.opts.Host.ContentBlocks(scope)
	if index < 0 || index >= len(blocks) {
		return "", false
	}
	return w.opts.Host.ExtractText(blocks[index]), true
}
