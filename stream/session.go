package stream

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/streamrelay/extract"
	"github.com/hazyhaar/streamrelay/ledger"
	"github.com/hazyhaar/streamrelay/page"
	"github.com/hazyhaar/streamrelay/relay"
)

// anchorLen is the prefix length used for the identity check. The host
// page may destroy and recreate the tracked node; text that no longer
// starts with the anchor captured at session start is someone else's.
const anchorLen = 30

// State is the live session phase.
type State string

const (
	StateWaiting   State = "waiting_for_content"
	StatePreSplit  State = "streaming_presplit"
	StatePostSplit State = "streaming_postsplit"
	StateFinalize  State = "finalizing"
	StateDone      State = "done"
)

// Session live-relays one streaming response: an initial send, interim
// edits while the text grows, an optional word-limit split into a
// second message, and one authoritative finalizing edit.
type Session struct {
	w        *Watcher
	id       string
	question string

	mu       sync.Mutex
	state    State
	anchor   string
	lastRead string // most recent anchor-matching text observed
	lastSent string // most recent value pushed to the transport

	msg1       relay.SendResult
	msg2       relay.SendResult
	frozenHead string
	splitDone  bool
	splitDead  bool // freeze edit failed; never split again
	splitting  bool // awaited split calls in flight, edit ticks pause
	lastRem    string
}

func newSession(w *Watcher, id, question string) *Session {
	return &Session{w: w, id: id, question: question, state: StateWaiting}
}

// Done reports whether the session has finished (or aborted).
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDone
}

// CurrentState returns the session phase for diagnostics.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session to completion. It owns its own timers; the
// watcher only observes Done.
func (s *Session) Run(ctx context.Context) {
	defer s.setState(StateDone)

	text, streamEnded, ok := s.waitForContent(ctx)
	if !ok {
		s.w.opts.Logger.Info("stream: session ended without content", "container", s.id)
		return
	}
	if !s.initialSend(ctx, text) {
		return
	}
	if !streamEnded {
		s.streamLoop(ctx)
	}
	s.finalize(ctx)
}

// waitForContent polls until the first content element reaches the
// minimum size or streaming ends, bounded by the wait timeout. It
// returns the text to send and whether streaming already ended; ok is
// false when there is nothing worth sending.
func (s *Session) waitForContent(ctx context.Context) (text string, streamEnded, ok bool) {
	o := s.w.opts
	deadline := o.Clock.After(o.WaitTimeout)
	tick := o.Clock.NewTicker(o.WaitPoll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false, false
		case <-deadline:
			// Thinking phase outlasted the ceiling: go with whatever
			// is there, or give up when the scope is still empty.
			text = s.readText(ctx)
			return text, !s.stillStreaming(ctx), text != ""
		case <-tick.C():
			text = s.readText(ctx)
			if len(text) >= o.MinFirstChunkChars {
				return text, false, true
			}
			if !s.stillStreaming(ctx) {
				return text, true, text != ""
			}
		}
	}
}

// initialSend delivers the first message. Failure abandons the session;
// the steady scan offers a manual send path once streaming ends.
func (s *Session) initialSend(ctx context.Context, text string) bool {
	res, err := s.w.opts.Transport.Send(ctx, text)
	if err != nil {
		s.w.failures.Add(1)
		s.w.opts.Logger.Warn("stream: initial send failed, abandoning session",
			"container", s.id, "error", err)
		s.w.toast(ctx, "Live relay failed to start", page.ToastError)
		return false
	}
	s.w.sends.Add(1)

	s.mu.Lock()
	s.msg1 = res
	s.anchor = prefix(text, anchorLen)
	s.lastRead = text
	s.lastSent = text
	s.state = StatePreSplit
	s.mu.Unlock()

	s.w.setControl(ctx, s.id, 0, page.ControlStreaming)
	s.w.opts.Logger.Info("stream: first chunk sent", "container", s.id, "chars", len(text))
	return true
}

// streamLoop runs the interim-edit and stop-check timers until the
// container stops streaming or the absolute session timeout fires.
func (s *Session) streamLoop(ctx context.Context) {
	o := s.w.opts
	edit := o.Clock.NewTicker(o.EditPoll)
	defer edit.Stop()
	stop := o.Clock.NewTicker(o.StopPoll)
	defer stop.Stop()
	deadline := o.Clock.After(o.SessionTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			s.w.opts.Logger.Warn("stream: session timeout, forcing finalize", "container", s.id)
			return
		case <-stop.C():
			if !s.stillStreaming(ctx) {
				return
			}
		case <-edit.C():
			s.editTick(ctx)
		}
	}
}

// editTick pushes the grown text. Skipped while a split is in flight,
// when the text is unchanged, or when the identity check fails.
func (s *Session) editTick(ctx context.Context) {
	s.mu.Lock()
	if s.splitting || s.state == StateFinalize || s.state == StateDone {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	text := s.readText(ctx)
	if text == "" || !strings.HasPrefix(text, s.anchor) {
		return
	}

	s.mu.Lock()
	s.lastRead = text
	unchanged := text == s.lastSent
	splitDone, splitDead := s.splitDone, s.splitDead
	s.mu.Unlock()
	if unchanged {
		return
	}

	if !splitDone && !splitDead {
		if head, rest, ok := extract.SplitWords(text, s.w.opts.Settings(ctx).FirstChunkWordLimit); ok {
			s.performSplit(ctx, head, rest)
			s.mu.Lock()
			// A failed freeze delivered nothing: lastSent must keep
			// tracking what the transport actually holds, so finalize
			// still issues its authoritative edit.
			if s.splitDone {
				s.lastSent = text
			}
			s.mu.Unlock()
			return
		}
	}

	s.pushInterim(ctx, text)
}

// pushInterim fires a non-blocking edit with the latest text: the full
// buffer into message 1 before a split, only the remainder into
// message 2 after one. Outcomes are not awaited; the finalizing edit
// is authoritative.
func (s *Session) pushInterim(ctx context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.splitDone {
		if s.msg2.FirstID() == 0 {
			// Remainder send failed earlier: single-message mode.
			return
		}
		rem := remainder(text, s.frozenHead)
		if rem == "" || rem == s.lastRem {
			return
		}
		s.lastRem = rem
		id := s.msg2.FirstID()
		s.w.opts.Async(func() { s.w.opts.Transport.StreamEdit(ctx, id, rem) })
	} else {
		id := s.msg1.FirstID()
		s.w.opts.Async(func() { s.w.opts.Transport.StreamEdit(ctx, id, text) })
	}
	s.lastSent = text
}

// performSplit freezes message 1 at the head and sends the remainder
// as message 2, both awaited. A failed freeze kills the split for the
// rest of the session; a failed remainder send still marks the split
// done and drops to message-1-only.
func (s *Session) performSplit(ctx context.Context, head, rest string) {
	s.mu.Lock()
	s.splitting = true
	msg1 := s.msg1.FirstID()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.splitting = false
		s.mu.Unlock()
	}()

	if err := s.w.opts.Transport.Edit(ctx, msg1, head); err != nil {
		s.w.failures.Add(1)
		s.w.opts.Logger.Warn("stream: freeze edit failed, split aborted",
			"container", s.id, "error", err)
		s.mu.Lock()
		s.splitDead = true
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.frozenHead = head
	s.splitDone = true
	s.mu.Unlock()

	res, err := s.w.opts.Transport.Send(ctx, rest)
	if err != nil {
		// Deliberately not retried: message 1 alone is the delivery.
		s.w.failures.Add(1)
		s.w.opts.Logger.Warn("stream: remainder send failed, staying single-message",
			"container", s.id, "error", err)
		return
	}
	s.w.sends.Add(1)

	s.mu.Lock()
	s.msg2 = res
	s.lastRem = rest
	if s.state == StatePreSplit {
		s.state = StatePostSplit
	}
	s.mu.Unlock()
	s.w.opts.Logger.Info("stream: split fired", "container", s.id,
		"head_chars", len(head), "rest_chars", len(rest))
}

// finalize recovers the authoritative text, late-splits if warranted,
// issues at most one awaited edit per message, records the delivery,
// and swaps the indicator for action controls when the element is
// still attached.
func (s *Session) finalize(ctx context.Context) {
	s.setState(StateFinalize)
	o := s.w.opts

	doc, _ := o.Page.Snapshot(ctx)
	text, attached := s.recoverText(ctx, doc)
	if text == "" {
		o.Logger.Warn("stream: nothing to finalize", "container", s.id)
		return
	}

	s.mu.Lock()
	splitDone, splitDead := s.splitDone, s.splitDead
	s.mu.Unlock()

	// Late split: the word limit may only be crossed by the final text.
	if !splitDone && !splitDead {
		if head, rest, ok := extract.SplitWords(text, o.Settings(ctx).FirstChunkWordLimit); ok {
			s.performSplit(ctx, head, rest)
			s.mu.Lock()
			splitDone = s.splitDone
			s.mu.Unlock()
		}
	}

	if splitDone {
		s.finalizeSplit(ctx, text)
	} else {
		s.finalizeSingle(ctx, text)
	}

	if attached {
		s.w.setControl(ctx, s.id, 0, page.ControlSent)
	}

	if o.Archive != nil {
		rawHTML, err := o.Page.ContainerHTML(ctx, s.id)
		if err == nil {
			if err := o.Archive.Archive(ctx, s.id, s.question, text, rawHTML); err != nil {
				o.Logger.Warn("stream: archive failed", "container", s.id, "error", err)
			}
		}
	}
	o.Logger.Info("stream: session finalized", "container", s.id, "split", splitDone)
}

// finalizeSplit pushes the true remainder into message 2 (skipped when
// already current) and records one composite multi-part delivery keyed
// by the whole final text, so a rescan recognizes the full response.
func (s *Session) finalizeSplit(ctx context.Context, text string) {
	s.mu.Lock()
	ids := append(append([]int64{}, s.msg1.MessageIDs...), s.msg2.MessageIDs...)
	msg2 := s.msg2.FirstID()
	rem := remainder(text, s.frozenHead)
	lastRem := s.lastRem
	s.mu.Unlock()

	// Claim the fingerprint before the awaited edit so a concurrent
	// scan cannot double-send the same text.
	rec := &ledger.Record{
		MessageIDs: ids,
		Text:       text,
		MultiPart:  msg2 != 0,
		Status:     ledger.StatusPending,
	}
	s.w.opts.Ledger.RecordSend(elementKey(s.id, 0), rec)

	if msg2 != 0 && rem != "" && rem != lastRem {
		if err := s.w.opts.Transport.Edit(ctx, msg2, rem); err != nil {
			s.w.failures.Add(1)
			s.w.opts.Logger.Warn("stream: final remainder edit failed",
				"container", s.id, "error", err)
			s.w.toast(ctx, "Final update failed", page.ToastWarning)
		}
	}
	rec.Status = ledger.StatusSent
}

// finalizeSingle pushes the full text into message 1 (skipped when the
// last pushed value already matches). A failed final edit keeps the
// last successfully pushed text as the durable record, best-effort.
func (s *Session) finalizeSingle(ctx context.Context, text string) {
	s.mu.Lock()
	msg1 := s.msg1
	lastSent := s.lastSent
	s.mu.Unlock()

	rec := &ledger.Record{
		MessageIDs: msg1.MessageIDs,
		Text:       text,
		MultiPart:  msg1.MultiPart,
		Status:     ledger.StatusPending,
	}
	s.w.opts.Ledger.RecordSend(elementKey(s.id, 0), rec)

	if text != lastSent {
		if err := s.w.opts.Transport.Edit(ctx, msg1.FirstID(), text); err != nil {
			s.w.failures.Add(1)
			s.w.opts.Logger.Warn("stream: final edit failed", "container", s.id, "error", err)
			s.w.toast(ctx, "Final update failed", page.ToastWarning)
			// The edit never landed: the durable record keeps the last
			// delivered text so a later rescan can repair the gap.
			s.w.opts.Ledger.RecordEdit(rec, lastSent)
		}
	}
	rec.Status = ledger.StatusSent
}

// recoverText decides the true current text of the tracked element.
// The fresh first-content read is trusted when it still starts with
// the anchor, preferring the longer of it and the last observed text
// (a detached node can retain a stale shorter value). When nothing
// matches the anchor the last sent value stands; unrelated content is
// never used.
func (s *Session) recoverText(ctx context.Context, doc *html.Node) (text string, attached bool) {
	s.mu.Lock()
	anchor, lastRead, lastSent := s.anchor, s.lastRead, s.lastSent
	s.mu.Unlock()

	var fresh string
	container := findContainer(doc, s.id)
	if container != nil {
		if el := s.w.opts.Host.FirstContent(container); el != nil {
			fresh = s.w.opts.Host.ExtractText(el)
			attached = true
		}
	}

	switch {
	case fresh != "" && strings.HasPrefix(fresh, anchor):
		if strings.HasPrefix(lastRead, anchor) && len(lastRead) > len(fresh) {
			return lastRead, attached
		}
		return fresh, attached
	case strings.HasPrefix(lastRead, anchor) && lastRead != "":
		return lastRead, attached
	default:
		return lastSent, attached
	}
}

// readText extracts the tracked first content element's current text
// from a fresh snapshot.
func (s *Session) readText(ctx context.Context) string {
	doc, err := s.w.opts.Page.Snapshot(ctx)
	if err != nil {
		s.w.opts.Logger.Debug("stream: session snapshot failed", "container", s.id, "error", err)
		return ""
	}
	container := findContainer(doc, s.id)
	if container == nil {
		return ""
	}
	el := s.w.opts.Host.FirstContent(container)
	if el == nil {
		return ""
	}
	return s.w.opts.Host.ExtractText(el)
}

func (s *Session) stillStreaming(ctx context.Context) bool {
	doc, err := s.w.opts.Page.Snapshot(ctx)
	if err != nil {
		return true
	}
	container := findContainer(doc, s.id)
	if container == nil {
		return false
	}
	return s.w.opts.Host.Streaming(container)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Do not cut a multi-byte rune in half.
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// remainder strips the frozen head from the full buffer.
func remainder(text, head string) string {
	return strings.TrimSpace(strings.TrimPrefix(text, head))
}
