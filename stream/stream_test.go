package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/streamrelay/convo"
	"github.com/hazyhaar/streamrelay/ledger"
	"github.com/hazyhaar/streamrelay/page"
	"github.com/hazyhaar/streamrelay/poll"
	"github.com/hazyhaar/streamrelay/relay"
	"github.com/hazyhaar/streamrelay/settings"
)

type transportCall struct {
	ID   int64
	Text string
}

// fakeTransport records delivery calls and fails on demand. onEdit, when
// set, runs at the start of every awaited Edit.
type fakeTransport struct {
	mu          sync.Mutex
	sends       []string
	edits       []transportCall
	streamEdits []transportCall
	deletes     []int64
	failSend    bool
	failEdit    bool
	failDelete  bool
	nextID      int64
	onEdit      func()
}

func (f *fakeTransport) Send(ctx context.Context, text string) (relay.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return relay.SendResult{}, fmt.Errorf("fake: send refused")
	}
	f.nextID++
	f.sends = append(f.sends, text)
	return relay.SendResult{MessageIDs: []int64{f.nextID}}, nil
}

func (f *fakeTransport) Edit(ctx context.Context, id int64, text string) error {
	f.mu.Lock()
	fail, hook := f.failEdit, f.onEdit
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return fmt.Errorf("fake: edit refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, transportCall{ID: id, Text: text})
	return nil
}

func (f *fakeTransport) StreamEdit(ctx context.Context, id int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamEdits = append(f.streamEdits, transportCall{ID: id, Text: text})
}

func (f *fakeTransport) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return fmt.Errorf("fake: delete refused")
	}
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) lastStreamEdit() (transportCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streamEdits) == 0 {
		return transportCall{}, false
	}
	return f.streamEdits[len(f.streamEdits)-1], true
}

// testRig bundles the engine with all its fakes.
type testRig struct {
	w     *Watcher
	page  *page.Fake
	tr    *fakeTransport
	clock *poll.Fake
	led   *ledger.Ledger
	cfg   *settings.Settings
}

func newRig(t *testing.T, doc string) *testRig {
	t.Helper()
	cfg := &settings.Settings{
		Enabled:             true,
		AutoSendFirstChunk:  true,
		SplitThreshold:      250,
		FirstChunkWordLimit: 42,
	}
	fp := page.NewFake(doc)
	t.Cleanup(func() { fp.Close() })
	tr := &fakeTransport{}
	clock := poll.NewFake()
	led := ledger.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w, err := NewWatcher(Options{
		Page:      fp,
		Host:      convo.New(convo.Flagged(), logger),
		Ledger:    led,
		Transport: tr,
		Settings:  func(context.Context) settings.Settings { return *cfg },
		Clock:     clock,
		Logger:    logger,
		Async:     func(fn func()) { fn() },

		WaitPoll:       10 * time.Millisecond,
		WaitTimeout:    time.Second,
		EditPoll:       10 * time.Millisecond,
		StopPoll:       10 * time.Millisecond,
		SessionTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return &testRig{w: w, page: fp, tr: tr, clock: clock, led: led, cfg: cfg}
}

func containerDoc(id, streaming string, body string) string {
	return `<html><body>
<div data-testid="user-message">tell me about ducks</div>
<div data-is-streaming="` + streaming + `" data-sr-id="` + id + `">` + body + `</div>
</body></html>`
}

func TestScanDecoratesFinishedContainer(t *testing.T) {
	r := newRig(t, containerDoc("c1", "false", "<p>first finished paragraph</p><p>second one here</p>"))

	r.w.OnMutation(context.Background())

	if got := r.page.LastControl("c1", 0); got != page.ControlSend {
		t.Errorf("element 0 control = %q, want send", got)
	}
	if got := r.page.LastControl("c1", 1); got != page.ControlSend {
		t.Errorf("element 1 control = %q, want send", got)
	}
	if r.tr.sendCount() != 0 {
		t.Errorf("scan issued %d sends", r.tr.sendCount())
	}
}

func TestScanIdempotentAfterRebuild(t *testing.T) {
	text := "already delivered paragraph"
	r := newRig(t, containerDoc("c1", "false", "<p>"+text+"</p>"))
	r.led.RecordSend("", &ledger.Record{MessageIDs: []int64{5}, Text: text, Status: ledger.StatusSent})

	r.w.OnMutation(context.Background())

	if got := r.page.LastControl("c1", 0); got != page.ControlSent {
		t.Errorf("control = %q, want sent for ledger hit", got)
	}
	if r.tr.sendCount() != 0 {
		t.Error("rescan of known text issued a send")
	}
	if _, ok := r.led.LookupElement(elementKey("c1", 0)); !ok {
		t.Error("element fast path not cached on rescan")
	}
}

func TestScanLongParagraphGetsSplitControls(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "some words to pad this out. "
	}
	r := newRig(t, containerDoc("c1", "false", "<p>"+long+"</p>"))

	r.w.OnMutation(context.Background())

	if got := r.page.LastControl("c1", 0); got != page.ControlSplit {
		t.Errorf("control = %q, want split above threshold", got)
	}
}

func TestScanSkipsTinyAndStreamingTail(t *testing.T) {
	r := newRig(t, containerDoc("c1", "true", "<p>finished paragraph stays decorated</p><p>tail</p>"))
	// Mark the container as live-handled so decide does not start a session.
	r.w.containerState("c1").liveHandled = true

	doc, err := r.page.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	c := findContainer(doc, "c1")
	r.w.scanContainer(context.Background(), r.w.opts.Settings(context.Background()), c, "c1")

	if got := r.page.LastControl("c1", 0); got != page.ControlSend {
		t.Errorf("finished element control = %q, want send", got)
	}
	// Element 1 is the streaming tail (and below min chars anyway).
	if got := r.page.LastControl("c1", 1); got != "" {
		t.Errorf("streaming tail decorated with %q", got)
	}
}

func TestWatcherDisabledDoesNothing(t *testing.T) {
	r := newRig(t, containerDoc("c1", "false", "<p>some finished paragraph</p>"))
	r.cfg.Enabled = false

	r.w.OnMutation(context.Background())

	if len(r.page.Controls) != 0 {
		t.Errorf("disabled engine applied %d controls", len(r.page.Controls))
	}
}

func TestWatcherStartsSessionOnce(t *testing.T) {
	r := newRig(t, containerDoc("c1", "true", "<p>growing answer text here</p>"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r.w.OnMutation(ctx)
	if r.w.session("c1") == nil {
		t.Fatal("no session started for streaming container")
	}
	total := r.w.Stats().SessionsTotal

	// Overlapping ping must not start a second session.
	r.w.OnMutation(ctx)
	if got := r.w.Stats().SessionsTotal; got != total {
		t.Errorf("sessions total %d -> %d on repeat ping", total, got)
	}
}

func TestWatcherSkipKeyword(t *testing.T) {
	r := newRig(t, containerDoc("c1", "true", "<p>growing answer text here</p>"))
	r.cfg.SkipKeywords = []string{"ducks"}

	r.w.OnMutation(context.Background())
	if r.w.session("c1") != nil {
		t.Fatal("session started despite skip keyword")
	}
	if r.tr.sendCount() != 0 {
		t.Error("send issued for skipped container")
	}

	// Ordinary controls still appear once streaming ends.
	r.page.SetHTML(containerDoc("c1", "false", "<p>growing answer text here</p>"))
	r.w.OnMutation(context.Background())
	if got := r.page.LastControl("c1", 0); got != page.ControlSend {
		t.Errorf("control after finish = %q, want send", got)
	}
}

func TestClickSendSimpleScenario(t *testing.T) {
	text := "Hello world, this is a test."
	r := newRig(t, containerDoc("c1", "false", "<p>"+text+"</p>"))
	ctx := context.Background()

	r.w.onClick(ctx, page.Event{Kind: page.EventClick, ContainerID: "c1", Index: 0, Action: page.ActionSend})

	if r.tr.sendCount() != 1 || r.tr.sends[0] != text {
		t.Fatalf("sends = %v, want exactly [%q]", r.tr.sends, text)
	}
	if got := r.page.LastControl("c1", 0); got != page.ControlSent {
		t.Errorf("control = %q, want sent", got)
	}
	if _, ok := r.led.Lookup(text); !ok {
		t.Error("send not recorded in ledger")
	}

	// A second click on known text must not send again.
	r.w.onClick(ctx, page.Event{Kind: page.EventClick, ContainerID: "c1", Index: 0, Action: page.ActionSend})
	if r.tr.sendCount() != 1 {
		t.Errorf("duplicate send issued: %d", r.tr.sendCount())
	}
}

func TestClickSendParts(t *testing.T) {
	// Distinct sentences so the two halves carry distinct fingerprints.
	long := ""
	for i := 0; i < 20; i++ {
		long += fmt.Sprintf("padding sentence number %02d goes here. ", i)
	}
	r := newRig(t, containerDoc("c1", "false", "<p>"+long+"</p>"))
	ctx := context.Background()
	ev := page.Event{Kind: page.EventClick, ContainerID: "c1", Index: 0}

	ev.Action = page.ActionSendPart1
	r.w.onClick(ctx, ev)
	if r.tr.sendCount() != 1 {
		t.Fatalf("sends after part 1 = %d", r.tr.sendCount())
	}
	// One half delivered: element must not flip to sent yet.
	if got := r.page.LastControl("c1", 0); got == page.ControlSent {
		t.Error("element marked sent with only one half delivered")
	}

	ev.Action = page.ActionSendPart2
	r.w.onClick(ctx, ev)
	if r.tr.sendCount() != 2 {
		t.Fatalf("sends after part 2 = %d", r.tr.sendCount())
	}
	if got := r.page.LastControl("c1", 0); got != page.ControlSent {
		t.Errorf("control = %q, want sent after both halves", got)
	}

	// Two independent records, no merged multi-part one.
	if rec, ok := r.led.Lookup(r.tr.sends[0]); !ok || rec.MultiPart {
		t.Errorf("half 1 record = %+v, ok=%v", rec, ok)
	}
	if rec, ok := r.led.Lookup(r.tr.sends[1]); !ok || rec.MultiPart {
		t.Errorf("half 2 record = %+v, ok=%v", rec, ok)
	}
}

func TestClickDeleteRestoresSendControl(t *testing.T) {
	text := "paragraph that was delivered"
	r := newRig(t, containerDoc("c1", "false", "<p>"+text+"</p>"))
	ctx := context.Background()
	key := elementKey("c1", 0)
	r.led.RecordSend(key, &ledger.Record{MessageIDs: []int64{3, 4}, Text: text, MultiPart: true, Status: ledger.StatusSent})

	r.w.onClick(ctx, page.Event{Kind: page.EventClick, ContainerID: "c1", Index: 0, Action: page.ActionDelete})

	if len(r.tr.deletes) != 2 {
		t.Fatalf("deletes = %v, want both part ids", r.tr.deletes)
	}
	if _, ok := r.led.Lookup(text); ok {
		t.Error("fingerprint survived delete")
	}
	if got := r.page.LastControl("c1", 0); got != page.ControlSend {
		t.Errorf("control = %q, want send restored", got)
	}
}

func TestEditSubmitMovesFingerprint(t *testing.T) {
	text := "original delivered text"
	edited := "corrected delivered text"
	r := newRig(t, containerDoc("c1", "false", "<p>"+text+"</p>"))
	ctx := context.Background()
	key := elementKey("c1", 0)
	r.led.RecordSend(key, &ledger.Record{MessageIDs: []int64{9}, Text: text, Status: ledger.StatusSent})

	r.w.onEditSubmit(ctx, page.Event{Kind: page.EventEditSubmit, ContainerID: "c1", Index: 0, Text: edited})

	if len(r.tr.edits) != 1 || r.tr.edits[0].Text != edited || r.tr.edits[0].ID != 9 {
		t.Fatalf("edits = %v", r.tr.edits)
	}
	if _, ok := r.led.Lookup(text); ok {
		t.Error("old fingerprint still present")
	}
	if _, ok := r.led.Lookup(edited); !ok {
		t.Error("new fingerprint missing")
	}
}

func TestHealthWarnsOncePerSession(t *testing.T) {
	// No response container at all: the critical selector fails.
	r := newRig(t, `<html><body><div class="unrelated"></div></body></html>`)
	ctx := context.Background()

	r.w.healthTick(ctx)
	r.w.healthTick(ctx)

	if len(r.page.Toasts) != 1 {
		t.Fatalf("toasts = %v, want exactly one warning", r.page.Toasts)
	}
	if got := r.w.Health().CriticalFailures(); len(got) == 0 {
		t.Error("health report lists no critical failures")
	}
}

func TestClickResendReplacesIDs(t *testing.T) {
	text := "text to resend exactly"
	r := newRig(t, containerDoc("c1", "false", "<p>"+text+"</p>"))
	ctx := context.Background()
	key := elementKey("c1", 0)
	// Seed an id the fake transport will never issue.
	rec := &ledger.Record{MessageIDs: []int64{41}, Text: text, Status: ledger.StatusSent}
	r.led.RecordSend(key, rec)

	r.w.onClick(ctx, page.Event{Kind: page.EventClick, ContainerID: "c1", Index: 0, Action: page.ActionResend})

	if r.tr.sendCount() != 1 || r.tr.sends[0] != text {
		t.Fatalf("sends = %v", r.tr.sends)
	}
	if rec.FirstID() != 1 {
		t.Errorf("record id = %d, want the freshly issued id", rec.FirstID())
	}
}
