// Package ledger tracks what has been delivered to the relay.
//
// The authoritative key is the content fingerprint: DOM nodes are destroyed
// and recreated by virtualized re-renders, tab switches, and SPA navigation,
// but the text survives. Element keys (container id + element index) are a
// fast-path cache only and are invalidated whenever the page rebuilds. A
// rescan that finds text whose fingerprint is already here treats it as
// delivered — that is what makes the whole system idempotent.
package ledger

import (
	"sync"

	"github.com/hazyhaar/streamrelay/extract"
)

// Status of a delivery record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
)

// Record is one delivered message (or a composite multi-part pair created by
// the live-stream split).
type Record struct {
	// MessageIDs holds one id, or an ordered pair for multi-part records.
	MessageIDs []int64
	Text       string
	MultiPart  bool
	Status     Status
}

// FirstID returns the primary message id.
func (r *Record) FirstID() int64 {
	if len(r.MessageIDs) == 0 {
		return 0
	}
	return r.MessageIDs[0]
}

// Ledger is the process-wide sent-state map. It has no lifecycle beyond the
// page session: a reload starts empty. Safe for concurrent use; the stream
// engine is the only writer, diagnostics read concurrently.
type Ledger struct {
	mu        sync.Mutex
	byHash    map[string]*Record
	byElement map[string]*Record
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		byHash:    make(map[string]*Record),
		byElement: make(map[string]*Record),
	}
}

// RecordSend inserts a record under the fingerprint of the exact text sent,
// optionally caching it under an element key.
func (l *Ledger) RecordSend(elementKey string, rec *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byHash[extract.Fingerprint(rec.Text)] = rec
	if elementKey != "" {
		l.byElement[elementKey] = rec
	}
}

// RecordEdit moves a record from the fingerprint of its old text to the
// fingerprint of the new text and updates the record in place.
func (l *Ledger) RecordEdit(rec *Record, newText string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byHash, extract.Fingerprint(rec.Text))
	rec.Text = newText
	l.byHash[extract.Fingerprint(newText)] = rec
}

// RecordDelete removes a record from both maps.
func (l *Ledger) RecordDelete(elementKey string, rec *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byHash, extract.Fingerprint(rec.Text))
	if elementKey != "" {
		delete(l.byElement, elementKey)
	}
}

// Lookup finds a record by the fingerprint of text.
func (l *Ledger) Lookup(text string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byHash[extract.Fingerprint(text)]
	return rec, ok
}

// LookupElement is the fast-path lookup by element key.
func (l *Ledger) LookupElement(key string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byElement[key]
	return rec, ok
}

// CacheElement (re)binds an element key to an existing record, e.g. when a
// rescan matches a fingerprint on a rebuilt DOM node.
func (l *Ledger) CacheElement(key string, rec *Record) {
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byElement[key] = rec
}

// InvalidateElements drops the element-key cache. Called when the page is
// known to have been rebuilt; fingerprint entries stay authoritative.
func (l *Ledger) InvalidateElements() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byElement = make(map[string]*Record)
}

// Stats reports current map sizes for diagnostics.
type Stats struct {
	Fingerprints int `json:"fingerprints"`
	ElementKeys  int `json:"element_keys"`
}

// Stats returns point-in-time counts.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Fingerprints: len(l.byHash),
		ElementKeys:  len(l.byElement),
	}
}
