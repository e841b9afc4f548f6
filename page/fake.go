package page

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Fake is an in-memory Handle for tests. The test swaps the document
// with SetHTML and injects user interaction with Emit; overlay commands
// are recorded for assertions.
type Fake struct {
	mu         sync.Mutex
	raw        string
	idAttr     string
	Controls   []ElementState
	Modals     []Event
	Toasts     []string
	SnapErr    error
	ControlErr error

	events chan Event
	closed bool
}

// NewFake returns a handle serving the given initial document.
func NewFake(rawHTML string) *Fake {
	return &Fake{
		raw:    rawHTML,
		idAttr: "data-sr-id",
		events: make(chan Event, 64),
	}
}

// SetHTML replaces the document served by Snapshot.
func (f *Fake) SetHTML(rawHTML string) {
	f.mu.Lock()
	f.raw = rawHTML
	f.mu.Unlock()
}

// Emit delivers an event as if the page agent had sent it.
func (f *Fake) Emit(ev Event) {
	f.events <- ev
}

func (f *Fake) Snapshot(ctx context.Context) (*html.Node, error) {
	f.mu.Lock()
	raw, err := f.raw, f.SnapErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return html.Parse(strings.NewReader(raw))
}

func (f *Fake) ContainerHTML(ctx context.Context, id string) (string, error) {
	doc, err := f.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	node := findByAttr(doc, f.idAttr, id)
	if node == nil {
		return "", fmt.Errorf("page: container %s not found", id)
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, node); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *Fake) SetControls(ctx context.Context, states ...ElementState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ControlErr != nil {
		return f.ControlErr
	}
	f.Controls = append(f.Controls, states...)
	return nil
}

func (f *Fake) SetIndicator(ctx context.Context, id string, index int, state ControlState) error {
	return f.SetControls(ctx, ElementState{ContainerID: id, Index: index, State: state})
}

func (f *Fake) ShowEditModal(ctx context.Context, id string, index int, text string) error {
	f.mu.Lock()
	f.Modals = append(f.Modals, Event{Kind: EventEditSubmit, ContainerID: id, Index: index, Text: text})
	f.mu.Unlock()
	return nil
}

func (f *Fake) Toast(ctx context.Context, text string, kind ToastKind) error {
	f.mu.Lock()
	f.Toasts = append(f.Toasts, string(kind)+": "+text)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Events() <-chan Event { return f.events }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// LastControl returns the most recent state applied to the element, or
// an empty state when none was.
func (f *Fake) LastControl(id string, index int) ControlState {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Controls) - 1; i >= 0; i-- {
		c := f.Controls[i]
		if c.ContainerID == id && c.Index == index {
			return c.State
		}
	}
	return ""
}

func findByAttr(n *html.Node, key, val string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == key && a.Val == val {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByAttr(c, key, val); found != nil {
			return found
		}
	}
	return nil
}
