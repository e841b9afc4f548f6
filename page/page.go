// Package page attaches to the host browser tab and exposes it to the
// engine as snapshots plus a command surface for the injected overlay.
//
// The engine never touches the live DOM: it parses a serialized
// snapshot, decides, and issues overlay commands (controls, indicator,
// toast) back through the Handle. User interaction with the overlay
// arrives as Events. The rod implementation drives a real Chrome tab;
// Fake drives tests.
package page

import (
	"context"

	"golang.org/x/net/html"
)

// ControlState is the overlay state of one content element.
type ControlState string

const (
	// ControlSend shows a single send button.
	ControlSend ControlState = "send"
	// ControlSplit shows two numbered send buttons for the halves of
	// an oversized paragraph.
	ControlSplit ControlState = "split"
	// ControlSent shows the sent checkmark with resend/edit/delete.
	ControlSent ControlState = "sent"
	// ControlStreaming shows the live-relay indicator.
	ControlStreaming ControlState = "streaming"
	// ControlNone removes any overlay from the element.
	ControlNone ControlState = "none"
)

// ElementState addresses one content element inside a container by
// document-order index and names the overlay it should carry.
type ElementState struct {
	ContainerID string       `json:"container_id"`
	Index       int          `json:"index"`
	State       ControlState `json:"state"`
}

// ToastKind selects the toast styling.
type ToastKind string

const (
	ToastInfo    ToastKind = "info"
	ToastSuccess ToastKind = "success"
	ToastError   ToastKind = "error"
	ToastWarning ToastKind = "warning"
)

// Handle is the engine's view of the attached tab.
type Handle interface {
	// Snapshot parses the current document. Containers carry the
	// synthetic id attribute injected by the agent.
	Snapshot(ctx context.Context) (*html.Node, error)

	// ContainerHTML returns the serialized subtree of one container.
	ContainerHTML(ctx context.Context, id string) (string, error)

	// SetControls applies overlay states to content elements.
	SetControls(ctx context.Context, states ...ElementState) error

	// SetIndicator changes one element's overlay, a SetControls
	// shorthand for the streaming indicator swap.
	SetIndicator(ctx context.Context, id string, index int, state ControlState) error

	// ShowEditModal opens the in-page editor prefilled with text.
	// The submitted text comes back as an EventEditSubmit.
	ShowEditModal(ctx context.Context, id string, index int, text string) error

	// Toast shows a transient notification in the page.
	Toast(ctx context.Context, text string, kind ToastKind) error

	// Events delivers mutation pings and overlay interactions. The
	// channel closes when the handle shuts down.
	Events() <-chan Event

	Close() error
}

// EventKind discriminates Event payloads.
type EventKind string

const (
	// EventMutation is a debounced notification that the observed
	// subtree changed. No payload beyond the kind.
	EventMutation EventKind = "mutation"
	// EventClick is an overlay button press.
	EventClick EventKind = "click"
	// EventEditSubmit carries the text confirmed in the edit modal.
	EventEditSubmit EventKind = "edit"
)

// Action names the overlay button that was pressed.
type Action string

const (
	ActionSend      Action = "send"
	ActionSendPart1 Action = "send1"
	ActionSendPart2 Action = "send2"
	ActionResend    Action = "resend"
	ActionEdit      Action = "edit"
	ActionDelete    Action = "delete"
)

// Event is one occurrence in the attached tab.
type Event struct {
	Kind        EventKind `json:"kind"`
	ContainerID string    `json:"container_id,omitempty"`
	Index       int       `json:"index,omitempty"`
	Action      Action    `json:"action,omitempty"`
	Text        string    `json:"text,omitempty"`
}
