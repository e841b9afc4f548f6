// Package relay delivers extracted reply text to a chat-bot API.
//
// The core engine talks to a Transport and never sees HTTP: the
// Telegram implementation lives here, test doubles live with the
// engine's tests. Sends above the platform limit are split into
// numbered parts and the resulting message ids travel together so
// later edits and deletes cover the whole logical message.
package relay

import "context"

// SendResult reports the platform message ids produced by one Send.
// MultiPart is true when the text was split across several messages.
type SendResult struct {
	MessageIDs []int64
	MultiPart  bool
}

// FirstID returns the id of the first part, or 0 when empty.
func (r SendResult) FirstID() int64 {
	if len(r.MessageIDs) == 0 {
		return 0
	}
	return r.MessageIDs[0]
}

// Transport is the delivery surface the streaming engine depends on.
type Transport interface {
	// Send delivers text as one or more messages.
	Send(ctx context.Context, text string) (SendResult, error)

	// Edit replaces the text of a previously sent message and waits
	// for the platform to confirm.
	Edit(ctx context.Context, id int64, text string) error

	// StreamEdit replaces message text on a best-effort basis during
	// live streaming. Implementations swallow transient failures and
	// treat "content unchanged" responses as success.
	StreamEdit(ctx context.Context, id int64, text string)

	// Delete removes a previously sent message.
	Delete(ctx context.Context, id int64) error
}

// DeleteAll deletes every id in turn, returning the first failure.
func DeleteAll(ctx context.Context, t Transport, ids []int64) error {
	for _, id := range ids {
		if err := t.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
