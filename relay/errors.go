package relay

import "fmt"

// ErrNotConfigured is returned when the transport is missing its
// credentials (bot token or chat id).
type ErrNotConfigured struct {
	Missing string
}

func (e *ErrNotConfigured) Error() string {
	return fmt.Sprintf("relay: not configured: %s", e.Missing)
}

// APIError is returned when the bot API answers with ok=false.
// Description carries the API's human-readable reason verbatim.
type APIError struct {
	Op          string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %s: api error: %s", e.Op, e.Description)
}

// ErrSendFailed wraps a transport-level failure (network, decode) so
// callers can distinguish it from API rejections.
type ErrSendFailed struct {
	Op    string
	Cause error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("relay: %s failed: %v", e.Op, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }
