package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/streamrelay/poll"
)

// MaxMessageLength is the bot API limit for a single message.
const MaxMessageLength = 4096

// TelegramOptions configures the Telegram transport.
type TelegramOptions struct {
	// BotToken is the bot API token (from @BotFather).
	BotToken string
	// ChatID is the destination chat.
	ChatID int64
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	// Client is the HTTP client to use.
	Client *http.Client
	// Logger receives transport-level events.
	Logger *slog.Logger
	// PartDelay is the pause between parts of a multi-part send.
	PartDelay time.Duration
}

func (o *TelegramOptions) applyDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.telegram.org"
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PartDelay == 0 {
		o.PartDelay = 100 * time.Millisecond
	}
}

// Telegram implements Transport over the Telegram bot API.
type Telegram struct {
	opts TelegramOptions

	sent     atomic.Int64
	edits    atomic.Int64
	deletes  atomic.Int64
	failures atomic.Int64
}

// NewTelegram validates the credentials and returns a transport.
// No network traffic happens until the first call or Preconnect.
func NewTelegram(opts TelegramOptions) (*Telegram, error) {
	if opts.BotToken == "" {
		return nil, &ErrNotConfigured{Missing: "bot token"}
	}
	if opts.ChatID == 0 {
		return nil, &ErrNotConfigured{Missing: "chat id"}
	}
	opts.applyDefaults()
	return &Telegram{opts: opts}, nil
}

// Stats is a point-in-time snapshot of transport counters.
type Stats struct {
	Sent     int64 `json:"sent"`
	Edits    int64 `json:"edits"`
	Deletes  int64 `json:"deletes"`
	Failures int64 `json:"failures"`
}

func (t *Telegram) Stats() Stats {
	return Stats{
		Sent:     t.sent.Load(),
		Edits:    t.edits.Load(),
		Deletes:  t.deletes.Load(),
		Failures: t.failures.Load(),
	}
}

// apiResponse is the envelope every bot API method answers with.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (t *Telegram) call(ctx context.Context, method string, payload map[string]any) (apiResponse, error) {
	var out apiResponse
	body, err := json.Marshal(payload)
	if err != nil {
		return out, &ErrSendFailed{Op: method, Cause: err}
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.opts.BaseURL, t.opts.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, &ErrSendFailed{Op: method, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return out, &ErrSendFailed{Op: method, Cause: err}
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, &ErrSendFailed{Op: method, Cause: err}
	}
	return out, nil
}

var markdownLink = regexp.MustCompile(`\[[^\]]*\]\([^)]*\)`)

// hasMarkdown reports whether text carries formatting worth asking the
// API to parse. Plain prose goes out without a parse mode so the API
// cannot reject it.
func hasMarkdown(text string) bool {
	return strings.ContainsAny(text, "*_`~") ||
		markdownLink.MatchString(text) ||
		strings.HasPrefix(text, ">")
}

// stripMarkdown removes formatting characters for the plain-text retry
// after the API rejects a message with a parse error.
func stripMarkdown(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '_', '`', '~', '[', ']':
			return -1
		}
		return r
	}, text)
}

func isParseError(desc string) bool {
	return strings.Contains(strings.ToLower(desc), "parse")
}

func isNotModified(desc string) bool {
	return strings.Contains(strings.ToLower(desc), "not modified")
}

// Send delivers text, splitting it into numbered parts when it exceeds
// the API limit. Parts get a "[i/n] " prefix so the reader can stitch
// them back together. A failure on any part aborts the whole send.
func (t *Telegram) Send(ctx context.Context, text string) (SendResult, error) {
	parts := SplitMessage(text, MaxMessageLength)
	var res SendResult
	for i, part := range parts {
		full := part
		if len(parts) > 1 {
			full = fmt.Sprintf("[%d/%d] %s", i+1, len(parts), part)
		}
		payload := map[string]any{
			"chat_id":                  t.opts.ChatID,
			"text":                     full,
			"disable_web_page_preview": true,
		}
		if hasMarkdown(part) {
			payload["parse_mode"] = "Markdown"
		}
		resp, err := t.call(ctx, "sendMessage", payload)
		if err != nil {
			t.failures.Add(1)
			return SendResult{}, err
		}
		if !resp.OK && isParseError(resp.Description) {
			t.opts.Logger.Warn("relay: markdown rejected, retrying plain",
				"description", resp.Description)
			payload["text"] = stripMarkdown(full)
			delete(payload, "parse_mode")
			resp, err = t.call(ctx, "sendMessage", payload)
			if err != nil {
				t.failures.Add(1)
				return SendResult{}, err
			}
		}
		if !resp.OK {
			t.failures.Add(1)
			return SendResult{}, &APIError{Op: "send", Description: resp.Description}
		}
		res.MessageIDs = append(res.MessageIDs, resp.Result.MessageID)

		if i < len(parts)-1 {
			select {
			case <-ctx.Done():
				return SendResult{}, ctx.Err()
			case <-time.After(t.opts.PartDelay):
			}
		}
	}
	res.MultiPart = len(res.MessageIDs) > 1
	t.sent.Add(1)
	return res, nil
}

// Edit replaces a message's text and waits for confirmation. Markdown
// is attempted first with the same plain-text fallback as Send. The
// API's "message is not modified" answer counts as success.
func (t *Telegram) Edit(ctx context.Context, id int64, text string) error {
	payload := map[string]any{
		"chat_id":                  t.opts.ChatID,
		"message_id":               id,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	if hasMarkdown(text) {
		payload["parse_mode"] = "Markdown"
	}
	resp, err := t.call(ctx, "editMessageText", payload)
	if err != nil {
		t.failures.Add(1)
		return err
	}
	if !resp.OK && isParseError(resp.Description) {
		t.opts.Logger.Warn("relay: markdown rejected on edit, retrying plain",
			"description", resp.Description)
		payload["text"] = stripMarkdown(text)
		delete(payload, "parse_mode")
		resp, err = t.call(ctx, "editMessageText", payload)
		if err != nil {
			t.failures.Add(1)
			return err
		}
	}
	if !resp.OK {
		if isNotModified(resp.Description) {
			return nil
		}
		t.failures.Add(1)
		return &APIError{Op: "edit", Description: resp.Description}
	}
	t.edits.Add(1)
	return nil
}

// StreamEdit pushes interim text without markdown and without caring
// about the outcome. Unchanged content and transient failures are
// normal during streaming; the finalizing edit is authoritative.
func (t *Telegram) StreamEdit(ctx context.Context, id int64, text string) {
	resp, err := t.call(ctx, "editMessageText", map[string]any{
		"chat_id":                  t.opts.ChatID,
		"message_id":               id,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		t.opts.Logger.Debug("relay: stream edit failed", "id", id, "error", err)
		return
	}
	if !resp.OK && !isNotModified(resp.Description) {
		t.opts.Logger.Debug("relay: stream edit rejected",
			"id", id, "description", resp.Description)
		return
	}
	t.edits.Add(1)
}

// Delete removes one message.
func (t *Telegram) Delete(ctx context.Context, id int64) error {
	resp, err := t.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    t.opts.ChatID,
		"message_id": id,
	})
	if err != nil {
		t.failures.Add(1)
		return err
	}
	if !resp.OK {
		t.failures.Add(1)
		return &APIError{Op: "delete", Description: resp.Description}
	}
	t.deletes.Add(1)
	return nil
}

// Preconnect issues a getMe so the TCP/TLS connection is warm before
// the first real send. Failures are reported but harmless.
func (t *Telegram) Preconnect(ctx context.Context) error {
	resp, err := t.call(ctx, "getMe", map[string]any{})
	if err != nil {
		return err
	}
	if !resp.OK {
		return &APIError{Op: "getMe", Description: resp.Description}
	}
	return nil
}

// KeepAlive re-runs Preconnect on the given interval until ctx ends,
// keeping the connection pool warm across idle stretches.
func (t *Telegram) KeepAlive(ctx context.Context, clock poll.Clock, interval time.Duration) {
	poll.Loop(ctx, clock, interval, func() poll.Decision {
		if err := t.Preconnect(ctx); err != nil {
			t.opts.Logger.Debug("relay: keepalive ping failed", "error", err)
		}
		return poll.Continue
	})
}
