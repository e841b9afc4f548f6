package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type apiCall struct {
	Method  string
	Payload map[string]any
}

// fakeAPI records bot API calls and lets tests script responses.
type fakeAPI struct {
	t       *testing.T
	calls   []apiCall
	respond func(call apiCall) map[string]any
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Telegram) {
	t.Helper()
	f := &fakeAPI{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		call := apiCall{Method: method, Payload: payload}
		f.calls = append(f.calls, call)

		resp := map[string]any{"ok": true, "result": map[string]any{"message_id": len(f.calls)}}
		if f.respond != nil {
			if r := f.respond(call); r != nil {
				resp = r
			}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	tg, err := NewTelegram(TelegramOptions{
		BotToken:  "test-token",
		ChatID:    42,
		BaseURL:   srv.URL,
		Client:    srv.Client(),
		PartDelay: 1,
	})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	return f, tg
}

func TestNewTelegramValidation(t *testing.T) {
	if _, err := NewTelegram(TelegramOptions{ChatID: 1}); err == nil {
		t.Error("missing token accepted")
	}
	if _, err := NewTelegram(TelegramOptions{BotToken: "x"}); err == nil {
		t.Error("missing chat id accepted")
	}
}

func TestSendSingle(t *testing.T) {
	f, tg := newFakeAPI(t)

	res, err := tg.Send(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MultiPart || len(res.MessageIDs) != 1 {
		t.Errorf("result = %+v, want single message", res)
	}
	if got := f.calls[0].Payload["text"]; got != "hello world" {
		t.Errorf("text = %q", got)
	}
	if _, ok := f.calls[0].Payload["parse_mode"]; ok {
		t.Error("plain text sent with parse_mode")
	}
}

func TestSendMarkdown(t *testing.T) {
	f, tg := newFakeAPI(t)

	if _, err := tg.Send(context.Background(), "some *bold* text"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := f.calls[0].Payload["parse_mode"]; got != "Markdown" {
		t.Errorf("parse_mode = %v, want Markdown", got)
	}
}

func TestSendMarkdownParseFallback(t *testing.T) {
	f, tg := newFakeAPI(t)
	f.respond = func(call apiCall) map[string]any {
		if _, md := call.Payload["parse_mode"]; md {
			return map[string]any{"ok": false, "description": "can't parse entities"}
		}
		return nil
	}

	res, err := tg.Send(context.Background(), "broken *markdown")
	if err != nil {
		t.Fatalf("Send after fallback: %v", err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(f.calls))
	}
	if got := f.calls[1].Payload["text"]; got != "broken markdown" {
		t.Errorf("retry text = %q, want stripped", got)
	}
	if len(res.MessageIDs) != 1 {
		t.Errorf("ids = %v", res.MessageIDs)
	}
}

func TestSendMultiPart(t *testing.T) {
	f, tg := newFakeAPI(t)

	long := strings.Repeat("word ", 2000) // ~10000 chars
	res, err := tg.Send(context.Background(), long)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.MultiPart {
		t.Fatal("long send not multi-part")
	}
	if len(res.MessageIDs) != len(f.calls) {
		t.Errorf("ids = %d, calls = %d", len(res.MessageIDs), len(f.calls))
	}
	for i, call := range f.calls {
		text := call.Payload["text"].(string)
		want := fmt.Sprintf("[%d/%d] ", i+1, len(f.calls))
		if !strings.HasPrefix(text, want) {
			t.Errorf("part %d missing prefix %q: %q", i, want, text[:20])
		}
		if len(text) > MaxMessageLength {
			t.Errorf("part %d exceeds limit: %d", i, len(text))
		}
	}
}

func TestSendAPIError(t *testing.T) {
	f, tg := newFakeAPI(t)
	f.respond = func(apiCall) map[string]any {
		return map[string]any{"ok": false, "description": "chat not found"}
	}

	_, err := tg.Send(context.Background(), "hello")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Description != "chat not found" {
		t.Errorf("description = %q", apiErr.Description)
	}
}

func TestEditNotModifiedTolerated(t *testing.T) {
	f, tg := newFakeAPI(t)
	f.respond = func(apiCall) map[string]any {
		return map[string]any{"ok": false, "description": "Bad Request: message is not modified"}
	}

	if err := tg.Edit(context.Background(), 7, "same text"); err != nil {
		t.Errorf("Edit on not-modified: %v", err)
	}
}

func TestStreamEditSwallowsFailure(t *testing.T) {
	f, tg := newFakeAPI(t)
	f.respond = func(apiCall) map[string]any {
		return map[string]any{"ok": false, "description": "Too Many Requests"}
	}

	tg.StreamEdit(context.Background(), 7, "partial text")
	if len(f.calls) != 1 {
		t.Fatalf("calls = %d", len(f.calls))
	}
	if _, ok := f.calls[0].Payload["parse_mode"]; ok {
		t.Error("stream edit used a parse mode")
	}
}

func TestDelete(t *testing.T) {
	f, tg := newFakeAPI(t)

	if err := tg.Delete(context.Background(), 9); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.calls[0].Method != "deleteMessage" {
		t.Errorf("method = %s", f.calls[0].Method)
	}
	if got := f.calls[0].Payload["message_id"].(float64); got != 9 {
		t.Errorf("message_id = %v", got)
	}
}

func TestDeleteAll(t *testing.T) {
	f, tg := newFakeAPI(t)

	if err := DeleteAll(context.Background(), tg, []int64{1, 2, 3}); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if len(f.calls) != 3 {
		t.Errorf("calls = %d, want 3", len(f.calls))
	}
}

func TestPreconnect(t *testing.T) {
	f, tg := newFakeAPI(t)

	if err := tg.Preconnect(context.Background()); err != nil {
		t.Fatalf("Preconnect: %v", err)
	}
	if f.calls[0].Method != "getMe" {
		t.Errorf("method = %s", f.calls[0].Method)
	}
}
