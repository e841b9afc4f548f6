package archive

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/streamrelay/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, Schema)
	return New(db, Options{
		PageURL: "https://chat.example.com/c/abc",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestArchiveConvertsToMarkdown(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	html := `<div><p>Ducks are <strong>waterfowl</strong>.</p><ul><li>mallard</li><li>teal</li></ul></div>`
	if err := s.Archive(ctx, "sr-1", "tell me about ducks", "Ducks are waterfowl. mallard teal", html); err != nil {
		t.Fatalf("archive: %v", err)
	}

	replies, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	r := replies[0]
	if r.ContainerID != "sr-1" || r.Question != "tell me about ducks" {
		t.Errorf("reply metadata = %q/%q", r.ContainerID, r.Question)
	}
	if !strings.Contains(r.Markdown, "**waterfowl**") {
		t.Errorf("markdown missing bold: %q", r.Markdown)
	}
	if !strings.Contains(r.Markdown, "mallard") {
		t.Errorf("markdown missing list item: %q", r.Markdown)
	}
	if r.PageURL != "https://chat.example.com/c/abc" {
		t.Errorf("page url = %q", r.PageURL)
	}
}

func TestArchiveSanitizesHTML(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	html := `<div><p>hello</p><script>alert("x")</script></div>`
	if err := s.Archive(ctx, "sr-1", "", "hello", html); err != nil {
		t.Fatalf("archive: %v", err)
	}
	replies, err := s.List(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(replies[0].Markdown, "alert") {
		t.Errorf("script content survived sanitization: %q", replies[0].Markdown)
	}
	if !strings.Contains(replies[0].Markdown, "hello") {
		t.Errorf("markdown lost content: %q", replies[0].Markdown)
	}
}

func TestArchiveDeduplicatesByContent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Archive(ctx, "sr-1", "q", "same reply text", "<p>same reply text</p>"); err != nil {
			t.Fatalf("archive %d: %v", i, err)
		}
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d rows after duplicate archives, want 1", n)
	}

	// Whitespace differences are the same content.
	if err := s.Archive(ctx, "sr-2", "q", "same   reply\ntext", ""); err != nil {
		t.Fatalf("archive normalized dup: %v", err)
	}
	n, _ = s.Count(ctx)
	if n != 1 {
		t.Errorf("normalized duplicate created a row, count = %d", n)
	}
}

func TestArchiveSkipsEmptyText(t *testing.T) {
	s := testStore(t)
	if err := s.Archive(context.Background(), "sr-1", "q", "   ", ""); err != nil {
		t.Fatalf("archive empty: %v", err)
	}
	n, _ := s.Count(context.Background())
	if n != 0 {
		t.Errorf("empty text archived, count = %d", n)
	}
}

func TestArchiveFallsBackToPlainText(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// No HTML at all: the plain text should be stored as the markdown.
	if err := s.Archive(ctx, "sr-1", "q", "just plain text", ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	replies, _ := s.List(ctx, 1)
	if replies[0].Markdown != "just plain text" {
		t.Errorf("markdown = %q, want plain text fallback", replies[0].Markdown)
	}
}

func TestSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seed := []struct{ q, text string }{
		{"tell me about ducks", "Ducks are waterfowl found on every continent except Antarctica."},
		{"explain goroutines", "A goroutine is a lightweight thread managed by the runtime."},
		{"weather today", "It is sunny with a light breeze."},
	}
	for i, row := range seed {
		if err := s.Archive(ctx, "sr-1", row.q, row.text, ""); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	results, err := s.Search(ctx, "goroutine", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !strings.Contains(results[0].Markdown, "lightweight thread") {
		t.Errorf("wrong result: %q", results[0].Markdown)
	}

	// Question text is indexed too.
	results, err = s.Search(ctx, "ducks", 10)
	if err != nil {
		t.Fatalf("search question: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("question search got %d results, want 1", len(results))
	}
}

func TestGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Archive(ctx, "sr-9", "q", "findable reply", ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	replies, _ := s.List(ctx, 1)
	got, err := s.Get(ctx, replies[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PlainText != "findable reply" {
		t.Errorf("get text = %q", got.PlainText)
	}
	if _, err := s.Get(ctx, "arc_missing"); err == nil {
		t.Error("get on missing id should fail")
	}
}
