// Package archive stores finished assistant replies as markdown.
//
// Raw container HTML is sanitized with bluemonday, converted to markdown,
// and written to a local SQLite database with an FTS5 index. Replies are
// deduplicated by content hash, so re-archiving the same container after a
// rescan is a no-op.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/streamrelay/dbopen"
	"github.com/hazyhaar/streamrelay/extract"
	"github.com/hazyhaar/streamrelay/idgen"
)

// Schema is the archive database schema.
const Schema = `
CREATE TABLE IF NOT EXISTS replies (
    id            TEXT PRIMARY KEY,
    container_id  TEXT NOT NULL,
    content_hash  TEXT NOT NULL UNIQUE,
    question      TEXT NOT NULL DEFAULT '',
    plain_text    TEXT NOT NULL,
    markdown      TEXT NOT NULL,
    page_url      TEXT NOT NULL DEFAULT '',
    archived_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replies_time ON replies(archived_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS replies_fts USING fts5(
    question, markdown, content='replies', content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS replies_ai AFTER INSERT ON replies BEGIN
    INSERT INTO replies_fts(rowid, question, markdown) VALUES (new.rowid, new.question, new.markdown);
END;
CREATE TRIGGER IF NOT EXISTS replies_ad AFTER DELETE ON replies BEGIN
    INSERT INTO replies_fts(replies_fts, rowid, question, markdown) VALUES('delete', old.rowid, old.question, old.markdown);
END;
`

// Reply is one archived assistant reply.
type Reply struct {
	ID          string `json:"id"`
	ContainerID string `json:"container_id"`
	ContentHash string `json:"content_hash"`
	Question    string `json:"question"`
	PlainText   string `json:"plain_text"`
	Markdown    string `json:"markdown"`
	PageURL     string `json:"page_url"`
	ArchivedAt  int64  `json:"archived_at"`
}

// SearchResult is one FTS5 match.
type SearchResult struct {
	ID         string `json:"id"`
	Question   string `json:"question"`
	Markdown   string `json:"markdown"`
	ArchivedAt int64  `json:"archived_at"`
}

// Options configures a Store.
type Options struct {
	// PageURL is recorded with every reply. Optional.
	PageURL string

	IDs    idgen.Generator
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("arc_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store archives replies to SQLite. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	opts   Options
	policy *bluemonday.Policy
	conv   *converter.Converter
	logger *slog.Logger
}

// Open opens (or creates) the archive database at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return New(db, opts), nil
}

// New wraps an already-opened database. The Schema must have been applied.
func New(db *sql.DB, opts Options) *Store {
	opts.applyDefaults()
	return &Store{
		db:     db,
		opts:   opts,
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		)),
		logger: opts.Logger,
	}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Archive stores one finished reply. The raw HTML is sanitized and converted
// to markdown; conversion failure falls back to the plain text so nothing is
// lost. A reply whose content hash already exists is silently skipped.
func (s *Store) Archive(ctx context.Context, containerID, question, text, rawHTML string) error {
	hash := extract.Fingerprint(text)
	if hash == "0" {
		return nil
	}

	md := text
	if rawHTML != "" {
		clean := s.policy.Sanitize(rawHTML)
		converted, err := s.conv.ConvertString(clean)
		if err != nil {
			s.logger.Warn("archive: markdown conversion failed, storing plain text",
				"container", containerID, "error", err)
		} else if converted != "" {
			md = converted
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO replies
		 (id, container_id, content_hash, question, plain_text, markdown, page_url, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.opts.IDs(), containerID, hash, question, text, md, s.opts.PageURL,
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("archive: duplicate reply skipped", "container", containerID, "hash", hash)
		return nil
	}
	s.logger.Info("archive: reply stored", "container", containerID, "hash", hash, "chars", len(text))
	return nil
}

// Get returns one archived reply by id.
func (s *Store) Get(ctx context.Context, id string) (*Reply, error) {
	var r Reply
	err := s.db.QueryRowContext(ctx,
		`SELECT id, container_id, content_hash, question, plain_text, markdown, page_url, archived_at
		 FROM replies WHERE id = ?`, id).
		Scan(&r.ID, &r.ContainerID, &r.ContentHash, &r.Question, &r.PlainText, &r.Markdown, &r.PageURL, &r.ArchivedAt)
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", id, err)
	}
	return &r, nil
}

// List returns the most recent replies, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Reply, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, container_id, content_hash, question, plain_text, markdown, page_url, archived_at
		 FROM replies ORDER BY archived_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	defer rows.Close()

	var out []Reply
	for rows.Next() {
		var r Reply
		if err := rows.Scan(&r.ID, &r.ContainerID, &r.ContentHash, &r.Question, &r.PlainText, &r.Markdown, &r.PageURL, &r.ArchivedAt); err != nil {
			return nil, fmt.Errorf("archive: scan reply: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Search performs an FTS5 full-text search over questions and markdown.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.question, r.markdown, r.archived_at
		 FROM replies_fts f
		 JOIN replies r ON r.rowid = f.rowid
		 WHERE replies_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.Question, &r.Markdown, &r.ArchivedAt); err != nil {
			return nil, fmt.Errorf("archive: scan search result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of archived replies.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM replies`).Scan(&n); err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}
