// Package settings stores the hot-reloadable runtime knobs in SQLite.
//
// The engine never caches a Settings value across operations: it asks
// the Store for the current snapshot at each decision point, so edits
// made while a response is streaming take effect on the next tick.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/streamrelay/dbopen"
)

// Schema for the single-row settings table.
const Schema = `
CREATE TABLE IF NOT EXISTS settings (
	id                     INTEGER PRIMARY KEY CHECK (id = 1),
	enabled                INTEGER NOT NULL DEFAULT 1,
	auto_send_first_chunk  INTEGER NOT NULL DEFAULT 1,
	split_threshold        INTEGER NOT NULL DEFAULT 250,
	first_chunk_word_limit INTEGER NOT NULL DEFAULT 42,
	skip_keywords          TEXT NOT NULL DEFAULT '[]',
	updated_at             INTEGER NOT NULL DEFAULT (unixepoch())
);
INSERT OR IGNORE INTO settings (id) VALUES (1);
`

// Settings is an immutable snapshot of the runtime knobs.
type Settings struct {
	// Enabled gates all page observation. Off means no sessions start
	// and no scans run.
	Enabled bool `json:"enabled"`
	// AutoSendFirstChunk enables live relaying of streaming replies.
	AutoSendFirstChunk bool `json:"auto_send_first_chunk"`
	// SplitThreshold is the character count above which a finished
	// paragraph gets two independent send controls.
	SplitThreshold int `json:"split_threshold"`
	// FirstChunkWordLimit is the word count at which a live session
	// freezes message one and continues in a second message.
	FirstChunkWordLimit int `json:"first_chunk_word_limit"`
	// SkipKeywords suppresses live relaying when the prompting
	// question contains any of them (case-insensitive).
	SkipKeywords []string `json:"skip_keywords"`
}

// Store reads and writes the settings row.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the settings database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("settings: open: %w", err)
	}
	return NewStore(db, logger), nil
}

// NewStore wraps an already-open database. The schema must be applied.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Snapshot reads the current settings.
func (s *Store) Snapshot(ctx context.Context) (Settings, error) {
	var (
		out           Settings
		enabled, auto int
		keywordsJSON  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, auto_send_first_chunk, split_threshold,
		       first_chunk_word_limit, skip_keywords
		FROM settings WHERE id = 1
	`).Scan(&enabled, &auto, &out.SplitThreshold, &out.FirstChunkWordLimit, &keywordsJSON)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: read: %w", err)
	}
	out.Enabled = enabled != 0
	out.AutoSendFirstChunk = auto != 0
	if err := json.Unmarshal([]byte(keywordsJSON), &out.SkipKeywords); err != nil {
		s.logger.Warn("settings: bad skip_keywords json, ignoring", "error", err)
		out.SkipKeywords = nil
	}
	return out, nil
}

// Update writes new settings and bumps user_version so watchers see
// the change on their next poll.
func (s *Store) Update(ctx context.Context, in Settings) error {
	keywordsJSON, err := json.Marshal(in.SkipKeywords)
	if err != nil {
		return fmt.Errorf("settings: marshal skip_keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE settings SET
			enabled = ?, auto_send_first_chunk = ?, split_threshold = ?,
			first_chunk_word_limit = ?, skip_keywords = ?, updated_at = unixepoch()
		WHERE id = 1
	`, boolInt(in.Enabled), boolInt(in.AutoSendFirstChunk), in.SplitThreshold,
		in.FirstChunkWordLimit, string(keywordsJSON))
	if err != nil {
		return fmt.Errorf("settings: update: %w", err)
	}

	v, err := s.version(ctx)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
		return fmt.Errorf("settings: bump version: %w", err)
	}
	return nil
}

func (s *Store) version(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("settings: read version: %w", err)
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
