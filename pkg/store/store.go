package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    draft TEXT NOT NULL DEFAULT '',
    prefs_json TEXT NOT NULL DEFAULT '{}',
    tree_json TEXT NOT NULL DEFAULT '',
    message_digest TEXT NOT NULL DEFAULT '',
    archived INTEGER NOT NULL DEFAULT 0,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id);

CREATE TABLE IF NOT EXISTS messages (
    conversation_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    branch_id TEXT NOT NULL,
    version_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, position)
);
`

const ftsSchemaV1 = `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    text,
    conversation_id UNINDEXED,
    branch_id UNINDEXED
);
`

// Store wraps the embedded SQLite database. It is not concurrency-safe by
// itself; the persistence engine's single execution context is the only
// owner of a Store handle.
type Store struct {
	db *sqlx.DB

	// ftsEnabled is false when the sqlite build lacks FTS5 (mattn/go-sqlite3
	// needs the sqlite_fts5 build tag); search then degrades to LIKE scans.
	ftsEnabled bool
}

// DSNForFile builds the WAL-mode DSN used for on-disk databases.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store: empty dsn")
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	// the engine is the single writer; one connection keeps sqlite happy
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return errors.Wrap(err, "enabling foreign keys")
	}
	if _, err := s.db.Exec(schemaV1); err != nil {
		return errors.Wrap(err, "applying schema")
	}
	if _, err := s.db.Exec(ftsSchemaV1); err != nil {
		log.Warn().Err(err).Msg("FTS5 unavailable, full-text search degrades to LIKE scans")
		s.ftsEnabled = false
		return nil
	}
	s.ftsEnabled = true
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type HealthResult struct {
	OK         bool  `json:"ok"`
	FTSEnabled bool  `json:"ftsEnabled"`
	CheckedAt  int64 `json:"checkedAtMs"`
}

func (s *Store) Health(ctx context.Context) (*HealthResult, error) {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return nil, errors.Wrap(err, "health check")
	}
	return &HealthResult{OK: true, FTSEnabled: s.ftsEnabled, CheckedAt: time.Now().UnixMilli()}, nil
}

type CompactResult struct {
	DurationMs int64 `json:"durationMs"`
}

// Compact reclaims space: WAL checkpoint, VACUUM, and an FTS merge pass.
func (s *Store) Compact(ctx context.Context) (*CompactResult, error) {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return nil, errors.Wrap(err, "wal checkpoint")
	}
	if s.ftsEnabled {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO messages_fts(messages_fts) VALUES('optimize');"); err != nil {
			return nil, errors.Wrap(err, "fts optimize")
		}
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		return nil, errors.Wrap(err, "vacuum")
	}
	return &CompactResult{DurationMs: time.Since(start).Milliseconds()}, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
