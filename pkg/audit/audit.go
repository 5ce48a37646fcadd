// Package audit persists one row per handled request to a local SQLite
// database. It is an operator-facing log, not a source of truth: requests
// themselves are never re-queued from it.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Request outcome values recorded in the status column.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusMalformed = "malformed"
	StatusBusy      = "busy"
	StatusCacheHit  = "cache_hit"
)

// Entry is one handled request.
type Entry struct {
	MessageID string
	Queue     string
	Query     string
	Response  string
	Status    string
	Error     string
	Latency   time.Duration
}

// Log is the SQLite-backed request log.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the request log at the given path, ensuring the
// parent directory exists and the schema is in place.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping %s: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			queue TEXT NOT NULL,
			query TEXT NOT NULL,
			response TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL,
			latency_ms REAL NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_requests_message_id ON requests(message_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}

	return &Log{db: db}, nil
}

// Record inserts one entry.
func (l *Log) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO requests (id, message_id, queue, query, response, status, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.MessageID, e.Queue, e.Query, e.Response, e.Status, e.Error,
		float64(e.Latency.Microseconds())/1000.0, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
