// Package store persists the chat history in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"speech-emotion-service/internal/models"
)

// ErrDuplicateEntry is returned when an entry ID is appended twice.
var ErrDuplicateEntry = errors.New("chat entry already exists")

const schema = `
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sessionId TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp INTEGER NOT NULL, -- unix nanoseconds
		emotion TEXT NOT NULL,
		confidence REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS entries_session ON entries(sessionId);
`

// History is an append-only, ordered chat history.
type History struct {
	db *sql.DB
}

// Open opens or creates the history database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*History, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &History{db: db}, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

// Append stores e after every entry already stored.
func (h *History) Append(ctx context.Context, e models.ChatEntry) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO entries (id, sessionId, text, timestamp, emotion, confidence)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.Text, e.Timestamp.UnixNano(), e.Emotion, e.Confidence)
	if err != nil {
		if exists, _ := h.exists(ctx, e.ID); exists {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
		}
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (h *History) exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// List returns entries in append order. A limit <= 0 returns everything;
// otherwise the most recent limit entries are returned, still oldest first.
func (h *History) List(ctx context.Context, limit int) ([]models.ChatEntry, error) {
	query := `
		SELECT id, sessionId, text, timestamp, emotion, confidence
		FROM entries
		ORDER BY seq ASC
	`
	args := []any{}
	if limit > 0 {
		query = `
			SELECT id, sessionId, text, timestamp, emotion, confidence FROM (
				SELECT seq, id, sessionId, text, timestamp, emotion, confidence
				FROM entries
				ORDER BY seq DESC
				LIMIT ?
			) ORDER BY seq ASC
		`
		args = append(args, limit)
	}
	return h.query(ctx, query, args...)
}

// ForSession returns one recording session's entries in append order.
func (h *History) ForSession(ctx context.Context, sessionID string) ([]models.ChatEntry, error) {
	return h.query(ctx, `
		SELECT id, sessionId, text, timestamp, emotion, confidence
		FROM entries
		WHERE sessionId = ?
		ORDER BY seq ASC
	`, sessionID)
}

// Count returns the number of stored entries.
func (h *History) Count(ctx context.Context) (int, error) {
	var n int
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (h *History) query(ctx context.Context, query string, args ...any) ([]models.ChatEntry, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []models.ChatEntry
	for rows.Next() {
		var e models.ChatEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Text, &ts, &e.Emotion, &e.Confidence); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
