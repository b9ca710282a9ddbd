// Package checkpoint provides durable engine.Checkpointer implementations.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Zenin797/SunoTherapist/core"
)

// SQLite stores conversation state in a checkpoints table.
type SQLite struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens a dedicated database file for checkpoints.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite uses an existing database, typically the memory store's. The
// caller keeps ownership of db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS checkpoints (
		key         TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		thread_id   TEXT NOT NULL,
		state       TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_user ON checkpoints(user_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate checkpoints: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (*core.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM checkpoints WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	var st core.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return &st, nil
}

func (s *SQLite) Put(ctx context.Context, key string, state *core.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", key, err)
	}
	user, thread := core.SplitKey(key)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (key, user_id, thread_id, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, key, user, thread, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	return nil
}

// Threads lists the user's thread ids, most recently active first.
func (s *SQLite) Threads(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id FROM checkpoints WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		threads = append(threads, strings.TrimSpace(t))
	}
	return threads, rows.Err()
}

// Close closes the database when this checkpointer opened it.
func (s *SQLite) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
