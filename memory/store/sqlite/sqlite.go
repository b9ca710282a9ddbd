package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/memory"
)

// Store implements memory.RecordStore using SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at path. ":memory:" opens a
// private in-memory database.
func Open(path string) (*Store, error) {
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
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the handle so other tables (checkpoints) can share the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS memories (
		id          TEXT PRIMARY KEY,
		scope       TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		content     TEXT NOT NULL,
		embedding   BLOB NOT NULL,
		meta        TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_ns ON memories(scope, user_id, kind);
	CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at DESC);
	`)
	return err
}

// Put inserts or replaces a record. An incoming write older than the stored
// row loses.
func (s *Store) Put(ctx context.Context, rec *memory.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, scope, user_id, kind, content, embedding, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scope = excluded.scope,
			user_id = excluded.user_id,
			kind = excluded.kind,
			content = excluded.content,
			embedding = excluded.embedding,
			meta = excluded.meta,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= memories.updated_at`,
		rec.ID, rec.Namespace.Scope, rec.Namespace.UserID, string(rec.Namespace.Kind),
		rec.Content, encodeVector(rec.Embedding), string(meta),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a record in exactly ns.
func (s *Store) Get(ctx context.Context, ns memory.Namespace, id string) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scope, user_id, kind, content, embedding, meta, created_at, updated_at
		FROM memories WHERE id = ? AND scope = ? AND user_id = ? AND kind = ?`,
		id, ns.Scope, ns.UserID, string(ns.Kind))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("memory %s in %s", id, ns)
	}
	return rec, err
}

// Delete removes a record in exactly ns.
func (s *Store) Delete(ctx context.Context, ns memory.Namespace, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ? AND scope = ? AND user_id = ? AND kind = ?`,
		id, ns.Scope, ns.UserID, string(ns.Kind))
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFoundf("memory %s in %s", id, ns)
	}
	return nil
}

// List returns records visible to ns, newest first.
func (s *Store) List(ctx context.Context, ns memory.Namespace) ([]*memory.Record, error) {
	where, args := nsClause(ns)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, user_id, kind, content, embedding, meta, created_at, updated_at
		FROM memories WHERE `+where+` ORDER BY updated_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ns, err)
	}
	defer rows.Close()

	var out []*memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records visible to ns.
func (s *Store) Count(ctx context.Context, ns memory.Namespace) (int, error) {
	where, args := nsClause(ns)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", ns, err)
	}
	return n, nil
}

// Iterate calls fn for every record in insertion order.
func (s *Store) Iterate(ctx context.Context, fn func(*memory.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, user_id, kind, content, embedding, meta, created_at, updated_at
		FROM memories ORDER BY id`)
	if err != nil {
		return fmt.Errorf("iterate: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nsClause(ns memory.Namespace) (string, []interface{}) {
	if ns.Kind == memory.KindGeneral {
		return "scope = ? AND user_id = ?", []interface{}{ns.Scope, ns.UserID}
	}
	return "scope = ? AND user_id = ? AND kind = ?", []interface{}{ns.Scope, ns.UserID, string(ns.Kind)}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*memory.Record, error) {
	var (
		rec                  memory.Record
		kind, meta           string
		blob                 []byte
		createdAt, updatedAt string
	)
	err := sc.Scan(&rec.ID, &rec.Namespace.Scope, &rec.Namespace.UserID, &kind,
		&rec.Content, &blob, &meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Namespace.Kind = memory.Kind(kind)
	rec.Embedding = decodeVector(blob)
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata of %s: %w", rec.ID, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

// formatTime uses a fixed-width layout so updated_at compares correctly as
// text in the conflict guard.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
