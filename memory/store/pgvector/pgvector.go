package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/memory"
)

// Config configures the Postgres store.
type Config struct {
	// Dimensions of the embedding column.
	Dimensions int

	// IndexTimeout bounds building the HNSW index and each similarity
	// query. Default: 60s
	IndexTimeout time.Duration
}

// Store keeps records in Postgres and ranks them with pgvector. It is both
// the memory.RecordStore and the memory.Index.
type Store struct {
	db     *sql.DB
	config Config

	mu         sync.Mutex
	indexReady bool
}

// Open connects to Postgres and migrates the schema.
func Open(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	s := New(db, cfg)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database handle.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.IndexTimeout <= 0 {
		cfg.IndexTimeout = 60 * time.Second
	}
	return &Store{db: db, config: cfg}
}

// Migrate creates the extension and table.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id          TEXT PRIMARY KEY,
			scope       TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			content     TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			meta        JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`, s.config.Dimensions),
		`CREATE INDEX IF NOT EXISTS idx_memories_ns ON memories (scope, user_id, kind)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate memories")
		}
	}
	return nil
}

// EnsureIndex builds the HNSW cosine index, waiting at most IndexTimeout.
// It returns core.ErrIndexTimeout when the build does not finish in time.
func (s *Store) EnsureIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexReady {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.IndexTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_memories_embedding ON memories USING hnsw (embedding vector_cosine_ops)`)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: building hnsw index after %s", core.ErrIndexTimeout, s.config.IndexTimeout)
		}
		return errors.Wrap(err, "failed to create vector index")
	}
	s.indexReady = true
	log.Info("[PGVECTOR] Vector index ready")
	return nil
}

// Put inserts or replaces a record. Older writes lose.
func (s *Store) Put(ctx context.Context, rec *memory.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal metadata")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, scope, user_id, kind, content, embedding, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			meta = EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at
		WHERE memories.updated_at <= EXCLUDED.updated_at`,
		rec.ID, rec.Namespace.Scope, rec.Namespace.UserID, string(rec.Namespace.Kind),
		rec.Content, pgvector.NewVector(rec.Embedding), meta, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert memory %s", rec.ID)
	}
	return nil
}

const selectColumns = `id, scope, user_id, kind, content, embedding, meta, created_at, updated_at`

// Get returns a record in exactly ns.
func (s *Store) Get(ctx context.Context, ns memory.Namespace, id string) (*memory.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+`
		FROM memories WHERE id = $1 AND scope = $2 AND user_id = $3 AND kind = $4`,
		id, ns.Scope, ns.UserID, string(ns.Kind))
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, core.NotFoundf("memory %s in %s", id, ns)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get memory")
	}
	return rec, nil
}

// Delete removes a record in exactly ns.
func (s *Store) Delete(ctx context.Context, ns memory.Namespace, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = $1 AND scope = $2 AND user_id = $3 AND kind = $4`,
		id, ns.Scope, ns.UserID, string(ns.Kind))
	if err != nil {
		return errors.Wrap(err, "failed to delete memory")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFoundf("memory %s in %s", id, ns)
	}
	return nil
}

// List returns records visible to ns, newest first.
func (s *Store) List(ctx context.Context, ns memory.Namespace) ([]*memory.Record, error) {
	where, args := nsClause(ns, 1)
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+`
		FROM memories WHERE `+where+` ORDER BY updated_at DESC, id DESC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list memories")
	}
	defer rows.Close()

	var out []*memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan memory")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records visible to ns.
func (s *Store) Count(ctx context.Context, ns memory.Namespace) (int, error) {
	where, args := nsClause(ns, 1)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE `+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count memories")
	}
	return n, nil
}

// Iterate calls fn for every record.
func (s *Store) Iterate(ctx context.Context, fn func(*memory.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM memories ORDER BY id`)
	if err != nil {
		return errors.Wrap(err, "failed to iterate memories")
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return errors.Wrap(err, "failed to scan memory")
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Upsert is a no-op: the row written by Put is already indexed.
func (s *Store) Upsert(ctx context.Context, rec *memory.Record) error { return nil }

// Query ranks the namespace by cosine similarity. The namespace is filtered
// in SQL; q.Filter runs afterwards with a doubling LIMIT until enough rows
// match or the namespace is exhausted.
func (s *Store) Query(ctx context.Context, q memory.Query) ([]memory.ScoredRecord, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	if err := s.EnsureIndex(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.IndexTimeout)
	defer cancel()

	size, err := s.Count(ctx, q.Namespace)
	if err != nil {
		return nil, s.timeoutErr(ctx, err)
	}

	vector := pgvector.NewVector(q.Vector)
	where, args := nsClause(q.Namespace, 2)
	stmt := `SELECT ` + selectColumns + `, 1 - (embedding <=> $1) AS score
		FROM memories WHERE ` + where + `
		ORDER BY embedding <=> $1
		LIMIT $` + fmt.Sprint(len(args)+2)

	hits, err := memory.FetchFiltered(q.Limit, size, q.Filter, func(n int) ([]memory.ScoredRecord, error) {
		queryArgs := append([]interface{}{vector}, args...)
		queryArgs = append(queryArgs, n)
		rows, err := s.db.QueryContext(ctx, stmt, queryArgs...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to vector search")
		}
		defer rows.Close()

		var out []memory.ScoredRecord
		for rows.Next() {
			rec, score, err := scanScored(rows)
			if err != nil {
				return nil, errors.Wrap(err, "failed to scan vector search result")
			}
			out = append(out, memory.ScoredRecord{Record: rec, Score: score})
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, s.timeoutErr(ctx, err)
	}
	return hits, nil
}

func (s *Store) timeoutErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: vector search after %s: %v", core.ErrIndexTimeout, s.config.IndexTimeout, err)
	}
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// nsClause renders the namespace predicate with placeholders numbered from
// first.
func nsClause(ns memory.Namespace, first int) (string, []interface{}) {
	cols := []string{"scope", "user_id"}
	args := []interface{}{ns.Scope, ns.UserID}
	if ns.Kind != memory.KindGeneral {
		cols = append(cols, "kind")
		args = append(args, string(ns.Kind))
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = $%d", c, first+i)
	}
	return strings.Join(parts, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*memory.Record, error) {
	rec, dest := recordDest()
	if err := sc.Scan(dest.fields()...); err != nil {
		return nil, err
	}
	return dest.finish(rec)
}

func scanScored(sc scanner) (*memory.Record, float32, error) {
	rec, dest := recordDest()
	var score float64
	if err := sc.Scan(append(dest.fields(), &score)...); err != nil {
		return nil, 0, err
	}
	rec, err := dest.finish(rec)
	return rec, float32(score), err
}

type recordFields struct {
	rec    *memory.Record
	kind   string
	vector pgvector.Vector
	meta   []byte
}

func recordDest() (*memory.Record, *recordFields) {
	rec := &memory.Record{}
	return rec, &recordFields{rec: rec}
}

func (f *recordFields) fields() []interface{} {
	return []interface{}{
		&f.rec.ID, &f.rec.Namespace.Scope, &f.rec.Namespace.UserID, &f.kind,
		&f.rec.Content, &f.vector, &f.meta, &f.rec.CreatedAt, &f.rec.UpdatedAt,
	}
}

func (f *recordFields) finish(rec *memory.Record) (*memory.Record, error) {
	rec.Namespace.Kind = memory.Kind(f.kind)
	rec.Embedding = f.vector.Slice()
	if len(f.meta) > 0 {
		if err := json.Unmarshal(f.meta, &rec.Metadata); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal metadata")
		}
	}
	return rec, nil
}
