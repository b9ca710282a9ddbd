package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zenin797/SunoTherapist/core"
)

// Op is a manage operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ParseOp validates a manage operation name.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case OpCreate, OpUpdate, OpDelete:
		return Op(s), nil
	}
	return "", core.Validationf("unknown action %q", s)
}

// Manager saves, searches and manages memories.
//
// The store is the source of truth; the index is derived from it. Every
// write goes to the store first and is then mirrored into the index.
type Manager struct {
	store    RecordStore
	index    Index
	scan     *ScanIndex
	embedder Embedder // Internal: the engine never sees this
	config   *Config
	tracer   trace.Tracer
	now      func() time.Time
}

// NewManager creates a Manager. A nil index searches by scanning the store.
func NewManager(store RecordStore, index Index, embedder Embedder, config *Config) *Manager {
	cfg := DefaultConfig()
	if config != nil {
		cfg = config.clone()
	}
	cfg.applyDefaults()
	scan := NewScanIndex(store)
	if index == nil {
		index = scan
	}
	return &Manager{
		store:    store,
		index:    index,
		scan:     scan,
		embedder: embedder,
		config:   cfg,
		tracer:   otel.Tracer("github.com/Zenin797/SunoTherapist/memory"),
		now:      time.Now,
	}
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return *m.config
}

// Namespace returns the namespace for a user and kind.
func (m *Manager) Namespace(userID string, kind Kind) Namespace {
	return Namespace{Scope: m.config.Scope, UserID: userID, Kind: kind}
}

// Save validates, serializes and embeds a payload and stores it under the
// caller's (user, kind) namespace. It returns the new record id.
func (m *Manager) Save(ctx context.Context, rc core.RunContext, kind Kind, payload Payload) (string, error) {
	ctx, span := m.tracer.Start(ctx, "memory.Save", trace.WithAttributes(
		attribute.String("memory.kind", string(kind)),
	))
	defer span.End()

	id, err := m.save(ctx, rc, kind, payload, NewID(), time.Time{})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return id, nil
}

func (m *Manager) save(ctx context.Context, rc core.RunContext, kind Kind, payload Payload, id string, createdAt time.Time) (string, error) {
	if err := rc.Validate(); err != nil {
		return "", err
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return "", core.Validationf("%v", err)
	}
	if err := checkPayloadKind(kind, payload); err != nil {
		return "", err
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	content := payload.Serialize()
	embedding, err := m.embed(ctx, content)
	if err != nil {
		return "", err
	}

	now := m.now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	metadata := map[string]string{
		MetaUserID:    rc.UserID,
		MetaThreadID:  rc.Thread(),
		MetaTimestamp: now.Format(time.RFC3339Nano),
		MetaKind:      string(kind),
	}
	for k, v := range payload.Fields() {
		if _, reserved := metadata[k]; !reserved {
			metadata[k] = v
		}
	}

	rec := &Record{
		ID:        id,
		Namespace: m.Namespace(rc.UserID, kind),
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("store record: %w", err)
	}
	// The store is authoritative and the write has committed. A failed
	// upsert leaves the index behind until the next Reindex.
	if err := m.index.Upsert(ctx, rec); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id": rc.UserID,
			"kind":    kind,
			"id":      id,
		}).Warn("[MEMORY] Stored memory but failed to index it")
	}

	log.WithFields(log.Fields{
		"user_id": rc.UserID,
		"kind":    kind,
		"id":      id,
	}).Debugf("[MEMORY] Stored memory: %q", truncate(content, 50))
	return id, nil
}

// Search returns up to limit memory contents from the caller's namespace,
// most similar to query first. A general kind searches every kind of the
// user. No match yields an empty slice.
func (m *Manager) Search(ctx context.Context, rc core.RunContext, kind Kind, query string, limit int) ([]string, error) {
	hits, err := m.SearchRecords(ctx, rc, kind, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Record.Content
	}
	return out, nil
}

// SearchRecords is Search returning scored records.
func (m *Manager) SearchRecords(ctx context.Context, rc core.RunContext, kind Kind, query string, limit int, filters ...Filter) ([]ScoredRecord, error) {
	ctx, span := m.tracer.Start(ctx, "memory.Search", trace.WithAttributes(
		attribute.String("memory.kind", string(kind)),
		attribute.Int("memory.limit", limit),
	))
	defer span.End()

	if err := rc.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, core.Validationf("%v", err)
	}
	if limit <= 0 {
		limit = m.config.RecallLimit
	}
	if strings.TrimSpace(query) == "" {
		return []ScoredRecord{}, nil
	}

	vector, err := m.embed(ctx, query)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	q := Query{
		Namespace: m.Namespace(rc.UserID, kind),
		Vector:    vector,
		Limit:     limit,
		Filter:    And(append([]Filter{m.scopeFilter(rc)}, filters...)...),
	}
	hits, err := m.query(ctx, q)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([]ScoredRecord, 0, len(hits))
	for _, h := range hits {
		if m.config.MinSimilarity > 0 && h.Score < m.config.MinSimilarity {
			continue
		}
		out = append(out, h)
	}

	log.WithFields(log.Fields{
		"user_id": rc.UserID,
		"kind":    kind,
	}).Debugf("[MEMORY] Retrieved %d memories for query: %q", len(out), truncate(query, 50))
	span.SetAttributes(attribute.Int("memory.results", len(out)))
	return out, nil
}

// query runs q on the index, falling back to an exact scan when the index
// times out and the partition is small enough to scan.
func (m *Manager) query(ctx context.Context, q Query) ([]ScoredRecord, error) {
	hits, err := m.index.Query(ctx, q)
	if err == nil {
		return hits, nil
	}
	if !errors.Is(err, core.ErrIndexTimeout) {
		return nil, fmt.Errorf("query index: %w", err)
	}

	n, cerr := m.store.Count(ctx, q.Namespace)
	if cerr != nil {
		return nil, fmt.Errorf("count %s: %w", q.Namespace, cerr)
	}
	if n > m.config.BruteForceLimit {
		return nil, fmt.Errorf("query index (%d records, scan limit %d): %w", n, m.config.BruteForceLimit, err)
	}
	log.WithField("namespace", q.Namespace.String()).Warnf("[MEMORY] Index timed out, scanning %d records", n)
	return m.scan.Query(ctx, q)
}

func (m *Manager) scopeFilter(rc core.RunContext) Filter {
	if m.config.RecallScope == ScopeThread {
		return ThreadFilter(rc)
	}
	return nil
}

// Manage creates, updates or deletes a memory in the caller's namespace and
// returns the affected id. Update and delete need an id that exists in the
// namespace; create ignores any id.
func (m *Manager) Manage(ctx context.Context, rc core.RunContext, op Op, kind Kind, payload Payload, id string) (string, error) {
	ctx, span := m.tracer.Start(ctx, "memory.Manage", trace.WithAttributes(
		attribute.String("memory.kind", string(kind)),
		attribute.String("memory.op", string(op)),
	))
	defer span.End()

	id, err := m.manage(ctx, rc, op, kind, payload, strings.TrimSpace(id))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return id, nil
}

func (m *Manager) manage(ctx context.Context, rc core.RunContext, op Op, kind Kind, payload Payload, id string) (string, error) {
	if err := rc.Validate(); err != nil {
		return "", err
	}
	switch op {
	case OpCreate:
		return m.save(ctx, rc, kind, payload, NewID(), time.Time{})

	case OpUpdate:
		if id == "" {
			return "", core.Validationf("update requires an id")
		}
		existing, err := m.store.Get(ctx, m.Namespace(rc.UserID, kind), id)
		if err != nil {
			return "", err
		}
		return m.save(ctx, rc, kind, payload, id, existing.CreatedAt)

	case OpDelete:
		if id == "" {
			return "", core.Validationf("delete requires an id")
		}
		ns := m.Namespace(rc.UserID, kind)
		if err := m.store.Delete(ctx, ns, id); err != nil {
			return "", err
		}
		if err := m.index.Delete(ctx, ns, id); err != nil {
			return "", fmt.Errorf("unindex record %s: %w", id, err)
		}
		log.WithFields(log.Fields{"user_id": rc.UserID, "kind": kind, "id": id}).Debug("[MEMORY] Deleted memory")
		return id, nil
	}
	return "", core.Validationf("unknown action %q", op)
}

// List returns the stored records of a user's namespace, newest first.
func (m *Manager) List(ctx context.Context, rc core.RunContext, kind Kind) ([]*Record, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return m.store.List(ctx, m.Namespace(rc.UserID, kind))
}

// Recall runs a general search for query with the configured limit.
func (m *Manager) Recall(ctx context.Context, rc core.RunContext, query string) ([]string, error) {
	return m.Search(ctx, rc, KindGeneral, query, m.config.RecallLimit)
}

// FormatRecall renders memories with the configured size bound.
func (m *Manager) FormatRecall(memories []string) string {
	return FormatRecall(memories, m.config.MaxRecallChars)
}

// Reindex mirrors every stored record into the index. Run it at startup
// when the index does not persist.
func (m *Manager) Reindex(ctx context.Context) (int, error) {
	if _, ok := m.index.(*ScanIndex); ok {
		return 0, nil
	}
	n := 0
	err := m.store.Iterate(ctx, func(rec *Record) error {
		if err := m.index.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("index record %s: %w", rec.ID, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	log.Infof("[MEMORY] Reindexed %d memories", n)
	return n, nil
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if dims := m.embedder.Dimensions(); dims > 0 && len(vec) != dims {
		return nil, fmt.Errorf("embed: got %d dimensions, want %d", len(vec), dims)
	}
	return vec, nil
}

// Config holds Manager configuration.
type Config struct {
	// Scope is the first namespace component. Default: "memories".
	Scope string

	// RecallScope selects user-wide or thread-local recall.
	// Default: ScopeUser.
	RecallScope RecallScope

	// RecallLimit is the default number of memories a search returns.
	// Default: 3
	RecallLimit int

	// MinSimilarity drops hits scoring below it. 0 disables the floor.
	// Note: small local models score related text around 0.35, so keep
	// this low or off unless the embedder is known.
	MinSimilarity float32

	// BruteForceLimit is the largest partition scanned when the index
	// times out. Default: 5000
	BruteForceLimit int

	// MaxRecallChars bounds the rendered recall block. Default: 2000
	MaxRecallChars int
}

// DefaultConfig returns the defaults for local use.
func DefaultConfig() *Config {
	return &Config{
		Scope:           DefaultScope,
		RecallScope:     ScopeUser,
		RecallLimit:     3,
		MinSimilarity:   0,
		BruteForceLimit: 5000,
		MaxRecallChars:  2000,
	}
}

func (c *Config) clone() *Config {
	cp := *c
	return &cp
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Scope == "" {
		c.Scope = d.Scope
	}
	if c.RecallScope == "" {
		c.RecallScope = d.RecallScope
	}
	if c.RecallLimit <= 0 {
		c.RecallLimit = d.RecallLimit
	}
	if c.BruteForceLimit <= 0 {
		c.BruteForceLimit = d.BruteForceLimit
	}
	if c.MaxRecallChars == 0 {
		c.MaxRecallChars = d.MaxRecallChars
	}
}
