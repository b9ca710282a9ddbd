package chromem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/memory"
)

// Reserved metadata keys used to rebuild records from documents.
const (
	keyScope     = "_scope"
	keyUserID    = "_user_id"
	keyKind      = "_kind"
	keyCreatedAt = "_created_at"
	keyUpdatedAt = "_updated_at"
)

// Index wraps chromem-go as a memory.Index.
// chromem-go is a pure Go, embedded vector database. Each namespace gets its
// own collection and write lock, so writes for different namespaces never
// wait on each other.
type Index struct {
	db          *chromem.DB
	collections map[memory.Namespace]*collection
	mu          sync.RWMutex

	queryTimeout time.Duration
}

// collection pairs a chromem collection with the lock that makes its
// stale-write check and write atomic.
type collection struct {
	*chromem.Collection
	writeMu sync.Mutex
}

// Option configures the index.
type Option func(*Index)

// WithQueryTimeout bounds each query. A query that runs out of time fails
// with core.ErrIndexTimeout so the manager can fall back to a scan.
func WithQueryTimeout(d time.Duration) Option {
	return func(i *Index) {
		i.queryTimeout = d
	}
}

// New creates an empty in-memory index.
func New(opts ...Option) *Index {
	idx := &Index{
		db:          chromem.NewDB(),
		collections: make(map[memory.Namespace]*collection),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// collection returns the collection for ns, creating it when create is set.
func (i *Index) collection(ns memory.Namespace, create bool) (*collection, error) {
	i.mu.RLock()
	col, exists := i.collections[ns]
	i.mu.RUnlock()

	if exists || !create {
		return col, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := i.collections[ns]; exists {
		return col, nil
	}

	c, err := i.db.CreateCollection(
		ns.String(),
		nil, // No collection metadata
		nil, // No embedding func (the manager provides embeddings)
	)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", ns, err)
	}
	col = &collection{Collection: c}
	i.collections[ns] = col
	return col, nil
}

// Upsert adds or replaces a document. Writes older than the indexed copy
// are dropped.
func (i *Index) Upsert(ctx context.Context, rec *memory.Record) error {
	col, err := i.collection(rec.Namespace, true)
	if err != nil {
		return err
	}

	col.writeMu.Lock()
	defer col.writeMu.Unlock()

	if existing, err := col.GetByID(ctx, rec.ID); err == nil {
		if prev, perr := time.Parse(time.RFC3339Nano, existing.Metadata[keyUpdatedAt]); perr == nil && rec.UpdatedAt.Before(prev) {
			log.WithField("id", rec.ID).Debug("[CHROMEM] Dropping stale write")
			return nil
		}
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Embedding,
		Metadata:  toMetadata(rec),
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Delete removes a document. Unknown ids are ignored.
func (i *Index) Delete(ctx context.Context, ns memory.Namespace, id string) error {
	col, err := i.collection(ns, false)
	if err != nil || col == nil {
		return err
	}
	col.writeMu.Lock()
	defer col.writeMu.Unlock()
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Query ranks the namespace's documents by cosine similarity. General
// namespaces fan out over every kind collection of the user and merge.
func (i *Index) Query(ctx context.Context, q memory.Query) ([]memory.ScoredRecord, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	if i.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.queryTimeout)
		defer cancel()
	}

	namespaces := q.Namespace.Expand()
	parts := make([][]memory.ScoredRecord, len(namespaces))
	g, gctx := errgroup.WithContext(ctx)
	for n, ns := range namespaces {
		n, ns := n, ns
		g.Go(func() error {
			hits, err := i.queryCollection(gctx, ns, q)
			parts[n] = hits
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: chromem query on %s: %v", core.ErrIndexTimeout, q.Namespace, err)
		}
		return nil, err
	}

	var merged []memory.ScoredRecord
	for _, p := range parts {
		merged = append(merged, p...)
	}
	memory.SortScored(merged)
	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return merged, nil
}

func (i *Index) queryCollection(ctx context.Context, ns memory.Namespace, q memory.Query) ([]memory.ScoredRecord, error) {
	col, err := i.collection(ns, false)
	if err != nil || col == nil {
		return nil, err
	}

	// chromem-go requires 0 < nResults <= collection size.
	size := col.Count()
	return memory.FetchFiltered(q.Limit, size, q.Filter, func(n int) ([]memory.ScoredRecord, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// A concurrent delete may have shrunk the collection.
		if c := col.Count(); n > c {
			n = c
		}
		if n == 0 {
			return nil, nil
		}
		results, err := col.QueryEmbedding(ctx, q.Vector, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		hits := make([]memory.ScoredRecord, 0, len(results))
		for _, r := range results {
			hits = append(hits, memory.ScoredRecord{Record: fromResult(r), Score: r.Similarity})
		}
		return hits, nil
	})
}

// Len returns the number of indexed documents in ns.
func (i *Index) Len(ns memory.Namespace) int {
	total := 0
	for _, sub := range ns.Expand() {
		if col, _ := i.collection(sub, false); col != nil {
			total += col.Count()
		}
	}
	return total
}

// Close releases resources.
func (i *Index) Close() error {
	// chromem-go keeps everything in memory, nothing to close
	return nil
}

func toMetadata(rec *memory.Record) map[string]string {
	meta := make(map[string]string, len(rec.Metadata)+5)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta[keyScope] = rec.Namespace.Scope
	meta[keyUserID] = rec.Namespace.UserID
	meta[keyKind] = string(rec.Namespace.Kind)
	meta[keyCreatedAt] = rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	meta[keyUpdatedAt] = rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return meta
}

func fromResult(r chromem.Result) *memory.Record {
	rec := &memory.Record{
		ID:        r.ID,
		Content:   r.Content,
		Embedding: r.Embedding,
		Metadata:  make(map[string]string, len(r.Metadata)),
		Namespace: memory.Namespace{
			Scope:  r.Metadata[keyScope],
			UserID: r.Metadata[keyUserID],
			Kind:   memory.Kind(r.Metadata[keyKind]),
		},
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.Metadata[keyCreatedAt])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, r.Metadata[keyUpdatedAt])
	for k, v := range r.Metadata {
		switch k {
		case keyScope, keyUserID, keyKind, keyCreatedAt, keyUpdatedAt:
		default:
			rec.Metadata[k] = v
		}
	}
	return rec
}
