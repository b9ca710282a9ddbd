package memory

import (
	"context"
	"fmt"
	"time"
)

// Kind is the memory category of a record.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
	KindGeneral    Kind = "general"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindEpisodic, KindSemantic, KindProcedural, KindGeneral}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown memory kind %q", s)
}

// DefaultScope is the scope every namespace uses unless configured.
const DefaultScope = "memories"

// Namespace partitions records by scope, user and kind.
type Namespace struct {
	Scope  string `json:"scope"`
	UserID string `json:"user_id"`
	Kind   Kind   `json:"kind"`
}

// Contains reports whether a record stored under other is visible to a
// query on n. A general namespace sees every kind of the same user.
func (n Namespace) Contains(other Namespace) bool {
	if n.Scope != other.Scope || n.UserID != other.UserID {
		return false
	}
	return n.Kind == KindGeneral || n.Kind == other.Kind
}

// Expand returns the concrete namespaces a query on n covers.
func (n Namespace) Expand() []Namespace {
	if n.Kind != KindGeneral {
		return []Namespace{n}
	}
	out := make([]Namespace, 0, len(Kinds))
	for _, k := range Kinds {
		out = append(out, Namespace{Scope: n.Scope, UserID: n.UserID, Kind: k})
	}
	return out
}

func (n Namespace) String() string {
	return n.Scope + "/" + n.UserID + "/" + string(n.Kind)
}

// Metadata keys every record carries.
const (
	MetaUserID    = "user_id"
	MetaThreadID  = "thread_id"
	MetaTimestamp = "timestamp"
	MetaKind      = "kind"
)

// Record is a stored memory.
type Record struct {
	ID        string            `json:"id"`
	Namespace Namespace         `json:"namespace"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ScoredRecord is a search hit.
type ScoredRecord struct {
	Record *Record `json:"record"`
	Score  float32 `json:"score"`
}

// Filter is a metadata predicate applied after ranking.
type Filter func(rec *Record) bool

// Query is a similarity query restricted to a namespace.
type Query struct {
	Namespace Namespace
	Vector    []float32
	Limit     int
	Filter    Filter
}

// RecordStore is the durable record backend.
// Implementations: sqlite (local), pgvector (production), retry (wrapper).
type RecordStore interface {
	// Put writes a record. A write carrying an older UpdatedAt than the
	// stored copy is ignored.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record with id in exactly ns, or core.ErrNotFound.
	Get(ctx context.Context, ns Namespace, id string) (*Record, error)

	// Delete removes the record with id in exactly ns, or returns
	// core.ErrNotFound.
	Delete(ctx context.Context, ns Namespace, id string) error

	// List returns records visible to ns, newest first.
	List(ctx context.Context, ns Namespace) ([]*Record, error)

	// Count returns the number of records visible to ns.
	Count(ctx context.Context, ns Namespace) (int, error)

	// Iterate calls fn for every stored record.
	Iterate(ctx context.Context, fn func(*Record) error) error

	Close() error
}

// Index is a similarity index over records.
// Implementations: ScanIndex (exact), chromem, pgvector.
type Index interface {
	// Upsert inserts or replaces a record.
	Upsert(ctx context.Context, rec *Record) error

	// Delete removes a record. Unknown ids are not an error.
	Delete(ctx context.Context, ns Namespace, id string) error

	// Query returns up to q.Limit records matching q.Filter, sorted by
	// descending cosine similarity.
	Query(ctx context.Context, q Query) ([]ScoredRecord, error)
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local), openai (remote), cache.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}
