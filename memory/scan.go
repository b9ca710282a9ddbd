package memory

import (
	"context"
	"fmt"
)

// ScanIndex is an exact similarity index that scans the record store on
// every query. It needs no maintenance, so Upsert and Delete are no-ops,
// and it is the fallback when a real index is unavailable.
type ScanIndex struct {
	store RecordStore
}

// NewScanIndex creates a scan index over store.
func NewScanIndex(store RecordStore) *ScanIndex {
	return &ScanIndex{store: store}
}

func (s *ScanIndex) Upsert(ctx context.Context, rec *Record) error { return nil }

func (s *ScanIndex) Delete(ctx context.Context, ns Namespace, id string) error { return nil }

// Query scores every record visible to q.Namespace.
func (s *ScanIndex) Query(ctx context.Context, q Query) ([]ScoredRecord, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	recs, err := s.store.List(ctx, q.Namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Namespace, err)
	}
	hits := make([]ScoredRecord, 0, len(recs))
	for _, rec := range recs {
		if q.Filter != nil && !q.Filter(rec) {
			continue
		}
		hits = append(hits, ScoredRecord{Record: rec, Score: CosineSimilarity(q.Vector, rec.Embedding)})
	}
	SortScored(hits)
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}
