package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/Zenin797/SunoTherapist/memory"
)

// Embedder memoizes another embedder. Queries repeat often within a
// conversation (recall, then the model's own search), and remote embedders
// charge per call.
type Embedder struct {
	next  memory.Embedder
	cache *ristretto.Cache
}

// New wraps next with a cache holding up to maxEntries vectors.
func New(next memory.Embedder, maxEntries int64) (*Embedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &Embedder{next: next, cache: c}, nil
}

// Embed returns the cached vector for text or computes and caches it.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return copyVec(v.([]float32)), nil
	}
	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, copyVec(vec), 1)
	return vec, nil
}

// Dimensions returns the wrapped embedder's dimensions.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// Wait blocks until pending cache writes are visible.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() error {
	e.cache.Close()
	return nil
}

func copyVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
