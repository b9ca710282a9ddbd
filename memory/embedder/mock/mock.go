package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder is a deterministic embedder for tests and offline runs.
//
// Each lowercase word is hashed to a pseudo-random unit vector and the word
// vectors are summed, so texts that share words score higher than unrelated
// texts. It carries no real semantics.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder. dims <= 0 uses 384 to match all-MiniLM-L6-v2.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = 384
	}
	return &Embedder{dimensions: dims}
}

// Embed returns the normalized sum of the word vectors of text. Text with
// no words embeds to the zero vector.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	embedding := make([]float32, m.dimensions)
	for _, word := range words(text) {
		m.addWord(embedding, word)
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

func (m *Embedder) addWord(vec []float32, word string) {
	h := fnv.New64a()
	h.Write([]byte(word))
	seed := h.Sum64()
	for i := range vec {
		// LCG step, mapped to [-1, 1]
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] += float32(int64(seed)) / float32(math.MaxInt64)
	}
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
