package memory

import (
	"math"
	"sort"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SortScored orders hits by descending score, breaking ties by newest first
// and then by id so results are deterministic.
func SortScored(hits []ScoredRecord) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		ri, rj := hits[i].Record, hits[j].Record
		if !ri.UpdatedAt.Equal(rj.UpdatedAt) {
			return ri.UpdatedAt.After(rj.UpdatedAt)
		}
		return ri.ID < rj.ID
	})
}
