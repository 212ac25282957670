// Package retrieval ranks visible memory records against a query and fits
// the ranked list into a token budget.
package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or their lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// compositeScores computes the weighted composite for each record. Every
// component is min-max normalized over the candidate set of this call, so
// scores are comparable within one ranking and meaningless across calls.
// sims may be nil, which scores similarity as uniformly zero.
func compositeScores(w config.Weights, records []*types.MemoryRecord, sims []float64, now time.Time) []float64 {
	n := len(records)
	if n == 0 {
		return nil
	}

	recency := make([]float64, n)
	importance := make([]float64, n)
	access := make([]float64, n)
	for i, rec := range records {
		recency[i] = float64(rec.LastAccessedAt.UnixNano())
		importance[i] = float64(rec.Importance)
		access[i] = float64(rec.AccessCount)
	}
	if sims == nil {
		sims = make([]float64, n)
	}

	normalize := func(vals []float64) {
		lo, hi := vals[0], vals[0]
		for _, v := range vals {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi == lo {
			// A constant component cannot discriminate; give everyone
			// full credit so it drops out of the ordering.
			for i := range vals {
				vals[i] = 1
			}
			return
		}
		for i := range vals {
			vals[i] = (vals[i] - lo) / (hi - lo)
		}
	}

	simsNorm := append([]float64(nil), sims...)
	normalize(simsNorm)
	normalize(recency)
	normalize(importance)
	normalize(access)

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = w.Similarity*simsNorm[i] +
			w.Recency*recency[i] +
			w.Importance*importance[i] +
			w.Access*access[i]
	}
	return scores
}

// rankOrder returns record indexes sorted by score descending, breaking
// ties by importance, then last access, then id. Identical inputs always
// produce identical orderings.
func rankOrder(records []*types.MemoryRecord, scores []float64) []int {
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		a, b := order[x], order[y]
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		if records[a].Importance != records[b].Importance {
			return records[a].Importance > records[b].Importance
		}
		if !records[a].LastAccessedAt.Equal(records[b].LastAccessedAt) {
			return records[a].LastAccessedAt.After(records[b].LastAccessedAt)
		}
		return records[a].ID < records[b].ID
	})
	return order
}

// EvictionScorer adapts the composite to retention scoring: no query means
// zero similarity for everyone, so retention reduces to recency, importance
// and access frequency under the same weights retrieval ranks with. Lower
// scores evict first.
func EvictionScorer(w config.Weights) func(records []*types.MemoryRecord, now time.Time) []float64 {
	return func(records []*types.MemoryRecord, now time.Time) []float64 {
		return compositeScores(w, records, nil, now)
	}
}
