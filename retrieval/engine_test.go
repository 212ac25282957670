package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// fakeSource serves clones of a fixed record set with store-equivalent
// visibility and touch rules, and tracks touches.
type fakeSource struct {
	records []*types.MemoryRecord
	touched []string
	now     func() time.Time
}

func (f *fakeSource) Candidates(owner string, tiers []types.Tier) []*types.MemoryRecord {
	tierSet := make(map[types.Tier]struct{}, len(tiers))
	for _, t := range tiers {
		tierSet[t] = struct{}{}
	}
	var out []*types.MemoryRecord
	for _, rec := range f.records {
		if rec.Owner != owner && !rec.AccessMode.Shared() {
			continue
		}
		if len(tiers) > 0 {
			if _, ok := tierSet[rec.Tier]; !ok {
				continue
			}
		}
		out = append(out, rec.Clone())
	}
	return out
}

func (f *fakeSource) Touch(ids []string) {
	f.touched = append(f.touched, ids...)
	now := time.Now()
	if f.now != nil {
		now = f.now()
	}
	for i, id := range ids {
		for _, rec := range f.records {
			if rec.ID == id {
				rec.AccessCount++
				rec.LastAccessedAt = now.Add(-time.Duration(i) * time.Nanosecond)
			}
		}
	}
}

// fakeEmbedder resolves texts through a fixed vector table.
type fakeEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return []float64{0, 0, 1}, nil
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(id, owner string, opts func(*types.MemoryRecord)) *types.MemoryRecord {
	r := &types.MemoryRecord{
		ID:             id,
		Content:        "content " + id,
		Tier:           types.TierShortTerm,
		Importance:     types.ImportanceMedium,
		CreatedAt:      baseTime,
		LastAccessedAt: baseTime,
		Owner:          owner,
		AccessMode:     types.AccessPrivate,
	}
	if opts != nil {
		opts(r)
	}
	return r
}

func testEngine(source Source, embedder Embedder) *Engine {
	e := NewEngine(source, embedder, nil, config.Default().Retrieval, nil)
	e.Now = func() time.Time { return baseTime.Add(time.Hour) }
	return e
}

func ids(records []*types.MemoryRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestRetrieveRecencyOrdering(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01A", "a", func(r *types.MemoryRecord) { r.LastAccessedAt = baseTime.Add(-2 * time.Hour) }),
		rec("01B", "a", func(r *types.MemoryRecord) { r.LastAccessedAt = baseTime }),
		rec("01C", "a", func(r *types.MemoryRecord) { r.LastAccessedAt = baseTime.Add(-time.Hour) }),
	}}
	e := testEngine(src, nil)

	got, err := e.Retrieve(context.Background(), Query{Owner: "a", Strategy: StrategyRecency})
	require.NoError(t, err)
	require.Equal(t, []string{"01B", "01C", "01A"}, ids(got))
}

func TestRetrieveImportanceOrderingWithTieBreaks(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01B", "a", func(r *types.MemoryRecord) { r.Importance = types.ImportanceHigh }),
		rec("01A", "a", func(r *types.MemoryRecord) { r.Importance = types.ImportanceHigh }),
		rec("01C", "a", func(r *types.MemoryRecord) { r.Importance = types.ImportanceCritical }),
	}}
	e := testEngine(src, nil)

	got, err := e.Retrieve(context.Background(), Query{Owner: "a", Strategy: StrategyImportance})
	require.NoError(t, err)
	// Equal score, equal importance, equal access time: lower id wins.
	require.Equal(t, []string{"01C", "01A", "01B"}, ids(got))
}

func TestRetrieveSemanticPrefersCloserVectors(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01A", "a", func(r *types.MemoryRecord) { r.Embedding = []float64{0, 1, 0} }),
		rec("01B", "a", func(r *types.MemoryRecord) { r.Embedding = []float64{1, 0, 0} }),
		rec("01C", "a", nil), // embedding still pending
	}}
	emb := &fakeEmbedder{vectors: map[string][]float64{"query": {1, 0.1, 0}}}
	e := testEngine(src, emb)

	got, err := e.Retrieve(context.Background(), Query{
		Owner:    "a",
		Text:     "query",
		Strategy: StrategySemantic,
	})
	require.NoError(t, err)
	require.Equal(t, "01B", got[0].ID)
	// The pending record degrades to zero similarity, it does not vanish.
	require.Len(t, got, 3)
	require.Equal(t, "01C", got[2].ID)
}

func TestRetrieveEmbedderFailureDegradesSilently(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01A", "a", func(r *types.MemoryRecord) { r.Importance = types.ImportanceHigh }),
		rec("01B", "a", nil),
	}}
	emb := &fakeEmbedder{err: errors.New("provider down")}
	e := testEngine(src, emb)

	got, err := e.Retrieve(context.Background(), Query{
		Owner: "a",
		Text:  "query",
	})
	require.NoError(t, err)
	// Ranking falls back to the remaining hybrid signals.
	require.Equal(t, []string{"01A", "01B"}, ids(got))
}

func TestRetrieveHybridBlendsSignals(t *testing.T) {
	t.Parallel()

	// 01A: perfect similarity, low importance. 01B: zero similarity but
	// critical and fresher. With default weights similarity (0.4) loses to
	// importance + recency (0.5).
	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01A", "a", func(r *types.MemoryRecord) {
			r.Embedding = []float64{1, 0, 0}
			r.Importance = types.ImportanceLow
			r.LastAccessedAt = baseTime.Add(-time.Hour)
		}),
		rec("01B", "a", func(r *types.MemoryRecord) {
			r.Embedding = []float64{0, 1, 0}
			r.Importance = types.ImportanceCritical
			r.LastAccessedAt = baseTime
		}),
	}}
	emb := &fakeEmbedder{vectors: map[string][]float64{"query": {1, 0, 0}}}
	e := testEngine(src, emb)

	got, err := e.Retrieve(context.Background(), Query{Owner: "a", Text: "query"})
	require.NoError(t, err)
	require.Equal(t, []string{"01B", "01A"}, ids(got))
}

func TestRetrieveIsDeterministic(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01C", "a", nil), rec("01A", "a", nil), rec("01B", "a", nil),
	}}
	e := testEngine(src, nil)

	first, err := e.Retrieve(context.Background(), Query{Owner: "a"})
	require.NoError(t, err)
	second, err := e.Retrieve(context.Background(), Query{Owner: "a"})
	require.NoError(t, err)
	require.Equal(t, ids(first), ids(second))
}

func TestRetrieveRepeatedQueryKeepsOrdering(t *testing.T) {
	t.Parallel()

	// Recency ranks 01B over 01A, while the tie-break chain would prefer
	// 01A's importance. If the batch touch collapsed access times into a
	// tie, the second call would flip the order.
	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01A", "a", func(r *types.MemoryRecord) {
			r.Importance = types.ImportanceHigh
			r.LastAccessedAt = baseTime.Add(-time.Hour)
		}),
		rec("01B", "a", func(r *types.MemoryRecord) {
			r.Importance = types.ImportanceLow
			r.LastAccessedAt = baseTime
		}),
	}}
	src.now = func() time.Time { return baseTime.Add(time.Hour) }
	e := testEngine(src, nil)

	q := Query{Owner: "a", Strategy: StrategyRecency}
	first, err := e.Retrieve(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, []string{"01B", "01A"}, ids(first))

	second, err := e.Retrieve(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, ids(first), ids(second))
}

func TestRetrieveScopesVisibilityAndTiers(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01A", "a", nil),
		rec("01B", "b", nil), // foreign private
		rec("01C", "b", func(r *types.MemoryRecord) { r.AccessMode = types.AccessSharedReadOnly }),
		rec("01D", "a", func(r *types.MemoryRecord) { r.Tier = types.TierSemantic }),
	}}
	e := testEngine(src, nil)

	got, err := e.Retrieve(context.Background(), Query{Owner: "a"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"01A", "01C", "01D"}, ids(got))

	got, err = e.Retrieve(context.Background(), Query{
		Owner: "a",
		Tiers: []types.Tier{types.TierSemantic},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"01D"}, ids(got))
}

func TestRetrieveFiltersByTags(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01A", "a", func(r *types.MemoryRecord) { r.Tags = []string{"x", "y"} }),
		rec("01B", "a", func(r *types.MemoryRecord) { r.Tags = []string{"x"} }),
	}}
	e := testEngine(src, nil)

	got, err := e.Retrieve(context.Background(), Query{Owner: "a", Tags: []string{"x", "y"}})
	require.NoError(t, err)
	require.Equal(t, []string{"01A"}, ids(got))
}

func TestRetrieveAppliesLimitAndTouch(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []*types.MemoryRecord{
		rec("01A", "a", nil), rec("01B", "a", nil), rec("01C", "a", nil),
	}}
	e := testEngine(src, nil)

	got, err := e.Retrieve(context.Background(), Query{Owner: "a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, src.touched, 2)

	// Returned copies already carry the access this retrieval performed,
	// with access times stepping down by rank.
	for i, r := range got {
		require.Equal(t, int64(1), r.AccessCount)
		require.Equal(t, e.Now().Add(-time.Duration(i)*time.Nanosecond), r.LastAccessedAt)
	}
}

func TestRetrieveValidatesInput(t *testing.T) {
	t.Parallel()

	e := testEngine(&fakeSource{}, nil)
	ctx := context.Background()

	_, err := e.Retrieve(ctx, Query{})
	require.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = e.Retrieve(ctx, Query{Owner: "a", Strategy: "mystery"})
	require.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = e.Retrieve(ctx, Query{Owner: "a", Tiers: []types.Tier{"bogus"}})
	require.True(t, types.IsCode(err, types.ErrInvalidRequest))

	got, err := e.Retrieve(ctx, Query{Owner: "a"})
	require.NoError(t, err)
	require.Empty(t, got)
}
