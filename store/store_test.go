package store

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(config.Default().Store, opts...)
}

func imp(i types.Importance) *types.Importance { return &i }

func TestStoreAssignsIdentityAndDefaults(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	rec, err := s.Store(ctx, Request{
		Content: "plain context with no classifier signals",
		Owner:   "agent-a",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, types.TierShortTerm, rec.Tier)
	require.Equal(t, types.ImportanceMedium, rec.Importance)
	require.Equal(t, types.AccessPrivate, rec.AccessMode)
	require.Equal(t, int64(0), rec.AccessCount)
	require.False(t, rec.HasEmbedding())
	require.Equal(t, rec.CreatedAt, rec.LastAccessedAt)

	got, err := s.Get(ctx, rec.ID, "agent-a")
	require.NoError(t, err)
	require.Equal(t, rec.Content, got.Content)
}

func TestStoreValidatesInput(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, Request{Owner: "agent-a"})
	require.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = s.Store(ctx, Request{Content: "x"})
	require.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = s.Store(ctx, Request{Content: "x", Owner: "agent-a", Tier: "bogus"})
	require.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = s.Store(ctx, Request{Content: "x", Owner: "agent-a", AccessMode: "world"})
	require.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestStoreExplicitPlacementWinsOverClassifier(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	// Content shaped like a procedure, but the caller pins the tier.
	rec, err := s.Store(ctx, Request{
		Content:    "how to deploy: step 1 build, then, release",
		Owner:      "agent-a",
		Tier:       types.TierEpisodic,
		Importance: imp(types.ImportanceLow),
	})
	require.NoError(t, err)
	require.Equal(t, types.TierEpisodic, rec.Tier)
	require.Equal(t, types.ImportanceLow, rec.Importance)
}

func TestHeuristicClassifierPlacesByShape(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	cases := []struct {
		content string
		tier    types.Tier
	}{
		{"how to rotate the signing key: step 1 revoke", types.TierProcedural},
		{"yesterday the deploy to staging happened twice", types.TierEpisodic},
		{"a ULID is a lexicographically sortable identifier", types.TierSemantic},
		{"random note with no structure", types.TierShortTerm},
	}
	for _, tc := range cases {
		rec, err := s.Store(ctx, Request{Content: tc.content, Owner: "agent-a"})
		require.NoError(t, err)
		require.Equal(t, tc.tier, rec.Tier, "content: %s", tc.content)
	}

	rec, err := s.Store(ctx, Request{
		Content: "security credential rotation is overdue",
		Owner:   "agent-a",
	})
	require.NoError(t, err)
	require.Equal(t, types.ImportanceCritical, rec.Importance)
}

func TestStoreIDsSortByInsertionOrder(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		rec, err := s.Store(ctx, Request{Content: "note", Owner: "agent-a"})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	require.True(t, sort.StringsAreSorted(ids))
}

func TestCapacityEvictsLowestScoringNonCritical(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Store
	cfg.Capacities = map[types.Tier]int{types.TierShortTerm: 2}
	s := New(cfg)
	ctx := context.Background()

	a, err := s.Store(ctx, Request{Content: "first", Owner: "agent-a", Importance: imp(types.ImportanceLow)})
	require.NoError(t, err)
	b, err := s.Store(ctx, Request{Content: "second", Owner: "agent-a", Importance: imp(types.ImportanceMedium)})
	require.NoError(t, err)
	c, err := s.Store(ctx, Request{Content: "third", Owner: "agent-a", Importance: imp(types.ImportanceHigh)})
	require.NoError(t, err)

	require.Equal(t, 2, s.Len(types.TierShortTerm))

	_, err = s.Get(ctx, a.ID, "agent-a")
	require.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = s.Get(ctx, b.ID, "agent-a")
	require.NoError(t, err)
	_, err = s.Get(ctx, c.ID, "agent-a")
	require.NoError(t, err)

	require.Equal(t, int64(1), s.Stats().TotalForgotten)
}

func TestCapacityFullOfCriticalRejectsStore(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Store
	cfg.Capacities = map[types.Tier]int{types.TierShortTerm: 2}
	s := New(cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Store(ctx, Request{Content: "pinned", Owner: "agent-a", Importance: imp(types.ImportanceCritical)})
		require.NoError(t, err)
	}

	_, err := s.Store(ctx, Request{Content: "one more", Owner: "agent-a", Importance: imp(types.ImportanceCritical)})
	require.True(t, types.IsCode(err, types.ErrCapacityExceeded))
	require.Equal(t, 2, s.Len(types.TierShortTerm))
}

func TestStoreNewRecordIsNeverItsOwnVictim(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Store
	cfg.Capacities = map[types.Tier]int{types.TierShortTerm: 1}
	s := New(cfg)
	ctx := context.Background()

	resident, err := s.Store(ctx, Request{Content: "resident", Owner: "agent-a", Importance: imp(types.ImportanceHigh)})
	require.NoError(t, err)

	// The newcomer scores below the resident, but admission still evicts the
	// resident: a successful store leaves the new record retrievable.
	newcomer, err := s.Store(ctx, Request{Content: "newcomer", Owner: "agent-a", Importance: imp(types.ImportanceLow)})
	require.NoError(t, err)

	_, err = s.Get(ctx, newcomer.ID, "agent-a")
	require.NoError(t, err)
	_, err = s.Get(ctx, resident.ID, "agent-a")
	require.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestFailedStoreLeavesCountersAndResidentsAlone(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Store
	cfg.Capacities = map[types.Tier]int{types.TierShortTerm: 1}
	s := New(cfg)

	var evicted []string
	s.OnEvict(func(ids []string) { evicted = append(evicted, ids...) })

	ctx := context.Background()
	resident, err := s.Store(ctx, Request{Content: "pinned later", Owner: "agent-a", Importance: imp(types.ImportanceLow)})
	require.NoError(t, err)
	require.NotNil(t, s.SetImportance(resident.ID, types.ImportanceCritical))

	_, err = s.Store(ctx, Request{Content: "rejected", Owner: "agent-a", Importance: imp(types.ImportanceLow)})
	require.True(t, types.IsCode(err, types.ErrCapacityExceeded))

	// The failed store fired no hooks and moved no counters.
	require.Empty(t, evicted)
	require.Equal(t, int64(1), s.Stats().TotalStored)
	require.Equal(t, int64(0), s.Stats().TotalForgotten)
	_, err = s.Get(ctx, resident.ID, "agent-a")
	require.NoError(t, err)
}

func TestEvictionHookFires(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Store
	cfg.Capacities = map[types.Tier]int{types.TierShortTerm: 1}
	s := New(cfg)

	var evicted []string
	s.OnEvict(func(ids []string) { evicted = append(evicted, ids...) })

	ctx := context.Background()
	a, err := s.Store(ctx, Request{Content: "old", Owner: "agent-a", Importance: imp(types.ImportanceLow)})
	require.NoError(t, err)
	_, err = s.Store(ctx, Request{Content: "new", Owner: "agent-a", Importance: imp(types.ImportanceHigh)})
	require.NoError(t, err)

	require.Equal(t, []string{a.ID}, evicted)
}

func TestTouchMutatesAccessMetadata(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	rec, err := s.Store(ctx, Request{Content: "note", Owner: "agent-a"})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	s.Touch([]string{rec.ID, "nonexistent"})

	got, err := s.Get(ctx, rec.ID, "agent-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.AccessCount)
	require.Equal(t, now, got.LastAccessedAt)
	require.Equal(t, int64(1), s.Stats().TotalRetrieved)
}

func TestTouchKeepsTheGivenOrderDistinct(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	var recs []*types.MemoryRecord
	for i := 0; i < 3; i++ {
		rec, err := s.Store(ctx, Request{Content: "note", Owner: "agent-a"})
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	now = now.Add(time.Hour)
	s.Touch([]string{recs[2].ID, recs[0].ID, recs[1].ID})

	// Touched ids arrive in rank order and come out with strictly
	// descending access times, first id freshest.
	var times []time.Time
	for _, id := range []string{recs[2].ID, recs[0].ID, recs[1].ID} {
		got, err := s.Get(ctx, id, "agent-a")
		require.NoError(t, err)
		times = append(times, got.LastAccessedAt)
	}
	require.Equal(t, now, times[0])
	require.True(t, times[0].After(times[1]))
	require.True(t, times[1].After(times[2]))
}

func TestReturnedRecordsAreIsolatedCopies(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	rec, err := s.Store(ctx, Request{Content: "note", Owner: "agent-a", Tags: []string{"a"}})
	require.NoError(t, err)

	rec.Tags[0] = "mutated"
	rec.Content = "mutated"

	got, err := s.Get(ctx, rec.ID, "agent-a")
	require.NoError(t, err)
	require.Equal(t, "note", got.Content)
	require.Equal(t, []string{"a"}, got.Tags)
}

func TestCandidatesFilterVisibilityBeforeRanking(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	mine, err := s.Store(ctx, Request{Content: "private to a", Owner: "agent-a"})
	require.NoError(t, err)
	_, err = s.Store(ctx, Request{Content: "private to b", Owner: "agent-b"})
	require.NoError(t, err)
	shared, err := s.Store(ctx, Request{
		Content:    "shared team fact",
		Owner:      "agent-b",
		AccessMode: types.AccessSharedReadOnly,
	})
	require.NoError(t, err)

	got := s.Candidates("agent-a", nil)
	ids := make([]string, 0, len(got))
	for _, rec := range got {
		ids = append(ids, rec.ID)
	}
	require.ElementsMatch(t, []string{mine.ID, shared.ID}, ids)
	require.True(t, sort.StringsAreSorted(ids))
}

func TestDeleteRequiresOwnership(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	rec, err := s.Store(ctx, Request{
		Content:    "shared but owned by a",
		Owner:      "agent-a",
		AccessMode: types.AccessSharedReadWrite,
	})
	require.NoError(t, err)

	// Writable sharing does not extend to destruction.
	err = s.Delete(ctx, rec.ID, "agent-b")
	require.True(t, types.IsCode(err, types.ErrAccessDenied))

	require.NoError(t, s.Delete(ctx, rec.ID, "agent-a"))
	_, err = s.Get(ctx, rec.ID, "agent-a")
	require.True(t, types.IsCode(err, types.ErrNotFound))

	// A foreign private record deletes like a missing one.
	priv, err := s.Store(ctx, Request{Content: "private", Owner: "agent-a"})
	require.NoError(t, err)
	err = s.Delete(ctx, priv.ID, "agent-b")
	require.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestSetEmbeddingOnEvictedRecord(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	rec, err := s.Store(ctx, Request{Content: "note", Owner: "agent-a"})
	require.NoError(t, err)

	require.True(t, s.SetEmbedding(rec.ID, []float64{1, 2}))
	got, err := s.Get(ctx, rec.ID, "agent-a")
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2}, got.Embedding)

	require.NoError(t, s.Delete(ctx, rec.ID, "agent-a"))
	require.False(t, s.SetEmbedding(rec.ID, []float64{3}))
}

func TestStatsSnapshot(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Store(ctx, Request{Content: "note", Owner: "agent-a"})
		require.NoError(t, err)
	}
	_, err := s.Store(ctx, Request{
		Content:    "note",
		Owner:      "agent-a",
		Tier:       types.TierSemantic,
		Importance: imp(types.ImportanceHigh),
	})
	require.NoError(t, err)

	stats := s.Stats()
	require.Equal(t, int64(4), stats.TotalStored)
	require.Equal(t, 3, stats.ByTier["short_term"])
	require.Equal(t, 1, stats.ByTier["semantic"])
	require.Equal(t, 3, stats.ByImportance["medium"])
	require.Equal(t, 1, stats.ByImportance["high"])
}
