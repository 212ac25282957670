package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

func TestForgettingTimePolicy(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(t, WithClock(func() time.Time { return now }))

	cfg := config.Default().Forgetting
	cfg.MaxAge = 24 * time.Hour
	cfg.CapacityThreshold = 0
	f := NewForgettingEngine(s, cfg, nil)

	ctx := context.Background()
	stale, err := s.Store(ctx, Request{Content: "stale", Owner: "agent-a"})
	require.NoError(t, err)
	pinned, err := s.Store(ctx, Request{Content: "pinned", Owner: "agent-a", Importance: imp(types.ImportanceCritical)})
	require.NoError(t, err)

	now = now.Add(12 * time.Hour)
	fresh, err := s.Store(ctx, Request{Content: "fresh", Owner: "agent-a"})
	require.NoError(t, err)

	now = now.Add(13 * time.Hour) // stale and pinned are now 25h old
	n, err := f.Sweep(ctx, Criteria{})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, stale.ID, "agent-a")
	require.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = s.Get(ctx, fresh.ID, "agent-a")
	require.NoError(t, err)
	// Critical records outlive every policy.
	_, err = s.Get(ctx, pinned.ID, "agent-a")
	require.NoError(t, err)
}

func TestForgettingTouchResetsTheClock(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(t, WithClock(func() time.Time { return now }))

	cfg := config.Default().Forgetting
	cfg.MaxAge = 24 * time.Hour
	cfg.CapacityThreshold = 0
	f := NewForgettingEngine(s, cfg, nil)

	ctx := context.Background()
	rec, err := s.Store(ctx, Request{Content: "kept alive by access", Owner: "agent-a"})
	require.NoError(t, err)

	now = now.Add(20 * time.Hour)
	s.Touch([]string{rec.ID})

	now = now.Add(20 * time.Hour) // 40h since creation, 20h since access
	n, err := f.Sweep(ctx, Criteria{})
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = s.Get(ctx, rec.ID, "agent-a")
	require.NoError(t, err)
}

func TestForgettingImportancePolicy(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	cfg := config.Default().Forgetting
	cfg.MaxAge = 0
	cfg.CapacityThreshold = 0
	cfg.ImportanceEnabled = true
	cfg.MinImportance = types.ImportanceMedium
	f := NewForgettingEngine(s, cfg, nil)

	ctx := context.Background()
	low, err := s.Store(ctx, Request{Content: "low value", Owner: "agent-a", Importance: imp(types.ImportanceLow)})
	require.NoError(t, err)
	med, err := s.Store(ctx, Request{Content: "medium value", Owner: "agent-a", Importance: imp(types.ImportanceMedium)})
	require.NoError(t, err)

	n, err := f.Sweep(ctx, Criteria{})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, low.ID, "agent-a")
	require.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = s.Get(ctx, med.ID, "agent-a")
	require.NoError(t, err)
}

func TestForgettingCapacityPolicyTrimsToThreshold(t *testing.T) {
	t.Parallel()

	storeCfg := config.Default().Store
	storeCfg.Capacities = map[types.Tier]int{types.TierShortTerm: 10}
	s := New(storeCfg)

	cfg := config.Default().Forgetting
	cfg.MaxAge = 0
	cfg.CapacityThreshold = 0.5
	f := NewForgettingEngine(s, cfg, nil)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := s.Store(ctx, Request{Content: "filler", Owner: "agent-a"})
		require.NoError(t, err)
	}

	n, err := f.Sweep(ctx, Criteria{})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 5, s.Len(types.TierShortTerm))
	require.Equal(t, int64(3), s.Stats().TotalForgotten)
}

func TestForgettingCriteriaScopesSweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := testStore(t, WithClock(func() time.Time { return now }))

	cfg := config.Default().Forgetting
	cfg.MaxAge = 0 // only the per-sweep override applies
	cfg.CapacityThreshold = 0
	f := NewForgettingEngine(s, cfg, nil)

	ctx := context.Background()
	a, err := s.Store(ctx, Request{Content: "a's note", Owner: "agent-a"})
	require.NoError(t, err)
	b, err := s.Store(ctx, Request{Content: "b's note", Owner: "agent-b"})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	n, err := f.Sweep(ctx, Criteria{Owner: "agent-a", MaxAge: time.Hour})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, a.ID, "agent-a")
	require.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = s.Get(ctx, b.ID, "agent-b")
	require.NoError(t, err)
}

// Whatever mix of importances and capacities we throw at the store, two
// things hold: tier occupancy never exceeds capacity, and critical records
// survive unless their tier cannot hold them at all.
func TestCapacityInvariantsHold(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		cfg := config.Default().Store
		cfg.Capacities = map[types.Tier]int{types.TierShortTerm: capacity}
		s := New(cfg)
		ctx := context.Background()

		n := rapid.IntRange(1, 30).Draw(t, "records")
		var criticalIDs []string
		for i := 0; i < n; i++ {
			level := types.Importance(rapid.IntRange(0, 3).Draw(t, "importance"))
			rec, err := s.Store(ctx, Request{
				Content:    "generated",
				Owner:      "agent-a",
				Importance: imp(level),
			})
			if err != nil {
				// The only admissible failure is a tier full of
				// critical records.
				require.True(t, types.IsCode(err, types.ErrCapacityExceeded))
				require.Equal(t, capacity, s.Len(types.TierShortTerm))
				continue
			}
			if level == types.ImportanceCritical {
				criticalIDs = append(criticalIDs, rec.ID)
			}
			// A successful store is immediately retrievable.
			_, err = s.Get(ctx, rec.ID, "agent-a")
			require.NoError(t, err)
			require.LessOrEqual(t, s.Len(types.TierShortTerm), capacity)
		}

		for _, id := range criticalIDs {
			_, err := s.Get(ctx, id, "agent-a")
			require.NoError(t, err, "critical record was evicted")
		}
	})
}
