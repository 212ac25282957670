package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// charEstimator makes test arithmetic exact: one token per character.
type charEstimator struct{}

func (charEstimator) Count(text string) int { return len(text) }

func budgetRecord(id string, tokens int) *types.MemoryRecord {
	return &types.MemoryRecord{ID: id, Content: strings.Repeat("x", tokens)}
}

func testBudgeter(reservation float64) *Budgeter {
	cfg := config.Default().Budget
	cfg.ReservationFraction = reservation
	return NewBudgeter(cfg, charEstimator{}, nil)
}

func TestFitGreedySkipsOversizedAndKeepsOrder(t *testing.T) {
	t.Parallel()

	b := testBudgeter(0)
	ranked := []*types.MemoryRecord{
		budgetRecord("01A", 6),
		budgetRecord("01B", 8), // does not fit after 01A, skipped
		budgetRecord("01C", 3),
	}

	sel, err := b.Fit(ranked, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"01A", "01C"}, ids(sel.Records))
	require.Equal(t, 9, sel.TokensUsed)
	require.Equal(t, 10, sel.UsableBudget)
	require.Equal(t, 3, sel.TotalCandidates)
}

func TestFitAppliesReservation(t *testing.T) {
	t.Parallel()

	b := testBudgeter(0.2)
	ranked := []*types.MemoryRecord{
		budgetRecord("01A", 8), // exactly the usable budget
		budgetRecord("01B", 1),
	}

	sel, err := b.Fit(ranked, 10)
	require.NoError(t, err)
	require.Equal(t, 8, sel.UsableBudget)
	require.Equal(t, []string{"01A"}, ids(sel.Records))
	require.Equal(t, 8, sel.TokensUsed)
}

func TestFitNothingFitsReportsEmptySelection(t *testing.T) {
	t.Parallel()

	b := testBudgeter(0)
	sel, err := b.Fit([]*types.MemoryRecord{budgetRecord("01A", 50)}, 10)
	require.True(t, types.IsCode(err, types.ErrBudgetTooSmall))

	// The miss still carries the numbers that explain it.
	require.NotNil(t, sel)
	require.Empty(t, sel.Records)
	require.Equal(t, 0, sel.TokensUsed)
	require.Equal(t, 10, sel.UsableBudget)
	require.Equal(t, 1, sel.TotalCandidates)
}

func TestFitEmptyListSucceeds(t *testing.T) {
	t.Parallel()

	b := testBudgeter(0)
	sel, err := b.Fit(nil, 10)
	require.NoError(t, err)
	require.Empty(t, sel.Records)
	require.Equal(t, 0, sel.TokensUsed)
}

func TestFitZeroBudgetUsesDefault(t *testing.T) {
	t.Parallel()

	b := testBudgeter(0)
	sel, err := b.Fit([]*types.MemoryRecord{budgetRecord("01A", 10)}, 0)
	require.NoError(t, err)
	require.Equal(t, config.Default().Budget.DefaultTokenBudget, sel.UsableBudget)
	require.Len(t, sel.Records, 1)
}

func TestFitGrowsMonotonicallyWithBudget(t *testing.T) {
	t.Parallel()

	b := testBudgeter(0)
	ranked := []*types.MemoryRecord{
		budgetRecord("01A", 4),
		budgetRecord("01B", 4),
		budgetRecord("01C", 4),
	}

	small, err := b.Fit(ranked, 5)
	require.NoError(t, err)
	large, err := b.Fit(ranked, 9)
	require.NoError(t, err)

	require.Subset(t, ids(large.Records), ids(small.Records))
	require.Greater(t, len(large.Records), len(small.Records))
}
