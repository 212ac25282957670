package retrieval

import (
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// Selection is the outcome of fitting ranked records into a token budget.
type Selection struct {
	// Records are the included records, still in rank order.
	Records []*types.MemoryRecord

	// TokensUsed is the estimated cost of the included records.
	TokensUsed int

	// UsableBudget is the budget after the reservation was taken off.
	UsableBudget int

	// TotalCandidates is how many ranked records were considered.
	TotalCandidates int
}

// Budgeter fits ranked records into a token budget, reserving a fraction
// for the response. Selection is greedy in rank order: a record that does
// not fit is skipped, never swapped in later at the cost of a higher-ranked
// one, so adding budget can only grow the selection.
type Budgeter struct {
	cfg       config.BudgetConfig
	estimator Estimator
	logger    *zap.Logger
}

// NewBudgeter creates a budgeter. estimator may be nil, in which case the
// character heuristic is used.
func NewBudgeter(cfg config.BudgetConfig, estimator Estimator, logger *zap.Logger) *Budgeter {
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Budgeter{
		cfg:       cfg,
		estimator: estimator,
		logger:    logger.With(zap.String("component", "budget")),
	}
}

// Fit selects the prefix-greedy subset of ranked that fits the budget.
// budget <= 0 uses the configured default. Rank order is preserved in the
// selection. Fitting an empty list succeeds with an empty selection. A
// non-empty list where nothing fits returns the empty selection, with its
// budget and candidate metadata intact, alongside a budget error: the
// caller keeps the numbers that explain the miss.
func (b *Budgeter) Fit(ranked []*types.MemoryRecord, budget int) (*Selection, error) {
	if budget <= 0 {
		budget = b.cfg.DefaultTokenBudget
	}
	usable := budget - int(float64(budget)*b.cfg.ReservationFraction)
	if usable < 0 {
		usable = 0
	}

	sel := &Selection{
		UsableBudget:    usable,
		TotalCandidates: len(ranked),
	}
	for _, rec := range ranked {
		cost := b.estimator.Count(rec.Content)
		if sel.TokensUsed+cost > usable {
			continue
		}
		sel.Records = append(sel.Records, rec)
		sel.TokensUsed += cost
	}

	if len(sel.Records) == 0 && len(ranked) > 0 {
		return sel, types.NewErrorf(types.ErrBudgetTooSmall,
			"no record fits within %d usable tokens", usable)
	}

	b.logger.Debug("context fitted",
		zap.Int("candidates", sel.TotalCandidates),
		zap.Int("included", len(sel.Records)),
		zap.Int("tokens_used", sel.TokensUsed),
		zap.Int("usable_budget", usable))
	return sel, nil
}
