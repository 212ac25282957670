package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// Strategy selects the ranking function.
type Strategy string

const (
	// StrategyHybrid combines similarity, recency, importance and access
	// frequency with the configured weights. The default.
	StrategyHybrid Strategy = "hybrid"

	// StrategySemantic ranks by embedding similarity alone.
	StrategySemantic Strategy = "semantic"

	// StrategyRecency ranks by last access time alone.
	StrategyRecency Strategy = "recency"

	// StrategyImportance ranks by importance alone.
	StrategyImportance Strategy = "importance"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyHybrid, StrategySemantic, StrategyRecency, StrategyImportance:
		return true
	}
	return false
}

// Query describes one retrieval call.
type Query struct {
	// Text is embedded for similarity scoring. May be empty, in which case
	// similarity contributes nothing.
	Text string

	// Owner scopes visibility: own records plus shared ones.
	Owner string

	// Tiers restricts the search; empty means all tiers.
	Tiers []types.Tier

	// Tags keeps only records carrying every listed tag.
	Tags []string

	// Strategy defaults to hybrid.
	Strategy Strategy

	// Limit defaults to the configured limit.
	Limit int
}

// Source supplies candidates and receives access notifications. The store
// satisfies this.
type Source interface {
	// Candidates returns visibility-filtered copies for the owner.
	Candidates(owner string, tiers []types.Tier) []*types.MemoryRecord

	// Touch records an access to each id. ids are in rank order; the
	// source must keep that order reflected in last_accessed_at so the
	// same retrieval repeated yields the same ranking.
	Touch(ids []string)
}

// Embedder turns query text into a vector. The embedding pipeline satisfies
// this.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
}

// Waiter optionally lets retrieval wait briefly for pending record
// embeddings before scoring.
type Waiter interface {
	Wait(ctx context.Context, id string) error
}

// Engine ranks candidates. Embedding failures degrade to zero similarity
// and are never surfaced to the caller; ranking falls back to the remaining
// signals.
type Engine struct {
	source   Source
	embedder Embedder // may be nil
	waiter   Waiter   // may be nil
	cfg      config.RetrievalConfig
	logger   *zap.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// NewEngine creates a retrieval engine. embedder and waiter may be nil.
func NewEngine(source Source, embedder Embedder, waiter Waiter, cfg config.RetrievalConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:   source,
		embedder: embedder,
		waiter:   waiter,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "retrieval")),
		Now:      time.Now,
	}
}

// Retrieve returns up to Limit records ranked by the query's strategy. The
// returned copies already reflect the access this retrieval performed.
func (e *Engine) Retrieve(ctx context.Context, q Query) ([]*types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Owner == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "owner must not be empty")
	}
	if q.Strategy == "" {
		q.Strategy = StrategyHybrid
	}
	if !q.Strategy.Valid() {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown strategy %q", q.Strategy)
	}
	for _, tier := range q.Tiers {
		if !tier.Valid() {
			return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown tier %q", tier)
		}
	}
	if q.Limit <= 0 {
		q.Limit = e.cfg.DefaultLimit
	}

	candidates := filterTags(e.source.Candidates(q.Owner, q.Tiers), q.Tags)
	if len(candidates) == 0 {
		return nil, nil
	}

	useSimilarity := q.Text != "" && e.embedder != nil &&
		(q.Strategy == StrategyHybrid || q.Strategy == StrategySemantic)

	// Candidates are point-in-time copies; if we choose to wait for pending
	// embeddings we must take a fresh snapshot afterwards to see them.
	if useSimilarity && e.waitForEmbeddings(ctx, candidates) {
		candidates = filterTags(e.source.Candidates(q.Owner, q.Tiers), q.Tags)
		if len(candidates) == 0 {
			return nil, nil
		}
	}

	var sims []float64
	if useSimilarity {
		sims = e.similarities(ctx, q.Text, candidates)
	}
	scores := compositeScores(e.weights(q.Strategy), candidates, sims, e.Now())
	order := rankOrder(candidates, scores)

	if len(order) > q.Limit {
		order = order[:q.Limit]
	}

	now := e.Now()
	out := make([]*types.MemoryRecord, 0, len(order))
	ids := make([]string, 0, len(order))
	for rank, idx := range order {
		rec := candidates[idx]
		// Mirror the access metadata update the store applies below:
		// timestamps step down by rank so the ordering survives the touch.
		rec.AccessCount++
		rec.LastAccessedAt = now.Add(-time.Duration(rank) * time.Nanosecond)
		out = append(out, rec)
		ids = append(ids, rec.ID)
	}
	e.source.Touch(ids)

	e.logger.Debug("retrieval ranked candidates",
		zap.String("owner", q.Owner),
		zap.String("strategy", string(q.Strategy)),
		zap.Int("candidates", len(candidates)),
		zap.Int("returned", len(out)))
	return out, nil
}

// weights maps a strategy onto component weights. Single-signal strategies
// are the hybrid composite with all other weights zeroed.
func (e *Engine) weights(s Strategy) config.Weights {
	switch s {
	case StrategySemantic:
		return config.Weights{Similarity: 1}
	case StrategyRecency:
		return config.Weights{Recency: 1}
	case StrategyImportance:
		return config.Weights{Importance: 1}
	default:
		return e.cfg.Weights()
	}
}

// waitForEmbeddings blocks up to the configured bound for candidates whose
// embeddings are still pending. Returns whether any waiting happened.
func (e *Engine) waitForEmbeddings(ctx context.Context, candidates []*types.MemoryRecord) bool {
	if e.waiter == nil || e.cfg.EmbeddingWait <= 0 {
		return false
	}
	pending := false
	for _, rec := range candidates {
		if !rec.HasEmbedding() {
			pending = true
			break
		}
	}
	if !pending {
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbeddingWait)
	defer cancel()
	for _, rec := range candidates {
		if rec.HasEmbedding() {
			continue
		}
		if e.waiter.Wait(waitCtx, rec.ID) != nil {
			break // budget spent, score the rest as-is
		}
	}
	return true
}

// similarities embeds the query and scores each candidate. Any failure
// degrades similarity to zero rather than failing the call.
func (e *Engine) similarities(ctx context.Context, text string, candidates []*types.MemoryRecord) []float64 {
	qvec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		e.logger.Warn("query embedding unavailable, ranking without similarity",
			zap.Error(err))
		return nil
	}

	sims := make([]float64, len(candidates))
	for i, rec := range candidates {
		sims[i] = Cosine(qvec, rec.Embedding)
	}
	return sims
}

func filterTags(records []*types.MemoryRecord, tags []string) []*types.MemoryRecord {
	if len(tags) == 0 {
		return records
	}
	out := records[:0]
	for _, rec := range records {
		keep := true
		for _, tag := range tags {
			if !rec.HasTag(tag) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, rec)
		}
	}
	return out
}
