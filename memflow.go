// Package memflow is an embeddable memory engine for LLM agents: a tiered
// store with ranked retrieval, token-budgeted context building, reflection,
// policy-driven forgetting, a relationship graph and per-agent access
// control.
//
// Typical use:
//
//	engine, err := memflow.New(nil)
//	if err != nil { ... }
//	defer engine.Close()
//	engine.Start(ctx)
//
//	rec, err := engine.Store(ctx, memflow.StoreRequest{
//		Content: "user prefers dark mode",
//		Owner:   "assistant",
//	})
//	hits, err := engine.Retrieve(ctx, memflow.Query{
//		Owner: "assistant",
//		Text:  "ui preferences",
//	})
package memflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/embedding"
	"github.com/BaSui01/memflow/graph"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/reflection"
	"github.com/BaSui01/memflow/retrieval"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

// Facade aliases so most callers only import memflow and types.
type (
	// StoreRequest describes a record to store.
	StoreRequest = store.Request

	// Query describes one retrieval call.
	Query = retrieval.Query

	// Selection is the outcome of fitting records into a token budget.
	Selection = retrieval.Selection

	// ForgetCriteria narrows one forgetting sweep.
	ForgetCriteria = store.Criteria

	// ReflectionScope bounds one reflection pass.
	ReflectionScope = reflection.Scope
)

// Engine is the assembled memory engine. Create with New, optionally Start
// the background maintenance, and Close when done. All methods are safe for
// concurrent use.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *store.Store
	access     *store.AccessCoordinator
	forgetting *store.ForgettingEngine
	persister  *store.Persister // nil unless persistence is enabled
	pipeline   *embedding.Pipeline
	retrieval  *retrieval.Engine
	budgeter   *retrieval.Budgeter
	graph      *graph.Graph
	reflection *reflection.Engine
	trigger    *reflection.Trigger
	metrics    *metrics.Collector

	now func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Option customizes engine construction.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	provider   embedding.Provider
	reasoner   reflection.Reasoner
	classifier store.Classifier
	estimator  retrieval.Estimator
	now        func() time.Time
}

// WithLogger replaces the logger built from the config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEmbeddingProvider sets the embedding backend. Defaults to the
// deterministic offline provider, which is only suitable for development.
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithReasoner enables LLM-backed reflection insights.
func WithReasoner(r reflection.Reasoner) Option {
	return func(o *options) { o.reasoner = r }
}

// WithClassifier replaces the heuristic tier/importance classifier.
func WithClassifier(c store.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithTokenEstimator replaces the tokenizer-backed estimator.
func WithTokenEstimator(e retrieval.Estimator) Option {
	return func(o *options) { o.estimator = e }
}

// WithClock injects the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New assembles an engine from the configuration. nil means defaults.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = buildLogger(cfg.Log); err != nil {
			return nil, err
		}
	}
	now := o.now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
		now:     now,
	}

	// Embedding stack: provider with retry and rate limiting, vector cache,
	// batching pipeline.
	provider := o.provider
	if provider == nil {
		provider = embedding.NewStaticProvider(cfg.Embedding.Dimensions)
		logger.Info("no embedding provider configured, using the offline static provider")
	}
	policy := embedding.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Embedding.MaxRetries
	retrying := embedding.NewRetryProvider(provider, policy, cfg.Embedding.RateLimit, logger)
	timed := &timedProvider{Provider: retrying, metrics: e.metrics}

	cache, err := buildCache(cfg.Embedding, logger)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache = &countedCache{Cache: cache, metrics: e.metrics}
	}
	e.pipeline = embedding.NewPipeline(timed, cache, embedding.PipelineConfig{
		BatchSize:     cfg.Embedding.BatchSize,
		FlushInterval: cfg.Embedding.FlushInterval,
	}, logger)

	// Store stack. Capacity eviction scores retention with the same
	// composite retrieval ranks with.
	storeOpts := []store.Option{
		store.WithLogger(logger),
		store.WithClock(now),
		store.WithScorer(retrieval.EvictionScorer(cfg.Retrieval.Weights())),
	}
	if o.classifier != nil {
		storeOpts = append(storeOpts, store.WithClassifier(o.classifier))
	}
	e.store = store.New(cfg.Store, storeOpts...)
	e.access = store.NewAccessCoordinator(e.store, logger)
	e.forgetting = store.NewForgettingEngine(e.store, cfg.Forgetting, logger)

	e.graph = graph.New(cfg.Graph, logger)
	e.graph.Now = now

	e.retrieval = retrieval.NewEngine(e.store, e.pipeline, e.pipeline, cfg.Retrieval, logger)
	e.retrieval.Now = now

	estimator := o.estimator
	if estimator == nil {
		estimator = retrieval.NewEstimator(cfg.Budget.TokenizerModel, logger)
	}
	e.budgeter = retrieval.NewBudgeter(cfg.Budget, estimator, logger)

	e.reflection = reflection.NewEngine(e.store, e.store, o.reasoner, cfg.Reflection, logger)
	e.reflection.Now = now
	e.trigger = reflection.NewTrigger(e.reflection, cfg.Reflection, logger)

	if cfg.Persistence.Enabled {
		if e.persister, err = store.OpenPersister(cfg.Persistence.Path, logger); err != nil {
			return nil, err
		}
		if err := e.restore(); err != nil {
			return nil, err
		}
	}

	e.wire()
	return e, nil
}

// wire connects the cross-component callbacks.
func (e *Engine) wire() {
	e.store.OnStore(func(rec *types.MemoryRecord) {
		e.metrics.RecordStored(string(rec.Tier))
		e.trigger.Notify()
		if e.persister != nil && rec.Tier.Durable() {
			if err := e.persister.SaveRecord(rec); err != nil {
				e.logger.Warn("persistence write failed",
					zap.String("id", rec.ID), zap.Error(err))
			}
		}
		e.pipeline.Enqueue(context.Background(), rec.ID, rec.Content)
	})

	e.store.OnEvict(func(ids []string) {
		e.metrics.RecordForgotten(len(ids))
		for _, id := range ids {
			e.graph.RemoveNode(id)
		}
		if e.persister != nil {
			if err := e.persister.DeleteRecords(ids); err != nil {
				e.logger.Warn("persistence delete failed", zap.Error(err))
			}
		}
	})

	e.pipeline.OnReady(func(id string, vector []float64) {
		if !e.store.SetEmbedding(id, vector) {
			return // evicted before its embedding resolved
		}
		edges := e.graph.AddNode(id, vector)
		if e.persister == nil {
			return
		}
		if rec, ok := e.store.Record(id); ok && rec.Tier.Durable() {
			if err := e.persister.SaveRecord(rec); err != nil {
				e.logger.Warn("persistence write failed",
					zap.String("id", id), zap.Error(err))
			}
		}
		for _, edge := range edges {
			if err := e.persister.SaveEdge(edge); err != nil {
				e.logger.Warn("edge persistence failed", zap.Error(err))
			}
		}
	})

	e.pipeline.OnFailed(func(id string, err error) {
		// Degraded, not fatal: the record stays retrievable through the
		// non-similarity signals.
		e.logger.Warn("embedding failed, record stays unembedded",
			zap.String("id", id), zap.Error(err))
	})
}

// restore replays persisted records and edges into the in-memory state.
func (e *Engine) restore() error {
	records, err := e.persister.LoadRecords()
	if err != nil {
		return err
	}
	loaded := make(map[string]struct{}, len(records))
	for _, rec := range records {
		e.store.Load(rec)
		loaded[rec.ID] = struct{}{}
		if rec.HasEmbedding() {
			e.graph.AddNode(rec.ID, rec.Embedding)
		}
	}
	edges, err := e.persister.LoadEdges()
	if err != nil {
		return err
	}
	for _, edge := range edges {
		// Edges may reference volatile-tier records that did not survive
		// the restart; those stay out of the graph.
		if _, ok := loaded[edge.From]; !ok {
			continue
		}
		if _, ok := loaded[edge.To]; !ok {
			continue
		}
		e.graph.LoadEdge(edge)
	}
	e.logger.Info("state restored",
		zap.Int("records", len(records)),
		zap.Int("edges", len(edges)))
	return nil
}

// Start launches background maintenance: the embedding worker, the periodic
// forgetting sweep and the reflection trigger. Safe to call once; the engine
// works without Start but embeddings then only advance via FlushEmbeddings.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.pipeline.Start(ctx)
	e.forgetting.Start(ctx)
	e.trigger.Start(ctx)
}

// Close stops background work, flushes durable state and releases the
// persistence handle.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		if e.started {
			e.cancel()
			e.trigger.Stop()
			e.forgetting.Stop()
			e.pipeline.Stop()
			e.started = false
		}
		e.mu.Unlock()
		if e.persister != nil {
			// Access metadata accrued since the last write-through (touch
			// counts, importance edits) goes out with the final flush.
			for _, rec := range e.store.Scope("", time.Time{}, time.Time{}) {
				if !rec.Tier.Durable() {
					continue
				}
				if err := e.persister.SaveRecord(rec); err != nil {
					e.logger.Warn("final flush failed",
						zap.String("id", rec.ID), zap.Error(err))
				}
			}
			e.closeErr = e.persister.Close()
		}
		_ = e.logger.Sync()
	})
	return e.closeErr
}

// Store saves a new memory record. The record returns immediately with its
// embedding still pending; the pipeline resolves it in the background.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (*types.MemoryRecord, error) {
	return e.store.Store(ctx, req)
}

// Get returns a record by id if it is visible to owner.
func (e *Engine) Get(ctx context.Context, id, owner string) (*types.MemoryRecord, error) {
	return e.store.Get(ctx, id, owner)
}

// Delete permanently removes a record. Owner only.
func (e *Engine) Delete(ctx context.Context, id, owner string) error {
	return e.store.Delete(ctx, id, owner)
}

// Retrieve returns ranked records visible to the query's owner.
func (e *Engine) Retrieve(ctx context.Context, q Query) ([]*types.MemoryRecord, error) {
	records, err := e.retrieval.Retrieve(ctx, q)
	if err == nil {
		e.metrics.RecordRetrieved(len(records))
	}
	return records, err
}

// BuildContext retrieves for the query and fits the ranked result into the
// token budget. budget <= 0 uses the configured default. When nothing fits
// the empty selection comes back alongside the budget error, so callers can
// still report the usable budget and candidate count.
func (e *Engine) BuildContext(ctx context.Context, q Query, budget int) (*Selection, error) {
	records, err := e.retrieval.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	sel, err := e.budgeter.Fit(records, budget)
	if err != nil {
		return sel, err
	}
	e.metrics.RecordRetrieved(len(sel.Records))
	return sel, nil
}

// Reflect runs one consolidation pass over the scope.
func (e *Engine) Reflect(ctx context.Context, scope ReflectionScope) (*types.ReflectionSummary, error) {
	summary, err := e.reflection.Reflect(ctx, scope)
	if err == nil {
		e.metrics.RecordReflection()
	}
	return summary, err
}

// Forget runs one forgetting sweep and returns how many records it evicted.
func (e *Engine) Forget(ctx context.Context, crit ForgetCriteria) (int, error) {
	return e.forgetting.Sweep(ctx, crit)
}

// Share changes a record's access mode. Owner only.
func (e *Engine) Share(ctx context.Context, id, owner string, mode types.AccessMode) (*types.MemoryRecord, error) {
	rec, err := e.access.Share(ctx, id, owner, mode)
	e.persistIfDurable(rec)
	return rec, err
}

// UpdateImportance changes a record's importance, honoring sharing rules.
func (e *Engine) UpdateImportance(ctx context.Context, id, owner string, imp types.Importance) (*types.MemoryRecord, error) {
	rec, err := e.access.UpdateImportance(ctx, id, owner, imp)
	e.persistIfDurable(rec)
	return rec, err
}

// UpdateTags appends tags to a record, honoring sharing rules.
func (e *Engine) UpdateTags(ctx context.Context, id, owner string, tags []string) (*types.MemoryRecord, error) {
	rec, err := e.access.UpdateTags(ctx, id, owner, tags)
	e.persistIfDurable(rec)
	return rec, err
}

func (e *Engine) persistIfDurable(rec *types.MemoryRecord) {
	if e.persister == nil || rec == nil || !rec.Tier.Durable() {
		return
	}
	if err := e.persister.SaveRecord(rec); err != nil {
		e.logger.Warn("persistence write failed",
			zap.String("id", rec.ID), zap.Error(err))
	}
}

// AddRelation declares a typed relation between two records and persists it
// when persistence is on.
func (e *Engine) AddRelation(ctx context.Context, from, to, relation string, strength float64) (types.GraphEdge, error) {
	if err := ctx.Err(); err != nil {
		return types.GraphEdge{}, err
	}
	edge, err := e.graph.AddRelation(from, to, relation, strength)
	if err != nil {
		return types.GraphEdge{}, err
	}
	if e.persister != nil {
		if perr := e.persister.SaveEdge(edge); perr != nil {
			e.logger.Warn("edge persistence failed", zap.Error(perr))
		}
	}
	return edge, nil
}

// Graph exposes the relationship index for traversal queries.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Stats snapshots engine counters and refreshes the tier gauges.
func (e *Engine) Stats() types.Stats {
	stats := e.store.Stats()
	stats.Reflections = e.reflection.Runs()
	for tier, n := range stats.ByTier {
		e.metrics.SetTierSize(tier, n)
	}
	return stats
}

// Metrics returns the Prometheus collector for exposition.
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// FlushEmbeddings synchronously processes one batch of pending embedding
// work. Useful in tests and before shutdown.
func (e *Engine) FlushEmbeddings(ctx context.Context) {
	e.pipeline.Flush(ctx)
}

// buildLogger constructs a zap logger from the log section.
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// buildCache assembles the vector cache: in-process, optionally tiered with
// a shared Redis level.
func buildCache(cfg config.EmbeddingConfig, logger *zap.Logger) (embedding.Cache, error) {
	if cfg.CacheSize <= 0 {
		return nil, nil
	}
	l1, err := embedding.NewRistrettoCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" {
		return l1, nil
	}
	l2, err := embedding.NewRedisCache(cfg.RedisAddr, cfg.RedisTTL, logger)
	if err != nil {
		// A missing shared cache degrades to local-only.
		logger.Warn("redis vector cache unavailable, using local cache only",
			zap.Error(err))
		return l1, nil
	}
	return embedding.NewTieredCache(l1, l2), nil
}

// timedProvider reports provider latency to the collector.
type timedProvider struct {
	embedding.Provider
	metrics *metrics.Collector
}

func (p *timedProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	start := time.Now()
	vec, err := p.Provider.Embed(ctx, text)
	p.metrics.ObserveEmbedding(time.Since(start))
	return vec, err
}

func (p *timedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	start := time.Now()
	vecs, err := p.Provider.EmbedBatch(ctx, texts)
	p.metrics.ObserveEmbedding(time.Since(start))
	return vecs, err
}

// countedCache reports cache hit rates to the collector.
type countedCache struct {
	embedding.Cache
	metrics *metrics.Collector
}

func (c *countedCache) Get(ctx context.Context, text string) ([]float64, bool) {
	vec, ok := c.Cache.Get(ctx, text)
	if ok {
		c.metrics.CacheHit()
	} else {
		c.metrics.CacheMiss()
	}
	return vec, ok
}
