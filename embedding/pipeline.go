package embedding

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PipelineConfig configures the asynchronous embedding pipeline.
type PipelineConfig struct {
	// BatchSize caps texts per provider batch call.
	BatchSize int

	// FlushInterval bounds how long a pending text waits for a full batch.
	FlushInterval time.Duration
}

type request struct {
	id   string
	text string
}

// Pipeline computes embeddings off the store's critical path. Store returns
// with embedding = pending; the pipeline batches pending texts, calls the
// provider, and upgrades records through the OnReady callback. No store
// lock is ever held across a provider call.
type Pipeline struct {
	provider Provider
	cache    Cache // may be nil
	cfg      PipelineConfig
	logger   *zap.Logger

	onReady  func(id string, vector []float64)
	onFailed func(id string, err error)

	mu      sync.Mutex
	queue   []request
	waiters map[string]chan struct{}
	running bool
	stopCh  chan struct{}
	wakeCh  chan struct{}

	flight singleflight.Group
	wg     sync.WaitGroup
}

// NewPipeline creates a pipeline. cache may be nil.
func NewPipeline(provider Provider, cache Cache, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	return &Pipeline{
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "embedding_pipeline")),
		waiters:  make(map[string]chan struct{}),
		wakeCh:   make(chan struct{}, 1),
	}
}

// OnReady registers the success callback. Must be set before Start.
func (p *Pipeline) OnReady(fn func(id string, vector []float64)) { p.onReady = fn }

// OnFailed registers the failure callback. Optional.
func (p *Pipeline) OnFailed(fn func(id string, err error)) { p.onFailed = fn }

// Start launches the background worker.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop halts the worker and waits for it to exit. Pending requests that
// were not yet flushed stay unresolved; their waiters are released.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
	p.queue = nil
	p.mu.Unlock()
}

// Enqueue schedules embedding computation for a record. Cache hits resolve
// synchronously through OnReady.
func (p *Pipeline) Enqueue(ctx context.Context, id, text string) {
	if p.cache != nil {
		if vec, ok := p.cache.Get(ctx, text); ok {
			if p.onReady != nil {
				p.onReady(id, vec)
			}
			return
		}
	}

	p.mu.Lock()
	if _, exists := p.waiters[id]; exists {
		p.mu.Unlock()
		return
	}
	p.waiters[id] = make(chan struct{})
	p.queue = append(p.queue, request{id: id, text: text})
	p.mu.Unlock()

	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Wait blocks until the record's embedding resolved (either way) or the
// context is done. Unknown or already-resolved ids return immediately.
func (p *Pipeline) Wait(ctx context.Context, id string) error {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Pending returns the number of unresolved requests. Test helper.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// EmbedQuery computes an embedding synchronously with cache lookup and
// in-flight deduplication. Used for query-side embeddings in retrieval.
func (p *Pipeline) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	if p.cache != nil {
		if vec, ok := p.cache.Get(ctx, text); ok {
			return vec, nil
		}
	}

	v, err, _ := p.flight.Do(cacheKey(text), func() (any, error) {
		vec, err := p.provider.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if p.cache != nil {
			p.cache.Put(ctx, text, vec)
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.wakeCh:
			p.drainFull(ctx)
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// drainFull flushes only complete batches, leaving a partial batch for the
// next flush tick so small bursts still amortize into one provider call.
func (p *Pipeline) drainFull(ctx context.Context) {
	for {
		p.mu.Lock()
		full := len(p.queue) >= p.cfg.BatchSize
		p.mu.Unlock()
		if !full {
			return
		}
		p.Flush(ctx)
	}
}

// Flush processes up to one batch of pending requests synchronously.
// Exported so tests and shutdown paths can drain deterministically.
func (p *Pipeline) Flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	n := len(p.queue)
	if n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	batch := make([]request, n)
	copy(batch, p.queue[:n])
	p.queue = append(p.queue[:0], p.queue[n:]...)
	p.mu.Unlock()

	// Identical texts embed once per batch.
	texts := make([]string, 0, len(batch))
	index := make(map[string]int, len(batch))
	for _, req := range batch {
		if _, ok := index[req.text]; !ok {
			index[req.text] = len(texts)
			texts = append(texts, req.text)
		}
	}

	vecs, err := p.provider.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		p.logger.Warn("embedding batch failed",
			zap.Int("batch", len(texts)),
			zap.Error(err))
		for _, req := range batch {
			if p.onFailed != nil {
				p.onFailed(req.id, err)
			}
			p.release(req.id)
		}
		return
	}

	for _, req := range batch {
		vec := vecs[index[req.text]]
		if p.cache != nil {
			p.cache.Put(ctx, req.text, vec)
		}
		if p.onReady != nil {
			p.onReady(req.id, vec)
		}
		p.release(req.id)
	}
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	if ch, ok := p.waiters[id]; ok {
		close(ch)
		delete(p.waiters, id)
	}
	p.mu.Unlock()
}
