package store

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// Criteria narrows one forgetting sweep. The zero value sweeps everything
// with the configured policies.
type Criteria struct {
	// Tiers restricts the sweep; empty means all tiers.
	Tiers []types.Tier

	// Owner restricts the time and importance policies to one owner's
	// records. The capacity policy is per-tier and ignores Owner.
	Owner string

	// MaxAge overrides the configured age cutoff for this sweep.
	MaxAge time.Duration
}

// ForgettingEngine evicts records by age, importance floor and tier
// occupancy. Policies are independent: a record goes when any enabled policy
// marks it. Critical records are exempt from every policy; they leave only
// through explicit deletion.
//
// The background sweep is best-effort and keeps tiers near their thresholds;
// the hard capacity guarantee is enforced synchronously at store time.
type ForgettingEngine struct {
	store  *Store
	cfg    config.ForgettingConfig
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewForgettingEngine creates a forgetting engine bound to the store.
func NewForgettingEngine(s *Store, cfg config.ForgettingConfig, logger *zap.Logger) *ForgettingEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForgettingEngine{
		store:  s,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "forgetting")),
	}
}

// Sweep runs every enabled policy once and returns the number of records
// evicted.
func (f *ForgettingEngine) Sweep(ctx context.Context, crit Criteria) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tiers := crit.Tiers
	if len(tiers) == 0 {
		tiers = types.AllTiers
	}
	maxAge := f.cfg.MaxAge
	if crit.MaxAge > 0 {
		maxAge = crit.MaxAge
	}

	now := f.store.Now()
	total := 0
	for _, tier := range tiers {
		ts, ok := f.store.tiers[tier]
		if !ok {
			continue
		}

		ts.mu.Lock()
		evicted := f.markLocked(ts, crit.Owner, maxAge, now)
		for _, id := range evicted {
			delete(ts.records, id)
		}
		if f.cfg.CapacityThreshold > 0 && ts.capacity > 0 {
			target := int(math.Floor(float64(ts.capacity) * f.cfg.CapacityThreshold))
			if len(ts.records) > target {
				more, _ := f.store.enforceCapacityLocked(ts, target, now, "")
				evicted = append(evicted, more...)
			}
		}
		ts.mu.Unlock()

		if len(evicted) == 0 {
			continue
		}
		f.store.indexMu.Lock()
		for _, id := range evicted {
			delete(f.store.index, id)
		}
		f.store.indexMu.Unlock()

		f.store.finishEviction(evicted)
		total += len(evicted)

		f.logger.Info("forgetting sweep evicted records",
			zap.String("tier", string(tier)),
			zap.Int("count", len(evicted)))
	}
	return total, nil
}

// markLocked returns the ids the time and importance policies select.
// Caller holds the tier lock.
func (f *ForgettingEngine) markLocked(ts *tierStore, owner string, maxAge time.Duration, now time.Time) []string {
	var marked []string
	for id, rec := range ts.records {
		if rec.Importance == types.ImportanceCritical {
			continue
		}
		if owner != "" && rec.Owner != owner {
			continue
		}
		if maxAge > 0 && now.Sub(rec.LastAccessedAt) > maxAge {
			marked = append(marked, id)
			continue
		}
		if f.cfg.ImportanceEnabled && rec.Importance < f.cfg.MinImportance {
			marked = append(marked, id)
		}
	}
	return marked
}

// Start launches the periodic sweep. No-op when the interval is zero.
func (f *ForgettingEngine) Start(ctx context.Context) {
	if f.cfg.Interval <= 0 {
		return
	}
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(ctx)
}

// Stop halts the periodic sweep and waits for it to exit.
func (f *ForgettingEngine) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *ForgettingEngine) run(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			if _, err := f.Sweep(ctx, Criteria{}); err != nil {
				f.logger.Warn("forgetting sweep failed", zap.Error(err))
			}
		}
	}
}
