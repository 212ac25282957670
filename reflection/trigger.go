package reflection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
)

// Trigger fires reflection passes on a time interval, on record volume, or
// both. The two conditions are independent: whichever hits first wins, and
// firing resets both.
type Trigger struct {
	engine *Engine
	cfg    config.ReflectionConfig
	logger *zap.Logger

	mu       sync.Mutex
	pending  int
	lastRun  time.Time
	running  bool
	stopCh   chan struct{}
	fireCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTrigger creates a trigger driving the engine.
func NewTrigger(engine *Engine, cfg config.ReflectionConfig, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		engine: engine,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "reflection_trigger")),
		fireCh: make(chan struct{}, 1),
	}
}

// Notify records one stored record. When the volume threshold is reached
// the trigger schedules a pass without blocking the caller.
func (t *Trigger) Notify() {
	if t.cfg.RecordThreshold <= 0 {
		return
	}
	t.mu.Lock()
	t.pending++
	fire := t.pending >= t.cfg.RecordThreshold
	if fire {
		t.pending = 0
	}
	t.mu.Unlock()

	if fire {
		select {
		case t.fireCh <- struct{}{}:
		default: // a pass is already scheduled
		}
	}
}

// Pending returns the record count since the last pass. Test helper.
func (t *Trigger) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Start launches the background loop. No-op when both triggers are
// disabled.
func (t *Trigger) Start(ctx context.Context) {
	if t.cfg.Interval <= 0 && t.cfg.RecordThreshold <= 0 {
		return
	}
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.lastRun = t.engine.Now()
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(ctx)
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (t *Trigger) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Trigger) run(ctx context.Context) {
	defer t.wg.Done()

	interval := t.cfg.Interval
	if interval <= 0 {
		// Volume-only triggering still needs a live loop.
		interval = time.Hour * 24 * 365
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.reflectSinceLast(ctx)
		case <-t.fireCh:
			t.reflectSinceLast(ctx)
		}
	}
}

// reflectSinceLast runs one pass over everything stored since the previous
// pass, across all owners.
func (t *Trigger) reflectSinceLast(ctx context.Context) {
	t.mu.Lock()
	from := t.lastRun
	now := t.engine.Now()
	t.lastRun = now
	t.pending = 0
	t.mu.Unlock()

	if _, err := t.engine.Reflect(ctx, Scope{From: from, To: now}); err != nil {
		t.logger.Warn("scheduled reflection failed", zap.Error(err))
	}
}
