// Package reflection consolidates recent memory into summary insights and
// promotes them into semantic memory.
package reflection

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
)

// Reasoner produces a natural-language insight over a record set, typically
// backed by an LLM. Optional: without one, reflection degrades to the
// statistical summary.
type Reasoner interface {
	Summarize(ctx context.Context, records []*types.MemoryRecord) (string, error)
}

// Source supplies the records inside a reflection scope. The store
// satisfies this.
type Source interface {
	Scope(owner string, from, to time.Time) []*types.MemoryRecord
}

// Sink receives promoted summaries. The store satisfies this.
type Sink interface {
	Store(ctx context.Context, req store.Request) (*types.MemoryRecord, error)
}

// Scope bounds one reflection pass. Zero fields mean unbounded.
type Scope struct {
	Owner string
	From  time.Time
	To    time.Time
}

// Engine runs reflection passes: scan a scope, aggregate importance and tag
// distributions, extract recurring patterns, optionally ask the reasoner
// for an insight, and promote the result as a semantic record.
type Engine struct {
	source   Source
	sink     Sink
	reasoner Reasoner // may be nil
	cfg      config.ReflectionConfig
	logger   *zap.Logger

	// Now is injectable for tests.
	Now func() time.Time

	runs atomic.Int64
}

// NewEngine creates a reflection engine. reasoner may be nil.
func NewEngine(source Source, sink Sink, reasoner Reasoner, cfg config.ReflectionConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:   source,
		sink:     sink,
		reasoner: reasoner,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "reflection")),
		Now:      time.Now,
	}
}

// Runs returns the number of completed reflection passes.
func (e *Engine) Runs() int64 { return e.runs.Load() }

// Reflect runs one pass over the scope. An empty scope yields an empty
// summary and promotes nothing. A reasoner failure downgrades the pass to
// the statistical summary instead of failing it.
func (e *Engine) Reflect(ctx context.Context, scope Scope) (*types.ReflectionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := e.source.Scope(scope.Owner, scope.From, scope.To)
	summary := &types.ReflectionSummary{
		ID:                 uuid.NewString(),
		Owner:              scope.Owner,
		From:               scope.From,
		To:                 scope.To,
		GeneratedAt:        e.Now(),
		RecordCount:        len(records),
		CountsByImportance: make(map[string]int),
		CountsByTag:        make(map[string]int),
	}
	e.runs.Add(1)

	if len(records) == 0 {
		e.logger.Debug("reflection scope empty", zap.String("owner", scope.Owner))
		return summary, nil
	}

	maxImportance := types.ImportanceLow
	for _, rec := range records {
		summary.SourceIDs = append(summary.SourceIDs, rec.ID)
		summary.CountsByImportance[rec.Importance.String()]++
		for _, tag := range rec.Tags {
			summary.CountsByTag[tag]++
		}
		if rec.Importance > maxImportance {
			maxImportance = rec.Importance
		}
	}
	summary.Patterns = e.patterns(summary.CountsByTag)

	if e.reasoner != nil {
		insight, err := e.reasoner.Summarize(ctx, records)
		if err != nil {
			e.logger.Warn("reasoner unavailable, keeping statistical summary",
				zap.Error(err))
		} else {
			summary.Insight = insight
		}
	}

	if e.cfg.Promote {
		if err := e.promote(ctx, scope, summary, maxImportance); err != nil {
			// The summary itself is still valid; promotion is best-effort.
			e.logger.Warn("summary promotion failed", zap.Error(err))
		}
	}

	e.logger.Info("reflection pass complete",
		zap.String("owner", scope.Owner),
		zap.Int("records", summary.RecordCount),
		zap.Int("patterns", len(summary.Patterns)),
		zap.Bool("promoted", summary.PromotedID != ""))
	return summary, nil
}

// patterns returns tags whose frequency reaches the configured minimum,
// most frequent first.
func (e *Engine) patterns(byTag map[string]int) []string {
	minCount := e.cfg.PatternMinCount
	if minCount <= 0 {
		minCount = 2
	}
	var out []string
	for tag, count := range byTag {
		if count >= minCount {
			out = append(out, tag)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if byTag[out[i]] != byTag[out[j]] {
			return byTag[out[i]] > byTag[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// promote writes the summary back as a semantic record. Its importance is
// the maximum over the sources, floored at medium so summaries do not start
// on the eviction shortlist.
func (e *Engine) promote(ctx context.Context, scope Scope, summary *types.ReflectionSummary, maxImportance types.Importance) error {
	importance := maxImportance
	if importance < types.ImportanceMedium {
		importance = types.ImportanceMedium
	}

	owner := scope.Owner
	if owner == "" {
		owner = "system"
	}

	content := summary.Insight
	if content == "" {
		content = e.describe(summary)
	}

	rec, err := e.sink.Store(ctx, store.Request{
		Content:    content,
		Owner:      owner,
		Tier:       types.TierSemantic,
		Importance: &importance,
		Tags:       []string{"reflection"},
		Metadata: map[string]any{
			"reflection_id": summary.ID,
			"source_count":  summary.RecordCount,
		},
	})
	if err != nil {
		return err
	}
	summary.PromotedID = rec.ID
	return nil
}

// describe renders the statistical summary as readable text for promotion
// when no reasoner insight is available.
func (e *Engine) describe(summary *types.ReflectionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reflected over %d records.", summary.RecordCount)

	levels := make([]string, 0, len(summary.CountsByImportance))
	for level := range summary.CountsByImportance {
		levels = append(levels, level)
	}
	sort.Strings(levels)
	parts := make([]string, 0, len(levels))
	for _, level := range levels {
		parts = append(parts, fmt.Sprintf("%s=%d", level, summary.CountsByImportance[level]))
	}
	fmt.Fprintf(&b, " Importance distribution: %s.", strings.Join(parts, ", "))

	if len(summary.Patterns) > 0 {
		fmt.Fprintf(&b, " Recurring themes: %s.", strings.Join(summary.Patterns, ", "))
	}
	return b.String()
}
