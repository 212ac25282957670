// Package store implements the tiered memory store: tier containers with
// capacity enforcement, owner-scoped access control, policy-driven
// forgetting, and optional durable persistence.
package store

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/config"
	"github.com/BaSui01/memflow/types"
)

// Scorer assigns a retention score to each record in a candidate set. Lower
// scores evict first. The slice is scored as a whole so implementations can
// normalize across the population.
type Scorer func(records []*types.MemoryRecord, now time.Time) []float64

// Request describes a record to store. Tier and Importance are optional;
// when unset the classifier decides.
type Request struct {
	Content    string
	Owner      string
	Tier       types.Tier        // optional
	Importance *types.Importance // optional
	Tags       []string
	Metadata   map[string]any
	AccessMode types.AccessMode // defaults to private
}

// tierStore is one tier's container. Each tier locks independently so a
// sweep of episodic memory never blocks short-term writes.
type tierStore struct {
	mu       sync.RWMutex
	records  map[string]*types.MemoryRecord
	capacity int
}

// Store is the tiered record store. All records returned to callers are
// deep copies; internal state is only reachable under tier locks.
type Store struct {
	cfg        config.StoreConfig
	classifier Classifier
	scorer     Scorer
	logger     *zap.Logger

	// Now is injectable for tests.
	Now func() time.Time

	tiers map[types.Tier]*tierStore

	// indexMu guards the id -> tier index.
	indexMu sync.RWMutex
	index   map[string]types.Tier

	// entropy backs monotonic ULID generation: ids sort by insertion order.
	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	onStore func(rec *types.MemoryRecord)
	onEvict func(ids []string)

	totalStored    atomic.Int64
	totalRetrieved atomic.Int64
	totalForgotten atomic.Int64
}

// Option customizes store construction.
type Option func(*Store)

// WithClassifier overrides the default heuristic classifier.
func WithClassifier(c Classifier) Option {
	return func(s *Store) {
		if c != nil {
			s.classifier = c
		}
	}
}

// WithScorer sets the retention scorer used by capacity eviction.
func WithScorer(fn Scorer) Option {
	return func(s *Store) {
		if fn != nil {
			s.scorer = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With(zap.String("component", "store"))
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.Now = now
		}
	}
}

// New creates a store with one container per tier.
func New(cfg config.StoreConfig, opts ...Option) *Store {
	s := &Store{
		cfg:        cfg,
		classifier: NewHeuristicClassifier(cfg.DefaultTier, cfg.DefaultImportance),
		scorer:     defaultScorer,
		logger:     zap.NewNop(),
		Now:        time.Now,
		tiers:      make(map[types.Tier]*tierStore, len(types.AllTiers)),
		index:      make(map[string]types.Tier),
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
	for _, tier := range types.AllTiers {
		s.tiers[tier] = &tierStore{
			records:  make(map[string]*types.MemoryRecord),
			capacity: cfg.Capacities[tier],
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnStore registers a callback invoked with a copy of every newly stored
// record, after the tier lock is released. Used for persistence write-through,
// embedding scheduling and reflection triggering.
func (s *Store) OnStore(fn func(rec *types.MemoryRecord)) { s.onStore = fn }

// OnEvict registers a callback invoked with the ids of every record removed
// by eviction or deletion, after locks are released. Used for graph and
// persistence cleanup.
func (s *Store) OnEvict(fn func(ids []string)) { s.onEvict = fn }

func (s *Store) newID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.Now()), s.entropy).String()
}

// Store validates, classifies and inserts a record, enforcing the tier
// capacity synchronously. It returns a copy of the stored record; the
// embedding is still pending at that point.
func (s *Store) Store(ctx context.Context, req Request) (*types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "content must not be empty")
	}
	if req.Owner == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "owner must not be empty")
	}
	if req.Tier != "" && !req.Tier.Valid() {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown tier %q", req.Tier)
	}
	if req.AccessMode == "" {
		req.AccessMode = types.AccessPrivate
	}
	if !req.AccessMode.Valid() {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown access mode %q", req.AccessMode)
	}
	if req.Importance != nil && !req.Importance.Valid() {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown importance %d", int(*req.Importance))
	}

	tier, importance, extraTags := s.classify(req)

	now := s.Now()
	rec := &types.MemoryRecord{
		ID:             s.newID(),
		Content:        req.Content,
		Tier:           tier,
		Importance:     importance,
		Tags:           mergeTags(req.Tags, extraTags),
		Metadata:       req.Metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
		Owner:          req.Owner,
		AccessMode:     req.AccessMode,
	}

	// The incoming record is never an eviction candidate: a successful store
	// leaves it retrievable. Admission fails only when no non-critical
	// resident can make room.
	ts := s.tiers[tier]
	ts.mu.Lock()
	ts.records[rec.ID] = rec
	evicted, ok := s.enforceCapacityLocked(ts, ts.capacity, now, rec.ID)
	if !ok {
		delete(ts.records, rec.ID)
	}
	ts.mu.Unlock()

	s.indexMu.Lock()
	if ok {
		s.index[rec.ID] = tier
	}
	for _, id := range evicted {
		delete(s.index, id)
	}
	s.indexMu.Unlock()

	if !ok {
		s.finishEviction(evicted)
		return nil, types.NewErrorf(types.ErrCapacityExceeded,
			"tier %s is full of critical records", tier)
	}

	s.totalStored.Add(1)

	s.finishEviction(evicted)

	s.logger.Debug("record stored",
		zap.String("id", rec.ID),
		zap.String("tier", string(tier)),
		zap.String("importance", importance.String()),
		zap.String("owner", req.Owner))

	out := rec.Clone()
	if s.onStore != nil {
		s.onStore(rec.Clone())
	}
	return out, nil
}

func (s *Store) classify(req Request) (types.Tier, types.Importance, []string) {
	tier := req.Tier
	var importance types.Importance
	hasImportance := req.Importance != nil
	if hasImportance {
		importance = *req.Importance
	}
	if tier != "" && hasImportance {
		return tier, importance, nil
	}

	ct, ci, tags := s.classifier.Classify(req.Content, req.Tags)
	if tier == "" {
		tier = ct
		if !tier.Valid() {
			tier = s.cfg.DefaultTier
		}
	}
	if !hasImportance {
		importance = ci
		if !importance.Valid() {
			importance = s.cfg.DefaultImportance
		}
	}
	return tier, importance, tags
}

// enforceCapacityLocked evicts lowest-scoring non-critical records until the
// tier holds at most target records. The record named by exclude is never a
// candidate. Returns the evicted ids and whether the target was reached.
// Caller holds the tier lock.
func (s *Store) enforceCapacityLocked(ts *tierStore, target int, now time.Time, exclude string) ([]string, bool) {
	if target <= 0 || len(ts.records) <= target {
		return nil, true
	}

	candidates := make([]*types.MemoryRecord, 0, len(ts.records))
	for _, rec := range ts.records {
		if rec.Importance != types.ImportanceCritical && rec.ID != exclude {
			candidates = append(candidates, rec)
		}
	}
	// Deterministic input order for the scorer.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	scores := s.scorer(candidates, now)
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	var evicted []string
	for _, idx := range order {
		if len(ts.records) <= target {
			break
		}
		id := candidates[idx].ID
		delete(ts.records, id)
		evicted = append(evicted, id)
	}
	return evicted, len(ts.records) <= target
}

// finishEviction updates counters and fires the eviction hook. Locks must
// not be held.
func (s *Store) finishEviction(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.totalForgotten.Add(int64(len(ids)))
	s.logger.Debug("records evicted", zap.Int("count", len(ids)))
	if s.onEvict != nil {
		s.onEvict(ids)
	}
}

// Get returns a copy of the record if it exists and is visible to owner.
// Missing and invisible ids are indistinguishable to the caller.
func (s *Store) Get(ctx context.Context, id, owner string) (*types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := s.lookup(id)
	if rec == nil || !Visible(rec, owner) {
		return nil, types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}
	return rec, nil
}

// Record returns a clone of the record without any visibility check. For
// engine-internal wiring (persistence write-through); caller-facing reads
// go through Get.
func (s *Store) Record(id string) (*types.MemoryRecord, bool) {
	rec := s.lookup(id)
	return rec, rec != nil
}

// lookup returns a clone of the record, or nil. No visibility check.
func (s *Store) lookup(id string) *types.MemoryRecord {
	s.indexMu.RLock()
	tier, ok := s.index[id]
	s.indexMu.RUnlock()
	if !ok {
		return nil
	}

	ts := s.tiers[tier]
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.records[id].Clone()
}

// Delete permanently removes a record. Only the original owner may delete;
// writable sharing does not extend to destruction.
func (s *Store) Delete(ctx context.Context, id, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.indexMu.RLock()
	tier, ok := s.index[id]
	s.indexMu.RUnlock()
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}

	ts := s.tiers[tier]
	ts.mu.Lock()
	rec, ok := ts.records[id]
	if !ok {
		ts.mu.Unlock()
		return types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}
	if !Visible(rec, owner) {
		ts.mu.Unlock()
		return types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}
	if rec.Owner != owner {
		ts.mu.Unlock()
		return types.NewErrorf(types.ErrAccessDenied, "record %s is owned by another agent", id)
	}
	delete(ts.records, id)
	ts.mu.Unlock()

	s.indexMu.Lock()
	delete(s.index, id)
	s.indexMu.Unlock()

	s.logger.Debug("record deleted", zap.String("id", id), zap.String("owner", owner))
	if s.onEvict != nil {
		s.onEvict([]string{id})
	}
	return nil
}

// Candidates returns copies of all records visible to owner across the given
// tiers (all tiers when empty), sorted by id. This is the pre-ranking
// candidate set: visibility filters before scoring, never after.
func (s *Store) Candidates(owner string, tiers []types.Tier) []*types.MemoryRecord {
	if len(tiers) == 0 {
		tiers = types.AllTiers
	}

	var out []*types.MemoryRecord
	for _, tier := range tiers {
		ts, ok := s.tiers[tier]
		if !ok {
			continue
		}
		ts.mu.RLock()
		for _, rec := range ts.records {
			if Visible(rec, owner) {
				out = append(out, rec.Clone())
			}
		}
		ts.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Touch records an access to each id: access_count increments and
// last_accessed_at advances. ids arrive in rank order; each successive id
// gets a timestamp one nanosecond older than the previous, so repeating the
// same retrieval sees the same recency ordering instead of a fresh tie.
// Unknown ids are skipped.
func (s *Store) Touch(ids []string) {
	now := s.Now()
	touched := 0
	for i, id := range ids {
		s.indexMu.RLock()
		tier, ok := s.index[id]
		s.indexMu.RUnlock()
		if !ok {
			continue
		}
		ts := s.tiers[tier]
		ts.mu.Lock()
		if rec, ok := ts.records[id]; ok {
			rec.AccessCount++
			rec.LastAccessedAt = now.Add(-time.Duration(i) * time.Nanosecond)
			touched++
		}
		ts.mu.Unlock()
	}
	if touched > 0 {
		s.totalRetrieved.Add(int64(touched))
	}
}

// SetEmbedding attaches a computed embedding to a record. Returns false when
// the record was evicted before its embedding resolved.
func (s *Store) SetEmbedding(id string, vector []float64) bool {
	s.indexMu.RLock()
	tier, ok := s.index[id]
	s.indexMu.RUnlock()
	if !ok {
		return false
	}

	ts := s.tiers[tier]
	ts.mu.Lock()
	defer ts.mu.Unlock()
	rec, ok := ts.records[id]
	if !ok {
		return false
	}
	rec.Embedding = append([]float64(nil), vector...)
	return true
}

// update applies fn to the live record under its tier lock. Returns the
// updated clone, or nil when the id is unknown.
func (s *Store) update(id string, fn func(rec *types.MemoryRecord)) *types.MemoryRecord {
	s.indexMu.RLock()
	tier, ok := s.index[id]
	s.indexMu.RUnlock()
	if !ok {
		return nil
	}

	ts := s.tiers[tier]
	ts.mu.Lock()
	defer ts.mu.Unlock()
	rec, ok := ts.records[id]
	if !ok {
		return nil
	}
	fn(rec)
	return rec.Clone()
}

// SetImportance raises or lowers a record's importance. Engine-internal;
// caller-facing mutation goes through the access coordinator.
func (s *Store) SetImportance(id string, imp types.Importance) *types.MemoryRecord {
	return s.update(id, func(rec *types.MemoryRecord) { rec.Importance = imp })
}

// AddTags appends tags the record does not already carry.
func (s *Store) AddTags(id string, tags []string) *types.MemoryRecord {
	return s.update(id, func(rec *types.MemoryRecord) {
		rec.Tags = mergeTags(rec.Tags, tags)
	})
}

// Scope returns copies of records owned by owner (all owners when empty)
// created in [from, to). Used to bound a reflection pass.
func (s *Store) Scope(owner string, from, to time.Time) []*types.MemoryRecord {
	var out []*types.MemoryRecord
	for _, tier := range types.AllTiers {
		ts := s.tiers[tier]
		ts.mu.RLock()
		for _, rec := range ts.records {
			if owner != "" && rec.Owner != owner {
				continue
			}
			if !from.IsZero() && rec.CreatedAt.Before(from) {
				continue
			}
			if !to.IsZero() && !rec.CreatedAt.Before(to) {
				continue
			}
			out = append(out, rec.Clone())
		}
		ts.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load inserts a restored record as-is, bypassing classification, capacity
// enforcement and callbacks. Used only while replaying persistence at startup.
func (s *Store) Load(rec *types.MemoryRecord) {
	if rec == nil || !rec.Tier.Valid() {
		return
	}
	ts := s.tiers[rec.Tier]
	ts.mu.Lock()
	ts.records[rec.ID] = rec.Clone()
	ts.mu.Unlock()

	s.indexMu.Lock()
	s.index[rec.ID] = rec.Tier
	s.indexMu.Unlock()
}

// Len returns the number of live records in the tier.
func (s *Store) Len(tier types.Tier) int {
	ts, ok := s.tiers[tier]
	if !ok {
		return 0
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.records)
}

// Stats snapshots per-tier and per-importance populations plus cumulative
// counters. Counters are monotonic; populations are point-in-time.
func (s *Store) Stats() types.Stats {
	stats := types.Stats{
		ByTier:         make(map[string]int, len(types.AllTiers)),
		ByImportance:   make(map[string]int, 4),
		TotalStored:    s.totalStored.Load(),
		TotalRetrieved: s.totalRetrieved.Load(),
		TotalForgotten: s.totalForgotten.Load(),
	}
	for _, tier := range types.AllTiers {
		ts := s.tiers[tier]
		ts.mu.RLock()
		stats.ByTier[string(tier)] = len(ts.records)
		for _, rec := range ts.records {
			stats.ByImportance[rec.Importance.String()]++
		}
		ts.mu.RUnlock()
	}
	return stats
}

// AddForgotten bumps the forgotten counter. Used by the forgetting engine.
func (s *Store) AddForgotten(n int64) { s.totalForgotten.Add(n) }

// defaultScorer orders records by importance, then recency. The engine
// normally injects the composite retrieval scorer instead.
func defaultScorer(records []*types.MemoryRecord, now time.Time) []float64 {
	scores := make([]float64, len(records))
	for i, rec := range records {
		age := now.Sub(rec.LastAccessedAt).Seconds()
		scores[i] = float64(rec.Importance)*1e9 - age
	}
	return scores
}

func mergeTags(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base))
	out := append([]string(nil), base...)
	for _, t := range base {
		seen[t] = struct{}{}
	}
	for _, t := range extra {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
