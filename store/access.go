package store

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// Visible reports whether owner may read the record.
func Visible(rec *types.MemoryRecord, owner string) bool {
	return rec.Owner == owner || rec.AccessMode.Shared()
}

// CanWrite reports whether owner may mutate the record's caller-editable
// fields (importance, tags).
func CanWrite(rec *types.MemoryRecord, owner string) bool {
	return rec.Owner == owner || rec.AccessMode == types.AccessSharedReadWrite
}

// AccessCoordinator enforces ownership and sharing rules on caller-initiated
// mutations. Reads go through the store's visibility filter directly; the
// coordinator exists for the write side, where private, shared-read-only and
// shared-read-write diverge.
type AccessCoordinator struct {
	store  *Store
	logger *zap.Logger
}

// NewAccessCoordinator creates a coordinator bound to the store.
func NewAccessCoordinator(s *Store, logger *zap.Logger) *AccessCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessCoordinator{
		store:  s,
		logger: logger.With(zap.String("component", "access")),
	}
}

// check loads the live record and applies the visibility and, when write is
// set, writability rules. Invisible records look identical to missing ones.
func (a *AccessCoordinator) check(id, owner string, write bool) (*types.MemoryRecord, error) {
	rec := a.store.lookup(id)
	if rec == nil || !Visible(rec, owner) {
		return nil, types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}
	if write && !CanWrite(rec, owner) {
		return nil, types.NewErrorf(types.ErrAccessDenied,
			"record %s is not writable by %s", id, owner)
	}
	return rec, nil
}

// Share transitions a record's access mode. Only the original owner may
// change sharing, including narrowing a shared record back to private.
func (a *AccessCoordinator) Share(ctx context.Context, id, owner string, mode types.AccessMode) (*types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown access mode %q", mode)
	}

	rec, err := a.check(id, owner, false)
	if err != nil {
		return nil, err
	}
	if rec.Owner != owner {
		return nil, types.NewErrorf(types.ErrAccessDenied,
			"only the owner may change sharing of record %s", id)
	}

	out := a.store.update(id, func(r *types.MemoryRecord) { r.AccessMode = mode })
	if out == nil {
		return nil, types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}
	a.logger.Debug("access mode changed",
		zap.String("id", id),
		zap.String("mode", string(mode)))
	return out, nil
}

// UpdateImportance changes a record's importance on behalf of owner.
func (a *AccessCoordinator) UpdateImportance(ctx context.Context, id, owner string, imp types.Importance) (*types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !imp.Valid() {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown importance %d", int(imp))
	}
	if _, err := a.check(id, owner, true); err != nil {
		return nil, err
	}
	out := a.store.SetImportance(id, imp)
	if out == nil {
		return nil, types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}
	return out, nil
}

// UpdateTags appends tags on behalf of owner.
func (a *AccessCoordinator) UpdateTags(ctx context.Context, id, owner string, tags []string) (*types.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := a.check(id, owner, true); err != nil {
		return nil, err
	}
	out := a.store.AddTags(id, tags)
	if out == nil {
		return nil, types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}
	return out, nil
}

// PrivateSpace returns owner's private records, sorted by id.
func (a *AccessCoordinator) PrivateSpace(owner string) []*types.MemoryRecord {
	var out []*types.MemoryRecord
	for _, rec := range a.store.Candidates(owner, nil) {
		if rec.Owner == owner && rec.AccessMode == types.AccessPrivate {
			out = append(out, rec)
		}
	}
	return out
}

// SharedPool returns every shared record regardless of owner, sorted by id.
func (a *AccessCoordinator) SharedPool() []*types.MemoryRecord {
	seen := make(map[string]struct{})
	var out []*types.MemoryRecord
	for _, tier := range types.AllTiers {
		ts := a.store.tiers[tier]
		ts.mu.RLock()
		for _, rec := range ts.records {
			if rec.AccessMode.Shared() {
				if _, ok := seen[rec.ID]; !ok {
					seen[rec.ID] = struct{}{}
					out = append(out, rec.Clone())
				}
			}
		}
		ts.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
