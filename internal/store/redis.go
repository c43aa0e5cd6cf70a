package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/model"
)

var _ Store = (*CachedStore)(nil)

// tombstone marks a record invalidated by a write. A read-through that
// started before the write cannot overwrite it (SetNX), so a stale row is
// never re-cached.
const tombstone = "-"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for single-record lookups. Every write, guarded or not, goes to the
// primary and invalidates the cached record; list queries always hit the
// primary so the monitor loops never act on a cached status. Rows holding a
// claim are never cached, so the post-claim reload always reads the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	if p.ClaimID == "" {
		s.fill(ctx, positionKey(p.ID), p)
	}
	return nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, id string, guard PositionGuard, patch PositionPatch) (bool, error) {
	ok, err := s.primary.UpdatePosition(ctx, id, guard, patch)
	if ok {
		s.invalidate(ctx, positionKey(id))
	}
	return ok, err
}

func (s *CachedStore) DeletePosition(ctx context.Context, id string, guard PositionGuard) (bool, error) {
	ok, err := s.primary.DeletePosition(ctx, id, guard)
	if ok {
		s.invalidate(ctx, positionKey(id))
	}
	return ok, err
}

func (s *CachedStore) RecordRebuy(ctx context.Context, parentID, claimID string, child *model.Position, now time.Time) (bool, error) {
	ok, err := s.primary.RecordRebuy(ctx, parentID, claimID, child, now)
	if ok {
		s.invalidate(ctx, positionKey(parentID))
	}
	return ok, err
}

func (s *CachedStore) CreateLimitOrder(ctx context.Context, o *model.LimitOrder) error {
	if err := s.primary.CreateLimitOrder(ctx, o); err != nil {
		return err
	}
	if o.ClaimID == "" {
		s.fill(ctx, limitOrderKey(o.ID), o)
	}
	return nil
}

func (s *CachedStore) UpdateLimitOrder(ctx context.Context, id string, guard LimitOrderGuard, patch LimitOrderPatch) (bool, error) {
	ok, err := s.primary.UpdateLimitOrder(ctx, id, guard, patch)
	if ok {
		s.invalidate(ctx, limitOrderKey(id))
	}
	return ok, err
}

func (s *CachedStore) RecordLimitFill(ctx context.Context, orderID, claimID string, p *model.Position, now time.Time) (bool, error) {
	ok, err := s.primary.RecordLimitFill(ctx, orderID, claimID, p, now)
	if ok {
		s.invalidate(ctx, limitOrderKey(orderID))
	}
	return ok, err
}

func (s *CachedStore) ExpireLimitOrders(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.primary.ExpireLimitOrders(ctx, now)
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = limitOrderKey(id)
		}
		s.invalidate(ctx, keys...)
	}
	return ids, err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	key := positionKey(id)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil && string(data) != tombstone {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ClaimID == "" {
		s.fill(ctx, key, p)
	}
	return p, nil
}

func (s *CachedStore) GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	key := limitOrderKey(id)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil && string(data) != tombstone {
		var o model.LimitOrder
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.primary.GetLimitOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.ClaimID == "" {
		s.fill(ctx, key, o)
	}
	return o, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, f)
}

func (s *CachedStore) OpenExposure(ctx context.Context) (map[string]decimal.Decimal, error) {
	return s.primary.OpenExposure(ctx)
}

func (s *CachedStore) ListLimitOrders(ctx context.Context, f LimitOrderFilter) ([]model.LimitOrder, error) {
	return s.primary.ListLimitOrders(ctx, f)
}

// --- Cache helpers ---

// fill caches v unless the key is already present, tombstones included.
func (s *CachedStore) fill(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.SetNX(ctx, key, data, s.ttl)
	}
}

// invalidate replaces keys with tombstones that live for one cache TTL.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	pipe := s.rdb.Pipeline()
	for _, k := range keys {
		pipe.Set(ctx, k, tombstone, s.ttl)
	}
	pipe.Exec(ctx)
}

func positionKey(id string) string   { return fmt.Sprintf("position:%s", id) }
func limitOrderKey(id string) string { return fmt.Sprintf("limit_order:%s", id) }
