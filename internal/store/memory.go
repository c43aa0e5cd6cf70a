package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// A single mutex serializes writes, so guarded updates behave like the
// conditional UPDATE of the Postgres store.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
	posOrder  []string
	orders    map[string]*model.LimitOrder
	ordOrder  []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]*model.Position),
		orders:    make(map[string]*model.LimitOrder),
	}
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPosition(p)
}

func (s *MemoryStore) insertPosition(p *model.Position) error {
	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *p
	s.positions[p.ID] = &cp
	s.posOrder = append(s.posOrder, p.ID)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0)
	for _, id := range s.posOrder {
		p := s.positions[id]
		if !f.matches(p) {
			continue
		}
		out = append(out, *p)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, id string, guard PositionGuard, patch PositionPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok || !guard.matches(p) {
		return false, nil
	}
	patch.apply(p)
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, id string, guard PositionGuard) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok || !guard.matches(p) {
		return false, nil
	}
	delete(s.positions, id)
	for i, pid := range s.posOrder {
		if pid == id {
			s.posOrder = append(s.posOrder[:i], s.posOrder[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryStore) RecordRebuy(_ context.Context, parentID, claimID string, child *model.Position, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.positions[parentID]
	guard := PositionGuard{Status: model.StatusSold, RebuyStatus: model.RebuyExecuting, ClaimID: claimID}
	if !ok || !guard.matches(parent) {
		return false, nil
	}
	if err := s.insertPosition(child); err != nil {
		return false, err
	}
	rebuyExecuted(child.ID, now).apply(parent)
	parent.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) OpenExposure(_ context.Context) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exposure := make(map[string]decimal.Decimal)
	for _, p := range s.positions {
		for _, st := range openStatuses {
			if p.Status == st {
				exposure[p.TokenMint] = exposure[p.TokenMint].Add(p.BuyAmountUSD)
				break
			}
		}
	}
	return exposure, nil
}

// --- Limit orders ---

func (s *MemoryStore) CreateLimitOrder(_ context.Context, o *model.LimitOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("limit order %s already exists", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	s.ordOrder = append(s.ordOrder, o.ID)
	return nil
}

func (s *MemoryStore) GetLimitOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("limit order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListLimitOrders(_ context.Context, f LimitOrderFilter) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.LimitOrder, 0)
	for _, id := range s.ordOrder {
		o := s.orders[id]
		if !f.matches(o) {
			continue
		}
		out = append(out, *o)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateLimitOrder(_ context.Context, id string, guard LimitOrderGuard, patch LimitOrderPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || !guard.matches(o) {
		return false, nil
	}
	patch.apply(o)
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) RecordLimitFill(_ context.Context, orderID, claimID string, p *model.Position, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	guard := LimitOrderGuard{Status: model.OrderExecuting, ClaimID: claimID}
	if !ok || !guard.matches(o) {
		return false, nil
	}
	if err := s.insertPosition(p); err != nil {
		return false, err
	}
	limitFilled(p.ID, now).apply(o)
	o.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) ExpireLimitOrders(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for _, id := range s.ordOrder {
		o := s.orders[id]
		if o.Status != model.OrderWatching || !o.Expired(now) {
			continue
		}
		LimitOrderPatch{Status: Ptr(model.OrderExpired), ExpiredAt: &now}.apply(o)
		o.UpdatedAt = now
		expired = append(expired, id)
	}
	return expired, nil
}
