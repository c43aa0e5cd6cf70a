package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func holding(id, mint string, amount float64) *model.Position {
	now := time.Now().UTC()
	return &model.Position{
		ID:               id,
		TokenMint:        mint,
		BuyAmountUSD:     d(amount),
		BuyPriceUSD:      d(1),
		TargetMultiplier: d(2),
		Status:           model.StatusHolding,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// --- Position tests ---

func TestGetPosition_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetPosition(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPosition_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreatePosition(ctx, holding("p1", "MINT", 100)); err != nil {
		t.Fatal(err)
	}

	p, _ := s.GetPosition(ctx, "p1")
	p.Status = model.StatusSold

	again, _ := s.GetPosition(ctx, "p1")
	if again.Status != model.StatusHolding {
		t.Errorf("external mutation leaked into store: status=%s", again.Status)
	}
}

func TestUpdatePosition_GuardMismatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreatePosition(ctx, holding("p1", "MINT", 100))

	ok, err := s.UpdatePosition(ctx, "p1",
		PositionGuard{Status: model.StatusPendingSell},
		PositionPatch{Status: Ptr(model.StatusSold)})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected guard mismatch to report false")
	}

	p, _ := s.GetPosition(ctx, "p1")
	if p.Status != model.StatusHolding {
		t.Errorf("expected row untouched, got status=%s", p.Status)
	}
}

func TestUpdatePosition_ClaimGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreatePosition(ctx, holding("p1", "MINT", 100))

	now := time.Now().UTC()
	ok, _ := s.UpdatePosition(ctx, "p1",
		PositionGuard{Status: model.StatusHolding},
		PositionPatch{Status: Ptr(model.StatusPendingSell), ClaimID: Ptr("c1"), ClaimedAt: &now})
	if !ok {
		t.Fatal("claim should win")
	}

	// A stale finalize with the wrong claim must lose.
	ok, _ = s.UpdatePosition(ctx, "p1",
		PositionGuard{Status: model.StatusPendingSell, ClaimID: "c0"},
		PositionPatch{Status: Ptr(model.StatusSold)})
	if ok {
		t.Fatal("finalize with foreign claim id should lose")
	}

	ok, _ = s.UpdatePosition(ctx, "p1",
		PositionGuard{Status: model.StatusPendingSell, ClaimID: "c1"},
		PositionPatch{Status: Ptr(model.StatusSold), ClearClaim: true})
	if !ok {
		t.Fatal("finalize with own claim id should win")
	}

	p, _ := s.GetPosition(ctx, "p1")
	if p.ClaimID != "" || p.ClaimedAt != nil {
		t.Errorf("expected claim cleared, got id=%q at=%v", p.ClaimID, p.ClaimedAt)
	}
}

func TestUpdatePosition_ConcurrentClaimSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreatePosition(ctx, holding("p1", "MINT", 100))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := s.UpdatePosition(ctx, "p1",
				PositionGuard{Status: model.StatusHolding},
				PositionPatch{Status: Ptr(model.StatusPendingSell)})
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestListPositions_Filters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.CreatePosition(ctx, holding("p1", "A", 10))
	s.CreatePosition(ctx, holding("p2", "B", 10))
	sold := holding("p3", "A", 10)
	sold.Status = model.StatusSold
	sold.RebuyStatus = model.RebuyWatching
	s.CreatePosition(ctx, sold)

	got, _ := s.ListPositions(ctx, PositionFilter{Status: model.StatusHolding})
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		t.Errorf("expected [p1 p2] in insertion order, got %v", ids(got))
	}

	got, _ = s.ListPositions(ctx, PositionFilter{Status: model.StatusSold, RebuyStatus: model.RebuyWatching})
	if len(got) != 1 || got[0].ID != "p3" {
		t.Errorf("expected [p3], got %v", ids(got))
	}

	got, _ = s.ListPositions(ctx, PositionFilter{TokenMint: "A", Limit: 1})
	if len(got) != 1 {
		t.Errorf("expected limit to cap results, got %d", len(got))
	}
}

func TestListPositions_ClaimedBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreatePosition(ctx, holding("p1", "A", 10))
	s.CreatePosition(ctx, holding("p2", "A", 10))

	old := time.Now().Add(-10 * time.Minute)
	s.UpdatePosition(ctx, "p1", PositionGuard{Status: model.StatusHolding},
		PositionPatch{Status: Ptr(model.StatusPendingSell), ClaimID: Ptr("c1"), ClaimedAt: &old})
	fresh := time.Now()
	s.UpdatePosition(ctx, "p2", PositionGuard{Status: model.StatusHolding},
		PositionPatch{Status: Ptr(model.StatusPendingSell), ClaimID: Ptr("c2"), ClaimedAt: &fresh})

	cutoff := time.Now().Add(-2 * time.Minute)
	got, _ := s.ListPositions(ctx, PositionFilter{Status: model.StatusPendingSell, ClaimedBefore: &cutoff})
	if len(got) != 1 || got[0].ID != "p1" {
		t.Errorf("expected only the stale claim, got %v", ids(got))
	}
}

func TestDeletePosition_Guarded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreatePosition(ctx, holding("p1", "A", 10))

	ok, _ := s.DeletePosition(ctx, "p1", PositionGuard{Status: model.StatusPendingSell})
	if ok {
		t.Fatal("delete with wrong guard should fail")
	}
	ok, _ = s.DeletePosition(ctx, "p1", PositionGuard{Status: model.StatusHolding})
	if !ok {
		t.Fatal("delete with matching guard should succeed")
	}
	if _, err := s.GetPosition(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if got, _ := s.ListPositions(ctx, PositionFilter{}); len(got) != 0 {
		t.Errorf("expected empty list after delete, got %v", ids(got))
	}
}

func TestRecordRebuy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	parent := holding("p1", "A", 10)
	parent.Status = model.StatusSold
	parent.RebuyStatus = model.RebuyExecuting
	parent.ClaimID = "c1"
	s.CreatePosition(ctx, parent)

	child := holding("p2", "A", 5)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ok, err := s.RecordRebuy(ctx, "p1", "wrong", child, at)
	if err != nil || ok {
		t.Fatalf("expected lost claim, got ok=%v err=%v", ok, err)
	}
	if _, err := s.GetPosition(ctx, "p2"); !errors.Is(err, ErrNotFound) {
		t.Fatal("child must not be inserted when the claim is lost")
	}

	ok, err = s.RecordRebuy(ctx, "p1", "c1", child, at)
	if err != nil || !ok {
		t.Fatalf("expected win, got ok=%v err=%v", ok, err)
	}

	p, _ := s.GetPosition(ctx, "p1")
	if p.RebuyStatus != model.RebuyExecuted || p.RebuyPositionID != "p2" || p.RebuyExecutedAt == nil {
		t.Errorf("parent not finalized: %+v", p)
	}
	if p.ClaimID != "" {
		t.Errorf("expected claim cleared, got %q", p.ClaimID)
	}
	if p.RebuyExecutedAt != nil && !p.RebuyExecutedAt.Equal(at) {
		t.Errorf("expected rebuy stamped at %s, got %s", at, p.RebuyExecutedAt)
	}
}

func TestOpenExposure(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreatePosition(ctx, holding("p1", "A", 10))
	s.CreatePosition(ctx, holding("p2", "A", 15))
	s.CreatePosition(ctx, holding("p3", "B", 7))
	sold := holding("p4", "A", 100)
	sold.Status = model.StatusSold
	s.CreatePosition(ctx, sold)

	exp, _ := s.OpenExposure(ctx)
	if !exp["A"].Equal(d(25)) {
		t.Errorf("expected A exposure 25, got %s", exp["A"])
	}
	if !exp["B"].Equal(d(7)) {
		t.Errorf("expected B exposure 7, got %s", exp["B"])
	}
}

// --- Limit order tests ---

func watchingOrder(id string, expires time.Time) *model.LimitOrder {
	return &model.LimitOrder{
		ID:             id,
		TokenMint:      "MINT",
		BuyPriceMinUSD: d(0.1),
		BuyPriceMaxUSD: d(0.2),
		BuyAmountSOL:   d(1),
		Status:         model.OrderWatching,
		ExpiresAt:      expires,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestExpireLimitOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	s.CreateLimitOrder(ctx, watchingOrder("o1", now.Add(-time.Second)))
	s.CreateLimitOrder(ctx, watchingOrder("o2", now)) // expiresAt == now expires
	s.CreateLimitOrder(ctx, watchingOrder("o3", now.Add(time.Hour)))

	expired, err := s.ExpireLimitOrders(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired, got %v", expired)
	}

	o, _ := s.GetLimitOrder(ctx, "o1")
	if o.Status != model.OrderExpired || o.ExpiredAt == nil {
		t.Errorf("o1 not expired: status=%s expiredAt=%v", o.Status, o.ExpiredAt)
	}
	if err := o.CheckInvariants(); err != nil {
		t.Errorf("expired order breaks invariants: %v", err)
	}
	o, _ = s.GetLimitOrder(ctx, "o3")
	if o.Status != model.OrderWatching {
		t.Errorf("o3 should still be watching, got %s", o.Status)
	}

	// Second pass is a no-op.
	expired, _ = s.ExpireLimitOrders(ctx, now)
	if len(expired) != 0 {
		t.Errorf("expected idempotent expiry, got %v", expired)
	}
}

func TestUpdateLimitOrder_AttemptAudit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.CreateLimitOrder(ctx, watchingOrder("o1", time.Now().Add(time.Hour)))

	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		ok, _ := s.UpdateLimitOrder(ctx, "o1", LimitOrderGuard{Status: model.OrderWatching},
			LimitOrderPatch{IncAttempts: true, LastAttemptAt: &now, LastError: Ptr("liquidity")})
		if !ok {
			t.Fatal("audit update should succeed")
		}
	}

	o, _ := s.GetLimitOrder(ctx, "o1")
	if o.Attempts != 2 || o.LastError != "liquidity" || o.Status != model.OrderWatching {
		t.Errorf("unexpected audit state: %+v", o)
	}
}

func TestRecordLimitFill(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	o := watchingOrder("o1", time.Now().Add(time.Hour))
	o.Status = model.OrderExecuting
	o.ClaimID = "c1"
	s.CreateLimitOrder(ctx, o)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ok, err := s.RecordLimitFill(ctx, "o1", "c1", holding("p1", "MINT", 20), at)
	if err != nil || !ok {
		t.Fatalf("expected win, got ok=%v err=%v", ok, err)
	}

	got, _ := s.GetLimitOrder(ctx, "o1")
	if got.Status != model.OrderExecuted || got.ExecutedPositionID != "p1" {
		t.Errorf("order not finalized: %+v", got)
	}
	if got.ExecutedAt == nil || !got.ExecutedAt.Equal(at) {
		t.Errorf("expected fill stamped at %s, got %v", at, got.ExecutedAt)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Errorf("executed order breaks invariants: %v", err)
	}
	if _, err := s.GetPosition(ctx, "p1"); err != nil {
		t.Errorf("expected position inserted: %v", err)
	}
}

func ids(ps []model.Position) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
