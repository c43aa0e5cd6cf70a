package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokendesk/position-engine/internal/model"
)

// newCachedStore connects to the Redis named by ENGINE_TEST_REDIS_ADDR and
// skips the test when it is unset.
func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("ENGINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ENGINE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, rdb
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestCachedStore_StaleReadCannotRecacheAfterWrite(t *testing.T) {
	s, _, rdb := newCachedStore(t)
	ctx := context.Background()
	id := uniqueID("p")
	t.Cleanup(func() { rdb.Del(context.Background(), positionKey(id)) })

	if err := s.CreatePosition(ctx, holding(id, "MINT", 10)); err != nil {
		t.Fatal(err)
	}
	stale, err := s.GetPosition(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	claimedAt := time.Now().UTC()
	ok, err := s.UpdatePosition(ctx, id, PositionGuard{Status: model.StatusHolding},
		PositionPatch{Status: Ptr(model.StatusPendingSell), ClaimID: Ptr("c1"), ClaimedAt: &claimedAt})
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// A read-through that loaded the row before the claim finishes late.
	s.fill(ctx, positionKey(id), stale)

	got, err := s.GetPosition(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusPendingSell || got.ClaimID != "c1" {
		t.Errorf("expected the claimed row, got status=%s claim=%q", got.Status, got.ClaimID)
	}
}

func TestCachedStore_ClaimedRowsAreNotCached(t *testing.T) {
	s, primary, rdb := newCachedStore(t)
	ctx := context.Background()
	id := uniqueID("p")
	t.Cleanup(func() { rdb.Del(context.Background(), positionKey(id)) })

	at := time.Now().UTC()
	p := holding(id, "MINT", 10)
	p.Status = model.StatusPendingBuy
	p.ClaimID = "c1"
	p.ClaimedAt = &at
	if err := s.CreatePosition(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPosition(ctx, id); err != nil {
		t.Fatal(err)
	}
	if n, _ := rdb.Exists(ctx, positionKey(id)).Result(); n != 0 {
		t.Error("claimed row must not be cached")
	}

	// A write straight to the primary is visible on the next read.
	primary.UpdatePosition(ctx, id, PositionGuard{Status: model.StatusPendingBuy, ClaimID: "c1"},
		PositionPatch{Status: Ptr(model.StatusHolding), ClearClaim: true})
	got, err := s.GetPosition(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusHolding {
		t.Errorf("expected holding from primary, got %s", got.Status)
	}
}
