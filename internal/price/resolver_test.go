package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeSource returns fixed quotes and records what it was asked for.
type fakeSource struct {
	name   string
	quotes map[string]decimal.Decimal
	err    error
	delay  time.Duration

	mu    sync.Mutex
	asked [][]string
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Quote(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.asked = append(f.asked, append([]string(nil), mints...))
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make(map[string]decimal.Decimal)
	for _, m := range mints {
		if p, ok := f.quotes[m]; ok {
			out[m] = p
		}
	}
	return out, f.err
}

type recorderFunc func(map[string]decimal.Decimal)

func (r recorderFunc) Record(_ context.Context, prices map[string]decimal.Decimal) { r(prices) }

func TestChain_FallsThroughToNextSource(t *testing.T) {
	primary := &fakeSource{name: "primary", quotes: map[string]decimal.Decimal{"A": d(1.5)}}
	secondary := &fakeSource{name: "secondary", quotes: map[string]decimal.Decimal{"A": d(9), "B": d(0.25)}}
	chain := NewChain(time.Second, []Source{primary, secondary})

	got := chain.ResolveMany(context.Background(), []string{"A", "B", "C"})

	if !got["A"].Equal(d(1.5)) {
		t.Errorf("expected A from primary (1.5), got %s", got["A"])
	}
	if !got["B"].Equal(d(0.25)) {
		t.Errorf("expected B from secondary (0.25), got %s", got["B"])
	}
	if _, ok := got["C"]; ok {
		t.Error("expected C to be absent")
	}
	// The secondary must only be asked for what the primary missed.
	if len(secondary.asked) != 1 || strings.Join(secondary.asked[0], ",") != "B,C" {
		t.Errorf("expected secondary asked for [B C], got %v", secondary.asked)
	}
}

func TestChain_ErrorFallsThrough(t *testing.T) {
	broken := &fakeSource{name: "broken", err: errors.New("boom")}
	backup := &fakeSource{name: "backup", quotes: map[string]decimal.Decimal{"A": d(2)}}
	chain := NewChain(time.Second, []Source{broken, backup})

	p, ok := chain.Resolve(context.Background(), "A")
	if !ok || !p.Equal(d(2)) {
		t.Errorf("expected 2 from backup, got %s (ok=%v)", p, ok)
	}
}

func TestChain_KeepsPartialResultOnError(t *testing.T) {
	partial := &fakeSource{name: "partial", quotes: map[string]decimal.Decimal{"A": d(3)}, err: errors.New("batch 2 failed")}
	backup := &fakeSource{name: "backup", quotes: map[string]decimal.Decimal{"A": d(99), "B": d(4)}}
	chain := NewChain(time.Second, []Source{partial, backup})

	got := chain.ResolveMany(context.Background(), []string{"A", "B"})
	if !got["A"].Equal(d(3)) || !got["B"].Equal(d(4)) {
		t.Errorf("expected A=3 B=4, got %v", got)
	}
}

func TestChain_NeverSynthesizesPrice(t *testing.T) {
	src := &fakeSource{name: "zeroes", quotes: map[string]decimal.Decimal{
		"ZERO": decimal.Zero,
		"NEG":  d(-1),
	}}
	chain := NewChain(time.Second, []Source{src})

	got := chain.ResolveMany(context.Background(), []string{"ZERO", "NEG", "NONE"})
	if len(got) != 0 {
		t.Errorf("expected no prices, got %v", got)
	}
	if _, ok := chain.Resolve(context.Background(), "ZERO"); ok {
		t.Error("expected zero quote to resolve as unknown")
	}
}

func TestChain_PerSourceTimeout(t *testing.T) {
	slow := &fakeSource{name: "slow", quotes: map[string]decimal.Decimal{"A": d(1)}, delay: time.Second}
	fast := &fakeSource{name: "fast", quotes: map[string]decimal.Decimal{"A": d(5)}}
	chain := NewChain(20*time.Millisecond, []Source{slow, fast})

	start := time.Now()
	p, ok := chain.Resolve(context.Background(), "A")
	if !ok || !p.Equal(d(5)) {
		t.Errorf("expected 5 from fast source, got %s (ok=%v)", p, ok)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("slow source was not cut off: %s", time.Since(start))
	}
}

func TestChain_EmptyInput(t *testing.T) {
	src := &fakeSource{name: "src"}
	chain := NewChain(time.Second, []Source{src})

	if got := chain.ResolveMany(context.Background(), nil); len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
	if src.calls.Load() != 0 {
		t.Errorf("expected no source calls, got %d", src.calls.Load())
	}
}

func TestChain_DedupesMints(t *testing.T) {
	src := &fakeSource{name: "src", quotes: map[string]decimal.Decimal{"A": d(1)}}
	chain := NewChain(time.Second, []Source{src})

	chain.ResolveMany(context.Background(), []string{"A", "A", "", "A"})
	if len(src.asked) != 1 || len(src.asked[0]) != 1 {
		t.Errorf("expected one call for [A], got %v", src.asked)
	}
}

func TestChain_CoalescesConcurrentCalls(t *testing.T) {
	src := &fakeSource{name: "src", quotes: map[string]decimal.Decimal{"A": d(1), "B": d(2)}, delay: 50 * time.Millisecond}
	chain := NewChain(time.Second, []Source{src})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := chain.ResolveMany(context.Background(), []string{"B", "A"})
			if len(got) != 2 {
				t.Errorf("expected 2 prices, got %v", got)
			}
			// Mutating one caller's result must not leak into another's.
			delete(got, "A")
		}()
	}
	wg.Wait()

	if n := src.calls.Load(); n >= 10 {
		t.Errorf("expected concurrent calls to be coalesced, got %d upstream calls", n)
	}
}

func TestChain_CancelledCallerDoesNotEmptySharedRound(t *testing.T) {
	src := &fakeSource{name: "src", quotes: map[string]decimal.Decimal{"A": d(1)}, delay: 100 * time.Millisecond}
	chain := NewChain(time.Second, []Source{src})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan map[string]decimal.Decimal, 1)
	go func() { first <- chain.ResolveMany(ctx, []string{"A"}) }()

	// Join the flight started by the first caller, then drop the first caller.
	for src.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	second := make(chan map[string]decimal.Decimal, 1)
	go func() { second <- chain.ResolveMany(context.Background(), []string{"A"}) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case got := <-first:
		if len(got) != 0 {
			t.Errorf("expected cancelled caller to get nothing, got %v", got)
		}
	case <-time.After(50 * time.Millisecond):
		t.Error("cancelled caller did not return promptly")
	}

	got := <-second
	if p, ok := got["A"]; !ok || !p.Equal(d(1)) {
		t.Errorf("expected A=1 for the live caller, got %v", got)
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("expected one upstream call, got %d", n)
	}
}

func TestChain_RecordsResolvedPrices(t *testing.T) {
	src := &fakeSource{name: "src", quotes: map[string]decimal.Decimal{"A": d(1)}}
	var recorded map[string]decimal.Decimal
	chain := NewChain(time.Second, []Source{src}, WithRecorder(recorderFunc(func(p map[string]decimal.Decimal) {
		recorded = p
	})))

	chain.ResolveMany(context.Background(), []string{"A", "B"})
	if len(recorded) != 1 || !recorded["A"].Equal(d(1)) {
		t.Errorf("expected recorder to see A=1 only, got %v", recorded)
	}
}

func TestMemoryCache_LastOmitsUnknown(t *testing.T) {
	c := NewMemoryCache()
	c.Record(context.Background(), map[string]decimal.Decimal{"A": d(1.25)})

	got, err := c.Last(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || !got["A"].PriceUSD.Equal(d(1.25)) {
		t.Errorf("expected only A=1.25, got %v", got)
	}
	if got["A"].At.IsZero() {
		t.Error("expected observation time to be set")
	}
}

// --- HTTP sources ---

func TestCurveSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/") {
		case "A":
			w.Write([]byte(`{"priceUsd":"0.0000123"}`))
		case "B":
			w.Write([]byte(`{"priceUsd":null}`))
		case "C":
			w.Write([]byte(`{"priceUsd":"0"}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewCurveSource(srv.URL+"/", srv.Client())
	got, err := src.Quote(context.Background(), []string{"A", "B", "C", "D"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || !got["A"].Equal(decimal.RequireFromString("0.0000123")) {
		t.Errorf("expected only A=0.0000123, got %v", got)
	}
}

func TestAggregatorSource_Batches(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/price/v2" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		var parts []string
		for _, id := range ids {
			if id == "MISSING" {
				parts = append(parts, `"MISSING":null`)
				continue
			}
			parts = append(parts, `"`+id+`":{"price":"2.5"}`)
		}
		w.Write([]byte(`{"data":{` + strings.Join(parts, ",") + `}}`))
	}))
	defer srv.Close()

	src := NewAggregatorSource(srv.URL, srv.Client())
	src.batchSize = 2

	got, err := src.Quote(context.Background(), []string{"A", "B", "MISSING"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requests.Load() != 2 {
		t.Errorf("expected 2 batched requests, got %d", requests.Load())
	}
	if len(got) != 2 || !got["B"].Equal(d(2.5)) {
		t.Errorf("expected A and B at 2.5, got %v", got)
	}
}

func TestAggregatorSource_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	src := NewAggregatorSource(srv.URL, srv.Client())
	got, err := src.Quote(context.Background(), []string{"A"})
	if err == nil {
		t.Fatal("expected error on 502")
	}
	if len(got) != 0 {
		t.Errorf("expected no prices, got %v", got)
	}
}

func TestDiscoverySource_MostLiquidPairWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/latest/dex/tokens/") {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"pairs":[
			{"baseToken":{"address":"A"},"priceUsd":"1.00","liquidity":{"usd":100}},
			{"baseToken":{"address":"A"},"priceUsd":"1.10","liquidity":{"usd":5000}},
			{"baseToken":{"address":"A"},"priceUsd":"1.20","liquidity":{"usd":50}},
			{"baseToken":{"address":"OTHER"},"priceUsd":"7","liquidity":{"usd":1}}
		]}`))
	}))
	defer srv.Close()

	src := NewDiscoverySource(srv.URL, srv.Client())
	got, err := src.Quote(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got["A"].Equal(d(1.1)) {
		t.Errorf("expected most liquid price 1.10, got %s", got["A"])
	}
	if _, ok := got["OTHER"]; ok {
		t.Error("expected unrequested mint to be dropped")
	}
	if len(got) != 1 {
		t.Errorf("expected 1 price, got %v", got)
	}
}

func TestChunk(t *testing.T) {
	got := chunk([]string{"a", "b", "c", "d", "e"}, 2)
	if len(got) != 3 || len(got[2]) != 1 {
		t.Errorf("expected [[a b] [c d] [e]], got %v", got)
	}
	if chunk(nil, 2) != nil {
		t.Error("expected nil for empty input")
	}
}
