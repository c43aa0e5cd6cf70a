package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/execution"
	"github.com/tokendesk/position-engine/internal/lifecycle"
	"github.com/tokendesk/position-engine/internal/model"
	"github.com/tokendesk/position-engine/internal/notify"
	"github.com/tokendesk/position-engine/internal/risk"
	"github.com/tokendesk/position-engine/internal/store"
	"github.com/tokendesk/position-engine/internal/trade"
)

const (
	bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	usdc = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakePrices map[string]decimal.Decimal

func (f fakePrices) Resolve(_ context.Context, m string) (decimal.Decimal, bool) {
	p, ok := f[m]
	return p, ok
}

func (f fakePrices) ResolveMany(_ context.Context, mints []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, m := range mints {
		if p, ok := f[m]; ok {
			out[m] = p
		}
	}
	return out
}

type fakeGateway struct {
	buyPrice decimal.Decimal
	buyErr   error
	sellErr  error
}

func (g *fakeGateway) Buy(_ context.Context, req execution.Request) (*execution.Result, error) {
	if g.buyErr != nil {
		return nil, g.buyErr
	}
	return &execution.Result{Signature: "buy-sig", PriceUSD: g.buyPrice, AmountUSD: req.AmountUSD}, nil
}

func (g *fakeGateway) Sell(_ context.Context, _ execution.Request) (*execution.Result, error) {
	if g.sellErr != nil {
		return nil, g.sellErr
	}
	return &execution.Result{Signature: "sell-sig"}, nil
}

type eventLog struct {
	mu    sync.Mutex
	types []notify.EventType
}

func (l *eventLog) Publish(e notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, e.Type)
}

func (l *eventLog) has(t notify.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.types {
		if got == t {
			return true
		}
	}
	return false
}

type testEnv struct {
	ms     *store.MemoryStore
	gw     *fakeGateway
	prices fakePrices
	events *eventLog
	router chi.Router
}

const lease = 2 * time.Minute

// newTestEnv creates a Service over an in-memory store behind a chi router.
func newTestEnv(t *testing.T, limiter *risk.ExposureLimiter) *testEnv {
	t.Helper()
	env := &testEnv{
		ms:     store.NewMemoryStore(),
		gw:     &fakeGateway{},
		prices: fakePrices{bonk: d(0.001), usdc: d(1)},
		events: &eventLog{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := lifecycle.NewExecutor(env.ms, env.gw, limiter, env.events,
		lifecycle.Defaults{SlippageBps: 300, PriorityFeeMode: "medium"}, logger)
	svc := trade.NewService(exec, env.prices, lease, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewHandler(svc).Routes)
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) seed(t *testing.T, p *model.Position) {
	t.Helper()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := env.ms.CreatePosition(context.Background(), p); err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
}

func decodePosition(t *testing.T, w *httptest.ResponseRecorder) model.Position {
	t.Helper()
	var p model.Position
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode position: %v", err)
	}
	return p
}

func holding(id string) *model.Position {
	return &model.Position{
		ID:               id,
		TokenMint:        bonk,
		BuyAmountUSD:     d(100),
		BuyPriceUSD:      d(0.001),
		TargetMultiplier: d(2),
		TargetPriceUSD:   d(0.002),
		Status:           model.StatusHolding,
	}
}

func openRequest() trade.OpenPositionRequest {
	return trade.OpenPositionRequest{
		TokenMint:        bonk,
		AmountUSD:        d(100),
		TargetMultiplier: d(2),
		Rebuy: &trade.RebuyConfig{
			PriceLowUSD:      d(0.0005),
			PriceHighUSD:     d(0.0006),
			AmountUSD:        d(50),
			TargetMultiplier: d(2),
			Loop:             true,
		},
		Emergency: &trade.EmergencyConfig{PriceUSD: d(0.0008)},
	}
}

// --- Open position ---

func TestOpenPosition_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gw.buyPrice = d(0.0011)

	w := env.do(t, "POST", "/api/v1/positions", openRequest())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	p := decodePosition(t, w)

	if p.Status != model.StatusHolding {
		t.Errorf("expected holding, got %s", p.Status)
	}
	if !p.BuyPriceUSD.Equal(d(0.0011)) || !p.TargetPriceUSD.Equal(d(0.0022)) {
		t.Errorf("expected fill price 0.0011 / target 0.0022, got %s / %s", p.BuyPriceUSD, p.TargetPriceUSD)
	}
	if p.EmergencySellStatus != model.EmergencyWatching {
		t.Errorf("expected stop-loss armed, got %q", p.EmergencySellStatus)
	}
	if p.RebuyStatus != model.RebuyPending {
		t.Errorf("expected rebuy pending until sold, got %q", p.RebuyStatus)
	}
	if p.ClaimID != "" || p.BuySignature != "buy-sig" {
		t.Errorf("expected claim cleared and signature set, got %q / %q", p.ClaimID, p.BuySignature)
	}
	if !env.events.has(notify.PositionOpened) {
		t.Error("expected opened event")
	}
}

func TestOpenPosition_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := map[string]func(*trade.OpenPositionRequest){
		"bad mint":          func(r *trade.OpenPositionRequest) { r.TokenMint = "not-a-mint" },
		"zero amount":       func(r *trade.OpenPositionRequest) { r.AmountUSD = decimal.Zero },
		"multiplier 1":      func(r *trade.OpenPositionRequest) { r.TargetMultiplier = d(1) },
		"inverted rebuy":    func(r *trade.OpenPositionRequest) { r.Rebuy.PriceLowUSD = d(0.001) },
		"zero stop":         func(r *trade.OpenPositionRequest) { r.Emergency.PriceUSD = decimal.Zero },
		"negative slippage": func(r *trade.OpenPositionRequest) { r.SlippageBps = -1 },
	}
	for name, mutate := range cases {
		req := openRequest()
		mutate(&req)
		if w := env.do(t, "POST", "/api/v1/positions", req); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, w.Code)
		}
	}
	rows, _ := env.ms.ListPositions(context.Background(), store.PositionFilter{})
	if len(rows) != 0 {
		t.Errorf("expected no rows after rejected requests, got %d", len(rows))
	}
}

func TestOpenPosition_PriceUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	delete(env.prices, bonk)

	w := env.do(t, "POST", "/api/v1/positions", openRequest())
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	rows, _ := env.ms.ListPositions(context.Background(), store.PositionFilter{})
	if len(rows) != 0 {
		t.Errorf("expected no row without a price, got %d", len(rows))
	}
}

func TestOpenPosition_RiskLimit(t *testing.T) {
	env := newTestEnv(t, risk.NewExposureLimiter(d(150), decimal.Zero))
	env.seed(t, holding("existing"))

	w := env.do(t, "POST", "/api/v1/positions", openRequest())
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 over the per-mint limit, got %d", w.Code)
	}
}

func TestOpenPosition_BuyFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gw.buyErr = &execution.Error{Class: execution.ClassTransient, Code: execution.CodeLiquidity, Message: "no route"}

	w := env.do(t, "POST", "/api/v1/positions", openRequest())
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var body struct {
		Error    string         `json:"error"`
		Position model.Position `json:"position"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Position.Status != model.StatusFailed || body.Position.ErrorMessage == "" {
		t.Errorf("expected failed row with error, got %s / %q", body.Position.Status, body.Position.ErrorMessage)
	}
	if body.Position.ClaimID != "" {
		t.Error("expected claim cleared on failure")
	}
	if !env.events.has(notify.PositionBuyFailed) {
		t.Error("expected buy failed event")
	}
}

// --- Manual sell ---

func TestManualSell_ArmsRebuy(t *testing.T) {
	env := newTestEnv(t, nil)
	p := holding("p1")
	p.RebuyEnabled = true
	p.RebuyPriceLowUSD = d(0.0005)
	p.RebuyPriceHighUSD = d(0.0006)
	p.RebuyAmountUSD = d(50)
	p.RebuyTargetMultiplier = d(2)
	p.RebuyStatus = model.RebuyPending
	env.seed(t, p)
	env.prices[bonk] = d(0.0015)

	w := env.do(t, "POST", "/api/v1/positions/p1/sell", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decodePosition(t, w)
	if got.Status != model.StatusSold || got.RebuyStatus != model.RebuyWatching {
		t.Errorf("expected sold + rebuy watching, got %s / %q", got.Status, got.RebuyStatus)
	}
	// 100 × (0.0015/0.001 − 1) = 50
	if !got.ProfitUSD.Equal(d(50)) {
		t.Errorf("expected profit 50, got %s", got.ProfitUSD)
	}
}

func TestManualSell_NotHolding(t *testing.T) {
	env := newTestEnv(t, nil)
	p := holding("p1")
	p.Status = model.StatusSold
	env.seed(t, p)

	if w := env.do(t, "POST", "/api/v1/positions/p1/sell", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/positions/missing/sell", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestManualSell_GatewayFailureReverts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gw.sellErr = &execution.Error{Class: execution.ClassUnclassified, Message: "boom"}
	env.seed(t, holding("p1"))

	w := env.do(t, "POST", "/api/v1/positions/p1/sell", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	got, _ := env.ms.GetPosition(context.Background(), "p1")
	if got.Status != model.StatusHolding || got.ErrorMessage == "" {
		t.Errorf("expected holding with error, got %s / %q", got.Status, got.ErrorMessage)
	}
}

// --- Rebuy configuration ---

// ctxStore rejects calls once their context is done, as the PostgreSQL
// driver does.
type ctxStore struct {
	store.Store
}

func (s ctxStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CreatePosition(ctx, p)
}

func (s ctxStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetPosition(ctx, id)
}

func (s ctxStore) UpdatePosition(ctx context.Context, id string, guard store.PositionGuard, patch store.PositionPatch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.UpdatePosition(ctx, id, guard, patch)
}

// hangupGateway settles every trade, but the caller goes away while it runs.
type hangupGateway struct {
	hangup context.CancelFunc
}

func (g *hangupGateway) Buy(_ context.Context, req execution.Request) (*execution.Result, error) {
	g.hangup()
	return &execution.Result{Signature: "buy-sig", PriceUSD: d(0.001), AmountUSD: req.AmountUSD}, nil
}

func (g *hangupGateway) Sell(_ context.Context, _ execution.Request) (*execution.Result, error) {
	g.hangup()
	return &execution.Result{Signature: "sell-sig"}, nil
}

func newHangupService(t *testing.T) (*trade.Service, *store.MemoryStore, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ms := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := lifecycle.NewExecutor(ctxStore{ms}, &hangupGateway{hangup: cancel}, nil, notify.Discard{},
		lifecycle.Defaults{SlippageBps: 300, PriorityFeeMode: "medium"}, logger)
	return trade.NewService(exec, fakePrices{bonk: d(0.002)}, lease, logger), ms, ctx
}

func TestManualSell_FinalizesAfterCallerCancel(t *testing.T) {
	svc, ms, ctx := newHangupService(t)
	p := holding("p1")
	p.CreatedAt = time.Now().UTC()
	if err := ms.CreatePosition(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ManualSell(ctx, "p1"); err != nil {
		t.Fatalf("sell: %v", err)
	}
	got, _ := ms.GetPosition(context.Background(), "p1")
	if got.Status != model.StatusSold || got.SellSignature != "sell-sig" || got.ClaimID != "" {
		t.Errorf("expected settled sell recorded, got status=%s sig=%q claim=%q", got.Status, got.SellSignature, got.ClaimID)
	}
}

func TestOpenPosition_FinalizesAfterCallerCancel(t *testing.T) {
	svc, ms, ctx := newHangupService(t)

	p, err := svc.OpenPosition(ctx, trade.OpenPositionRequest{
		TokenMint:        bonk,
		AmountUSD:        d(100),
		TargetMultiplier: d(2),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, _ := ms.GetPosition(context.Background(), p.ID)
	if got.Status != model.StatusHolding || got.BuySignature != "buy-sig" || got.ClaimID != "" {
		t.Errorf("expected settled buy recorded, got status=%s sig=%q claim=%q", got.Status, got.BuySignature, got.ClaimID)
	}
}

func rebuyBody() trade.RebuyConfig {
	return trade.RebuyConfig{PriceLowUSD: d(0.0005), PriceHighUSD: d(0.0006), AmountUSD: d(25), TargetMultiplier: d(3)}
}

func TestConfigureRebuy_StatusFollowsPosition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, holding("held"))
	sold := holding("sold")
	sold.Status = model.StatusSold
	env.seed(t, sold)

	w := env.do(t, "PUT", "/api/v1/positions/held/rebuy", rebuyBody())
	if got := decodePosition(t, w); got.RebuyStatus != model.RebuyPending {
		t.Errorf("holding: expected pending, got %q", got.RebuyStatus)
	}
	w = env.do(t, "PUT", "/api/v1/positions/sold/rebuy", rebuyBody())
	got := decodePosition(t, w)
	if got.RebuyStatus != model.RebuyWatching || !got.RebuyAmountUSD.Equal(d(25)) {
		t.Errorf("sold: expected watching 25, got %q %s", got.RebuyStatus, got.RebuyAmountUSD)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestConfigureRebuy_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	p := holding("p1")
	p.Status = model.StatusPendingSell
	env.seed(t, p)
	env.seed(t, holding("p2"))

	if w := env.do(t, "PUT", "/api/v1/positions/p1/rebuy", rebuyBody()); w.Code != http.StatusConflict {
		t.Errorf("pending_sell: expected 409, got %d", w.Code)
	}
	bad := rebuyBody()
	bad.PriceHighUSD = d(0.0001)
	if w := env.do(t, "PUT", "/api/v1/positions/p2/rebuy", bad); w.Code != http.StatusBadRequest {
		t.Errorf("inverted window: expected 400, got %d", w.Code)
	}
}

func TestCancelRebuy(t *testing.T) {
	env := newTestEnv(t, nil)
	p := holding("p1")
	p.Status = model.StatusSold
	p.RebuyEnabled = true
	p.RebuyPriceLowUSD = d(0.0005)
	p.RebuyPriceHighUSD = d(0.0006)
	p.RebuyAmountUSD = d(50)
	p.RebuyStatus = model.RebuyWatching
	env.seed(t, p)

	w := env.do(t, "DELETE", "/api/v1/positions/p1/rebuy", nil)
	got := decodePosition(t, w)
	if got.RebuyStatus != model.RebuyCancelled || got.RebuyEnabled {
		t.Errorf("expected cancelled, got %q enabled=%v", got.RebuyStatus, got.RebuyEnabled)
	}
}

func TestCancelRebuy_InFlightNeedsStaleClaim(t *testing.T) {
	env := newTestEnv(t, nil)
	fresh := time.Now().UTC()
	old := fresh.Add(-time.Hour)
	for id, at := range map[string]time.Time{"fresh": fresh, "stale": old} {
		p := holding(id)
		p.Status = model.StatusSold
		p.RebuyEnabled = true
		p.RebuyAmountUSD = d(50)
		p.RebuyStatus = model.RebuyExecuting
		p.ClaimID = "claim-" + id
		p.ClaimedAt = &at
		env.seed(t, p)
	}

	if w := env.do(t, "DELETE", "/api/v1/positions/fresh/rebuy", nil); w.Code != http.StatusConflict {
		t.Errorf("fresh claim: expected 409, got %d", w.Code)
	}
	w := env.do(t, "DELETE", "/api/v1/positions/stale/rebuy", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stale claim: expected 200, got %d", w.Code)
	}
	got := decodePosition(t, w)
	if got.RebuyStatus != model.RebuyCancelled || got.ClaimID != "" {
		t.Errorf("expected cancelled without claim, got %q / %q", got.RebuyStatus, got.ClaimID)
	}
}

// --- Stop-loss configuration ---

func TestConfigureEmergency(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, holding("p1"))
	sold := holding("p2")
	sold.Status = model.StatusSold
	env.seed(t, sold)

	w := env.do(t, "PUT", "/api/v1/positions/p1/emergency", trade.EmergencyConfig{PriceUSD: d(0.0007)})
	got := decodePosition(t, w)
	if got.EmergencySellStatus != model.EmergencyWatching || !got.EmergencySellPriceUSD.Equal(d(0.0007)) {
		t.Errorf("expected watching at 0.0007, got %q %s", got.EmergencySellStatus, got.EmergencySellPriceUSD)
	}

	if w := env.do(t, "PUT", "/api/v1/positions/p2/emergency", trade.EmergencyConfig{PriceUSD: d(0.0007)}); w.Code != http.StatusConflict {
		t.Errorf("sold: expected 409, got %d", w.Code)
	}

	w = env.do(t, "DELETE", "/api/v1/positions/p1/emergency", nil)
	got = decodePosition(t, w)
	if got.EmergencySellStatus != model.EmergencyNone || got.EmergencySellEnabled {
		t.Errorf("expected disarmed, got %q", got.EmergencySellStatus)
	}
}

// --- Delete ---

func TestDeletePosition(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, holding("idle"))

	fresh := time.Now().UTC()
	old := fresh.Add(-time.Hour)
	for id, at := range map[string]time.Time{"busy": fresh, "stuck": old} {
		p := holding(id)
		p.Status = model.StatusPendingSell
		p.ClaimID = "claim-" + id
		p.ClaimedAt = &at
		env.seed(t, p)
	}

	if w := env.do(t, "DELETE", "/api/v1/positions/idle", nil); w.Code != http.StatusNoContent {
		t.Errorf("idle: expected 204, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/positions/busy", nil); w.Code != http.StatusConflict {
		t.Errorf("in flight: expected 409, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/positions/stuck", nil); w.Code != http.StatusNoContent {
		t.Errorf("stale: expected 204, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/positions/idle", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected deleted row to 404, got %d", w.Code)
	}
}

// --- Listing ---

func TestListPositions_Filters(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, holding("a"))
	sold := holding("b")
	sold.Status = model.StatusSold
	env.seed(t, sold)
	other := holding("c")
	other.TokenMint = usdc
	env.seed(t, other)

	var out []model.Position
	w := env.do(t, "GET", "/api/v1/positions?status=holding&mint="+bonk, nil)
	json.NewDecoder(w.Body).Decode(&out)
	if len(out) != 1 || out[0].ID != "a" {
		t.Errorf("expected only a, got %+v", out)
	}

	if w := env.do(t, "GET", "/api/v1/positions?limit=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

// --- Limit orders ---

func limitBody(expires time.Time) trade.LimitOrderRequest {
	return trade.LimitOrderRequest{
		TokenMint:        bonk,
		BuyPriceMinUSD:   d(0.0004),
		BuyPriceMaxUSD:   d(0.0005),
		BuyAmountSOL:     d(0.25),
		TargetMultiplier: d(2),
		ExpiresAt:        expires,
	}
}

func TestLimitOrder_CreateListCancel(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/limit-orders", limitBody(time.Now().Add(time.Hour)))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var o model.LimitOrder
	json.NewDecoder(w.Body).Decode(&o)
	if o.Status != model.OrderWatching || o.ID == "" {
		t.Fatalf("unexpected order %+v", o)
	}

	var list []model.LimitOrder
	w = env.do(t, "GET", "/api/v1/limit-orders?status=watching", nil)
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 {
		t.Errorf("expected 1 watching order, got %d", len(list))
	}

	w = env.do(t, "DELETE", "/api/v1/limit-orders/"+o.ID, nil)
	json.NewDecoder(w.Body).Decode(&o)
	if o.Status != model.OrderCancelled || o.CancelledAt == nil {
		t.Errorf("expected cancelled, got %s", o.Status)
	}
	if err := o.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}

	// Terminal states never reopen.
	if w := env.do(t, "DELETE", "/api/v1/limit-orders/"+o.ID, nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", w.Code)
	}
}

func TestLimitOrder_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	past := limitBody(time.Now().Add(-time.Minute))
	if w := env.do(t, "POST", "/api/v1/limit-orders", past); w.Code != http.StatusBadRequest {
		t.Errorf("past expiry: expected 400, got %d", w.Code)
	}
	inverted := limitBody(time.Now().Add(time.Hour))
	inverted.BuyPriceMinUSD = d(0.001)
	if w := env.do(t, "POST", "/api/v1/limit-orders", inverted); w.Code != http.StatusBadRequest {
		t.Errorf("inverted window: expected 400, got %d", w.Code)
	}

	// Alert-only orders need no amount or multiplier.
	alert := limitBody(time.Now().Add(time.Hour))
	alert.AlertOnly = true
	alert.BuyAmountSOL = decimal.Zero
	alert.TargetMultiplier = decimal.Zero
	if w := env.do(t, "POST", "/api/v1/limit-orders", alert); w.Code != http.StatusCreated {
		t.Errorf("alert-only: expected 201, got %d", w.Code)
	}
}

func TestCancelLimitOrder_ExecutingNeedsStaleClaim(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Now().UTC()
	o := &model.LimitOrder{
		ID:             "o1",
		TokenMint:      bonk,
		BuyPriceMinUSD: d(0.0004),
		BuyPriceMaxUSD: d(0.0005),
		BuyAmountSOL:   d(0.25),
		Status:         model.OrderExecuting,
		ExpiresAt:      now.Add(time.Hour),
		ClaimID:        "claim",
		ClaimedAt:      &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := env.ms.CreateLimitOrder(context.Background(), o); err != nil {
		t.Fatal(err)
	}

	if w := env.do(t, "DELETE", "/api/v1/limit-orders/o1", nil); w.Code != http.StatusConflict {
		t.Errorf("fresh claim: expected 409, got %d", w.Code)
	}
}
