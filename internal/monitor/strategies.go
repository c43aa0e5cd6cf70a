package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/lifecycle"
	"github.com/tokendesk/position-engine/internal/mint"
	"github.com/tokendesk/position-engine/internal/model"
	"github.com/tokendesk/position-engine/internal/price"
	"github.com/tokendesk/position-engine/internal/store"
)

// Loop names, as used in metrics and the API.
const (
	NameTargetSell     = "target-sell"
	NameRebuy          = "rebuy"
	NameEmergencySell  = "emergency-sell"
	NameLimitOrderFill = "limit-order-fill"
)

// positionKey is shared by every position strategy.
func positionKey(p model.Position) (string, string) { return p.ID, p.TokenMint }

func positionValidate(p model.Position) error { return p.CheckInvariants() }

// --- Target sell ---

type targetSell struct{ exec *lifecycle.Executor }

func (targetSell) Name() string { return NameTargetSell }

func (s targetSell) Candidates(ctx context.Context) ([]model.Position, error) {
	return s.exec.Store().ListPositions(ctx, store.PositionFilter{Status: model.StatusHolding})
}

func (targetSell) Key(p model.Position) (string, string) { return positionKey(p) }
func (targetSell) Validate(p model.Position) error       { return positionValidate(p) }

func (targetSell) Triggered(p model.Position, px decimal.Decimal) bool {
	return p.TargetReached(px)
}

func (s targetSell) Execute(ctx context.Context, p model.Position, px decimal.Decimal, _ map[string]decimal.Decimal) (lifecycle.Outcome, error) {
	return s.exec.SellPosition(ctx, &p, px, lifecycle.SellTarget)
}

// --- Emergency sell (stop-loss) ---

type emergencySell struct{ exec *lifecycle.Executor }

func (emergencySell) Name() string { return NameEmergencySell }

func (s emergencySell) Candidates(ctx context.Context) ([]model.Position, error) {
	return s.exec.Store().ListPositions(ctx, store.PositionFilter{
		Status:              model.StatusHolding,
		EmergencySellStatus: model.EmergencyWatching,
	})
}

func (emergencySell) Key(p model.Position) (string, string) { return positionKey(p) }
func (emergencySell) Validate(p model.Position) error       { return positionValidate(p) }

func (emergencySell) Triggered(p model.Position, px decimal.Decimal) bool {
	return p.StopLossHit(px)
}

func (s emergencySell) Execute(ctx context.Context, p model.Position, px decimal.Decimal, _ map[string]decimal.Decimal) (lifecycle.Outcome, error) {
	return s.exec.SellPosition(ctx, &p, px, lifecycle.SellEmergency)
}

// --- Rebuy ---

type rebuy struct{ exec *lifecycle.Executor }

func (rebuy) Name() string { return NameRebuy }

func (s rebuy) Candidates(ctx context.Context) ([]model.Position, error) {
	return s.exec.Store().ListPositions(ctx, store.PositionFilter{
		Status:      model.StatusSold,
		RebuyStatus: model.RebuyWatching,
	})
}

func (rebuy) Key(p model.Position) (string, string) { return positionKey(p) }
func (rebuy) Validate(p model.Position) error       { return positionValidate(p) }

func (rebuy) Triggered(p model.Position, px decimal.Decimal) bool {
	return p.InRebuyWindow(px)
}

func (s rebuy) Execute(ctx context.Context, p model.Position, px decimal.Decimal, _ map[string]decimal.Decimal) (lifecycle.Outcome, error) {
	return s.exec.Rebuy(ctx, &p, px)
}

// --- Limit order fill ---

type limitFill struct {
	exec *lifecycle.Executor
	now  func() time.Time
}

func (limitFill) Name() string { return NameLimitOrderFill }

// Prepare expires overdue orders before any trigger is evaluated.
func (s limitFill) Prepare(ctx context.Context) {
	if _, err := s.exec.ExpireOrders(ctx); err != nil {
		s.exec.Logger().Error("expire limit orders failed",
			slog.String("loop", NameLimitOrderFill),
			slog.String("err", err.Error()),
		)
	}
}

func (s limitFill) Candidates(ctx context.Context) ([]model.LimitOrder, error) {
	orders, err := s.exec.Store().ListLimitOrders(ctx, store.LimitOrderFilter{Status: model.OrderWatching})
	if err != nil {
		return nil, err
	}
	now := s.now()
	live := orders[:0]
	for _, o := range orders {
		if !o.Expired(now) {
			live = append(live, o)
		}
	}
	return live, nil
}

// ExtraMints adds SOL so order amounts can be valued in USD.
func (limitFill) ExtraMints() []string { return []string{mint.WrappedSOL.String()} }

func (limitFill) Key(o model.LimitOrder) (string, string) { return o.ID, o.TokenMint }
func (limitFill) Validate(o model.LimitOrder) error       { return o.CheckInvariants() }

func (limitFill) Triggered(o model.LimitOrder, px decimal.Decimal) bool {
	return o.InWindow(px)
}

func (s limitFill) Execute(ctx context.Context, o model.LimitOrder, px decimal.Decimal, prices map[string]decimal.Decimal) (lifecycle.Outcome, error) {
	if o.AlertOnly {
		return s.exec.AlertOrder(ctx, &o, px)
	}
	sol, ok := prices[mint.WrappedSOL.String()]
	if !ok {
		// Cannot value the order without SOL; try again next tick.
		return lifecycle.OutcomeSkipped, nil
	}
	return s.exec.FillOrder(ctx, &o, px, sol)
}

// --- Constructors ---

// NewTargetSell creates the target-sell loop.
func NewTargetSell(exec *lifecycle.Executor, prices price.Resolver, logger *slog.Logger) *Loop[model.Position] {
	return NewLoop[model.Position](targetSell{exec}, prices, exec.Now, logger)
}

// NewEmergencySell creates the stop-loss loop.
func NewEmergencySell(exec *lifecycle.Executor, prices price.Resolver, logger *slog.Logger) *Loop[model.Position] {
	return NewLoop[model.Position](emergencySell{exec}, prices, exec.Now, logger)
}

// NewRebuy creates the rebuy loop.
func NewRebuy(exec *lifecycle.Executor, prices price.Resolver, logger *slog.Logger) *Loop[model.Position] {
	return NewLoop[model.Position](rebuy{exec}, prices, exec.Now, logger)
}

// NewLimitOrderFill creates the limit-order fill loop.
func NewLimitOrderFill(exec *lifecycle.Executor, prices price.Resolver, logger *slog.Logger) *Loop[model.LimitOrder] {
	return NewLoop[model.LimitOrder](limitFill{exec: exec, now: exec.Now}, prices, exec.Now, logger)
}

var (
	_ Runner = (*Loop[model.Position])(nil)
	_ Runner = (*Loop[model.LimitOrder])(nil)
)
