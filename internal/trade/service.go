// Package trade implements the operator commands: opening and selling
// positions, configuring rebuy and stop-loss, deleting positions, and
// managing limit orders. Commands use the same guarded writes as the monitor
// loops, so an operator action racing a monitor either wins cleanly or is
// refused with store.ErrConflict.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/lifecycle"
	"github.com/tokendesk/position-engine/internal/mint"
	"github.com/tokendesk/position-engine/internal/model"
	"github.com/tokendesk/position-engine/internal/notify"
	"github.com/tokendesk/position-engine/internal/price"
	"github.com/tokendesk/position-engine/internal/store"
)

var (
	// ErrInvalidRequest wraps every request validation failure.
	ErrInvalidRequest = errors.New("trade: invalid request")

	// ErrPriceUnavailable is returned when no source can price the mint.
	ErrPriceUnavailable = errors.New("trade: price unavailable")

	// ErrBuyFailed is returned when the Execution Service rejects an
	// operator buy. The position is left in status failed.
	ErrBuyFailed = errors.New("trade: buy failed")

	// ErrSellFailed is returned when a manual sell is rejected. The position
	// is back in holding with the error recorded.
	ErrSellFailed = errors.New("trade: sell failed")
)

var one = decimal.NewFromInt(1)

// Service executes operator commands.
type Service struct {
	exec   *lifecycle.Executor
	store  store.Store
	prices price.Resolver
	lease  time.Duration
	logger *slog.Logger
}

// NewService creates a trade service. lease is the claim lease after which
// an in-flight row may be cancelled or deleted by the operator; it also
// bounds each buy or sell, which runs detached from the caller's context.
func NewService(exec *lifecycle.Executor, prices price.Resolver, lease time.Duration, logger *slog.Logger) *Service {
	return &Service{
		exec:   exec,
		store:  exec.Store(),
		prices: prices,
		lease:  lease,
		logger: logger.With(slog.String("component", "trade")),
	}
}

// --- Request types ---

// RebuyConfig is the operator-supplied rebuy window.
type RebuyConfig struct {
	PriceLowUSD      decimal.Decimal `json:"price_low_usd"`
	PriceHighUSD     decimal.Decimal `json:"price_high_usd"`
	AmountUSD        decimal.Decimal `json:"amount_usd"`
	TargetMultiplier decimal.Decimal `json:"target_multiplier"`
	Loop             bool            `json:"loop"`
}

func (c RebuyConfig) validate() error {
	switch {
	case !c.PriceLowUSD.IsPositive():
		return fmt.Errorf("%w: rebuy price_low_usd must be positive", ErrInvalidRequest)
	case c.PriceLowUSD.GreaterThan(c.PriceHighUSD):
		return fmt.Errorf("%w: rebuy price_low_usd above price_high_usd", ErrInvalidRequest)
	case !c.AmountUSD.IsPositive():
		return fmt.Errorf("%w: rebuy amount_usd must be positive", ErrInvalidRequest)
	case !c.TargetMultiplier.GreaterThan(one):
		return fmt.Errorf("%w: rebuy target_multiplier must be greater than 1", ErrInvalidRequest)
	}
	return nil
}

// EmergencyConfig is the operator-supplied stop-loss.
type EmergencyConfig struct {
	PriceUSD decimal.Decimal `json:"price_usd"`
}

func (c EmergencyConfig) validate() error {
	if !c.PriceUSD.IsPositive() {
		return fmt.Errorf("%w: emergency price_usd must be positive", ErrInvalidRequest)
	}
	return nil
}

// OpenPositionRequest is the buy command.
type OpenPositionRequest struct {
	TokenMint        string           `json:"token_mint"`
	AmountUSD        decimal.Decimal  `json:"amount_usd"`
	TargetMultiplier decimal.Decimal  `json:"target_multiplier"`
	SlippageBps      int              `json:"slippage_bps"`
	PriorityFeeMode  string           `json:"priority_fee_mode"`
	Rebuy            *RebuyConfig     `json:"rebuy,omitempty"`
	Emergency        *EmergencyConfig `json:"emergency,omitempty"`
}

func (r *OpenPositionRequest) validate() error {
	m, err := mint.Parse(r.TokenMint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	r.TokenMint = m
	if !r.AmountUSD.IsPositive() {
		return fmt.Errorf("%w: amount_usd must be positive", ErrInvalidRequest)
	}
	if !r.TargetMultiplier.GreaterThan(one) {
		return fmt.Errorf("%w: target_multiplier must be greater than 1", ErrInvalidRequest)
	}
	if r.SlippageBps < 0 || r.SlippageBps > 10_000 {
		return fmt.Errorf("%w: slippage_bps out of range", ErrInvalidRequest)
	}
	if r.Rebuy != nil {
		if err := r.Rebuy.validate(); err != nil {
			return err
		}
	}
	if r.Emergency != nil {
		if err := r.Emergency.validate(); err != nil {
			return err
		}
	}
	return nil
}

// LimitOrderRequest queues a conditional buy.
type LimitOrderRequest struct {
	TokenMint        string          `json:"token_mint"`
	BuyPriceMinUSD   decimal.Decimal `json:"buy_price_min_usd"`
	BuyPriceMaxUSD   decimal.Decimal `json:"buy_price_max_usd"`
	BuyAmountSOL     decimal.Decimal `json:"buy_amount_sol"`
	TargetMultiplier decimal.Decimal `json:"target_multiplier"`
	SlippageBps      int             `json:"slippage_bps"`
	PriorityFeeMode  string          `json:"priority_fee_mode"`
	AlertOnly        bool            `json:"alert_only"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

func (r *LimitOrderRequest) validate(now time.Time) error {
	m, err := mint.Parse(r.TokenMint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	r.TokenMint = m
	switch {
	case !r.BuyPriceMinUSD.IsPositive():
		return fmt.Errorf("%w: buy_price_min_usd must be positive", ErrInvalidRequest)
	case r.BuyPriceMinUSD.GreaterThan(r.BuyPriceMaxUSD):
		return fmt.Errorf("%w: buy_price_min_usd above buy_price_max_usd", ErrInvalidRequest)
	case !r.ExpiresAt.After(now):
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidRequest)
	case r.SlippageBps < 0 || r.SlippageBps > 10_000:
		return fmt.Errorf("%w: slippage_bps out of range", ErrInvalidRequest)
	}
	if r.AlertOnly {
		return nil
	}
	if !r.BuyAmountSOL.IsPositive() {
		return fmt.Errorf("%w: buy_amount_sol must be positive", ErrInvalidRequest)
	}
	if !r.TargetMultiplier.GreaterThan(one) {
		return fmt.Errorf("%w: target_multiplier must be greater than 1", ErrInvalidRequest)
	}
	return nil
}

// --- Positions ---

// OpenPosition buys a new position. The row is inserted in pending_buy
// under a claim before the gateway is called, then moved to holding (arming
// a configured stop-loss) or to failed.
func (s *Service) OpenPosition(ctx context.Context, req OpenPositionRequest) (*model.Position, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.detach(ctx)
	defer cancel()
	if err := s.exec.CheckRisk(ctx, req.TokenMint, req.AmountUSD); err != nil {
		return nil, err
	}
	px, ok := s.prices.Resolve(ctx, req.TokenMint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, req.TokenMint)
	}

	now := s.exec.Now()
	claimID := s.exec.NewID()
	p := &model.Position{
		ID:               s.exec.NewID(),
		TokenMint:        req.TokenMint,
		BuyAmountUSD:     req.AmountUSD,
		BuyPriceUSD:      px,
		TargetMultiplier: req.TargetMultiplier,
		TargetPriceUSD:   px.Mul(req.TargetMultiplier),
		Status:           model.StatusPendingBuy,
		SlippageBps:      req.SlippageBps,
		PriorityFeeMode:  req.PriorityFeeMode,
		ClaimID:          claimID,
		ClaimedAt:        &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if c := req.Rebuy; c != nil {
		p.RebuyEnabled = true
		p.RebuyPriceLowUSD = c.PriceLowUSD
		p.RebuyPriceHighUSD = c.PriceHighUSD
		p.RebuyAmountUSD = c.AmountUSD
		p.RebuyTargetMultiplier = c.TargetMultiplier
		p.RebuyLoopEnabled = c.Loop
		p.RebuyStatus = model.RebuyPending
	}
	if c := req.Emergency; c != nil {
		p.EmergencySellEnabled = true
		p.EmergencySellPriceUSD = c.PriceUSD
		p.EmergencySellStatus = model.EmergencyPending
	}
	if err := s.store.CreatePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}

	fill, buyErr := s.exec.Buy(ctx, lifecycle.BuySpec{
		TokenMint:       p.TokenMint,
		AmountUSD:       req.AmountUSD,
		ExpectedUSD:     req.AmountUSD,
		SlippageBps:     req.SlippageBps,
		PriorityFeeMode: req.PriorityFeeMode,
	}, px)
	if buyErr != nil {
		msg := fmt.Sprintf("buy failed: %v", buyErr)
		if _, err := s.store.UpdatePosition(ctx, p.ID,
			store.PositionGuard{Status: model.StatusPendingBuy, ClaimID: claimID},
			store.PositionPatch{
				Status:       store.Ptr(model.StatusFailed),
				ErrorMessage: &msg,
				ClearClaim:   true,
			}); err != nil {
			s.logger.Error("record failed buy", slog.String("position_id", p.ID), slog.String("err", err.Error()))
		}
		s.exec.Publish(notify.Event{
			Type:       notify.PositionBuyFailed,
			PositionID: p.ID,
			TokenMint:  p.TokenMint,
			PriceUSD:   px,
			AmountUSD:  req.AmountUSD,
			Message:    msg,
		})
		s.logger.Warn("operator buy failed",
			slog.String("position_id", p.ID),
			slog.String("mint", p.TokenMint),
			slog.String("err", buyErr.Error()),
		)
		return s.reload(ctx, p.ID, fmt.Errorf("%w: %w", ErrBuyFailed, buyErr))
	}

	settled := s.exec.Now()
	patch := store.PositionPatch{
		Status:         store.Ptr(model.StatusHolding),
		BuyAmountUSD:   &fill.AmountUSD,
		BuyPriceUSD:    &fill.PriceUSD,
		QuantityTokens: store.Ptr(fill.Quantity()),
		BuyExecutedAt:  &settled,
		BuySignature:   &fill.Signature,
		TargetPriceUSD: store.Ptr(fill.PriceUSD.Mul(req.TargetMultiplier)),
		ErrorMessage:   store.Ptr(""),
		ClearClaim:     true,
	}
	if p.EmergencySellEnabled {
		patch.EmergencySellStatus = store.Ptr(model.EmergencyWatching)
	}
	ok, err := s.store.UpdatePosition(ctx, p.ID,
		store.PositionGuard{Status: model.StatusPendingBuy, ClaimID: claimID}, patch)
	if err != nil {
		return nil, fmt.Errorf("finalize buy %s: %w", p.ID, err)
	}
	if !ok {
		s.logger.Error("buy settled but claim was lost",
			slog.String("position_id", p.ID),
			slog.String("signature", fill.Signature),
		)
		s.exec.Publish(notify.Event{
			Type:       notify.ClaimStale,
			PositionID: p.ID,
			TokenMint:  p.TokenMint,
			Signature:  fill.Signature,
			Message:    "buy settled after its claim was taken; check the position",
		})
		return nil, fmt.Errorf("finalize buy %s: %w", p.ID, store.ErrConflict)
	}

	s.exec.Publish(notify.Event{
		Type:       notify.PositionOpened,
		PositionID: p.ID,
		TokenMint:  p.TokenMint,
		PriceUSD:   fill.PriceUSD,
		AmountUSD:  fill.AmountUSD,
		Signature:  fill.Signature,
	})
	s.logger.Info("position opened",
		slog.String("position_id", p.ID),
		slog.String("mint", p.TokenMint),
		slog.String("amount_usd", fill.AmountUSD.String()),
		slog.String("price", fill.PriceUSD.String()),
	)
	return s.reload(ctx, p.ID, nil)
}

// ManualSell sells a holding position at market.
func (s *Service) ManualSell(ctx context.Context, id string) (*model.Position, error) {
	ctx, cancel := s.detach(ctx)
	defer cancel()

	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != model.StatusHolding {
		return nil, fmt.Errorf("sell %s in status %s: %w", id, p.Status, store.ErrConflict)
	}
	px, ok := s.prices.Resolve(ctx, p.TokenMint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, p.TokenMint)
	}

	outcome, err := s.exec.SellPosition(ctx, p, px, lifecycle.SellManual)
	switch outcome {
	case lifecycle.OutcomeExecuted:
		return s.reload(ctx, id, nil)
	case lifecycle.OutcomeLost:
		return nil, fmt.Errorf("sell %s: %w", id, store.ErrConflict)
	}
	return s.reload(ctx, id, fmt.Errorf("%w: %w", ErrSellFailed, err))
}

// ConfigureRebuy sets the rebuy window. Before the sell it is stored as
// pending; on a sold position it starts watching immediately.
func (s *Service) ConfigureRebuy(ctx context.Context, id string, cfg RebuyConfig) (*model.Position, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	var status model.RebuyStatus
	switch {
	case p.Status == model.StatusPendingBuy || p.Status == model.StatusHolding:
		status = model.RebuyPending
	case p.Status == model.StatusSold && p.RebuyStatus != model.RebuyExecuting && p.RebuyStatus != model.RebuyExecuted:
		status = model.RebuyWatching
	default:
		return nil, fmt.Errorf("configure rebuy on %s (%s/%s): %w", id, p.Status, p.RebuyStatus, store.ErrConflict)
	}

	ok, err := s.store.UpdatePosition(ctx, id,
		store.PositionGuard{Status: p.Status, RebuyStatus: p.RebuyStatus},
		store.PositionPatch{
			RebuyEnabled:          store.Ptr(true),
			RebuyPriceLowUSD:      &cfg.PriceLowUSD,
			RebuyPriceHighUSD:     &cfg.PriceHighUSD,
			RebuyAmountUSD:        &cfg.AmountUSD,
			RebuyTargetMultiplier: &cfg.TargetMultiplier,
			RebuyLoopEnabled:      &cfg.Loop,
			RebuyStatus:           &status,
		})
	if err != nil {
		return nil, fmt.Errorf("configure rebuy %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("configure rebuy %s: %w", id, store.ErrConflict)
	}
	s.logger.Info("rebuy configured", slog.String("position_id", id), slog.String("rebuy_status", string(status)))
	return s.reload(ctx, id, nil)
}

// CancelRebuy disables the rebuy. An in-flight rebuy can only be cancelled
// once its claim has outlived the lease.
func (s *Service) CancelRebuy(ctx context.Context, id string) (*model.Position, error) {
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	guard := store.PositionGuard{Status: p.Status, RebuyStatus: p.RebuyStatus}
	patch := store.PositionPatch{
		RebuyEnabled: store.Ptr(false),
		RebuyStatus:  store.Ptr(model.RebuyCancelled),
	}
	switch {
	case p.Status == model.StatusPendingSell, p.RebuyStatus == model.RebuyExecuted:
		return nil, fmt.Errorf("cancel rebuy on %s (%s/%s): %w", id, p.Status, p.RebuyStatus, store.ErrConflict)
	case p.RebuyStatus == model.RebuyExecuting:
		if !lifecycle.Stale(p.ClaimedAt, s.lease, s.exec.Now()) {
			return nil, fmt.Errorf("cancel rebuy on %s: buy in flight: %w", id, store.ErrConflict)
		}
		guard.ClaimID = p.ClaimID
		patch.ClearClaim = true
		patch.ErrorMessage = store.Ptr("rebuy cancelled by operator after stale claim")
	case p.RebuyStatus == model.RebuyNone || p.RebuyStatus == model.RebuyCancelled:
		return p, nil
	}

	ok, err := s.store.UpdatePosition(ctx, id, guard, patch)
	if err != nil {
		return nil, fmt.Errorf("cancel rebuy %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("cancel rebuy %s: %w", id, store.ErrConflict)
	}
	s.logger.Info("rebuy cancelled", slog.String("position_id", id))
	return s.reload(ctx, id, nil)
}

// ConfigureEmergency sets the stop-loss price. It watches immediately on a
// holding position and is armed by the buy on a pending one.
func (s *Service) ConfigureEmergency(ctx context.Context, id string, cfg EmergencyConfig) (*model.Position, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	var status model.EmergencyStatus
	switch p.Status {
	case model.StatusHolding:
		status = model.EmergencyWatching
	case model.StatusPendingBuy:
		status = model.EmergencyPending
	default:
		return nil, fmt.Errorf("configure stop-loss on %s (%s): %w", id, p.Status, store.ErrConflict)
	}

	ok, err := s.store.UpdatePosition(ctx, id,
		store.PositionGuard{Status: p.Status},
		store.PositionPatch{
			EmergencySellEnabled:  store.Ptr(true),
			EmergencySellPriceUSD: &cfg.PriceUSD,
			EmergencySellStatus:   &status,
		})
	if err != nil {
		return nil, fmt.Errorf("configure stop-loss %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("configure stop-loss %s: %w", id, store.ErrConflict)
	}
	s.logger.Info("stop-loss configured",
		slog.String("position_id", id),
		slog.String("price", cfg.PriceUSD.String()),
	)
	return s.reload(ctx, id, nil)
}

// CancelEmergency disarms the stop-loss.
func (s *Service) CancelEmergency(ctx context.Context, id string) (*model.Position, error) {
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != model.StatusHolding && p.Status != model.StatusPendingBuy {
		return nil, fmt.Errorf("cancel stop-loss on %s (%s): %w", id, p.Status, store.ErrConflict)
	}
	if p.EmergencySellStatus == model.EmergencyNone {
		return p, nil
	}

	ok, err := s.store.UpdatePosition(ctx, id,
		store.PositionGuard{Status: p.Status},
		store.PositionPatch{
			EmergencySellEnabled: store.Ptr(false),
			EmergencySellStatus:  store.Ptr(model.EmergencyNone),
		})
	if err != nil {
		return nil, fmt.Errorf("cancel stop-loss %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("cancel stop-loss %s: %w", id, store.ErrConflict)
	}
	s.logger.Info("stop-loss cancelled", slog.String("position_id", id))
	return s.reload(ctx, id, nil)
}

// DeletePosition removes a position. Rows with a trade in flight are
// refused until their claim has outlived the lease.
func (s *Service) DeletePosition(ctx context.Context, id string) error {
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	inFlight := p.Status == model.StatusPendingBuy ||
		p.Status == model.StatusPendingSell ||
		p.RebuyStatus == model.RebuyExecuting
	if inFlight && !lifecycle.Stale(p.ClaimedAt, s.lease, s.exec.Now()) {
		return fmt.Errorf("delete %s: trade in flight: %w", id, store.ErrConflict)
	}

	ok, err := s.store.DeletePosition(ctx, id, store.PositionGuard{
		Status:      p.Status,
		RebuyStatus: p.RebuyStatus,
		ClaimID:     p.ClaimID,
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("delete %s: %w", id, store.ErrConflict)
	}
	s.logger.Info("position deleted", slog.String("position_id", id), slog.String("status", string(p.Status)))
	return nil
}

// GetPosition returns one position.
func (s *Service) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.store.GetPosition(ctx, id)
}

// ListPositions returns positions matching f.
func (s *Service) ListPositions(ctx context.Context, f store.PositionFilter) ([]model.Position, error) {
	out, err := s.store.ListPositions(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Position{}
	}
	return out, nil
}

// --- Limit orders ---

// CreateLimitOrder queues a conditional buy in watching.
func (s *Service) CreateLimitOrder(ctx context.Context, req LimitOrderRequest) (*model.LimitOrder, error) {
	now := s.exec.Now()
	if err := req.validate(now); err != nil {
		return nil, err
	}
	o := &model.LimitOrder{
		ID:               s.exec.NewID(),
		TokenMint:        req.TokenMint,
		BuyPriceMinUSD:   req.BuyPriceMinUSD,
		BuyPriceMaxUSD:   req.BuyPriceMaxUSD,
		BuyAmountSOL:     req.BuyAmountSOL,
		TargetMultiplier: req.TargetMultiplier,
		SlippageBps:      req.SlippageBps,
		PriorityFeeMode:  req.PriorityFeeMode,
		AlertOnly:        req.AlertOnly,
		Status:           model.OrderWatching,
		ExpiresAt:        req.ExpiresAt.UTC(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateLimitOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create limit order: %w", err)
	}
	s.logger.Info("limit order created",
		slog.String("order_id", o.ID),
		slog.String("mint", o.TokenMint),
		slog.Bool("alert_only", o.AlertOnly),
		slog.Time("expires_at", o.ExpiresAt),
	)
	return o, nil
}

// CancelLimitOrder cancels a watching order. An executing order can only be
// cancelled once its claim has outlived the lease.
func (s *Service) CancelLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	o, err := s.store.GetLimitOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.exec.Now()
	guard := store.LimitOrderGuard{Status: o.Status}
	patch := store.LimitOrderPatch{
		Status:      store.Ptr(model.OrderCancelled),
		CancelledAt: &now,
	}
	switch o.Status {
	case model.OrderWatching:
	case model.OrderExecuting:
		if !lifecycle.Stale(o.ClaimedAt, s.lease, now) {
			return nil, fmt.Errorf("cancel limit order %s: fill in flight: %w", id, store.ErrConflict)
		}
		guard.ClaimID = o.ClaimID
		patch.ClearClaim = true
	default:
		return nil, fmt.Errorf("cancel limit order %s in status %s: %w", id, o.Status, store.ErrConflict)
	}

	ok, err := s.store.UpdateLimitOrder(ctx, id, guard, patch)
	if err != nil {
		return nil, fmt.Errorf("cancel limit order %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("cancel limit order %s: %w", id, store.ErrConflict)
	}
	s.logger.Info("limit order cancelled", slog.String("order_id", id))
	return s.store.GetLimitOrder(ctx, id)
}

// GetLimitOrder returns one order.
func (s *Service) GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return s.store.GetLimitOrder(ctx, id)
}

// ListLimitOrders returns orders matching f.
func (s *Service) ListLimitOrders(ctx context.Context, f store.LimitOrderFilter) ([]model.LimitOrder, error) {
	out, err := s.store.ListLimitOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.LimitOrder{}
	}
	return out, nil
}

// detach keeps a trade alive when the caller goes away: once the gateway
// call has settled, the finalize or revert write must still land.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.lease)
}

// reload returns the current row alongside cause, which may be nil.
func (s *Service) reload(ctx context.Context, id string, cause error) (*model.Position, error) {
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		if cause != nil {
			return nil, cause
		}
		return nil, err
	}
	return p, cause
}
