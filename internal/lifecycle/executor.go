// Package lifecycle implements the guarded state transitions shared by the
// monitor loops and the operator commands: claiming a row, calling the
// Execution Service, and finalizing or reverting under the same claim.
//
// Every state-changing write names the state it expects the row to be in.
// A write that matches nothing means another invocation got there first;
// the caller reports OutcomeLost and performs no further side effects.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/execution"
	"github.com/tokendesk/position-engine/internal/metrics"
	"github.com/tokendesk/position-engine/internal/model"
	"github.com/tokendesk/position-engine/internal/notify"
	"github.com/tokendesk/position-engine/internal/risk"
	"github.com/tokendesk/position-engine/internal/store"
)

// Outcome is the result of one attempted trigger.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeLost     Outcome = "lost"    // another invocation moved the row first
	OutcomeFailed   Outcome = "failed"  // gateway or risk failure; row left retryable
	OutcomeSkipped  Outcome = "skipped" // nothing to do this tick
)

// SellKind says which trigger asked for the sell.
type SellKind string

const (
	SellTarget    SellKind = "target"
	SellEmergency SellKind = "emergency"
	SellManual    SellKind = "manual"
)

// Defaults are the execution parameters used when a row carries none.
type Defaults struct {
	SlippageBps     int
	PriorityFeeMode string
}

// Executor runs claim -> gateway -> finalize sequences.
type Executor struct {
	store    store.Store
	gateway  execution.Gateway
	limiter  *risk.ExposureLimiter
	events   notify.Publisher
	defaults Defaults
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithIDs overrides the generator used for position ids and claim tokens.
func WithIDs(newID func() string) Option {
	return func(e *Executor) { e.newID = newID }
}

// NewExecutor creates an Executor. limiter may be nil (no exposure limits);
// events may be notify.Discard{}.
func NewExecutor(
	s store.Store,
	gw execution.Gateway,
	limiter *risk.ExposureLimiter,
	events notify.Publisher,
	defaults Defaults,
	logger *slog.Logger,
	opts ...Option,
) *Executor {
	e := &Executor{
		store:    s,
		gateway:  gw,
		limiter:  limiter,
		events:   events,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "lifecycle")),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying store to loop strategies.
func (e *Executor) Store() store.Store { return e.store }

// Now returns the executor's current time.
func (e *Executor) Now() time.Time { return e.now() }

// NewID returns a fresh identifier.
func (e *Executor) NewID() string { return e.newID() }

// Publish forwards an event to the outbound queue.
func (e *Executor) Publish(ev notify.Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.events.Publish(ev)
}

// Logger returns the executor's logger.
func (e *Executor) Logger() *slog.Logger { return e.logger }

// CheckRisk verifies that buying amountUSD of mint keeps open exposure
// within limits.
func (e *Executor) CheckRisk(ctx context.Context, mint string, amountUSD decimal.Decimal) error {
	if e.limiter == nil {
		return nil
	}
	exposure, err := e.store.OpenExposure(ctx)
	if err != nil {
		return fmt.Errorf("load exposure: %w", err)
	}
	if err := e.limiter.CheckLimit(mint, amountUSD, exposure); err != nil {
		metrics.RiskRejections.Inc()
		return err
	}
	return nil
}

// BuySpec describes one buy. Exactly one of AmountUSD or AmountSOL is sent
// to the Execution Service; ExpectedUSD is the USD value used to fill gaps
// in its reply.
type BuySpec struct {
	TokenMint       string
	AmountUSD       decimal.Decimal
	AmountSOL       decimal.Decimal
	ExpectedUSD     decimal.Decimal
	SlippageBps     int
	PriorityFeeMode string
}

// Buy submits a buy and returns the settled fill. observed is the trigger
// price, used when the service does not report one.
func (e *Executor) Buy(ctx context.Context, spec BuySpec, observed decimal.Decimal) (model.Fill, error) {
	req := execution.Request{
		TokenMint:       spec.TokenMint,
		AmountUSD:       spec.AmountUSD,
		AmountSOL:       spec.AmountSOL,
		SlippageBps:     e.slippage(spec.SlippageBps),
		PriorityFeeMode: e.feeMode(spec.PriorityFeeMode),
	}
	res, err := e.gateway.Buy(ctx, req)
	if err != nil {
		return model.Fill{}, err
	}

	fill := model.Fill{
		Signature:   res.Signature,
		PriceUSD:    res.PriceUSD,
		AmountUSD:   res.AmountUSD,
		TokenAmount: res.TokenAmount,
	}
	if !fill.PriceUSD.IsPositive() {
		fill.PriceUSD = observed
	}
	if !fill.AmountUSD.IsPositive() {
		fill.AmountUSD = spec.ExpectedUSD
		if !fill.AmountUSD.IsPositive() {
			fill.AmountUSD = spec.AmountUSD
		}
	}
	return fill, nil
}

// SellPosition sells the full balance of p. The row is claimed
// (holding -> pending_sell) before the gateway is called and finalized to
// sold, or reverted to holding, under the same claim.
//
// A benign duplicate (no balance, already sold) finalizes as sold with an
// explanatory note. The sold write disarms a watching stop-loss and, except
// for stop-loss sells, arms a pending rebuy.
func (e *Executor) SellPosition(ctx context.Context, p *model.Position, observed decimal.Decimal, kind SellKind) (Outcome, error) {
	guard := store.PositionGuard{Status: model.StatusHolding}
	if kind == SellEmergency {
		guard.EmergencySellStatus = model.EmergencyWatching
	}

	claimID := e.newID()
	claimedAt := e.now()
	ok, err := e.store.UpdatePosition(ctx, p.ID, guard, store.PositionPatch{
		Status:    store.Ptr(model.StatusPendingSell),
		ClaimID:   &claimID,
		ClaimedAt: &claimedAt,
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("claim sell %s: %w", p.ID, err)
	}
	if !ok {
		return OutcomeLost, nil
	}

	// Re-read under the claim: operator edits are refused while pending_sell,
	// so this snapshot is stable until we finalize.
	cur, err := e.store.GetPosition(ctx, p.ID)
	if err != nil {
		e.revertSell(ctx, p.ID, claimID, "sell aborted: "+err.Error())
		return OutcomeFailed, fmt.Errorf("reload %s: %w", p.ID, err)
	}

	res, sellErr := e.gateway.Sell(ctx, execution.Request{
		TokenMint:       cur.TokenMint,
		SellAll:         true,
		SlippageBps:     e.slippage(cur.SlippageBps),
		PriorityFeeMode: e.feeMode(cur.PriorityFeeMode),
	})

	if sellErr != nil && !execution.IsBenign(sellErr) {
		msg := fmt.Sprintf("%s sell failed: %v", kind, sellErr)
		e.revertSell(ctx, cur.ID, claimID, msg)
		e.Publish(notify.Event{
			Type:       notify.PositionSellFailed,
			PositionID: cur.ID,
			TokenMint:  cur.TokenMint,
			PriceUSD:   observed,
			Message:    msg,
		})
		return OutcomeFailed, sellErr
	}

	now := e.now()
	sellPrice := observed
	patch := store.PositionPatch{
		Status:         store.Ptr(model.StatusSold),
		SellExecutedAt: &now,
		ErrorMessage:   store.Ptr(""),
		ClearClaim:     true,
	}
	var signature string
	if sellErr != nil {
		patch.ErrorMessage = store.Ptr(fmt.Sprintf("sell already settled, marked sold: %v", sellErr))
	} else {
		signature = res.Signature
		if res.PriceUSD.IsPositive() {
			sellPrice = res.PriceUSD
		}
	}
	profit := cur.Profit(sellPrice)
	patch.SellPriceUSD = &sellPrice
	patch.SellSignature = &signature
	patch.ProfitUSD = &profit

	if cur.EmergencySellStatus == model.EmergencyWatching {
		if kind == SellEmergency {
			patch.EmergencySellStatus = store.Ptr(model.EmergencyExecuted)
			patch.EmergencySellExecutedAt = &now
		} else {
			patch.EmergencySellStatus = store.Ptr(model.EmergencyNone)
		}
	}
	if kind != SellEmergency && cur.RebuyEnabled && cur.RebuyStatus == model.RebuyPending {
		patch.RebuyStatus = store.Ptr(model.RebuyWatching)
	}

	ok, err = e.store.UpdatePosition(ctx, cur.ID,
		store.PositionGuard{Status: model.StatusPendingSell, ClaimID: claimID}, patch)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("finalize sell %s: %w", cur.ID, err)
	}
	if !ok {
		e.logger.Error("sell settled but claim was lost",
			slog.String("position_id", cur.ID),
			slog.String("signature", signature),
		)
		e.Publish(notify.Event{
			Type:       notify.ClaimStale,
			PositionID: cur.ID,
			TokenMint:  cur.TokenMint,
			Signature:  signature,
			Message:    "sell settled after its claim was taken; check the position",
		})
		return OutcomeLost, nil
	}

	evType := notify.PositionSold
	if kind == SellEmergency {
		evType = notify.PositionEmergencySold
	}
	e.Publish(notify.Event{
		Type:       evType,
		PositionID: cur.ID,
		TokenMint:  cur.TokenMint,
		PriceUSD:   sellPrice,
		AmountUSD:  cur.BuyAmountUSD,
		ProfitUSD:  profit,
		Signature:  signature,
		Message:    derefOr(patch.ErrorMessage, ""),
	})
	e.logger.Info("position sold",
		slog.String("position_id", cur.ID),
		slog.String("mint", cur.TokenMint),
		slog.String("kind", string(kind)),
		slog.String("price", sellPrice.String()),
		slog.String("profit", profit.String()),
	)
	return OutcomeExecuted, nil
}

func (e *Executor) revertSell(ctx context.Context, id, claimID, msg string) {
	ok, err := e.store.UpdatePosition(ctx, id,
		store.PositionGuard{Status: model.StatusPendingSell, ClaimID: claimID},
		store.PositionPatch{
			Status:       store.Ptr(model.StatusHolding),
			ErrorMessage: &msg,
			ClearClaim:   true,
		})
	if err != nil || !ok {
		e.logger.Error("revert sell claim failed",
			slog.String("position_id", id),
			slog.Bool("matched", ok),
			slog.Any("err", err),
		)
	}
}

// Opened builds the holding position produced by a settled buy.
func Opened(id, mint string, fill model.Fill, targetMultiplier decimal.Decimal, slippageBps int, feeMode string, now time.Time) *model.Position {
	return &model.Position{
		ID:               id,
		TokenMint:        mint,
		BuyAmountUSD:     fill.AmountUSD,
		BuyPriceUSD:      fill.PriceUSD,
		QuantityTokens:   fill.Quantity(),
		BuyExecutedAt:    &now,
		BuySignature:     fill.Signature,
		TargetMultiplier: targetMultiplier,
		TargetPriceUSD:   fill.PriceUSD.Mul(targetMultiplier),
		Status:           model.StatusHolding,
		SlippageBps:      slippageBps,
		PriorityFeeMode:  feeMode,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Stale reports whether a claim stamped at claimedAt has outlived lease.
func Stale(claimedAt *time.Time, lease time.Duration, now time.Time) bool {
	return claimedAt != nil && now.Sub(*claimedAt) > lease
}

// IsRiskError reports whether err is an exposure-limit rejection.
func IsRiskError(err error) bool {
	return errors.Is(err, risk.ErrPerMintLimitExceeded) || errors.Is(err, risk.ErrTotalLimitExceeded)
}

func (e *Executor) slippage(bps int) int {
	if bps > 0 {
		return bps
	}
	return e.defaults.SlippageBps
}

func (e *Executor) feeMode(mode string) string {
	if mode != "" {
		return mode
	}
	return e.defaults.PriorityFeeMode
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
