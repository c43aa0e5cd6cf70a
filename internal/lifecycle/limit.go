package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/model"
	"github.com/tokendesk/position-engine/internal/notify"
	"github.com/tokendesk/position-engine/internal/store"
)

// ExpireOrders moves every watching order past its deadline to expired.
func (e *Executor) ExpireOrders(ctx context.Context) ([]string, error) {
	ids, err := e.store.ExpireLimitOrders(ctx, e.now())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.Publish(notify.Event{Type: notify.LimitExpired, OrderID: id})
	}
	if len(ids) > 0 {
		e.logger.Info("limit orders expired", slog.Int("count", len(ids)))
	}
	return ids, nil
}

// AlertOrder moves an alert-only order to alerted and notifies. No trade is
// made.
func (e *Executor) AlertOrder(ctx context.Context, o *model.LimitOrder, observed decimal.Decimal) (Outcome, error) {
	now := e.now()
	ok, err := e.store.UpdateLimitOrder(ctx, o.ID,
		store.LimitOrderGuard{Status: model.OrderWatching, LiveAt: &now},
		store.LimitOrderPatch{Status: store.Ptr(model.OrderAlerted), AlertedAt: &now})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("alert limit order %s: %w", o.ID, err)
	}
	if !ok {
		return OutcomeLost, nil
	}
	e.Publish(notify.Event{
		Type:      notify.LimitAlerted,
		OrderID:   o.ID,
		TokenMint: o.TokenMint,
		PriceUSD:  observed,
		Message:   fmt.Sprintf("price in window [%s, %s]", o.BuyPriceMinUSD, o.BuyPriceMaxUSD),
	})
	return OutcomeExecuted, nil
}

// FillOrder buys for a triggered limit order. solPrice converts the SOL
// amount to USD for risk checks and bookkeeping. The order is claimed
// (watching -> executing) only while unexpired, and finalized together with
// the insert of the resulting position. A failed buy returns the order to
// watching and records the attempt.
func (e *Executor) FillOrder(ctx context.Context, o *model.LimitOrder, observed, solPrice decimal.Decimal) (Outcome, error) {
	amountUSD := o.BuyAmountSOL.Mul(solPrice)

	if err := e.CheckRisk(ctx, o.TokenMint, amountUSD); err != nil {
		e.recordAttempt(ctx, o.ID, store.LimitOrderGuard{Status: model.OrderWatching}, false, "fill blocked: "+err.Error())
		return OutcomeFailed, err
	}

	claimID := e.newID()
	now := e.now()
	ok, err := e.store.UpdateLimitOrder(ctx, o.ID,
		store.LimitOrderGuard{Status: model.OrderWatching, LiveAt: &now},
		store.LimitOrderPatch{
			Status:    store.Ptr(model.OrderExecuting),
			ClaimID:   &claimID,
			ClaimedAt: &now,
		})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("claim limit order %s: %w", o.ID, err)
	}
	if !ok {
		return OutcomeLost, nil
	}

	fill, err := e.Buy(ctx, BuySpec{
		TokenMint:       o.TokenMint,
		AmountSOL:       o.BuyAmountSOL,
		ExpectedUSD:     amountUSD,
		SlippageBps:     o.SlippageBps,
		PriorityFeeMode: o.PriorityFeeMode,
	}, observed)
	if err != nil {
		msg := fmt.Sprintf("fill failed: %v", err)
		e.recordAttempt(ctx, o.ID, store.LimitOrderGuard{Status: model.OrderExecuting, ClaimID: claimID}, true, msg)
		e.Publish(notify.Event{
			Type:      notify.LimitFailed,
			OrderID:   o.ID,
			TokenMint: o.TokenMint,
			PriceUSD:  observed,
			AmountUSD: amountUSD,
			Message:   msg,
		})
		return OutcomeFailed, err
	}

	filledAt := e.now()
	pos := Opened(e.newID(), o.TokenMint, fill, o.TargetMultiplier, o.SlippageBps, o.PriorityFeeMode, filledAt)
	ok, err = e.store.RecordLimitFill(ctx, o.ID, claimID, pos, filledAt)
	if err != nil {
		e.logger.Error("limit fill settled but could not be recorded",
			slog.String("order_id", o.ID),
			slog.String("signature", fill.Signature),
			slog.String("err", err.Error()),
		)
		return OutcomeFailed, err
	}
	if !ok {
		e.logger.Error("limit fill settled but claim was lost",
			slog.String("order_id", o.ID),
			slog.String("signature", fill.Signature),
		)
		e.Publish(notify.Event{
			Type:      notify.ClaimStale,
			OrderID:   o.ID,
			TokenMint: o.TokenMint,
			Signature: fill.Signature,
			Message:   "limit fill settled after its claim was taken; position not recorded",
		})
		return OutcomeLost, nil
	}

	e.Publish(notify.Event{
		Type:       notify.LimitExecuted,
		OrderID:    o.ID,
		PositionID: pos.ID,
		TokenMint:  o.TokenMint,
		PriceUSD:   fill.PriceUSD,
		AmountUSD:  fill.AmountUSD,
		Signature:  fill.Signature,
	})
	e.logger.Info("limit order filled",
		slog.String("order_id", o.ID),
		slog.String("position_id", pos.ID),
		slog.String("mint", o.TokenMint),
		slog.String("price", fill.PriceUSD.String()),
	)
	return OutcomeExecuted, nil
}

// recordAttempt stamps the soft audit fields. With release set the claim is
// dropped and the order returns to watching.
func (e *Executor) recordAttempt(ctx context.Context, id string, guard store.LimitOrderGuard, release bool, msg string) {
	now := e.now()
	patch := store.LimitOrderPatch{
		IncAttempts:   true,
		LastAttemptAt: &now,
		LastError:     &msg,
	}
	if release {
		patch.Status = store.Ptr(model.OrderWatching)
		patch.ClearClaim = true
	}
	ok, err := e.store.UpdateLimitOrder(ctx, id, guard, patch)
	if err != nil || (release && !ok) {
		e.logger.Error("record limit attempt failed",
			slog.String("order_id", id),
			slog.Bool("matched", ok),
			slog.Any("err", err),
		)
	}
}
