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

var rebuyWatchingGuard = store.PositionGuard{Status: model.StatusSold, RebuyStatus: model.RebuyWatching}

// Rebuy opens a new position from a sold one whose rebuy window was hit.
// The parent is claimed (rebuy watching -> executing), the buy submitted, and
// the parent finalized together with the insert of the new position. A
// failed buy reverts the parent to watching with the error recorded.
func (e *Executor) Rebuy(ctx context.Context, p *model.Position, observed decimal.Decimal) (Outcome, error) {
	if err := e.CheckRisk(ctx, p.TokenMint, p.RebuyAmountUSD); err != nil {
		e.noteError(ctx, p, rebuyWatchingGuard, "rebuy blocked: "+err.Error())
		return OutcomeFailed, err
	}

	claimID := e.newID()
	claimedAt := e.now()
	ok, err := e.store.UpdatePosition(ctx, p.ID, rebuyWatchingGuard, store.PositionPatch{
		RebuyStatus: store.Ptr(model.RebuyExecuting),
		ClaimID:     &claimID,
		ClaimedAt:   &claimedAt,
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("claim rebuy %s: %w", p.ID, err)
	}
	if !ok {
		return OutcomeLost, nil
	}
	executingGuard := store.PositionGuard{Status: model.StatusSold, RebuyStatus: model.RebuyExecuting, ClaimID: claimID}

	// Operator edits are refused while executing; reload the settled config.
	cur, err := e.store.GetPosition(ctx, p.ID)
	if err != nil {
		e.revertRebuy(ctx, p.ID, executingGuard, "rebuy aborted: "+err.Error())
		return OutcomeFailed, fmt.Errorf("reload %s: %w", p.ID, err)
	}
	p = cur

	fill, err := e.Buy(ctx, BuySpec{
		TokenMint:       p.TokenMint,
		AmountUSD:       p.RebuyAmountUSD,
		SlippageBps:     p.SlippageBps,
		PriorityFeeMode: p.PriorityFeeMode,
	}, observed)
	if err != nil {
		msg := fmt.Sprintf("rebuy failed: %v", err)
		e.revertRebuy(ctx, p.ID, executingGuard, msg)
		e.Publish(notify.Event{
			Type:       notify.RebuyFailed,
			PositionID: p.ID,
			TokenMint:  p.TokenMint,
			PriceUSD:   observed,
			AmountUSD:  p.RebuyAmountUSD,
			Message:    msg,
		})
		return OutcomeFailed, err
	}

	now := e.now()
	child := p.SpawnRebuy(e.newID(), fill, now)
	ok, err = e.store.RecordRebuy(ctx, p.ID, claimID, child, now)
	if err != nil {
		e.logger.Error("rebuy settled but could not be recorded",
			slog.String("position_id", p.ID),
			slog.String("signature", fill.Signature),
			slog.String("err", err.Error()),
		)
		return OutcomeFailed, err
	}
	if !ok {
		e.logger.Error("rebuy settled but claim was lost",
			slog.String("position_id", p.ID),
			slog.String("signature", fill.Signature),
		)
		e.Publish(notify.Event{
			Type:       notify.ClaimStale,
			PositionID: p.ID,
			TokenMint:  p.TokenMint,
			Signature:  fill.Signature,
			Message:    "rebuy settled after its claim was taken; position not recorded",
		})
		return OutcomeLost, nil
	}

	e.Publish(notify.Event{
		Type:       notify.RebuyExecuted,
		PositionID: child.ID,
		TokenMint:  child.TokenMint,
		PriceUSD:   fill.PriceUSD,
		AmountUSD:  fill.AmountUSD,
		Signature:  fill.Signature,
		Message:    "rebuy of " + p.ID,
	})
	e.logger.Info("rebuy executed",
		slog.String("position_id", p.ID),
		slog.String("new_position_id", child.ID),
		slog.String("mint", p.TokenMint),
		slog.Bool("loop", p.RebuyLoopEnabled),
	)
	return OutcomeExecuted, nil
}

func (e *Executor) revertRebuy(ctx context.Context, id string, guard store.PositionGuard, msg string) {
	ok, err := e.store.UpdatePosition(ctx, id, guard, store.PositionPatch{
		RebuyStatus:  store.Ptr(model.RebuyWatching),
		ErrorMessage: &msg,
		ClearClaim:   true,
	})
	if err != nil || !ok {
		e.logger.Error("revert rebuy claim failed",
			slog.String("position_id", id),
			slog.Bool("matched", ok),
			slog.Any("err", err),
		)
	}
}

// noteError records msg on the row if it is still in the guarded state.
// A message already on the row is not written again.
func (e *Executor) noteError(ctx context.Context, p *model.Position, guard store.PositionGuard, msg string) {
	if p.ErrorMessage == msg {
		return
	}
	if _, err := e.store.UpdatePosition(ctx, p.ID, guard, store.PositionPatch{ErrorMessage: &msg}); err != nil {
		e.logger.Warn("record error message failed", slog.String("position_id", p.ID), slog.String("err", err.Error()))
	}
}
