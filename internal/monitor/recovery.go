package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/lifecycle"
	"github.com/tokendesk/position-engine/internal/metrics"
	"github.com/tokendesk/position-engine/internal/model"
	"github.com/tokendesk/position-engine/internal/notify"
	"github.com/tokendesk/position-engine/internal/store"
)

// NameRecovery is the stale-claim sweep.
const NameRecovery = "recovery"

// Messages written by recovery.
const (
	StaleSellMessage = "sell claim expired; retrying"
	StaleBuyMessage  = "buy claim expired; needs operator review"
)

// Recovery finds claims that outlived their lease, which happens when the
// process died between claim and finalize.
//
// A stale sell is returned to holding: repeating a sell is safe because the
// Execution Service reports a duplicate as no-balance, which finalizes as
// sold. A stale buy (operator buy, rebuy, limit fill) is only flagged; a
// repeated buy would open a second position, so the operator decides.
type Recovery struct {
	exec   *lifecycle.Executor
	lease  time.Duration
	logger *slog.Logger
}

// NewRecovery creates the sweep.
func NewRecovery(exec *lifecycle.Executor, lease time.Duration, logger *slog.Logger) *Recovery {
	return &Recovery{
		exec:   exec,
		lease:  lease,
		logger: logger.With(slog.String("component", "monitor"), slog.String("loop", NameRecovery)),
	}
}

var _ Runner = (*Recovery)(nil)

func (r *Recovery) Name() string { return NameRecovery }

// Run performs one sweep. Executed lists the rows recovery acted on.
func (r *Recovery) Run(ctx context.Context) Summary {
	start := time.Now()
	metrics.LoopRuns.WithLabelValues(NameRecovery).Inc()
	defer func() {
		metrics.LoopDuration.WithLabelValues(NameRecovery).Observe(time.Since(start).Seconds())
	}()

	now := r.exec.Now()
	cutoff := now.Add(-r.lease)
	summary := Summary{
		Loop:      NameRecovery,
		CheckedAt: now,
		Executed:  []string{},
		Prices:    map[string]decimal.Decimal{},
	}
	s := r.exec.Store()

	// Stale sells go back to holding.
	sells, err := s.ListPositions(ctx, store.PositionFilter{Status: model.StatusPendingSell, ClaimedBefore: &cutoff})
	if err != nil {
		r.logger.Error("list stale sells failed", slog.String("err", err.Error()))
	}
	summary.Checked += len(sells)
	for _, p := range sells {
		ok, err := s.UpdatePosition(ctx, p.ID,
			store.PositionGuard{Status: model.StatusPendingSell, ClaimID: p.ClaimID},
			store.PositionPatch{
				Status:       store.Ptr(model.StatusHolding),
				ErrorMessage: store.Ptr(StaleSellMessage),
				ClearClaim:   true,
			})
		if err != nil {
			r.logger.Error("revert stale sell failed", slog.String("position_id", p.ID), slog.String("err", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		r.flagged("sell", p.ID, "", p.TokenMint, StaleSellMessage)
		summary.Executed = append(summary.Executed, p.ID)
	}

	// Stale operator buys and rebuys are flagged once.
	for _, f := range []store.PositionFilter{
		{Status: model.StatusPendingBuy, ClaimedBefore: &cutoff},
		{Status: model.StatusSold, RebuyStatus: model.RebuyExecuting, ClaimedBefore: &cutoff},
	} {
		rows, err := s.ListPositions(ctx, f)
		if err != nil {
			r.logger.Error("list stale buys failed", slog.String("err", err.Error()))
			continue
		}
		summary.Checked += len(rows)
		for _, p := range rows {
			if p.ErrorMessage == StaleBuyMessage {
				continue
			}
			ok, err := s.UpdatePosition(ctx, p.ID,
				store.PositionGuard{Status: f.Status, RebuyStatus: f.RebuyStatus, ClaimID: p.ClaimID},
				store.PositionPatch{ErrorMessage: store.Ptr(StaleBuyMessage)})
			if err != nil || !ok {
				continue
			}
			kind := "buy"
			if f.RebuyStatus != "" {
				kind = "rebuy"
			}
			r.flagged(kind, p.ID, "", p.TokenMint, StaleBuyMessage)
			summary.Executed = append(summary.Executed, p.ID)
		}
	}

	// Stale limit fills are flagged once.
	orders, err := s.ListLimitOrders(ctx, store.LimitOrderFilter{Status: model.OrderExecuting, ClaimedBefore: &cutoff})
	if err != nil {
		r.logger.Error("list stale limit fills failed", slog.String("err", err.Error()))
	}
	summary.Checked += len(orders)
	for _, o := range orders {
		if o.LastError == StaleBuyMessage {
			continue
		}
		ok, err := s.UpdateLimitOrder(ctx, o.ID,
			store.LimitOrderGuard{Status: model.OrderExecuting, ClaimID: o.ClaimID},
			store.LimitOrderPatch{LastError: store.Ptr(StaleBuyMessage)})
		if err != nil || !ok {
			continue
		}
		r.flagged("limit", "", o.ID, o.TokenMint, StaleBuyMessage)
		summary.Executed = append(summary.Executed, o.ID)
	}

	return summary
}

func (r *Recovery) flagged(kind, positionID, orderID, mint, msg string) {
	metrics.StaleClaims.WithLabelValues(kind).Inc()
	level := slog.LevelError
	if kind == "sell" {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "stale claim",
		slog.String("kind", kind),
		slog.String("position_id", positionID),
		slog.String("order_id", orderID),
		slog.String("mint", mint),
	)
	r.exec.Publish(notify.Event{
		Type:       notify.ClaimStale,
		PositionID: positionID,
		OrderID:    orderID,
		TokenMint:  mint,
		Message:    msg,
	})
}
