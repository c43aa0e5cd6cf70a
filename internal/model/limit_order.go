package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle of a LimitOrder. Status only moves forward;
// nothing re-opens watching except the revert of a failed in-flight buy.
type OrderStatus string

const (
	OrderWatching  OrderStatus = "watching"
	OrderExecuting OrderStatus = "executing" // buy claimed, gateway call in flight
	OrderExecuted  OrderStatus = "executed"
	OrderAlerted   OrderStatus = "alerted"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Terminal reports whether the order has left the watch/execute cycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderExecuted, OrderAlerted, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// LimitOrder is a queued conditional buy.
type LimitOrder struct {
	ID        string `json:"id" db:"id"`
	TokenMint string `json:"token_mint" db:"token_mint"`

	BuyPriceMinUSD   decimal.Decimal `json:"buy_price_min_usd" db:"buy_price_min_usd"`
	BuyPriceMaxUSD   decimal.Decimal `json:"buy_price_max_usd" db:"buy_price_max_usd"`
	BuyAmountSOL     decimal.Decimal `json:"buy_amount_sol" db:"buy_amount_sol"`
	TargetMultiplier decimal.Decimal `json:"target_multiplier" db:"target_multiplier"`
	SlippageBps      int             `json:"slippage_bps" db:"slippage_bps"`
	PriorityFeeMode  string          `json:"priority_fee_mode" db:"priority_fee_mode"`
	AlertOnly        bool            `json:"alert_only" db:"alert_only"`

	Status    OrderStatus `json:"status" db:"status"`
	ExpiresAt time.Time   `json:"expires_at" db:"expires_at"`

	// Terminal stamps; exactly one is set once the order leaves watching.
	ExecutedAt  *time.Time `json:"executed_at,omitempty" db:"executed_at"`
	AlertedAt   *time.Time `json:"alerted_at,omitempty" db:"alerted_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty" db:"expired_at"`

	ExecutedPositionID string `json:"executed_position_id,omitempty" db:"executed_position_id"`

	// Soft audit of failed fill attempts.
	Attempts      int        `json:"attempts" db:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LastError     string     `json:"last_error,omitempty" db:"last_error"`

	ClaimID   string     `json:"claim_id,omitempty" db:"claim_id"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// InWindow is the fill trigger: min <= price <= max.
func (o *LimitOrder) InWindow(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(o.BuyPriceMinUSD) && price.LessThanOrEqual(o.BuyPriceMaxUSD)
}

// Expired reports whether the order's deadline has passed at now.
func (o *LimitOrder) Expired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

// CheckInvariants verifies the price window and the single-terminal-stamp rule.
func (o *LimitOrder) CheckInvariants() error {
	if o.BuyPriceMinUSD.GreaterThan(o.BuyPriceMaxUSD) {
		return fmt.Errorf("%w: min %s above max %s", ErrInvariant, o.BuyPriceMinUSD, o.BuyPriceMaxUSD)
	}
	stamps := 0
	for _, ts := range []*time.Time{o.ExecutedAt, o.AlertedAt, o.CancelledAt, o.ExpiredAt} {
		if ts != nil {
			stamps++
		}
	}
	if o.Status.Terminal() && stamps != 1 {
		return fmt.Errorf("%w: %s order carries %d terminal stamps", ErrInvariant, o.Status, stamps)
	}
	if !o.Status.Terminal() && stamps != 0 {
		return fmt.Errorf("%w: %s order carries terminal stamps", ErrInvariant, o.Status)
	}
	return nil
}
