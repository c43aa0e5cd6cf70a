// Package model defines the records the automation engine advances: a
// Position (one purchased token holding with its sell, rebuy and stop-loss
// sub-states) and a LimitOrder (a queued conditional buy).
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvariant is wrapped by CheckInvariants failures.
var ErrInvariant = errors.New("model: invariant violated")

// PositionStatus is the primary lifecycle of a Position.
type PositionStatus string

const (
	StatusPendingBuy  PositionStatus = "pending_buy"
	StatusHolding     PositionStatus = "holding"
	StatusPendingSell PositionStatus = "pending_sell" // sell claimed, gateway call in flight
	StatusSold        PositionStatus = "sold"
	StatusFailed      PositionStatus = "failed"
)

// Terminal reports whether the position can no longer return to holding.
func (s PositionStatus) Terminal() bool {
	return s == StatusSold || s == StatusFailed
}

// RebuyStatus is the rebuy sub-state. The empty value means "not configured".
type RebuyStatus string

const (
	RebuyNone      RebuyStatus = ""
	RebuyPending   RebuyStatus = "pending"   // configured, armed when the position sells
	RebuyWatching  RebuyStatus = "watching"  // armed, waiting for the price window
	RebuyExecuting RebuyStatus = "executing" // buy claimed, gateway call in flight
	RebuyExecuted  RebuyStatus = "executed"
	RebuyCancelled RebuyStatus = "cancelled"
)

// EmergencyStatus is the stop-loss sub-state. The empty value means "not configured".
type EmergencyStatus string

const (
	EmergencyNone     EmergencyStatus = ""
	EmergencyPending  EmergencyStatus = "pending" // configured before the buy settled
	EmergencyWatching EmergencyStatus = "watching"
	EmergencyExecuted EmergencyStatus = "executed"
)

// Position is one purchased token holding.
type Position struct {
	ID        string `json:"id" db:"id"`
	TokenMint string `json:"token_mint" db:"token_mint"`

	// Buy leg.
	BuyAmountUSD   decimal.Decimal `json:"buy_amount_usd" db:"buy_amount_usd"`
	BuyPriceUSD    decimal.Decimal `json:"buy_price_usd" db:"buy_price_usd"`
	QuantityTokens decimal.Decimal `json:"quantity_tokens" db:"quantity_tokens"`
	BuyExecutedAt  *time.Time      `json:"buy_executed_at,omitempty" db:"buy_executed_at"`
	BuySignature   string          `json:"buy_signature,omitempty" db:"buy_signature"`

	// Target sell.
	TargetMultiplier decimal.Decimal `json:"target_multiplier" db:"target_multiplier"`
	TargetPriceUSD   decimal.Decimal `json:"target_price_usd" db:"target_price_usd"`

	// Sell leg.
	SellPriceUSD   decimal.Decimal `json:"sell_price_usd" db:"sell_price_usd"`
	SellSignature  string          `json:"sell_signature,omitempty" db:"sell_signature"`
	SellExecutedAt *time.Time      `json:"sell_executed_at,omitempty" db:"sell_executed_at"`
	ProfitUSD      decimal.Decimal `json:"profit_usd" db:"profit_usd"`

	Status PositionStatus `json:"status" db:"status"`

	// Execution parameters reused for the sell leg.
	SlippageBps     int    `json:"slippage_bps" db:"slippage_bps"`
	PriorityFeeMode string `json:"priority_fee_mode" db:"priority_fee_mode"`

	// Rebuy sub-state.
	RebuyEnabled          bool            `json:"rebuy_enabled" db:"rebuy_enabled"`
	RebuyPriceLowUSD      decimal.Decimal `json:"rebuy_price_low_usd" db:"rebuy_price_low_usd"`
	RebuyPriceHighUSD     decimal.Decimal `json:"rebuy_price_high_usd" db:"rebuy_price_high_usd"`
	RebuyAmountUSD        decimal.Decimal `json:"rebuy_amount_usd" db:"rebuy_amount_usd"`
	RebuyTargetMultiplier decimal.Decimal `json:"rebuy_target_multiplier" db:"rebuy_target_multiplier"`
	RebuyLoopEnabled      bool            `json:"rebuy_loop_enabled" db:"rebuy_loop_enabled"`
	RebuyStatus           RebuyStatus     `json:"rebuy_status,omitempty" db:"rebuy_status"`
	RebuyExecutedAt       *time.Time      `json:"rebuy_executed_at,omitempty" db:"rebuy_executed_at"`
	RebuyPositionID       string          `json:"rebuy_position_id,omitempty" db:"rebuy_position_id"`

	// Emergency (stop-loss) sub-state.
	EmergencySellEnabled    bool            `json:"emergency_sell_enabled" db:"emergency_sell_enabled"`
	EmergencySellPriceUSD   decimal.Decimal `json:"emergency_sell_price_usd" db:"emergency_sell_price_usd"`
	EmergencySellStatus     EmergencyStatus `json:"emergency_sell_status,omitempty" db:"emergency_sell_status"`
	EmergencySellExecutedAt *time.Time      `json:"emergency_sell_executed_at,omitempty" db:"emergency_sell_executed_at"`

	// ParentPositionID links a rebuy-created position back to its origin.
	ParentPositionID string `json:"parent_position_id,omitempty" db:"parent_position_id"`

	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	// Claim token of the in-flight gateway call, if any.
	ClaimID   string     `json:"claim_id,omitempty" db:"claim_id"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Quantity returns the persisted token quantity, or buyAmount/buyPrice when
// the quantity was never recorded.
func (p *Position) Quantity() decimal.Decimal {
	if p.QuantityTokens.IsPositive() {
		return p.QuantityTokens
	}
	if !p.BuyPriceUSD.IsPositive() {
		return decimal.Zero
	}
	return p.BuyAmountUSD.Div(p.BuyPriceUSD)
}

// TargetPrice returns the persisted target price, falling back to
// buyPrice × targetMultiplier.
func (p *Position) TargetPrice() decimal.Decimal {
	if p.TargetPriceUSD.IsPositive() {
		return p.TargetPriceUSD
	}
	return p.BuyPriceUSD.Mul(p.TargetMultiplier)
}

// TargetReached is the TargetSell trigger: price >= target.
func (p *Position) TargetReached(price decimal.Decimal) bool {
	target := p.TargetPrice()
	return target.IsPositive() && price.GreaterThanOrEqual(target)
}

// StopLossHit is the EmergencySell trigger: price <= stop price (inclusive).
func (p *Position) StopLossHit(price decimal.Decimal) bool {
	return p.EmergencySellPriceUSD.IsPositive() && price.LessThanOrEqual(p.EmergencySellPriceUSD)
}

// InRebuyWindow is the Rebuy trigger: low <= price <= high.
func (p *Position) InRebuyWindow(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(p.RebuyPriceLowUSD) && price.LessThanOrEqual(p.RebuyPriceHighUSD)
}

// Profit returns buyAmount × (sellPrice/buyPrice − 1).
func (p *Position) Profit(sellPrice decimal.Decimal) decimal.Decimal {
	if !p.BuyPriceUSD.IsPositive() {
		return decimal.Zero
	}
	return p.BuyAmountUSD.Mul(sellPrice.Div(p.BuyPriceUSD).Sub(decimal.NewFromInt(1)))
}

// CheckInvariants reports the first structural rule the position breaks.
// Emergency watching is only legal while holding and rebuy watching only
// after the sell, so the two sub-states can never trigger on the same row.
func (p *Position) CheckInvariants() error {
	if p.EmergencySellStatus == EmergencyWatching && p.Status != StatusHolding && p.Status != StatusPendingSell {
		return fmt.Errorf("%w: emergency watching with status %s", ErrInvariant, p.Status)
	}
	if (p.RebuyStatus == RebuyWatching || p.RebuyStatus == RebuyExecuting) && p.Status != StatusSold {
		return fmt.Errorf("%w: rebuy %s with status %s", ErrInvariant, p.RebuyStatus, p.Status)
	}
	if p.RebuyStatus == RebuyWatching {
		if p.RebuyPriceLowUSD.GreaterThan(p.RebuyPriceHighUSD) {
			return fmt.Errorf("%w: rebuy low %s above high %s", ErrInvariant, p.RebuyPriceLowUSD, p.RebuyPriceHighUSD)
		}
		if !p.RebuyAmountUSD.IsPositive() {
			return fmt.Errorf("%w: rebuy amount must be positive", ErrInvariant)
		}
	}
	if p.RebuyPositionID != "" && p.RebuyStatus != RebuyExecuted {
		return fmt.Errorf("%w: rebuy position id set with rebuy status %q", ErrInvariant, p.RebuyStatus)
	}
	return nil
}

// SpawnRebuy builds the holding position opened by a successful rebuy of p.
// When the rebuy loop is enabled the rebuy configuration is copied forward
// with status pending; it becomes watching only once the new position sells.
func (p *Position) SpawnRebuy(id string, fill Fill, now time.Time) *Position {
	child := &Position{
		ID:               id,
		TokenMint:        p.TokenMint,
		BuyAmountUSD:     fill.AmountUSD,
		BuyPriceUSD:      fill.PriceUSD,
		QuantityTokens:   fill.Quantity(),
		BuyExecutedAt:    &now,
		BuySignature:     fill.Signature,
		TargetMultiplier: p.RebuyTargetMultiplier,
		TargetPriceUSD:   fill.PriceUSD.Mul(p.RebuyTargetMultiplier),
		Status:           StatusHolding,
		SlippageBps:      p.SlippageBps,
		PriorityFeeMode:  p.PriorityFeeMode,
		ParentPositionID: p.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.RebuyLoopEnabled {
		child.RebuyEnabled = true
		child.RebuyPriceLowUSD = p.RebuyPriceLowUSD
		child.RebuyPriceHighUSD = p.RebuyPriceHighUSD
		child.RebuyAmountUSD = p.RebuyAmountUSD
		child.RebuyTargetMultiplier = p.RebuyTargetMultiplier
		child.RebuyLoopEnabled = true
		child.RebuyStatus = RebuyPending
	}
	return child
}

// Fill is the settled result of a buy, as reported by the Execution Service
// and completed with the observed price where the service left gaps.
type Fill struct {
	Signature   string
	PriceUSD    decimal.Decimal
	AmountUSD   decimal.Decimal
	TokenAmount decimal.Decimal
}

// Quantity returns the token amount, deriving it from amount/price if absent.
func (f Fill) Quantity() decimal.Decimal {
	if f.TokenAmount.IsPositive() {
		return f.TokenAmount
	}
	if !f.PriceUSD.IsPositive() {
		return decimal.Zero
	}
	return f.AmountUSD.Div(f.PriceUSD)
}
