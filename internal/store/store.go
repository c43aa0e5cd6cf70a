// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every state transition is a guarded write: the update names the state it
// expects the row to be in and reports whether it matched. A false result
// means another actor moved the row first and the caller lost the race.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by callers that require a guarded write to
	// match and find the row already moved by another actor.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Positions ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by ID, or ErrNotFound.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns positions matching the filter, oldest first.
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)

	// UpdatePosition applies patch only if the row still matches guard.
	UpdatePosition(ctx context.Context, id string, guard PositionGuard, patch PositionPatch) (bool, error)

	// DeletePosition removes the row only if it still matches guard.
	DeletePosition(ctx context.Context, id string, guard PositionGuard) (bool, error)

	// RecordRebuy marks parent's claimed rebuy executed at now and inserts
	// child atomically. Reports false if the claim no longer holds.
	RecordRebuy(ctx context.Context, parentID, claimID string, child *model.Position, now time.Time) (bool, error)

	// OpenExposure sums buy amounts of non-terminal positions per mint.
	OpenExposure(ctx context.Context) (map[string]decimal.Decimal, error)

	// --- Limit orders ---

	// CreateLimitOrder persists a new order.
	CreateLimitOrder(ctx context.Context, o *model.LimitOrder) error

	// GetLimitOrder retrieves an order by ID, or ErrNotFound.
	GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error)

	// ListLimitOrders returns orders matching the filter, oldest first.
	ListLimitOrders(ctx context.Context, f LimitOrderFilter) ([]model.LimitOrder, error)

	// UpdateLimitOrder applies patch only if the row still matches guard.
	UpdateLimitOrder(ctx context.Context, id string, guard LimitOrderGuard, patch LimitOrderPatch) (bool, error)

	// RecordLimitFill marks a claimed order executed at now and inserts the
	// resulting position atomically. Reports false if the claim no longer holds.
	RecordLimitFill(ctx context.Context, orderID, claimID string, p *model.Position, now time.Time) (bool, error)

	// ExpireLimitOrders moves every watching order with expiresAt <= now to
	// expired and returns the affected IDs.
	ExpireLimitOrders(ctx context.Context, now time.Time) ([]string, error)
}

// PositionFilter narrows ListPositions. Zero fields match anything.
type PositionFilter struct {
	Status              model.PositionStatus
	RebuyStatus         model.RebuyStatus
	EmergencySellStatus model.EmergencyStatus
	TokenMint           string
	// ClaimedBefore selects rows whose claim was stamped before this instant.
	ClaimedBefore *time.Time
	Limit         int
}

// PositionGuard is the expected current state for a guarded write.
// Status is always checked; the other fields only when non-empty.
type PositionGuard struct {
	Status              model.PositionStatus
	RebuyStatus         model.RebuyStatus
	EmergencySellStatus model.EmergencyStatus
	ClaimID             string
}

// PositionPatch lists the columns a guarded write sets. Nil fields are left
// untouched. An empty string clears a text column.
type PositionPatch struct {
	Status *model.PositionStatus

	BuyAmountUSD   *decimal.Decimal
	BuyPriceUSD    *decimal.Decimal
	QuantityTokens *decimal.Decimal
	BuyExecutedAt  *time.Time
	BuySignature   *string
	TargetPriceUSD *decimal.Decimal

	SellPriceUSD   *decimal.Decimal
	SellSignature  *string
	SellExecutedAt *time.Time
	ProfitUSD      *decimal.Decimal

	RebuyEnabled          *bool
	RebuyPriceLowUSD      *decimal.Decimal
	RebuyPriceHighUSD     *decimal.Decimal
	RebuyAmountUSD        *decimal.Decimal
	RebuyTargetMultiplier *decimal.Decimal
	RebuyLoopEnabled      *bool
	RebuyStatus           *model.RebuyStatus
	RebuyExecutedAt       *time.Time
	RebuyPositionID       *string

	EmergencySellEnabled    *bool
	EmergencySellPriceUSD   *decimal.Decimal
	EmergencySellStatus     *model.EmergencyStatus
	EmergencySellExecutedAt *time.Time

	ErrorMessage *string

	// Claim stamps a new claim token; ClearClaim removes it.
	ClaimID    *string
	ClaimedAt  *time.Time
	ClearClaim bool
}

// LimitOrderFilter narrows ListLimitOrders. Zero fields match anything.
type LimitOrderFilter struct {
	Status        model.OrderStatus
	TokenMint     string
	ClaimedBefore *time.Time
	Limit         int
}

// LimitOrderGuard is the expected current state for a guarded write.
type LimitOrderGuard struct {
	Status  model.OrderStatus
	ClaimID string
	// LiveAt, when set, also requires expiresAt > LiveAt.
	LiveAt *time.Time
}

// LimitOrderPatch lists the columns a guarded write sets.
type LimitOrderPatch struct {
	Status      *model.OrderStatus
	ExecutedAt  *time.Time
	AlertedAt   *time.Time
	CancelledAt *time.Time
	ExpiredAt   *time.Time

	ExecutedPositionID *string

	// IncAttempts bumps the attempt counter by one.
	IncAttempts   bool
	LastAttemptAt *time.Time
	LastError     *string

	ClaimID    *string
	ClaimedAt  *time.Time
	ClearClaim bool
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T { return &v }

// openStatuses hold capital and count toward exposure.
var openStatuses = []model.PositionStatus{
	model.StatusPendingBuy,
	model.StatusHolding,
	model.StatusPendingSell,
}

func (g PositionGuard) matches(p *model.Position) bool {
	if p.Status != g.Status {
		return false
	}
	if g.RebuyStatus != "" && p.RebuyStatus != g.RebuyStatus {
		return false
	}
	if g.EmergencySellStatus != "" && p.EmergencySellStatus != g.EmergencySellStatus {
		return false
	}
	if g.ClaimID != "" && p.ClaimID != g.ClaimID {
		return false
	}
	return true
}

func (f PositionFilter) matches(p *model.Position) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.RebuyStatus != "" && p.RebuyStatus != f.RebuyStatus {
		return false
	}
	if f.EmergencySellStatus != "" && p.EmergencySellStatus != f.EmergencySellStatus {
		return false
	}
	if f.TokenMint != "" && p.TokenMint != f.TokenMint {
		return false
	}
	if f.ClaimedBefore != nil && (p.ClaimedAt == nil || !p.ClaimedAt.Before(*f.ClaimedBefore)) {
		return false
	}
	return true
}

// apply copies every set field of the patch onto p.
func (pp PositionPatch) apply(p *model.Position) {
	setIf(&p.Status, pp.Status)
	setIf(&p.BuyAmountUSD, pp.BuyAmountUSD)
	setIf(&p.BuyPriceUSD, pp.BuyPriceUSD)
	setIf(&p.QuantityTokens, pp.QuantityTokens)
	setTime(&p.BuyExecutedAt, pp.BuyExecutedAt)
	setIf(&p.BuySignature, pp.BuySignature)
	setIf(&p.TargetPriceUSD, pp.TargetPriceUSD)
	setIf(&p.SellPriceUSD, pp.SellPriceUSD)
	setIf(&p.SellSignature, pp.SellSignature)
	setTime(&p.SellExecutedAt, pp.SellExecutedAt)
	setIf(&p.ProfitUSD, pp.ProfitUSD)
	setIf(&p.RebuyEnabled, pp.RebuyEnabled)
	setIf(&p.RebuyPriceLowUSD, pp.RebuyPriceLowUSD)
	setIf(&p.RebuyPriceHighUSD, pp.RebuyPriceHighUSD)
	setIf(&p.RebuyAmountUSD, pp.RebuyAmountUSD)
	setIf(&p.RebuyTargetMultiplier, pp.RebuyTargetMultiplier)
	setIf(&p.RebuyLoopEnabled, pp.RebuyLoopEnabled)
	setIf(&p.RebuyStatus, pp.RebuyStatus)
	setTime(&p.RebuyExecutedAt, pp.RebuyExecutedAt)
	setIf(&p.RebuyPositionID, pp.RebuyPositionID)
	setIf(&p.EmergencySellEnabled, pp.EmergencySellEnabled)
	setIf(&p.EmergencySellPriceUSD, pp.EmergencySellPriceUSD)
	setIf(&p.EmergencySellStatus, pp.EmergencySellStatus)
	setTime(&p.EmergencySellExecutedAt, pp.EmergencySellExecutedAt)
	setIf(&p.ErrorMessage, pp.ErrorMessage)
	if pp.ClearClaim {
		p.ClaimID = ""
		p.ClaimedAt = nil
	}
	setIf(&p.ClaimID, pp.ClaimID)
	setTime(&p.ClaimedAt, pp.ClaimedAt)
}

func (g LimitOrderGuard) matches(o *model.LimitOrder) bool {
	if o.Status != g.Status {
		return false
	}
	if g.LiveAt != nil && o.Expired(*g.LiveAt) {
		return false
	}
	return g.ClaimID == "" || o.ClaimID == g.ClaimID
}

func (f LimitOrderFilter) matches(o *model.LimitOrder) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.TokenMint != "" && o.TokenMint != f.TokenMint {
		return false
	}
	if f.ClaimedBefore != nil && (o.ClaimedAt == nil || !o.ClaimedAt.Before(*f.ClaimedBefore)) {
		return false
	}
	return true
}

func (lp LimitOrderPatch) apply(o *model.LimitOrder) {
	setIf(&o.Status, lp.Status)
	setTime(&o.ExecutedAt, lp.ExecutedAt)
	setTime(&o.AlertedAt, lp.AlertedAt)
	setTime(&o.CancelledAt, lp.CancelledAt)
	setTime(&o.ExpiredAt, lp.ExpiredAt)
	setIf(&o.ExecutedPositionID, lp.ExecutedPositionID)
	if lp.IncAttempts {
		o.Attempts++
	}
	setTime(&o.LastAttemptAt, lp.LastAttemptAt)
	setIf(&o.LastError, lp.LastError)
	if lp.ClearClaim {
		o.ClaimID = ""
		o.ClaimedAt = nil
	}
	setIf(&o.ClaimID, lp.ClaimID)
	setTime(&o.ClaimedAt, lp.ClaimedAt)
}

// rebuyExecuted finalizes a claimed rebuy on the parent row.
func rebuyExecuted(childID string, now time.Time) PositionPatch {
	return PositionPatch{
		RebuyStatus:     Ptr(model.RebuyExecuted),
		RebuyExecutedAt: &now,
		RebuyPositionID: &childID,
		ErrorMessage:    Ptr(""),
		ClearClaim:      true,
	}
}

// limitFilled finalizes a claimed limit order.
func limitFilled(positionID string, now time.Time) LimitOrderPatch {
	return LimitOrderPatch{
		Status:             Ptr(model.OrderExecuted),
		ExecutedAt:         &now,
		ExecutedPositionID: &positionID,
		LastError:          Ptr(""),
		ClearClaim:         true,
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setTime(dst **time.Time, v *time.Time) {
	if v != nil {
		t := *v
		*dst = &t
	}
}
