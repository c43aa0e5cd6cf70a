// Package risk enforces open-exposure limits on buys.
//
// Exposure is the USD committed to positions that still hold capital
// (pending_buy, holding, pending_sell). Every buy path (operator buy, rebuy,
// limit fill) checks the limiter before calling the Execution Service.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerMintLimitExceeded is returned when a buy would push a single
	// mint's open exposure beyond the per-mint maximum.
	ErrPerMintLimitExceeded = errors.New("risk: per-mint exposure limit exceeded")

	// ErrTotalLimitExceeded is returned when a buy would push the aggregate
	// open exposure across all mints beyond the total maximum.
	ErrTotalLimitExceeded = errors.New("risk: total exposure limit exceeded")
)

// ExposureLimiter enforces per-mint and total open-exposure limits.
// A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerMint is the maximum open USD in any single mint.
	MaxPerMint decimal.Decimal

	// MaxTotal is the maximum open USD summed over all mints.
	MaxTotal decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given limits.
func NewExposureLimiter(maxPerMint, maxTotal decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerMint: maxPerMint,
		MaxTotal:   maxTotal,
	}
}

// CheckLimit validates whether a buy of amountUSD in mint respects the limits
// given the current open exposure per mint.
func (l *ExposureLimiter) CheckLimit(
	mint string,
	amountUSD decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if l == nil {
		return nil
	}

	// 1. Per-mint limit.
	if l.MaxPerMint.IsPositive() {
		if existing[mint].Add(amountUSD).GreaterThan(l.MaxPerMint) {
			return ErrPerMintLimitExceeded
		}
	}

	// 2. Total exposure.
	if l.MaxTotal.IsPositive() {
		total := amountUSD
		for _, exposure := range existing {
			total = total.Add(exposure)
		}
		if total.GreaterThan(l.MaxTotal) {
			return ErrTotalLimitExceeded
		}
	}

	return nil
}
