// Package execution is the client side of the external Execution Service,
// which submits swaps on chain. The engine never signs or submits anything
// itself; it only classifies what the service reports.
package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Class groups Execution Service failures by how the engine reacts to them.
type Class string

const (
	// ClassNone marks a successful call.
	ClassNone Class = ""
	// ClassTransient covers liquidity, slippage, rate limits, timeouts and
	// network failures. The row stays where it was and is retried next tick.
	ClassTransient Class = "transient"
	// ClassBenign means the trade already happened (no balance left, already
	// sold). Sells treat it as success.
	ClassBenign Class = "benign"
	// ClassUnclassified is any other failure.
	ClassUnclassified Class = "unclassified"
)

// Error codes reported by the Execution Service.
const (
	CodeNoBalance   = "NO_BALANCE"
	CodeAlreadySold = "ALREADY_SOLD"
	CodeLiquidity   = "LIQUIDITY"
	CodeSlippage    = "SLIPPAGE"
	CodeTimeout     = "TIMEOUT"
	CodeRateLimited = "RATE_LIMITED"
)

// Request is one trade submission. Buys carry AmountUSD or AmountSOL; sells
// normally carry SellAll.
type Request struct {
	Side            Side            `json:"side"`
	TokenMint       string          `json:"mint"`
	AmountUSD       decimal.Decimal `json:"amountUsd"`
	AmountSOL       decimal.Decimal `json:"amountSol"`
	SellAll         bool            `json:"sellAll"`
	SlippageBps     int             `json:"slippageBps"`
	PriorityFeeMode string          `json:"priorityFeeMode"`
	WalletID        string          `json:"walletId,omitempty"`
}

// Result is a settled trade. Price and amounts may be zero when the service
// did not report them; callers fill gaps from the observed trigger price.
type Result struct {
	Signature   string          `json:"signature"`
	PriceUSD    decimal.Decimal `json:"priceUsd"`
	AmountUSD   decimal.Decimal `json:"amountUsd"`
	TokenAmount decimal.Decimal `json:"tokenAmount"`
}

// Gateway submits trades to the Execution Service.
type Gateway interface {
	Buy(ctx context.Context, req Request) (*Result, error)
	Sell(ctx context.Context, req Request) (*Result, error)
}

// Error is a classified Execution Service failure.
type Error struct {
	Class   Class
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("execution: %s: %s", e.Code, e.Message)
	}
	return "execution: " + e.Message
}

// Classify maps an error code and HTTP status to a Class.
func Classify(code string, status int) Class {
	switch code {
	case CodeNoBalance, CodeAlreadySold:
		return ClassBenign
	case CodeLiquidity, CodeSlippage, CodeTimeout, CodeRateLimited:
		return ClassTransient
	}
	if status >= 500 || status == 429 {
		return ClassTransient
	}
	return ClassUnclassified
}

// ClassOf returns the class of err. Context deadline errors count as
// transient; nil is ClassNone; anything unrecognised is unclassified.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassUnclassified
}

// IsBenign reports whether err means the trade was already done.
func IsBenign(err error) bool {
	return ClassOf(err) == ClassBenign
}
