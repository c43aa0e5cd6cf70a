package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a lifecycle transition worth telling the operator about.
type EventType string

const (
	PositionOpened        EventType = "position.opened"
	PositionBuyFailed     EventType = "position.buy_failed"
	PositionSold          EventType = "position.sold"
	PositionSellFailed    EventType = "position.sell_failed"
	PositionEmergencySold EventType = "position.emergency_sold"
	RebuyExecuted         EventType = "rebuy.executed"
	RebuyFailed           EventType = "rebuy.failed"
	LimitExecuted         EventType = "limit.executed"
	LimitAlerted          EventType = "limit.alerted"
	LimitFailed           EventType = "limit.failed"
	LimitExpired          EventType = "limit.expired"
	ClaimStale            EventType = "claim.stale"
)

// Event is one outbound notification. Zero-valued fields are omitted from
// both the JSON form and the rendered text.
type Event struct {
	Type       EventType       `json:"type"`
	PositionID string          `json:"position_id,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	TokenMint  string          `json:"token_mint,omitempty"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	ProfitUSD  decimal.Decimal `json:"profit_usd"`
	Signature  string          `json:"signature,omitempty"`
	Message    string          `json:"message,omitempty"`
	At         time.Time       `json:"at"`
}

var titles = map[EventType]string{
	PositionOpened:        "Position opened",
	PositionBuyFailed:     "Buy failed",
	PositionSold:          "Position sold",
	PositionSellFailed:    "Sell failed",
	PositionEmergencySold: "Stop-loss sold",
	RebuyExecuted:         "Rebuy executed",
	RebuyFailed:           "Rebuy failed",
	LimitExecuted:         "Limit order filled",
	LimitAlerted:          "Limit order alert",
	LimitFailed:           "Limit order fill failed",
	LimitExpired:          "Limit order expired",
	ClaimStale:            "Stale claim",
}

// Title is a short human heading for the event.
func (e Event) Title() string {
	if t, ok := titles[e.Type]; ok {
		return t
	}
	return string(e.Type)
}

// Text renders the event body as plain lines.
func (e Event) Text() string {
	var b strings.Builder
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	num := func(k string, v decimal.Decimal) {
		if !v.IsZero() {
			line(k, v.String())
		}
	}

	line("Mint", e.TokenMint)
	line("Position", e.PositionID)
	line("Order", e.OrderID)
	num("Price USD", e.PriceUSD)
	num("Amount USD", e.AmountUSD)
	if e.Type == PositionSold || e.Type == PositionEmergencySold {
		line("Profit USD", e.ProfitUSD.StringFixed(2))
	}
	line("Tx", e.Signature)
	line("Note", e.Message)
	return strings.TrimRight(b.String(), "\n")
}
