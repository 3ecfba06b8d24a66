package domain

import "github.com/shopspring/decimal"

// Trade side constants.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade is one closed position produced by the computation engine.
// All monetary fields are fixed-precision decimals so repeated
// aggregation never drifts.
type Trade struct {
	EntryTime  int64           `json:"entry_time"` // ms since epoch
	ExitTime   int64           `json:"exit_time"`  // ms since epoch
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Qty        decimal.Decimal `json:"qty"`
	PNL        decimal.Decimal `json:"pnl"`
	Fee        decimal.Decimal `json:"fee"`
	Side       string          `json:"side"` // buy = long entry, sell = short entry
}

// EquityPoint is one account balance snapshot on the equity curve.
type EquityPoint struct {
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Balance   decimal.Decimal `json:"balance"`
}
