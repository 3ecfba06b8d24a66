package domain

import "github.com/shopspring/decimal"

// Metrics holds scalar performance statistics for a terminal session.
// Nil until the session reaches a terminal state with results; possibly
// partial on failed sessions.
type Metrics struct {
	TotalTrades         int             `json:"total_trades"`
	WinningTrades       int             `json:"winning_trades"`
	LosingTrades        int             `json:"losing_trades"`
	WinRate             float64         `json:"win_rate"` // percent
	TotalNetProfit      decimal.Decimal `json:"total_net_profit"`
	NetProfitPercentage float64         `json:"net_profit_percentage"`
	TotalPaidFees       decimal.Decimal `json:"total_paid_fees"`
	StartingBalance     decimal.Decimal `json:"starting_balance"`
	FinishingBalance    decimal.Decimal `json:"finishing_balance"`
	MaxDrawdown         float64         `json:"max_drawdown"` // percent, reported negative or zero
	SharpeRatio         float64         `json:"sharpe_ratio"`
	Partial             bool            `json:"partial,omitempty"`
}
