// Package metrics computes performance statistics for a completed or
// partially completed session from its trade and equity records.
package metrics

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"backtest-lab/internal/domain"
)

// Compute derives the full metrics block from trades, the equity curve
// and the configured starting balance. The result is deterministic:
// trades are re-sorted by entry time (ties broken by original index)
// before order-dependent statistics are computed, so callers may pass
// trades in any order.
func Compute(trades []domain.Trade, equity []domain.EquityPoint, startingBalance decimal.Decimal) *domain.Metrics {
	sorted := sortTrades(trades)

	wins, losses := 0, 0
	netProfit := decimal.Zero
	paidFees := decimal.Zero
	for _, t := range sorted {
		if t.PNL.IsPositive() {
			wins++
		} else {
			losses++
		}
		netProfit = netProfit.Add(t.PNL)
		paidFees = paidFees.Add(t.Fee)
	}

	m := &domain.Metrics{
		TotalTrades:      len(sorted),
		WinningTrades:    wins,
		LosingTrades:     losses,
		WinRate:          computeWinRate(wins, len(sorted)),
		TotalNetProfit:   netProfit,
		TotalPaidFees:    paidFees,
		StartingBalance:  startingBalance,
		FinishingBalance: startingBalance.Add(netProfit),
		MaxDrawdown:      computeMaxDrawdown(equity, startingBalance),
		SharpeRatio:      computeSharpe(sorted, startingBalance),
	}
	if !startingBalance.IsZero() {
		m.NetProfitPercentage, _ = netProfit.Div(startingBalance).Mul(decimal.NewFromInt(100)).Float64()
	}
	return m
}

// sortTrades returns a copy sorted by EntryTime ASC, with the original
// slice index as a tie-breaker so equal timestamps stay stable.
func sortTrades(trades []domain.Trade) []domain.Trade {
	type indexed struct {
		t domain.Trade
		i int
	}
	tmp := make([]indexed, len(trades))
	for i, t := range trades {
		tmp[i] = indexed{t, i}
	}
	sort.Slice(tmp, func(a, b int) bool {
		if tmp[a].t.EntryTime != tmp[b].t.EntryTime {
			return tmp[a].t.EntryTime < tmp[b].t.EntryTime
		}
		return tmp[a].i < tmp[b].i
	})
	out := make([]domain.Trade, len(tmp))
	for i, x := range tmp {
		out[i] = x.t
	}
	return out
}

// computeWinRate calculates win rate as wins / total.
func computeWinRate(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}

// computeMaxDrawdown calculates the worst peak-to-trough decline over
// the equity curve, as a fraction of the peak balance. Points are
// re-sorted by timestamp first.
func computeMaxDrawdown(equity []domain.EquityPoint, startingBalance decimal.Decimal) float64 {
	points := make([]domain.EquityPoint, len(equity))
	copy(points, equity)
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})

	peak, _ := startingBalance.Float64()
	maxDrawdown := 0.0
	for _, p := range points {
		bal, _ := p.Balance.Float64()
		if bal > peak {
			peak = bal
		}
		if peak > 0 {
			drawdown := (peak - bal) / peak
			if drawdown > maxDrawdown {
				maxDrawdown = drawdown
			}
		}
	}
	return maxDrawdown
}

// computeSharpe calculates the Sharpe ratio over per-trade returns
// relative to the starting balance, with a zero risk-free rate and a
// sample stddev (n-1 denominator). Fewer than two trades yields 0.
func computeSharpe(sorted []domain.Trade, startingBalance decimal.Decimal) float64 {
	n := len(sorted)
	if n < 2 || startingBalance.IsZero() {
		return 0
	}
	base, _ := startingBalance.Float64()
	returns := make([]float64, n)
	for i, t := range sorted {
		pnl, _ := t.PNL.Float64()
		returns[i] = pnl / base
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)

	sumSq := 0.0
	for _, r := range returns {
		diff := r - mean
		sumSq += diff * diff
	}
	stddev := math.Sqrt(sumSq / float64(n-1))
	if stddev == 0 {
		return 0
	}
	return mean / stddev * math.Sqrt(float64(n))
}
