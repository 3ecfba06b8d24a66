package metrics

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"backtest-lab/internal/domain"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestCompute_EmptyTrades(t *testing.T) {
	m := Compute(nil, nil, d(10000))

	if m.TotalTrades != 0 || m.WinningTrades != 0 || m.LosingTrades != 0 {
		t.Errorf("expected zero counts, got %+v", m)
	}
	if m.WinRate != 0 {
		t.Errorf("expected winRate 0, got %f", m.WinRate)
	}
	if !m.FinishingBalance.Equal(d(10000)) {
		t.Errorf("expected finishing balance 10000, got %s", m.FinishingBalance)
	}
}

func TestCompute_Counts(t *testing.T) {
	trades := []domain.Trade{
		{EntryTime: 1, PNL: d(50), Fee: d(1)},
		{EntryTime: 2, PNL: d(-30), Fee: d(1)},
		{EntryTime: 3, PNL: d(0), Fee: d(1)},
		{EntryTime: 4, PNL: d(20), Fee: d(1)},
	}
	m := Compute(trades, nil, d(10000))

	if m.TotalTrades != 4 {
		t.Errorf("expected 4 trades, got %d", m.TotalTrades)
	}
	// zero-pnl trades count as losses
	if m.WinningTrades != 2 || m.LosingTrades != 2 {
		t.Errorf("expected 2 wins / 2 losses, got %d / %d", m.WinningTrades, m.LosingTrades)
	}
	if m.WinRate != 0.5 {
		t.Errorf("expected winRate 0.5, got %f", m.WinRate)
	}
	if !m.TotalNetProfit.Equal(d(40)) {
		t.Errorf("expected net profit 40, got %s", m.TotalNetProfit)
	}
	if !m.TotalPaidFees.Equal(d(4)) {
		t.Errorf("expected fees 4, got %s", m.TotalPaidFees)
	}
	if !m.FinishingBalance.Equal(d(10040)) {
		t.Errorf("expected finishing balance 10040, got %s", m.FinishingBalance)
	}
	if math.Abs(m.NetProfitPercentage-0.4) > 1e-9 {
		t.Errorf("expected 0.4%%, got %f", m.NetProfitPercentage)
	}
}

func TestCompute_OrderIndependent(t *testing.T) {
	trades := []domain.Trade{
		{EntryTime: 3, PNL: d(-20), Fee: d(1)},
		{EntryTime: 1, PNL: d(50), Fee: d(1)},
		{EntryTime: 2, PNL: d(-10), Fee: d(1)},
	}
	reversed := []domain.Trade{trades[2], trades[0], trades[1]}

	m1 := Compute(trades, nil, d(1000))
	m2 := Compute(reversed, nil, d(1000))

	if m1.SharpeRatio != m2.SharpeRatio {
		t.Errorf("sharpe differs by input order: %f vs %f", m1.SharpeRatio, m2.SharpeRatio)
	}
	if !m1.TotalNetProfit.Equal(m2.TotalNetProfit) {
		t.Errorf("net profit differs by input order")
	}
}

func TestComputeMaxDrawdown(t *testing.T) {
	equity := []domain.EquityPoint{
		{Timestamp: 1, Balance: d(11000)},
		{Timestamp: 2, Balance: d(12000)},
		{Timestamp: 3, Balance: d(9000)},
		{Timestamp: 4, Balance: d(10500)},
	}
	dd := computeMaxDrawdown(equity, d(10000))

	// peak 12000 → trough 9000 = 25%
	if math.Abs(dd-0.25) > 1e-9 {
		t.Errorf("expected drawdown 0.25, got %f", dd)
	}
}

func TestComputeMaxDrawdown_UnorderedPoints(t *testing.T) {
	equity := []domain.EquityPoint{
		{Timestamp: 3, Balance: d(9000)},
		{Timestamp: 1, Balance: d(11000)},
		{Timestamp: 2, Balance: d(12000)},
	}
	dd := computeMaxDrawdown(equity, d(10000))
	if math.Abs(dd-0.25) > 1e-9 {
		t.Errorf("expected drawdown 0.25 after re-sorting, got %f", dd)
	}
}

func TestComputeMaxDrawdown_MonotonicGrowth(t *testing.T) {
	equity := []domain.EquityPoint{
		{Timestamp: 1, Balance: d(10100)},
		{Timestamp: 2, Balance: d(10200)},
	}
	if dd := computeMaxDrawdown(equity, d(10000)); dd != 0 {
		t.Errorf("expected drawdown 0, got %f", dd)
	}
}

func TestComputeSharpe_SingleTrade(t *testing.T) {
	trades := []domain.Trade{{EntryTime: 1, PNL: d(50)}}
	if s := computeSharpe(trades, d(10000)); s != 0 {
		t.Errorf("expected 0 for a single trade, got %f", s)
	}
}

func TestComputeSharpe_UniformReturns(t *testing.T) {
	trades := []domain.Trade{
		{EntryTime: 1, PNL: d(10)},
		{EntryTime: 2, PNL: d(10)},
		{EntryTime: 3, PNL: d(10)},
	}
	// zero variance is defined as 0, not +Inf
	if s := computeSharpe(trades, d(10000)); s != 0 {
		t.Errorf("expected 0 for uniform returns, got %f", s)
	}
}

func TestComputeSharpe_Sign(t *testing.T) {
	losing := []domain.Trade{
		{EntryTime: 1, PNL: d(-10)},
		{EntryTime: 2, PNL: d(-30)},
		{EntryTime: 3, PNL: d(-20)},
	}
	if s := computeSharpe(losing, d(10000)); s >= 0 {
		t.Errorf("expected negative sharpe for losing trades, got %f", s)
	}
}
