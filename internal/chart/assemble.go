// Package chart assembles the chart payload for a terminal session
// from its persisted trades, equity curve and candles. Assembly is a
// pure function of those records: the same session always produces the
// same payload, so it is computed once and cached on the session.
package chart

import (
	"errors"
	"sort"

	"backtest-lab/internal/domain"
)

// ErrNotReady is returned when chart data is requested for a session
// that has not reached a terminal state yet.
var ErrNotReady = errors.New("chart data not ready")

// EquitySeriesName labels the equity curve in the extra chart.
const EquitySeriesName = "equity"

// Assemble builds the chart payload for a terminal session. It never
// mutates its inputs.
func Assemble(sess *domain.Session, candles []domain.Candle) (*domain.ChartData, error) {
	if !sess.Status.Terminal() {
		return nil, ErrNotReady
	}

	cd := &domain.ChartData{
		Candles: sortedCandles(candles),
		Orders:  orderMarkers(sess.Trades),
	}
	if len(sess.EquityCurve) > 0 {
		cd.ExtraLines = []domain.LineSeries{equityLine(sess.EquityCurve)}
	}
	return cd, nil
}

func sortedCandles(candles []domain.Candle) []domain.Candle {
	out := make([]domain.Candle, len(candles))
	copy(out, candles)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// orderMarkers emits two markers per trade: the entry in the trade's
// direction and the exit in the opposite direction.
func orderMarkers(trades []domain.Trade) []domain.OrderMarker {
	out := make([]domain.OrderMarker, 0, len(trades)*2)
	for _, t := range trades {
		out = append(out, domain.OrderMarker{
			Timestamp: t.EntryTime,
			Price:     t.EntryPrice,
			Side:      t.Side,
			Qty:       t.Qty,
		})
		out = append(out, domain.OrderMarker{
			Timestamp: t.ExitTime,
			Price:     t.ExitPrice,
			Side:      oppositeSide(t.Side),
			Qty:       t.Qty,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

func oppositeSide(side string) string {
	if side == domain.SideBuy {
		return domain.SideSell
	}
	return domain.SideBuy
}

func equityLine(points []domain.EquityPoint) domain.LineSeries {
	sorted := make([]domain.EquityPoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	line := domain.LineSeries{Name: EquitySeriesName}
	for _, p := range sorted {
		line.Points = append(line.Points, domain.LinePoint{
			Timestamp: p.Timestamp,
			Value:     p.Balance,
		})
	}
	return line
}
