package domain

import "github.com/shopspring/decimal"

// Candle is one OHLCV bar from the candle source.
type Candle struct {
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// OrderMarker is one entry or exit marker derived from a trade,
// plotted on top of the candle chart.
type OrderMarker struct {
	Timestamp int64           `json:"timestamp"` // ms since epoch
	Price     decimal.Decimal `json:"price"`
	Side      string          `json:"side"` // buy | sell
	Qty       decimal.Decimal `json:"qty"`
}

// LinePoint is one (timestamp, value) pair of an overlay line series.
type LinePoint struct {
	Timestamp int64           `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// LineSeries is a named overlay line attributable to the strategy.
type LineSeries struct {
	Name   string      `json:"name"`
	Points []LinePoint `json:"points"`
}

// ChartData is the plotting-ready structure for a terminal session:
// candle series plus trade-derived order markers and optional overlay
// lines. Once computed it is a pure function of the frozen trades and
// the candle series and is never regenerated.
type ChartData struct {
	Candles     []Candle      `json:"candles_chart"`
	Orders      []OrderMarker `json:"orders_chart"`
	CandleLines []LineSeries  `json:"add_line_to_candle_chart,omitempty"`
	ExtraLines  []LineSeries  `json:"add_extra_line_chart,omitempty"`
}

// Clone returns a deep copy of c.
func (c *ChartData) Clone() *ChartData {
	out := &ChartData{}
	if c.Candles != nil {
		out.Candles = make([]Candle, len(c.Candles))
		copy(out.Candles, c.Candles)
	}
	if c.Orders != nil {
		out.Orders = make([]OrderMarker, len(c.Orders))
		copy(out.Orders, c.Orders)
	}
	out.CandleLines = cloneLines(c.CandleLines)
	out.ExtraLines = cloneLines(c.ExtraLines)
	return out
}

func cloneLines(in []LineSeries) []LineSeries {
	if in == nil {
		return nil
	}
	out := make([]LineSeries, len(in))
	for i, s := range in {
		out[i] = LineSeries{Name: s.Name}
		if s.Points != nil {
			out[i].Points = make([]LinePoint, len(s.Points))
			copy(out[i].Points, s.Points)
		}
	}
	return out
}
