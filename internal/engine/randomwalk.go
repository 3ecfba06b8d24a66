package engine

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"backtest-lab/internal/domain"
)

// RandomWalk is the built-in demo engine. It synthesizes a price
// random walk and trades against it, seeded from the session id so a
// resubmitted configuration reproduces the same results.
type RandomWalk struct {
	// Candles per emitted batch. Defaults to 32.
	BatchSize int
	// Total candles in the run. Defaults to 256.
	TotalCandles int
	// Wall-clock pause between batches, so cancellation checkpoints
	// are observable. Zero means no pause.
	BatchDelay time.Duration
}

var _ Engine = (*RandomWalk)(nil)

func (e *RandomWalk) Start(ctx context.Context, sess *domain.Session) (Run, error) {
	batch := e.BatchSize
	if batch <= 0 {
		batch = 32
	}
	total := e.TotalCandles
	if total <= 0 {
		total = 256
	}
	h := fnv.New64a()
	h.Write([]byte(sess.ID))
	balance := sess.Config.StartingBalance
	if balance.IsZero() {
		balance = decimal.NewFromInt(10000)
	}
	return &randomWalkRun{
		rng:       rand.New(rand.NewSource(int64(h.Sum64()))),
		batchSize: batch,
		remaining: total,
		delay:     e.BatchDelay,
		price:     decimal.NewFromInt(100),
		balance:   balance,
		fee:       sess.Config.Fee,
		ts:        startTimestamp(sess),
	}, nil
}

func startTimestamp(sess *domain.Session) int64 {
	if sess.Config.StartDate != "" {
		if t, err := time.Parse("2006-01-02", sess.Config.StartDate); err == nil {
			return t.UnixMilli()
		}
	}
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
}

type randomWalkRun struct {
	rng       *rand.Rand
	batchSize int
	remaining int
	delay     time.Duration
	price     decimal.Decimal
	balance   decimal.Decimal
	fee       decimal.Decimal
	ts        int64

	open      bool
	entryTime int64
	entry     decimal.Decimal
	qty       decimal.Decimal
	closed    bool
}

const candleIntervalMs = 60_000

func (r *randomWalkRun) Next(ctx context.Context) (*Batch, error) {
	if r.closed || r.remaining <= 0 {
		return nil, ErrDone
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	n := r.batchSize
	if n > r.remaining {
		n = r.remaining
	}
	r.remaining -= n

	b := &Batch{}
	for i := 0; i < n; i++ {
		c := r.nextCandle()
		b.Candles = append(b.Candles, c)
		if tr, ok := r.maybeTrade(c); ok {
			b.Trades = append(b.Trades, tr)
			b.Equity = append(b.Equity, domain.EquityPoint{Timestamp: tr.ExitTime, Balance: r.balance})
		}
	}
	if r.remaining == 0 && r.open {
		tr := r.closePosition(b.Candles[len(b.Candles)-1])
		b.Trades = append(b.Trades, tr)
		b.Equity = append(b.Equity, domain.EquityPoint{Timestamp: tr.ExitTime, Balance: r.balance})
	}
	return b, nil
}

func (r *randomWalkRun) Close() error {
	r.closed = true
	return nil
}

func (r *randomWalkRun) nextCandle() domain.Candle {
	open := r.price
	drift := decimal.NewFromFloat(r.rng.NormFloat64()).Div(decimal.NewFromInt(100))
	close := open.Add(open.Mul(drift))
	if close.LessThanOrEqual(decimal.Zero) {
		close = open
	}
	high := decimal.Max(open, close).Mul(decimal.NewFromFloat(1.001))
	low := decimal.Min(open, close).Mul(decimal.NewFromFloat(0.999))
	vol := decimal.NewFromInt(int64(100 + r.rng.Intn(900)))

	r.price = close
	c := domain.Candle{
		Timestamp: r.ts,
		Open:      open.Round(8),
		High:      high.Round(8),
		Low:       low.Round(8),
		Close:     close.Round(8),
		Volume:    vol,
	}
	r.ts += candleIntervalMs
	return c
}

func (r *randomWalkRun) maybeTrade(c domain.Candle) (domain.Trade, bool) {
	if !r.open {
		if r.rng.Float64() < 0.1 {
			r.open = true
			r.entryTime = c.Timestamp
			r.entry = c.Close
			// commit a tenth of the balance per position
			r.qty = r.balance.Div(decimal.NewFromInt(10)).Div(c.Close).Round(8)
		}
		return domain.Trade{}, false
	}
	if r.rng.Float64() < 0.2 {
		return r.closePosition(c), true
	}
	return domain.Trade{}, false
}

func (r *randomWalkRun) closePosition(c domain.Candle) domain.Trade {
	gross := c.Close.Sub(r.entry).Mul(r.qty)
	fee := r.entry.Add(c.Close).Mul(r.qty).Mul(r.fee)
	pnl := gross.Sub(fee)
	r.balance = r.balance.Add(pnl)
	r.open = false
	return domain.Trade{
		EntryTime:  r.entryTime,
		ExitTime:   c.Timestamp,
		EntryPrice: r.entry,
		ExitPrice:  c.Close,
		Qty:        r.qty,
		PNL:        pnl.Round(8),
		Fee:        fee.Round(8),
		Side:       domain.SideBuy,
	}
}
