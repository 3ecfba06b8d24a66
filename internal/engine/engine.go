// Package engine defines the capability interface over the external
// strategy computation engine. The coordinator depends only on this
// interface; concrete engines are supplied from outside the core.
package engine

import (
	"context"
	"errors"

	"backtest-lab/internal/domain"
)

// ErrDone is returned by Run.Next when the computation has produced
// its last batch and completed naturally.
var ErrDone = errors.New("engine run complete")

// Batch is one increment of computation output. Any field may be
// empty; a batch with no content is a heartbeat.
type Batch struct {
	Trades  []domain.Trade
	Equity  []domain.EquityPoint
	Candles []domain.Candle
	Alert   string
}

// Engine launches one computation per session.
type Engine interface {
	// Start begins computing the session and returns a Run handle.
	// A Start error means the computation never began.
	Start(ctx context.Context, sess *domain.Session) (Run, error)
}

// Run is one in-flight computation, polled incrementally.
type Run interface {
	// Next blocks until the next batch is available. It returns ErrDone
	// after the final batch, or any other error on engine failure.
	Next(ctx context.Context) (*Batch, error)

	// Close halts the computation early. Safe to call after Next has
	// returned an error.
	Close() error
}
