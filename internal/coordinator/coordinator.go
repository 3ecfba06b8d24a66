// Package coordinator owns session execution. It claims queued
// sessions from the registry, runs the computation engine for each in
// its own goroutine, persists results incrementally, and publishes
// live events to the broadcast hub.
//
// Cancellation is cooperative: the loop checks the claim's cancel flag
// and the shutdown context between engine batches, so a session stops
// only at a checkpoint, with everything persisted so far intact.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"backtest-lab/internal/broadcast"
	"backtest-lab/internal/domain"
	"backtest-lab/internal/engine"
	"backtest-lab/internal/metrics"
	"backtest-lab/internal/observability"
	"backtest-lab/internal/registry"
	"backtest-lab/internal/sessionlog"
	"backtest-lab/internal/storage"
)

// Alert is the payload of alert events.
type Alert struct {
	Message string `json:"message"`
}

// Options for creating a Coordinator.
type Options struct {
	// Required
	Registry *registry.Registry
	Sessions storage.SessionStore
	Candles  storage.CandleStore
	Engine   engine.Engine
	Hub      *broadcast.Hub

	// Optional
	Logs  *sessionlog.Manager
	Retry storage.RetryConfig
}

// Coordinator runs claimed sessions to a terminal state.
type Coordinator struct {
	registry *registry.Registry
	sessions storage.SessionStore
	candles  storage.CandleStore
	engine   engine.Engine
	hub      *broadcast.Hub
	logs     *sessionlog.Manager
	retry    storage.RetryConfig

	wg sync.WaitGroup
}

// New creates a new Coordinator.
func New(opts Options) *Coordinator {
	retry := opts.Retry
	if retry.MaxRetries == 0 {
		retry = storage.DefaultRetryConfig()
	}
	return &Coordinator{
		registry: opts.Registry,
		sessions: opts.Sessions,
		candles:  opts.Candles,
		engine:   opts.Engine,
		hub:      opts.Hub,
		logs:     opts.Logs,
		retry:    retry,
	}
}

// Start claims a queued session and launches its execution goroutine.
// It returns once the session is claimed and marked running; results
// arrive through the store and the hub. Errors from the registry pass
// through unchanged so callers can map them.
func (c *Coordinator) Start(ctx context.Context, id string) error {
	claim, err := c.registry.Claim(ctx, id)
	if err != nil {
		return err
	}

	sess, err := c.registry.Lookup(ctx, id)
	if err != nil {
		return err
	}

	if err := c.registry.Transition(ctx, id, domain.StatusRunning); err != nil {
		// give the claim back so the session is not stuck: a retry can
		// re-claim it and RequestCancel can still resolve it
		c.registry.Release(id)
		return fmt.Errorf("transition to running: %w", err)
	}
	observability.RecordSessionStarted()

	c.publish(id, broadcast.KindHyperparameters, sess.Config)

	c.wg.Add(1)
	go c.run(ctx, claim, sess)
	return nil
}

// Wait blocks until every launched session goroutine has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// run drives one session from running to a terminal state.
func (c *Coordinator) run(ctx context.Context, claim *registry.Claim, sess *domain.Session) {
	defer c.wg.Done()

	id := claim.SessionID()
	started := time.Now()

	logw := c.openLog(id)
	defer func() {
		if logw != nil {
			logw.Close()
		}
	}()
	c.logf(logw, "session %s started: %d route(s), starting balance %s",
		id, len(sess.Config.Routes), sess.Config.StartingBalance)

	var trades []domain.Trade
	var equity []domain.EquityPoint

	finish := func(status domain.Status, reason string) {
		c.finalize(ctx, id, status, reason, trades, equity, sess, logw)
		observability.RecordSessionCompleted(string(status), time.Since(started).Seconds())
	}

	run, err := c.engine.Start(ctx, sess)
	if err != nil {
		finish(domain.StatusFailed, fmt.Sprintf("engine start failed: %v", err))
		return
	}
	defer run.Close()

	for {
		// checkpoint: cancellation and shutdown are only observed here
		if claim.CancelRequested() {
			c.logf(logw, "cancel requested, stopping at checkpoint")
			finish(domain.StatusCancelled, "cancelled by request")
			return
		}
		if ctx.Err() != nil {
			finish(domain.StatusStopped, "server shutting down")
			return
		}

		batch, err := run.Next(ctx)
		if errors.Is(err, engine.ErrDone) {
			finish(domain.StatusFinished, "")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				finish(domain.StatusStopped, "server shutting down")
				return
			}
			c.logf(logw, "engine error: %v", err)
			finish(domain.StatusFailed, err.Error())
			return
		}

		if err := c.persistBatch(ctx, id, batch); err != nil {
			c.logf(logw, "storage error: %v", err)
			finish(domain.StatusFailed, fmt.Sprintf("storage failure: %v", err))
			return
		}
		trades = append(trades, batch.Trades...)
		equity = append(equity, batch.Equity...)

		if len(batch.Trades) > 0 {
			c.logf(logw, "appended %d trade(s), %d total", len(batch.Trades), len(trades))
			c.publish(id, broadcast.KindTrades, batch.Trades)
		}
		if len(batch.Equity) > 0 {
			c.publish(id, broadcast.KindEquityCurve, batch.Equity)
		}
		if batch.Alert != "" {
			c.publish(id, broadcast.KindAlert, Alert{Message: batch.Alert})
		}
	}
}

// persistBatch writes one batch through the stores, retrying transient
// failures. An error means retries were exhausted.
func (c *Coordinator) persistBatch(ctx context.Context, id string, batch *engine.Batch) error {
	if len(batch.Trades) > 0 {
		if err := storage.Retry(ctx, c.retry, func() error {
			return c.sessions.AppendTrades(ctx, id, batch.Trades)
		}); err != nil {
			return fmt.Errorf("append trades: %w", err)
		}
	}
	if len(batch.Equity) > 0 {
		if err := storage.Retry(ctx, c.retry, func() error {
			return c.sessions.AppendEquity(ctx, id, batch.Equity)
		}); err != nil {
			return fmt.Errorf("append equity: %w", err)
		}
	}
	if len(batch.Candles) > 0 {
		if err := storage.Retry(ctx, c.retry, func() error {
			return c.candles.InsertBulk(ctx, id, batch.Candles)
		}); err != nil {
			return fmt.Errorf("insert candles: %w", err)
		}
	}
	return nil
}

// finalize records metrics and the terminal status, then emits the
// closing events. All writes are best effort past the first failure:
// the transition to a terminal state is attempted regardless.
func (c *Coordinator) finalize(ctx context.Context, id string, status domain.Status, reason string,
	trades []domain.Trade, equity []domain.EquityPoint, sess *domain.Session, logw *sessionlog.Writer) {

	// finalization must complete even when shutdown cancelled ctx
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	// a cancelled or stopped session that never produced results keeps
	// metrics absent; finished and failed sessions always record them
	var m *domain.Metrics
	if status == domain.StatusFinished || status == domain.StatusFailed ||
		len(trades) > 0 || len(equity) > 0 {
		m = metrics.Compute(trades, equity, sess.Config.StartingBalance)
		m.Partial = status != domain.StatusFinished

		if err := storage.Retry(fctx, c.retry, func() error {
			return c.sessions.SetMetrics(fctx, id, m)
		}); err != nil {
			log.Printf("[coordinator] session %s: set metrics: %v", id, err)
		}
	}

	if status == domain.StatusFailed && reason != "" {
		if err := storage.Retry(fctx, c.retry, func() error {
			return c.sessions.SetError(fctx, id, reason)
		}); err != nil {
			log.Printf("[coordinator] session %s: set error: %v", id, err)
		}
	}

	if err := c.registry.Transition(fctx, id, status); err != nil {
		log.Printf("[coordinator] session %s: transition to %s: %v", id, status, err)
	}

	switch status {
	case domain.StatusFinished:
		c.publish(id, broadcast.KindMetrics, m)
		c.logf(logw, "session finished: %d trades, net profit %s", m.TotalTrades, m.TotalNetProfit)
	case domain.StatusFailed:
		c.publish(id, broadcast.KindAlert, Alert{Message: reason})
		c.logf(logw, "session failed: %s", reason)
	case domain.StatusCancelled:
		c.publish(id, broadcast.KindAlert, Alert{Message: "session cancelled"})
		c.logf(logw, "session cancelled, %d trade(s) kept", len(trades))
	case domain.StatusStopped:
		c.logf(logw, "session stopped by server shutdown")
	}
}

func (c *Coordinator) publish(id string, kind broadcast.Kind, data any) {
	c.hub.Publish(broadcast.Event{SessionID: id, Type: kind, Data: data})
	observability.RecordEventPublished(string(kind))
}

func (c *Coordinator) openLog(id string) *sessionlog.Writer {
	if c.logs == nil {
		return nil
	}
	w, err := c.logs.Open(id)
	if err != nil {
		log.Printf("[coordinator] session %s: open log: %v", id, err)
		return nil
	}
	return w
}

func (c *Coordinator) logf(w *sessionlog.Writer, format string, args ...any) {
	if w != nil {
		w.Printf(format, args...)
	}
}
