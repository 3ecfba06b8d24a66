// Package query is the read side of the session API: lookups, listing,
// cancellation requests and on-demand chart data.
package query

import (
	"context"
	"errors"
	"fmt"

	"backtest-lab/internal/chart"
	"backtest-lab/internal/domain"
	"backtest-lab/internal/registry"
	"backtest-lab/internal/storage"
)

// Service answers queries against the session store. It also owns lazy
// chart assembly: the payload is computed on the first request after a
// session turns terminal and cached on the record.
type Service struct {
	sessions storage.SessionStore
	candles  storage.CandleStore
	registry *registry.Registry
}

// New creates a query Service.
func New(sessions storage.SessionStore, candles storage.CandleStore, reg *registry.Registry) *Service {
	return &Service{sessions: sessions, candles: candles, registry: reg}
}

// Get returns the full session record. Returns storage.ErrNotFound for
// unknown ids.
func (s *Service) Get(ctx context.Context, id string) (*domain.Session, error) {
	return s.sessions.GetByID(ctx, id)
}

// List returns session summaries matching the filter, newest first,
// with the total match count before pagination.
func (s *Service) List(ctx context.Context, f storage.ListFilter) ([]*domain.Summary, int, error) {
	return s.sessions.List(ctx, f)
}

// Cancel requests cooperative cancellation. Returns false when the
// session is unknown or already terminal.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	return s.registry.RequestCancel(ctx, id)
}

// ChartData returns the chart payload for a terminal session,
// assembling and caching it on first request. Returns chart.ErrNotReady
// while the session is still queued or running.
func (s *Service) ChartData(ctx context.Context, id string) (*domain.ChartData, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.ChartData != nil {
		return sess.ChartData, nil
	}

	candles, err := s.candles.GetBySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load candles: %w", err)
	}
	cd, err := chart.Assemble(sess, candles)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.SetChartData(ctx, id, cd); err != nil {
		// a concurrent request assembled it first; serve the stored copy
		if errors.Is(err, storage.ErrTerminal) {
			stored, gerr := s.sessions.GetByID(ctx, id)
			if gerr == nil && stored.ChartData != nil {
				return stored.ChartData, nil
			}
		}
		return nil, fmt.Errorf("cache chart data: %w", err)
	}
	return cd, nil
}
