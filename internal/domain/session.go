// Package domain contains the core entities of the backtest lab:
// sessions, trades, equity curves, performance metrics and chart data.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a backtest session.
type Status string

// Session statuses. Queued is the initial state; Finished, Failed,
// Cancelled and Stopped are terminal.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled, StatusStopped:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusFinished, StatusFailed, StatusCancelled, StatusStopped:
		return true
	}
	return false
}

// CanTransition reports whether the edge s -> next exists in the session
// state machine:
//
//	queued  -> running | cancelled | stopped
//	running -> finished | failed | cancelled | stopped
//
// Terminal states have no outgoing edges.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled || next == StatusStopped
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// Route selects one (exchange, symbol, timeframe, strategy) combination
// to execute within a session.
type Route struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Strategy  string `json:"strategy"`
}

// Config is the submission configuration snapshot. Extra is the raw
// config blob captured verbatim; the typed fields are the subset the
// core validates at the boundary. Config is immutable after creation.
type Config struct {
	StartingBalance decimal.Decimal `json:"starting_balance"`
	Fee             decimal.Decimal `json:"fee"`
	Exchange        string          `json:"exchange,omitempty"`
	WarmUpCandles   int             `json:"warm_up_candles,omitempty"`
	Routes          []Route         `json:"routes"`
	StartDate       string          `json:"start_date"`
	FinishDate      string          `json:"finish_date"`
	Extra           json.RawMessage `json:"extra,omitempty"`
}

// Session is one tracked execution of a backtest job.
//
// Trades and EquityCurve are append-only while the session is running
// and frozen the instant the status becomes terminal. ChartData is a
// lazily computed cache, set at most once per terminal session.
type Session struct {
	ID          string        `json:"id"`
	Status      Status        `json:"status"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Config      Config        `json:"config"`
	Metrics     *Metrics      `json:"metrics,omitempty"`
	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"`
	ChartData   *ChartData    `json:"chart_data,omitempty"`
	Error       string        `json:"error,omitempty"`
	LogsRef     string        `json:"logs_ref,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Summary is the listing projection of a Session. It excludes trades,
// equity curve and chart data to bound payload size.
type Summary struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Title        string    `json:"title,omitempty"`
	Description  string    `json:"description,omitempty"`
	Error        string    `json:"error,omitempty"`
	TotalTrades  int       `json:"total_trades"`
	HasChartData bool      `json:"has_chart_data"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summarize builds the listing projection of s.
func (s *Session) Summarize() *Summary {
	return &Summary{
		ID:           s.ID,
		Status:       s.Status,
		Title:        s.Title,
		Description:  s.Description,
		Error:        s.Error,
		TotalTrades:  len(s.Trades),
		HasChartData: s.ChartData != nil,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Clone returns a deep copy of s. Stores hand out clones so callers can
// never mutate persisted state through a shared slice.
func (s *Session) Clone() *Session {
	c := *s
	if s.Trades != nil {
		c.Trades = make([]Trade, len(s.Trades))
		copy(c.Trades, s.Trades)
	}
	if s.EquityCurve != nil {
		c.EquityCurve = make([]EquityPoint, len(s.EquityCurve))
		copy(c.EquityCurve, s.EquityCurve)
	}
	if s.Metrics != nil {
		m := *s.Metrics
		c.Metrics = &m
	}
	if s.ChartData != nil {
		c.ChartData = s.ChartData.Clone()
	}
	return &c
}
