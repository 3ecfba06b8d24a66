package storage

import (
	"context"
	"time"

	"backtest-lab/internal/domain"
)

// ListFilter narrows and pages a session listing.
type ListFilter struct {
	Limit       int
	Offset      int
	TitleSearch string        // substring match on title, case-insensitive
	Status      domain.Status // empty = all statuses
	From        time.Time     // created_at lower bound (inclusive), zero = unbounded
	To          time.Time     // created_at upper bound (inclusive), zero = unbounded
}

// SessionStore provides durable access to backtest sessions. One record
// per session, addressable by id. Append operations are serialized per
// session id by the implementation; readers always observe a consistent
// prefix.
type SessionStore interface {
	// Insert adds a new session. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, s *domain.Session) error

	// GetByID retrieves a session by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Session, error)

	// List retrieves session summaries matching the filter, newest first,
	// along with the total count of matches before pagination.
	List(ctx context.Context, f ListFilter) ([]*domain.Summary, int, error)

	// UpdateStatus sets the status. The registry validates transitions;
	// the store only records them. Returns ErrNotFound if not exists.
	UpdateStatus(ctx context.Context, id string, status domain.Status) error

	// AppendTrades appends trades to a running session. Returns
	// ErrTerminal if the session is already terminal.
	AppendTrades(ctx context.Context, id string, trades []domain.Trade) error

	// AppendEquity appends equity curve points to a running session.
	// Returns ErrTerminal if the session is already terminal.
	AppendEquity(ctx context.Context, id string, points []domain.EquityPoint) error

	// SetMetrics records final (or partial) performance metrics.
	SetMetrics(ctx context.Context, id string, m *domain.Metrics) error

	// SetError records the failure reason of a failed session.
	SetError(ctx context.Context, id string, msg string) error

	// SetChartData caches computed chart data. Returns ErrTerminal if
	// chart data was already set; it is computed at most once.
	SetChartData(ctx context.Context, id string, cd *domain.ChartData) error
}

// CandleStore provides access to the candle series underlying each
// session, used by the chart data assembler.
type CandleStore interface {
	// InsertBulk appends candles for a session, ordered by timestamp.
	InsertBulk(ctx context.Context, sessionID string, candles []domain.Candle) error

	// GetBySession retrieves all candles for a session, timestamp ASC.
	GetBySession(ctx context.Context, sessionID string) ([]domain.Candle, error)
}
