package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"backtest-lab/internal/domain"
	"backtest-lab/internal/storage"
)

// SessionStore implements storage.SessionStore on PostgreSQL. Each
// session is one row; trades, equity curve and chart data live in JSONB
// columns so the durable layout stays one record per session. Appends
// use JSONB concatenation inside a single UPDATE, which serializes them
// per session id at the row level.
type SessionStore struct {
	pool *Pool
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(pool *Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

var _ storage.SessionStore = (*SessionStore)(nil)

// Insert adds a new session. Returns ErrDuplicateKey if the id exists.
func (s *SessionStore) Insert(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" {
		return storage.ErrInvalidInput
	}

	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tradesJSON, err := json.Marshal(nonNilTrades(sess.Trades))
	if err != nil {
		return fmt.Errorf("marshal trades: %w", err)
	}
	equityJSON, err := json.Marshal(nonNilEquity(sess.EquityCurve))
	if err != nil {
		return fmt.Errorf("marshal equity curve: %w", err)
	}

	query := `
		INSERT INTO backtest_sessions (
			id, status, title, description, config,
			trades, equity_curve, error, logs_ref,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = s.pool.Exec(ctx, query,
		sess.ID, string(sess.Status), sess.Title, sess.Description, configJSON,
		tradesJSON, equityJSON, sess.Error, sess.LogsRef,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by id. Returns ErrNotFound if not exists.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	query := `
		SELECT id, status, title, description, config,
		       metrics, trades, equity_curve, chart_data,
		       error, logs_ref, created_at, updated_at
		FROM backtest_sessions
		WHERE id = $1
	`

	var (
		sess        domain.Session
		status      string
		configJSON  []byte
		metricsJSON []byte
		tradesJSON  []byte
		equityJSON  []byte
		chartJSON   []byte
	)

	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sess.ID, &status, &sess.Title, &sess.Description, &configJSON,
		&metricsJSON, &tradesJSON, &equityJSON, &chartJSON,
		&sess.Error, &sess.LogsRef, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.Status = domain.Status(status)
	if err := json.Unmarshal(configJSON, &sess.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal(tradesJSON, &sess.Trades); err != nil {
		return nil, fmt.Errorf("unmarshal trades: %w", err)
	}
	if err := json.Unmarshal(equityJSON, &sess.EquityCurve); err != nil {
		return nil, fmt.Errorf("unmarshal equity curve: %w", err)
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &sess.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if len(chartJSON) > 0 {
		if err := json.Unmarshal(chartJSON, &sess.ChartData); err != nil {
			return nil, fmt.Errorf("unmarshal chart data: %w", err)
		}
	}

	return &sess, nil
}

// List retrieves session summaries matching the filter, newest first.
func (s *SessionStore) List(ctx context.Context, f storage.ListFilter) ([]*domain.Summary, int, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if f.TitleSearch != "" {
		conds = append(conds, "title ILIKE "+arg("%"+f.TitleSearch+"%"))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(f.To))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM backtest_sessions" + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := `
		SELECT id, status, title, description, error,
		       jsonb_array_length(trades), chart_data IS NOT NULL,
		       created_at, updated_at
		FROM backtest_sessions` + where + `
		ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Summary
	for rows.Next() {
		var (
			sum    domain.Summary
			status string
		)
		if err := rows.Scan(
			&sum.ID, &status, &sum.Title, &sum.Description, &sum.Error,
			&sum.TotalTrades, &sum.HasChartData,
			&sum.CreatedAt, &sum.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan session summary: %w", err)
		}
		sum.Status = domain.Status(status)
		result = append(result, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate session summaries: %w", err)
	}

	return result, total, nil
}

// UpdateStatus sets the status. Returns ErrNotFound if not exists.
func (s *SessionStore) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return storage.ErrInvalidInput
	}

	query := `UPDATE backtest_sessions SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// terminalStatuses is the SQL list used by append guards.
const terminalStatuses = "('finished', 'failed', 'cancelled', 'stopped')"

// AppendTrades appends trades to a running session.
func (s *SessionStore) AppendTrades(ctx context.Context, id string, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	batch, err := json.Marshal(trades)
	if err != nil {
		return fmt.Errorf("marshal trades: %w", err)
	}

	query := `
		UPDATE backtest_sessions
		SET trades = trades || $2::jsonb, updated_at = now()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	tag, err := s.pool.Exec(ctx, query, id, batch)
	if err != nil {
		return fmt.Errorf("append trades: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.appendMiss(ctx, id)
	}
	return nil
}

// AppendEquity appends equity curve points to a running session.
func (s *SessionStore) AppendEquity(ctx context.Context, id string, points []domain.EquityPoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("marshal equity points: %w", err)
	}

	query := `
		UPDATE backtest_sessions
		SET equity_curve = equity_curve || $2::jsonb, updated_at = now()
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	tag, err := s.pool.Exec(ctx, query, id, batch)
	if err != nil {
		return fmt.Errorf("append equity points: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.appendMiss(ctx, id)
	}
	return nil
}

// appendMiss distinguishes a missing session from a frozen one after a
// guarded UPDATE matched no rows.
func (s *SessionStore) appendMiss(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM backtest_sessions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check session existence: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrTerminal
}

// SetMetrics records final (or partial) performance metrics.
func (s *SessionStore) SetMetrics(ctx context.Context, id string, m *domain.Metrics) error {
	if m == nil {
		return storage.ErrInvalidInput
	}

	metricsJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	query := `UPDATE backtest_sessions SET metrics = $2, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, metricsJSON)
	if err != nil {
		return fmt.Errorf("set metrics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetError records the failure reason of a failed session.
func (s *SessionStore) SetError(ctx context.Context, id string, msg string) error {
	query := `UPDATE backtest_sessions SET error = $2, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, msg)
	if err != nil {
		return fmt.Errorf("set error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetChartData caches computed chart data, at most once per session.
func (s *SessionStore) SetChartData(ctx context.Context, id string, cd *domain.ChartData) error {
	if cd == nil {
		return storage.ErrInvalidInput
	}

	chartJSON, err := json.Marshal(cd)
	if err != nil {
		return fmt.Errorf("marshal chart data: %w", err)
	}

	query := `
		UPDATE backtest_sessions
		SET chart_data = $2, updated_at = now()
		WHERE id = $1 AND chart_data IS NULL`
	tag, err := s.pool.Exec(ctx, query, id, chartJSON)
	if err != nil {
		return fmt.Errorf("set chart data: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM backtest_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check session existence: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrTerminal
	}
	return nil
}

func nonNilTrades(in []domain.Trade) []domain.Trade {
	if in == nil {
		return []domain.Trade{}
	}
	return in
}

func nonNilEquity(in []domain.EquityPoint) []domain.EquityPoint {
	if in == nil {
		return []domain.EquityPoint{}
	}
	return in
}
