package clickhouse

import (
	"context"
	"fmt"

	"backtest-lab/internal/domain"
	"backtest-lab/internal/storage"
)

// CandleStore implements storage.CandleStore using ClickHouse. Candle
// series are write-once analytics data, a natural fit for MergeTree.
type CandleStore struct {
	conn *Conn
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(conn *Conn) *CandleStore {
	return &CandleStore{conn: conn}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// InsertBulk appends candles for a session.
func (s *CandleStore) InsertBulk(ctx context.Context, sessionID string, candles []domain.Candle) error {
	if sessionID == "" {
		return storage.ErrInvalidInput
	}
	if len(candles) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO session_candles (
			session_id, timestamp_ms, open, high, low, close, volume
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, c := range candles {
		err = batch.Append(
			sessionID, c.Timestamp,
			c.Open, c.High, c.Low, c.Close, c.Volume,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetBySession retrieves all candles for a session, timestamp ASC.
func (s *CandleStore) GetBySession(ctx context.Context, sessionID string) ([]domain.Candle, error) {
	query := `
		SELECT timestamp_ms, open, high, low, close, volume
		FROM session_candles
		WHERE session_id = ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var result []domain.Candle
	for rows.Next() {
		var c domain.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}

	return result, nil
}
