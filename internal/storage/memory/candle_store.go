package memory

import (
	"context"
	"sort"
	"sync"

	"backtest-lab/internal/domain"
	"backtest-lab/internal/storage"
)

// CandleStore is an in-memory implementation of storage.CandleStore.
type CandleStore struct {
	mu   sync.RWMutex
	data map[string][]domain.Candle // keyed by session id
}

// NewCandleStore creates a new in-memory candle store.
func NewCandleStore() *CandleStore {
	return &CandleStore{
		data: make(map[string][]domain.Candle),
	}
}

// InsertBulk appends candles for a session.
func (s *CandleStore) InsertBulk(_ context.Context, sessionID string, candles []domain.Candle) error {
	if sessionID == "" {
		return storage.ErrInvalidInput
	}
	if len(candles) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[sessionID] = append(s.data[sessionID], candles...)
	return nil
}

// GetBySession retrieves all candles for a session, timestamp ASC.
func (s *CandleStore) GetBySession(_ context.Context, sessionID string) ([]domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.data[sessionID]
	result := make([]domain.Candle, len(stored))
	copy(result, stored)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})

	return result, nil
}

var _ storage.CandleStore = (*CandleStore)(nil)
