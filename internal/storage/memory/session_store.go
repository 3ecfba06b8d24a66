// Package memory provides in-memory store implementations, used in
// tests and in --use-memory server mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"backtest-lab/internal/domain"
	"backtest-lab/internal/storage"
)

// SessionStore is an in-memory implementation of storage.SessionStore.
// All operations take the store mutex, which serializes appends per
// session id and gives readers a consistent snapshot.
type SessionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Session
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		data: make(map[string]*domain.Session),
	}
}

// Insert adds a new session. Returns ErrDuplicateKey if the id exists.
func (s *SessionStore) Insert(_ context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[sess.ID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[sess.ID] = sess.Clone()
	return nil
}

// GetByID retrieves a session by id. Returns ErrNotFound if not exists.
func (s *SessionStore) GetByID(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return sess.Clone(), nil
}

// List retrieves session summaries matching the filter, newest first.
func (s *SessionStore) List(_ context.Context, f storage.ListFilter) ([]*domain.Summary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Summary
	for _, sess := range s.data {
		if !matches(sess, f) {
			continue
		}
		matched = append(matched, sess.Summarize())
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	page := paginate(matched, f.Offset, f.Limit)
	return page, total, nil
}

func matches(sess *domain.Session, f storage.ListFilter) bool {
	if f.Status != "" && sess.Status != f.Status {
		return false
	}
	if f.TitleSearch != "" && !strings.Contains(strings.ToLower(sess.Title), strings.ToLower(f.TitleSearch)) {
		return false
	}
	if !f.From.IsZero() && sess.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && sess.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func paginate(in []*domain.Summary, offset, limit int) []*domain.Summary {
	if offset >= len(in) {
		return nil
	}
	out := in[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// UpdateStatus sets the status. Returns ErrNotFound if not exists.
func (s *SessionStore) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}

	sess.Status = status
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendTrades appends trades to a running session.
func (s *SessionStore) AppendTrades(_ context.Context, id string, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if sess.Status.Terminal() {
		return storage.ErrTerminal
	}

	sess.Trades = append(sess.Trades, trades...)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendEquity appends equity curve points to a running session.
func (s *SessionStore) AppendEquity(_ context.Context, id string, points []domain.EquityPoint) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if sess.Status.Terminal() {
		return storage.ErrTerminal
	}

	sess.EquityCurve = append(sess.EquityCurve, points...)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// SetMetrics records final (or partial) performance metrics.
func (s *SessionStore) SetMetrics(_ context.Context, id string, m *domain.Metrics) error {
	if m == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}

	metrics := *m
	sess.Metrics = &metrics
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// SetError records the failure reason of a failed session.
func (s *SessionStore) SetError(_ context.Context, id string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}

	sess.Error = msg
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// SetChartData caches computed chart data, at most once per session.
func (s *SessionStore) SetChartData(_ context.Context, id string, cd *domain.ChartData) error {
	if cd == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.data[id]
	if !exists {
		return storage.ErrNotFound
	}
	if sess.ChartData != nil {
		return storage.ErrTerminal
	}

	sess.ChartData = cd.Clone()
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

var _ storage.SessionStore = (*SessionStore)(nil)
