// Package registry tracks active backtest sessions and enforces the
// session state machine. It is the single source of truth for "is this
// id currently running": creation, claiming and status transitions for
// one id are linearizable through the registry mutex, so at most one
// coordinator unit ever holds an active claim.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"backtest-lab/internal/domain"
	"backtest-lab/internal/storage"
)

// Registry errors.
var (
	// ErrConflict is returned when creating an id that is already live,
	// re-creating an id the store has ever seen, or claiming a session
	// that is not queued.
	ErrConflict = errors.New("session id already exists")

	// ErrInvalidTransition is returned for an edge that does not exist
	// in the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// entry is the in-memory state of a non-terminal session.
type entry struct {
	status    domain.Status
	claimed   bool
	cancel    chan struct{}
	cancelled bool
}

// Claim is the ownership token handed to the single coordinator unit
// allowed to execute a session.
type Claim struct {
	id     string
	cancel <-chan struct{}
}

// SessionID returns the claimed session id.
func (c *Claim) SessionID() string { return c.id }

// Cancelled returns a channel closed when cancellation is requested.
func (c *Claim) Cancelled() <-chan struct{} { return c.cancel }

// CancelRequested reports whether cancellation has been requested.
// Cancellation is cooperative; the owner polls this at checkpoints.
func (c *Claim) CancelRequested() bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

// Registry indexes live sessions and writes state through to the store.
type Registry struct {
	mu    sync.Mutex
	store storage.SessionStore
	live  map[string]*entry // sessions in queued or running state
}

// New creates a Registry backed by the given session store.
func New(store storage.SessionStore) *Registry {
	return &Registry{
		store: store,
		live:  make(map[string]*entry),
	}
}

// Create inserts a new session in state queued. Returns ErrConflict if
// the id is live or was ever used; creation and the uniqueness check
// are atomic with respect to concurrent creators.
func (r *Registry) Create(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	if sess == nil || sess.ID == "" {
		return nil, storage.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.live[sess.ID]; exists {
		return nil, ErrConflict
	}

	record := sess.Clone()
	record.Status = domain.StatusQueued
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt

	if err := r.store.Insert(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Ids are unique for the store's lifetime, so a terminal
			// id cannot be reused either.
			return nil, ErrConflict
		}
		return nil, err
	}

	r.live[sess.ID] = &entry{
		status: domain.StatusQueued,
		cancel: make(chan struct{}),
	}

	return record, nil
}

// Claim grants exclusive execution ownership of a queued session.
// Exactly one caller can succeed per session; later calls and calls for
// non-queued sessions return ErrConflict.
func (r *Registry) Claim(ctx context.Context, id string) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live[id]
	if !ok {
		if _, err := r.store.GetByID(ctx, id); err != nil {
			return nil, err
		}
		// Known to the store but not live: already terminal.
		return nil, ErrConflict
	}
	if e.status != domain.StatusQueued || e.claimed {
		return nil, ErrConflict
	}

	e.claimed = true
	return &Claim{id: id, cancel: e.cancel}, nil
}

// Release returns a claim without executing the session, so a later
// Claim (or an immediate cancellation of the still-queued session) can
// succeed. Only meaningful while the session is still queued; a no-op
// otherwise.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.live[id]; ok && e.status == domain.StatusQueued {
		e.claimed = false
	}
}

// Transition moves a session along a state-machine edge and records it
// in the store. Transitions out of a terminal state are silent no-ops,
// which makes duplicate terminal writes idempotent.
func (r *Registry) Transition(ctx context.Context, id string, next domain.Status) error {
	if !next.Valid() {
		return storage.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live[id]
	if !ok {
		if _, err := r.store.GetByID(ctx, id); err != nil {
			return err
		}
		// Already terminal.
		return nil
	}

	if !e.status.CanTransition(next) {
		return ErrInvalidTransition
	}

	if err := r.store.UpdateStatus(ctx, id, next); err != nil {
		return err
	}

	e.status = next
	if next.Terminal() {
		delete(r.live, id)
	}
	return nil
}

// RequestCancel flags a session for cooperative cancellation. A queued
// session is cancelled immediately without ever running; a running one
// keeps going until its owner observes the flag at a checkpoint.
// Returns false if the session is already terminal or unknown.
func (r *Registry) RequestCancel(ctx context.Context, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live[id]
	if !ok {
		return false
	}

	if !e.cancelled {
		close(e.cancel)
		e.cancelled = true
	}

	if e.status == domain.StatusQueued && !e.claimed {
		if err := r.store.UpdateStatus(ctx, id, domain.StatusCancelled); err == nil {
			delete(r.live, id)
		}
	}

	return true
}

// Lookup retrieves a session by id from the store.
func (r *Registry) Lookup(ctx context.Context, id string) (*domain.Session, error) {
	return r.store.GetByID(ctx, id)
}

// Status returns the live status of a session, or ("", false) if the
// session is not live (unknown or terminal).
func (r *Registry) Status(id string) (domain.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live[id]
	if !ok {
		return "", false
	}
	return e.status, true
}

// LiveCount returns the number of non-terminal sessions.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
