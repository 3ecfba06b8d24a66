// Package broadcast provides the publish/subscribe hub that fans
// session events out to connected subscribers.
//
// Backpressure policy: every subscription has a bounded queue. When a
// subscriber cannot keep up, the oldest queued event for that
// subscriber is dropped to make room; publishing never blocks and a
// slow subscriber is never disconnected. Dropped events are counted
// per subscription. The final event of a session is always the most
// recently published one, so it survives any amount of dropping.
package broadcast

import "sync"

// Kind identifies the payload type of an event.
type Kind string

// Event kinds pushed over the stream.
const (
	KindAlert           Kind = "alert"
	KindMetrics         Kind = "metrics"
	KindTrades          Kind = "trades"
	KindEquityCurve     Kind = "equity_curve"
	KindHyperparameters Kind = "hyperparameters"
)

// Event is one frame delivered to subscribers.
type Event struct {
	SessionID string `json:"id"`
	Type      Kind   `json:"type"`
	Data      any    `json:"data"`
}

// DefaultQueueSize is the per-subscription queue bound used when the
// caller passes a non-positive buffer size.
const DefaultQueueSize = 64

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	sessionID string // empty matches all sessions

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64

	hub *Hub
}

// Events returns the channel yielding this subscriber's events. The
// channel is closed when the subscription or the hub closes.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because this
// subscriber's queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the hub. Safe to call more than
// once; pending queued events are discarded.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// matches reports whether the subscription's filter selects ev.
func (s *Subscription) matches(ev Event) bool {
	return s.sessionID == "" || s.sessionID == ev.SessionID
}

// offer enqueues ev, dropping the oldest queued event if the queue is
// full. Never blocks.
func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// Hub delivers published events to every matching subscription. Events
// for one session id are delivered in publish order; there is no
// ordering guarantee across session ids.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. An empty sessionID subscribes to
// all sessions; otherwise only events for that id are delivered.
// buffer bounds the delivery queue (DefaultQueueSize if <= 0).
func (h *Hub) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultQueueSize
	}

	s := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Event, buffer),
		hub:       h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		s.closed = true
		close(s.ch)
		return s
	}

	h.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every currently-subscribed matching handle.
// It never blocks on subscriber behavior.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		if s.matches(ev) {
			s.offer(ev)
		}
	}
}

// SubscriberCount returns the number of attached subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches and closes all subscriptions. Subsequent publishes
// are silently discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for s := range h.subs {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		delete(h.subs, s)
	}
}

// remove detaches one subscription.
func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)

	s.mu.Lock()
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
}
