// Package history holds the per-session message log: append-only,
// insertion-ordered, deduplicated by message id, and capped with FIFO
// eviction.
package history

import (
	"sync"
	"time"

	"github.com/pulsewire-dev/pulsewire/pkg/wire"
)

// DefaultCap bounds a store when no cap is configured.
const DefaultCap = 1000

// Direction records which side produced a message.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Message is one entry in the log. Immutable once created.
type Message struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Direction Direction     `json:"direction"`
	Category  wire.Category `json:"category"`
	// Level is set only for broadcast messages.
	Level wire.Level `json:"broadcastLevel,omitempty"`
}

// Store is the capped, deduplicated message log. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	ids      map[string]struct{}
	cap      int
}

// NewStore creates a store with the given cap; zero or negative means
// DefaultCap.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Store{
		ids: make(map[string]struct{}),
		cap: capacity,
	}
}

// Append inserts a message at the tail. Duplicate ids are a no-op and
// return false. When the cap is exceeded, the oldest entries are evicted
// from the head; survivors keep their order.
func (s *Store) Append(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[msg.ID]; dup {
		return false
	}

	s.messages = append(s.messages, msg)
	s.ids[msg.ID] = struct{}{}

	for len(s.messages) > s.cap {
		evicted := s.messages[0]
		s.messages = s.messages[1:]
		delete(s.ids, evicted.ID)
	}

	return true
}

// Contains reports whether a message id is present.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Len reports the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Messages returns a copy of the log in insertion order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.ids = make(map[string]struct{})
}

// Cap returns the configured capacity.
func (s *Store) Cap() int {
	return s.cap
}
