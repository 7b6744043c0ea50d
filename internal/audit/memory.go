package audit

import (
	"container/ring"
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps the most recent audit events in a ring buffer with an
// ID index.
type MemoryStore struct {
	mu       sync.RWMutex
	events   *ring.Ring
	byID     *lru.Cache[string, *Event]
	capacity int
	total    uint64
}

// NewMemoryStore creates a store holding up to capacity events.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	index, _ := lru.New[string, *Event](capacity)
	return &MemoryStore{
		events:   ring.New(capacity),
		byID:     index,
		capacity: capacity,
	}
}

// Record stores ev, evicting the oldest event when full.
func (s *MemoryStore) Record(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.events.Value.(*Event); ok {
		s.byID.Remove(old.ID)
	}
	s.events.Value = ev
	s.events = s.events.Next()
	s.byID.Add(ev.ID, ev)
	s.total++
	return nil
}

// Recent returns up to limit events, newest first. A limit of zero or less
// returns everything held.
func (s *MemoryStore) Recent(limit int) []*Event {
	return s.collect(limit, func(*Event) bool { return true })
}

// ByDecision returns up to limit events with the given decision, newest first.
func (s *MemoryStore) ByDecision(decision string, limit int) []*Event {
	return s.collect(limit, func(ev *Event) bool { return ev.Decision == decision })
}

// Get returns the event with id if it is still held.
func (s *MemoryStore) Get(id string) (*Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID.Get(id)
}

func (s *MemoryStore) collect(limit int, keep func(*Event) bool) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	// s.events points at the next slot to write; walk backwards from the
	// newest entry.
	r := s.events.Prev()
	for i := 0; i < s.capacity; i++ {
		ev, ok := r.Value.(*Event)
		if !ok {
			break
		}
		if keep(ev) {
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		r = r.Prev()
	}
	return out
}

// Stats returns store statistics
func (s *MemoryStore) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"held":     s.byID.Len(),
		"capacity": s.capacity,
		"total":    s.total,
	}
}
