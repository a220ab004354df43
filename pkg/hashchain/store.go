package hashchain

import (
	"context"
	"fmt"
	"sync"
)

// EventStore persists chain events. Implementations only ever see appends at
// index Len(); the Chain is responsible for ordering.
type EventStore interface {
	// Append persists e. e.Index must equal the current length.
	Append(ctx context.Context, e *Event) error

	// Get retrieves the event at index.
	Get(ctx context.Context, index uint64) (*Event, error)

	// Range returns events in [start, end).
	Range(ctx context.Context, start, end uint64) ([]*Event, error)

	// Len returns the number of persisted events.
	Len(ctx context.Context) (uint64, error)
}

// MemoryEventStore is a non-persistent EventStore.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make([]*Event, 0)}
}

func (s *MemoryEventStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Index != uint64(len(s.events)) {
		return fmt.Errorf("%w: got %d, length %d", ErrOutOfOrder, e.Index, len(s.events))
	}
	s.events = append(s.events, e.Clone())
	return nil
}

func (s *MemoryEventStore) Get(_ context.Context, index uint64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index >= uint64(len(s.events)) {
		return nil, fmt.Errorf("%w: index %d", ErrEventNotFound, index)
	}
	return s.events[index].Clone(), nil
}

func (s *MemoryEventStore) Range(_ context.Context, start, end uint64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := uint64(len(s.events))
	if end > n {
		end = n
	}
	if start >= end {
		return nil, nil
	}
	out := make([]*Event, 0, end-start)
	for _, e := range s.events[start:end] {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *MemoryEventStore) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events)), nil
}
