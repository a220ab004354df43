package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/merkle"
)

// Store persists checkpoints. Checkpoints are append-only: a Store never
// edits or removes one.
type Store interface {
	// Create seals state under the next sequence number.
	Create(ctx context.Context, state State) (ID, error)
	// Restore verifies and returns the state of id.
	Restore(ctx context.Context, id ID) (State, error)
	// Get returns the sealed checkpoint without verifying it.
	Get(ctx context.Context, id ID) (*Checkpoint, error)
	// List returns every checkpoint ID in creation order.
	List(ctx context.Context) ([]ID, error)
	// VerifyAll returns the IDs of checkpoints that fail verification.
	VerifyAll(ctx context.Context) ([]ID, error)
	// ProveKey returns an inclusion proof for one state key.
	ProveKey(ctx context.Context, id ID, key string) (*merkle.InclusionProof, error)
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithHasher selects the digest algorithm. Defaults to SHA-256.
func WithHasher(h crypto.Hasher) Option {
	return func(s *MemoryStore) { s.hasher = h }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// MemoryStore is a non-persistent Store.
type MemoryStore struct {
	mu     sync.RWMutex
	hasher crypto.Hasher
	now    func() time.Time
	order  []ID
	byID   map[ID]*Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		hasher: crypto.SHA256(),
		now:    time.Now,
		byID:   make(map[ID]*Checkpoint),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, state State) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := Seal(s.hasher, state, uint64(len(s.order))+1, s.now())
	if err != nil {
		return "", err
	}
	if _, exists := s.byID[cp.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, cp.ID)
	}
	s.byID[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	return cp.ID, nil
}

func (s *MemoryStore) Restore(ctx context.Context, id ID) (State, error) {
	cp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Open(cp)
}

func (s *MemoryStore) Get(_ context.Context, id ID) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := *cp
	c.State = append([]byte(nil), cp.State...)
	return &c, nil
}

func (s *MemoryStore) List(_ context.Context) ([]ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ID(nil), s.order...), nil
}

func (s *MemoryStore) VerifyAll(ctx context.Context) ([]ID, error) {
	ids, _ := s.List(ctx)
	var failed []ID
	for _, id := range ids {
		if _, err := s.Restore(ctx, id); err != nil {
			failed = append(failed, id)
		}
	}
	return failed, nil
}

func (s *MemoryStore) ProveKey(ctx context.Context, id ID, key string) (*merkle.InclusionProof, error) {
	cp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Prove(cp, key)
}

// Mutate applies fn to the stored checkpoint in place, bypassing sealing.
// Tests use it to simulate storage corruption.
func (s *MemoryStore) Mutate(id ID, fn func(*Checkpoint)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[id]
	if ok {
		fn(cp)
	}
	return ok
}
