package hashchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/qradle/pkg/canonicalize"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
)

const verifyBatch = 256

// Chain is the append-only event log. A Chain must have a single writer; the
// execution engine serialises every Append under its commit lock.
type Chain struct {
	mu     sync.RWMutex
	store  EventStore
	hasher crypto.Hasher
	logger *slog.Logger

	length uint64
	head   crypto.Digest
	failed *IntegrityError
}

// Option configures a Chain.
type Option func(*Chain)

// WithHasher selects the digest algorithm. Defaults to SHA-256.
func WithHasher(h crypto.Hasher) Option {
	return func(c *Chain) { c.hasher = h }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// New opens a chain over store. Existing events are verified; a chain whose
// history fails verification is returned in the failed state (writes refused,
// reads allowed) rather than as an error.
func New(ctx context.Context, store EventStore, opts ...Option) (*Chain, error) {
	c := &Chain{
		store:  store,
		hasher: crypto.SHA256(),
		logger: slog.Default().With("component", "hashchain"),
	}
	for _, opt := range opts {
		opt(c)
	}

	n, err := store.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("hashchain: read length: %w", err)
	}

	head := crypto.ZeroDigest
	if n > 0 {
		last, err := store.Get(ctx, n-1)
		if err != nil {
			return nil, fmt.Errorf("hashchain: read head: %w", err)
		}
		head, err = crypto.ParseDigest(last.NodeDigest)
		if err != nil {
			return nil, fmt.Errorf("hashchain: head digest: %w", err)
		}
	}
	c.length = n
	c.head = head

	if n > 0 {
		if _, err := c.VerifyIntegrity(ctx); err != nil {
			var ie *IntegrityError
			if !errors.As(err, &ie) {
				return nil, err
			}
		}
	}
	return c, nil
}

// Hasher returns the chain's digest algorithm.
func (c *Chain) Hasher() crypto.Hasher { return c.hasher }

// Append canonicalizes payload and appends it as the next event.
func (c *Chain) Append(ctx context.Context, payload any) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return nil, fmt.Errorf("%w: %w", ErrChainLocked, c.failed)
	}

	payloadDigest, canonical, err := canonicalize.Hash(c.hasher, payload)
	if err != nil {
		return nil, fmt.Errorf("hashchain: canonicalize payload: %w", err)
	}

	index := c.length
	node := ComputeNodeDigest(c.hasher, index, payloadDigest, c.head)
	e := &Event{
		Index:         index,
		Payload:       canonical,
		PayloadDigest: payloadDigest.String(),
		PrevDigest:    c.head.String(),
		NodeDigest:    node.String(),
	}

	if err := c.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("hashchain: persist event %d: %w", index, err)
	}

	c.length++
	c.head = node
	return e.Clone(), nil
}

// VerifyIntegrity recomputes every digest from index 0. On the first mismatch
// it records the failing index, locks the chain against writes and returns
// false with an *IntegrityError.
func (c *Chain) VerifyIntegrity(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ie, err := c.verifyLocked(ctx)
	if err != nil {
		return false, err
	}
	if ie != nil {
		c.failed = ie
		c.logger.ErrorContext(ctx, "hash chain integrity violated",
			"severity", SeverityCritical,
			"index", ie.Index,
			"reason", ie.Reason,
		)
		return false, ie
	}
	return true, nil
}

func (c *Chain) verifyLocked(ctx context.Context) (*IntegrityError, error) {
	stored, err := c.store.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("hashchain: read length: %w", err)
	}
	if stored < c.length {
		return &IntegrityError{Index: stored, Reason: "events missing from store"}, nil
	}

	prev := crypto.ZeroDigest
	for start := uint64(0); start < c.length; start += verifyBatch {
		end := start + verifyBatch
		if end > c.length {
			end = c.length
		}
		events, err := c.store.Range(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("hashchain: read range [%d,%d): %w", start, end, err)
		}
		if uint64(len(events)) != end-start {
			return &IntegrityError{Index: start + uint64(len(events)), Reason: "events missing from store"}, nil
		}
		for i, e := range events {
			idx := start + uint64(i)
			node, err := checkEvent(c.hasher, e, idx, prev)
			if err != nil {
				return &IntegrityError{Index: idx, Reason: err.Error()}, nil
			}
			prev = node
		}
	}

	if c.length > 0 && prev != c.head {
		return &IntegrityError{Index: c.length - 1, Reason: "recomputed root differs from committed root"}, nil
	}
	return nil, nil
}

// FailedIndex returns the index recorded by the last failed verification.
func (c *Chain) FailedIndex() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.failed == nil {
		return 0, false
	}
	return c.failed.Index, true
}

// Failure returns the recorded integrity failure, or nil.
func (c *Chain) Failure() *IntegrityError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed
}

// ClearFailure re-verifies the chain and, if it is intact, accepts writes
// again. It is the operator path out of the failed state.
func (c *Chain) ClearFailure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ie, err := c.verifyLocked(ctx)
	if err != nil {
		return err
	}
	if ie != nil {
		c.failed = ie
		return ie
	}
	c.failed = nil
	return nil
}

// Root returns the chain root: the node digest of the most recent event, or
// the genesis digest for an empty chain.
func (c *Chain) Root() crypto.Digest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Len returns the number of committed events.
func (c *Chain) Len() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.length
}

// Get returns the event at index.
func (c *Chain) Get(ctx context.Context, index uint64) (*Event, error) {
	if index >= c.Len() {
		return nil, fmt.Errorf("%w: index %d", ErrEventNotFound, index)
	}
	return c.store.Get(ctx, index)
}

// Range returns events in [start, end).
func (c *Chain) Range(ctx context.Context, start, end uint64) ([]*Event, error) {
	if n := c.Len(); end > n {
		end = n
	}
	return c.store.Range(ctx, start, end)
}
