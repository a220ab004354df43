// Package lockdown holds the degraded-mode latch. Once tripped, an engine
// refuses writes until an operator clears the latch after re-verification.
package lockdown

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kinds of lockdown.
const (
	KindIntegrity  = "integrity"  // the hash chain failed verification
	KindCommit     = "commit"     // a commit stored a checkpoint but no event
	KindCheckpoint = "checkpoint" // the live checkpoint failed verification
)

// State describes the latch.
type State struct {
	Locked bool      `json:"locked"`
	Kind   string    `json:"kind,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Index  uint64    `json:"index,omitempty"` // first failing chain index
	Since  time.Time `json:"since,omitempty"`
}

// Latch is the lockdown flag. Trip is idempotent and keeps the first state.
type Latch interface {
	Trip(ctx context.Context, s State) error
	Status(ctx context.Context) (State, error)
	Clear(ctx context.Context) error
}

// MemoryLatch is a process-local Latch.
type MemoryLatch struct {
	mu    sync.RWMutex
	state State
}

func NewMemoryLatch() *MemoryLatch { return &MemoryLatch{} }

func (l *MemoryLatch) Trip(_ context.Context, s State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Locked {
		return nil
	}
	s.Locked = true
	l.state = s
	return nil
}

func (l *MemoryLatch) Status(_ context.Context) (State, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state, nil
}

func (l *MemoryLatch) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = State{}
	return nil
}

// RedisLatch shares the latch between processes serving one deployment.
type RedisLatch struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLatch stores the latch under "qradle:lockdown:<deployment>".
func NewRedisLatch(client redis.UniversalClient, deployment string) *RedisLatch {
	return &RedisLatch{client: client, key: fmt.Sprintf("qradle:lockdown:%s", deployment)}
}

// NewRedisLatchFromAddr connects a single-node client.
func NewRedisLatchFromAddr(addr, password string, db int, deployment string) *RedisLatch {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLatch(rdb, deployment)
}

// Ping checks connectivity.
func (l *RedisLatch) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLatch) Trip(ctx context.Context, s State) error {
	s.Locked = true
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	// SETNX keeps the first recorded failure.
	if err := l.client.SetNX(ctx, l.key, b, 0).Err(); err != nil {
		return fmt.Errorf("lockdown: trip: %w", err)
	}
	return nil
}

func (l *RedisLatch) Status(ctx context.Context) (State, error) {
	b, err := l.client.Get(ctx, l.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("lockdown: status: %w", err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		// An unreadable latch is still a latch.
		return State{Locked: true, Reason: "unreadable lockdown record"}, nil
	}
	return s, nil
}

func (l *RedisLatch) Clear(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("lockdown: clear: %w", err)
	}
	return nil
}

// Close releases the client.
func (l *RedisLatch) Close() error {
	return l.client.Close()
}
