package lockdown

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLatch(t *testing.T, l Latch) {
	t.Helper()
	ctx := context.Background()

	s, err := l.Status(ctx)
	require.NoError(t, err)
	assert.False(t, s.Locked)

	first := State{Reason: "chain integrity", Index: 4, Since: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, l.Trip(ctx, first))
	require.NoError(t, l.Trip(ctx, State{Reason: "second", Index: 9}))

	s, err = l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, s.Locked)
	assert.Equal(t, "chain integrity", s.Reason)
	assert.Equal(t, uint64(4), s.Index)
	assert.True(t, first.Since.Equal(s.Since))

	require.NoError(t, l.Clear(ctx))
	s, err = l.Status(ctx)
	require.NoError(t, err)
	assert.False(t, s.Locked)
}

func TestMemoryLatch(t *testing.T) {
	exerciseLatch(t, NewMemoryLatch())
}

// TestRedisLatch_Integration requires a running Redis and skips otherwise.
func TestRedisLatch_Integration(t *testing.T) {
	l := NewRedisLatchFromAddr("localhost:6379", "", 0, "test-"+uuid.NewString())
	defer func() { _ = l.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	exerciseLatch(t, l)
}
