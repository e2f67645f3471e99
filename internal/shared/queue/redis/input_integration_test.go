//go:build integration

package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"agents-dispatch/internal/shared/queue"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	store, err := NewStore("redis://"+endpoint, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisInputFIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Push(ctx, "task-a", "first"))
	require.NoError(t, store.Push(ctx, "task-a", "second"))

	n, err := store.Len(ctx, "task-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ttl, err := store.Client().TTL(ctx, inputKey("task-a")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	msgs, err := store.Drain(ctx, "task-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, queue.Texts(msgs))

	msgs, err = store.Drain(ctx, "task-a")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisInputConcurrentDrain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, store.Push(ctx, "task-a", "msg"))
	}

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := store.Drain(ctx, "task-a")
			assert.NoError(t, err)
			mu.Lock()
			total += len(msgs)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total)
}
