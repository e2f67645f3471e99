//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"agents-dispatch/internal/shared/model"
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

func TestRedisEventLogRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var batch []model.SessionEvent
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, model.SessionEvent{Seq: i, TaskID: "task-a", Kind: model.EventKindText, Text: "chunk"})
	}
	require.NoError(t, store.Append(ctx, "task-a", batch))

	ttl, err := store.Client().TTL(ctx, streamKey("task-a")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	got, err := store.Range(ctx, "task-a", 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].Seq)

	got, err = store.Range(ctx, "task-a", 0, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, store.Delete(ctx, "task-a"))
	got, err = store.Range(ctx, "task-a", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
