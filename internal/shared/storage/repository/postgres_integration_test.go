//go:build integration

package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agents-dispatch/internal/shared/model"
	pgdriver "agents-dispatch/internal/shared/storage/driver/postgres"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// newPostgresStore 启动 PostgreSQL 容器并返回迁移好的 Store
func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("dispatch_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := pgdriver.Open(dsn)
	require.NoError(t, err)
	dialect := pgdriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresClaimExclusive(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	const tasks = 8
	const workers = 12
	for i := 0; i < tasks; i++ {
		require.NoError(t, store.CreateTask(ctx, newTask(fmt.Sprintf("task-%02d", i), 0, time.Now().UTC())))
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < tasks; i++ {
				won, err := store.ClaimTask(ctx, fmt.Sprintf("task-%02d", i), fmt.Sprintf("m-%d", w), time.Now())
				assert.NoError(t, err)
				if won {
					wins.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, int32(tasks), wins.Load(), "every task claimed exactly once")

	counts, err := store.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, tasks, counts[model.TaskStatusClaimed])
}

func TestPostgresReassignment(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dead := newMachine("m-dead", "alpha")
	old := now.Add(-10 * time.Minute)
	dead.LastHeartbeat = &old
	require.NoError(t, store.UpsertMachine(ctx, dead))
	require.NoError(t, store.CreateTask(ctx, newTask("task-a", 0, now)))
	require.NoError(t, store.AssignTask(ctx, "task-a", "m-dead"))

	ids, err := store.MarkStaleOffline(ctx, now.Add(-model.DefaultStaleThreshold))
	require.NoError(t, err)
	assert.Equal(t, []string{"m-dead"}, ids)

	n, err := store.UnassignQueuedTasks(ctx, "m-dead")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.AssignTask(ctx, "task-a", "m-live"))
	got, err := store.GetTask(ctx, "task-a")
	require.NoError(t, err)
	assert.True(t, got.AssignedTo("m-live"))
}
