package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

func TestDispatchPrefersProjectAffinity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	env.register(t, &model.Machine{ID: "M1", MaxConcurrent: 2})
	env.register(t, &model.Machine{ID: "M2", Projects: []string{"P"}, MaxConcurrent: 1})
	env.createTask(t, "task-p", "P", 5)

	res, err := env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Assigned)

	task := env.task(t, "task-p")
	assert.Equal(t, "M2", assignedTo(task))
	assert.Equal(t, model.TaskStatusQueued, task.Status, "assignment must not change status")
}

func TestDispatchRespectsCapacityAndOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	env.register(t, &model.Machine{ID: "m-1", Projects: []string{"P"}, MaxConcurrent: 1})
	base := time.Now().UTC().Add(-time.Hour)
	for i, p := range []int{1, 9, 5} {
		task := &model.Task{
			ID:          fmt.Sprintf("task-%d", i),
			Description: "x",
			Project:     "P",
			Status:      model.TaskStatusQueued,
			Priority:    p,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, env.store.CreateTask(ctx, task))
	}

	res, err := env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Assigned)
	assert.Equal(t, 2, res.Pending)
	assert.Equal(t, "m-1", assignedTo(env.task(t, "task-1")), "highest priority goes first")
	assert.Empty(t, assignedTo(env.task(t, "task-0")))
	assert.Empty(t, assignedTo(env.task(t, "task-2")))

	// 分配未领取的任务占用容量，下个周期不会超额分配
	res, err = env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Assigned)
}

func TestDispatchContinuesPastAssignError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	flaky := &failingAssignStore{TaskStore: env.store, failTask: "task-b"}
	d, err := NewDispatcher(flaky, env.registry, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	env.register(t, &model.Machine{ID: "m-1", Projects: []string{"P"}, MaxConcurrent: 3})
	env.createTask(t, "task-a", "P", 9)
	env.createTask(t, "task-b", "P", 5)
	env.createTask(t, "task-c", "P", 1)

	res, err := d.RunCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assign task task-b")
	assert.Equal(t, 2, res.Assigned, "tasks after the failing one are still assigned")
	assert.Equal(t, "m-1", assignedTo(env.task(t, "task-a")))
	assert.Empty(t, assignedTo(env.task(t, "task-b")))
	assert.Equal(t, "m-1", assignedTo(env.task(t, "task-c")))

	// 下个周期重试失败的任务
	flaky.failTask = ""
	res, err = d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Assigned)
	assert.Equal(t, "m-1", assignedTo(env.task(t, "task-b")))
}

func TestDispatchCostCeiling(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	env.register(t, &model.Machine{ID: "m-gpu", Projects: []string{"P"}, MaxConcurrent: 4, CostPerTask: 3})
	task := &model.Task{ID: "task-cheap", Description: "x", Project: "P", Status: model.TaskStatusQueued, MaxCost: 1}
	require.NoError(t, env.store.CreateTask(ctx, task))

	res, err := env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Assigned)

	env.register(t, &model.Machine{ID: "m-cpu", MaxConcurrent: 1, CostPerTask: 0.5})
	_, err = env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m-cpu", assignedTo(env.task(t, "task-cheap")))
}

func TestDispatchReassignsFromOfflineMachine(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	env.register(t, &model.Machine{ID: "m-dead", Projects: []string{"P"}, MaxConcurrent: 2})
	env.createTask(t, "task-q", "P", 0)
	env.createTask(t, "task-r", "P", 0)

	_, err := env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, "m-dead", assignedTo(env.task(t, "task-q")))
	require.Equal(t, "m-dead", assignedTo(env.task(t, "task-r")))

	// task-r 已被领取；m-dead 随后停止心跳
	won, err := env.store.ClaimTask(ctx, "task-r", "m-dead", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, won)
	env.registerWithHeartbeat(t, &model.Machine{ID: "m-dead", Projects: []string{"P"}, MaxConcurrent: 2, Status: model.MachineStatusOnline},
		time.Now().Add(-5*time.Minute))
	env.register(t, &model.Machine{ID: "m-live", MaxConcurrent: 1})

	res, err := env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-dead"}, res.Offline)
	assert.Equal(t, int64(1), res.Unassigned)
	assert.Equal(t, 1, res.Assigned)

	assert.Equal(t, "m-live", assignedTo(env.task(t, "task-q")))
	claimed := env.task(t, "task-r")
	assert.Equal(t, model.TaskStatusClaimed, claimed.Status, "claimed tasks stay on the offline machine")
	assert.Equal(t, "m-dead", assignedTo(claimed))

	dead, err := env.registry.Get(ctx, "m-dead")
	require.NoError(t, err)
	assert.Equal(t, model.MachineStatusOffline, dead.Status)
}

func TestClaimNext(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	env.register(t, &model.Machine{ID: "m-1", Projects: []string{"P"}, MaxConcurrent: 2})
	env.register(t, &model.Machine{ID: "m-2", Projects: []string{"Q"}, MaxConcurrent: 2})
	env.createTask(t, "task-p", "P", 0)

	// 未分配的任务只能被项目匹配的机器领取
	task, err := env.dispatcher.ClaimNext(ctx, "m-2")
	require.NoError(t, err)
	assert.Nil(t, task)

	task, err = env.dispatcher.ClaimNext(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "task-p", task.ID)
	assert.Equal(t, model.TaskStatusClaimed, task.Status)
	require.NotNil(t, task.OrchestratorID)
	assert.Equal(t, "m-1", *task.OrchestratorID)
	assert.NotNil(t, task.StartedAt)

	task, err = env.dispatcher.ClaimNext(ctx, "m-1")
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = env.dispatcher.ClaimNext(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimNextAssignedOnly(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AllowUnassigned = false
	env := newTestEnv(t, cfg)

	env.register(t, &model.Machine{ID: "m-1", Projects: []string{"P"}, MaxConcurrent: 2})
	env.createTask(t, "task-p", "P", 0)

	task, err := env.dispatcher.ClaimNext(ctx, "m-1")
	require.NoError(t, err)
	assert.Nil(t, task, "unassigned tasks are not claimable under assigned-only policy")

	_, err = env.dispatcher.RunCycle(ctx)
	require.NoError(t, err)
	task, err = env.dispatcher.ClaimNext(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "task-p", task.ID)
}

func TestClaimNextConcurrentWorkers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	const workers = 8
	for i := 0; i < workers; i++ {
		env.register(t, &model.Machine{ID: fmt.Sprintf("m-%d", i), MaxConcurrent: 4})
	}
	for i := 0; i < 3; i++ {
		env.createTask(t, fmt.Sprintf("task-%d", i), "", 0)
	}

	var wg sync.WaitGroup
	var claimed atomic.Int32
	seen := sync.Map{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				task, err := env.dispatcher.ClaimNext(ctx, id)
				if err != nil {
					t.Errorf("ClaimNext(%s): %v", id, err)
					return
				}
				if task == nil {
					return
				}
				if _, dup := seen.LoadOrStore(task.ID, id); dup {
					t.Errorf("task %s claimed twice", task.ID)
				}
				claimed.Add(1)
			}
		}(fmt.Sprintf("m-%d", i))
	}
	wg.Wait()
	assert.Equal(t, int32(3), claimed.Load())
}

func TestDispatcherStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.register(t, &model.Machine{ID: "m-1", MaxConcurrent: 1})
	env.createTask(t, "task-1", "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.dispatcher.Start(ctx) }()

	require.Eventually(t, func() bool {
		task, err := env.store.GetTask(context.Background(), "task-1")
		return err == nil && assignedTo(task) == "m-1"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
