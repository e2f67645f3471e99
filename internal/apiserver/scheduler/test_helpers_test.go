package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/machine"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
	"agents-dispatch/internal/shared/storage/repository"
)

// createTestMachine 创建测试机器（心跳为当前时间）
func createTestMachine(id string, maxConcurrent, active int, projects ...string) *model.Machine {
	hb := time.Now()
	return &model.Machine{
		ID:            id,
		Projects:      projects,
		MaxConcurrent: maxConcurrent,
		ActiveTasks:   active,
		Status:        model.StatusForLoad(active, maxConcurrent),
		LastHeartbeat: &hb,
	}
}

// candidates 把机器转换为候选列表（不考虑 pending）
func candidates(machines ...*model.Machine) []machine.Candidate {
	return machine.Eligible(machines, nil, 0, time.Now(), model.DefaultStaleThreshold)
}

type testEnv struct {
	store      *repository.Store
	registry   *machine.Registry
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	store, err := repository.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := machine.NewRegistry(store, zap.NewNop(), 0)
	d, err := NewDispatcher(store, registry, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	return &testEnv{store: store, registry: registry, dispatcher: d}
}

func (e *testEnv) register(t *testing.T, m *model.Machine) {
	t.Helper()
	_, err := e.registry.Register(context.Background(), m)
	require.NoError(t, err)
}

// registerWithHeartbeat 直接写入存储，用于构造心跳已超时的机器
func (e *testEnv) registerWithHeartbeat(t *testing.T, m *model.Machine, hb time.Time) {
	t.Helper()
	hb = hb.UTC()
	m.LastHeartbeat = &hb
	require.NoError(t, e.store.UpsertMachine(context.Background(), m))
}

func (e *testEnv) createTask(t *testing.T, id, project string, priority int) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:          id,
		Description: "task " + id,
		Project:     project,
		Status:      model.TaskStatusQueued,
		Priority:    priority,
	}
	require.NoError(t, e.store.CreateTask(context.Background(), task))
	return task
}

func (e *testEnv) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func assignedTo(task *model.Task) string {
	if task.AssignedMachine == nil {
		return ""
	}
	return *task.AssignedMachine
}

// failingAssignStore 对 failTask 的 AssignTask 返回错误
type failingAssignStore struct {
	storage.TaskStore
	failTask string
}

func (s *failingAssignStore) AssignTask(ctx context.Context, taskID, machineID string) error {
	if taskID == s.failTask {
		return errors.New("connection reset by peer")
	}
	return s.TaskStore.AssignTask(ctx, taskID, machineID)
}
