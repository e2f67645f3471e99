// Package storage 定义持久化存储层抽象接口
//
// 调用方（调度器、注册中心、HTTP 处理器、监控）只依赖这里的接口，
// 具体实现在 repository/ 中，通过 dbutil.Dialect 同时支持 PostgreSQL 与 SQLite。
//
// 并发约定：跨进程互斥只依赖数据库的条件更新（UPDATE ... WHERE status = ?），
// 所有会与其他进程竞争的写操作都是单条带条件的 UPDATE，并以 RowsAffected 判定胜负。
package storage

import (
	"context"
	"time"

	"agents-dispatch/internal/shared/model"
)

// ============================================================================
// 任务存储
// ============================================================================

// TaskStore 任务存储接口
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error)

	// ListUnassignedQueued 列出未分配的排队任务，按 priority DESC, created_at ASC 排序
	ListUnassignedQueued(ctx context.Context, limit int) ([]*model.Task, error)

	// ListQueuedAssignedTo 列出已分配给指定机器、尚未被领取的任务（同样的排序）
	ListQueuedAssignedTo(ctx context.Context, machineID string, limit int) ([]*model.Task, error)

	// CountPendingAssigned 统计每台机器已分配但未领取的任务数
	CountPendingAssigned(ctx context.Context) (map[string]int, error)

	// CountTasksByStatus 按状态统计任务数
	CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error)

	// ListStaleTasks 列出 claimed/running/waiting_input 且 started_at 早于 startedBefore 的任务
	ListStaleTasks(ctx context.Context, startedBefore time.Time) ([]*model.Task, error)

	// AssignTask 条件更新：仅当任务仍为 queued 且未分配时设置 assigned_machine，不修改状态
	// 条件不满足返回 ErrConflict
	AssignTask(ctx context.Context, taskID, machineID string) error

	// UnassignQueuedTasks 清除指定机器上所有 queued 任务的分配，返回影响行数
	UnassignQueuedTasks(ctx context.Context, machineID string) (int64, error)

	// ClaimTask 原子领取：queued → claimed，仅有一个调用者返回 true
	ClaimTask(ctx context.Context, taskID, orchestratorID string, at time.Time) (bool, error)

	// UpdateTaskStatus 条件状态转换：仅当当前状态为 from 时生效，否则返回 ErrConflict
	UpdateTaskStatus(ctx context.Context, taskID string, from, to model.TaskStatus) error

	// PatchTask 以白名单字段更新任务，expected 为读取时的状态（乐观锁）
	PatchTask(ctx context.Context, taskID string, expected model.TaskStatus, patch *model.TaskPatch) error

	// CancelTask 将非终态任务置为 cancelled，已是终态返回 ErrConflict
	CancelTask(ctx context.Context, taskID string) error
}

// ============================================================================
// 机器存储
// ============================================================================

// MachineStore Worker 机器存储接口
type MachineStore interface {
	// UpsertMachine 幂等注册：已存在则刷新声明信息与心跳
	UpsertMachine(ctx context.Context, machine *model.Machine) error
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	ListMachines(ctx context.Context) ([]*model.Machine, error)

	// UpdateMachineHeartbeat 刷新心跳与负载，未知机器返回 ErrNotFound
	UpdateMachineHeartbeat(ctx context.Context, id string, activeTasks int, status model.MachineStatus, at time.Time) error

	// MarkStaleOffline 将 last_heartbeat 早于 cutoff 的非离线机器标记为 offline，返回本次转换的机器 ID
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// ============================================================================
// 聚合接口
// ============================================================================

// PersistentStore 持久化存储聚合接口
type PersistentStore interface {
	TaskStore
	MachineStore

	Ping(ctx context.Context) error
	Close() error
}
