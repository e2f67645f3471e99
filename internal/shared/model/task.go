// Package model 定义核心数据模型
//
// task.go 包含任务相关的数据模型定义：
//   - Task：委派给 Worker 机器执行的编码任务
//   - TaskStatus：任务状态枚举及状态转换表
//   - TaskPatch：Worker/操作员允许修改的字段白名单
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// TaskStatus - 任务状态
// ============================================================================

// TaskStatus 表示任务的生命周期状态
//
// 状态机：
//
//	queued → claimed → running ⇄ waiting_input
//	   │        │         │            │
//	   └────────┴─────────┴────────────┴──→ completed / failed / cancelled / timeout
//
// 状态说明：
//   - queued：已创建，等待调度器分配机器、Worker 领取
//   - claimed：某个 Worker 已原子领取，尚未启动会话
//   - running：交互式会话正在执行
//   - waiting_input：会话输出了提问，等待操作员回复（running 的可重入子状态）
//   - completed/failed/cancelled/timeout：终态，不再变化
type TaskStatus string

const (
	// TaskStatusQueued 排队中：等待分配与领取
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusClaimed 已领取：Worker 通过条件更新赢得了该任务
	TaskStatusClaimed TaskStatus = "claimed"

	// TaskStatusRunning 执行中：会话进程已启动
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusWaitingInput 等待输入：会话在等待操作员回复
	TaskStatusWaitingInput TaskStatus = "waiting_input"

	// TaskStatusCompleted 已完成
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed 已失败：会话进程失败或 Worker 上报错误
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled 已取消：操作员主动取消
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusTimeout 已超时：会话超过允许的执行时间
	TaskStatusTimeout TaskStatus = "timeout"
)

// transitions 合法的状态转换表
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued: {
		TaskStatusClaimed,
		TaskStatusCancelled,
	},
	TaskStatusClaimed: {
		TaskStatusRunning,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
		TaskStatusTimeout,
	},
	TaskStatusRunning: {
		TaskStatusWaitingInput,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
		TaskStatusTimeout,
	},
	TaskStatusWaitingInput: {
		TaskStatusRunning,
		TaskStatusCompleted,
		TaskStatusFailed,
		TaskStatusCancelled,
		TaskStatusTimeout,
	},
}

// IsValid 判断是否为已知状态
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusClaimed, TaskStatusRunning, TaskStatusWaitingInput,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// IsTerminal 判断是否为终态
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// IsActive 判断任务是否被某个 Worker 持有（claimed/running/waiting_input）
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusClaimed || s == TaskStatusRunning || s == TaskStatusWaitingInput
}

// AcceptsInput 判断该状态下是否允许操作员追加输入
func (s TaskStatus) AcceptsInput() bool {
	return s == TaskStatusQueued || s.IsActive()
}

// CanTransition 判断 from → to 是否为合法转换
//
// 相同状态视为合法（幂等上报），终态之后不允许任何转换
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalStatuses 返回所有终态（用于 SQL 条件）
func TerminalStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout}
}

// ============================================================================
// Task - 任务
// ============================================================================

// Task 表示一个委派给 Worker 的编码任务
//
// 字段分组：
//   - 身份：ID、描述、目标项目、分支
//   - 生命周期：Status、AssignedMachine（调度器设置）、OrchestratorID（领取时设置）
//   - 结果：摘要、结构化结果、错误信息、变更文件、外部链接
//   - 预算：优先级（越大越先调度）、成本上限
//
// 任务只由调度器（分配、领取）和 Worker（进度上报）修改，永不删除。
type Task struct {
	ID           string `json:"id" db:"id"`
	Description  string `json:"description" db:"description"`
	Project      string `json:"project" db:"project"`
	BaseBranch   string `json:"base_branch,omitempty" db:"base_branch"`
	TargetBranch string `json:"target_branch,omitempty" db:"target_branch"`

	// Requester 发起任务的操作员
	Requester string `json:"requester,omitempty" db:"requester"`

	// ChatThreadID 会话输出转发的聊天线程（为空则不转发）
	ChatThreadID string `json:"chat_thread_id,omitempty" db:"chat_thread_id"`

	Status          TaskStatus `json:"status" db:"status"`
	AssignedMachine *string    `json:"assigned_machine,omitempty" db:"assigned_machine"`
	OrchestratorID  *string    `json:"orchestrator_id,omitempty" db:"orchestrator_id"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	ResultSummary string          `json:"result_summary,omitempty" db:"result_summary"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty" db:"result_payload"`
	ErrorMessage  string          `json:"error_message,omitempty" db:"error_message"`
	ChangedFiles  []string        `json:"changed_files,omitempty" db:"changed_files"`
	ArtifactURL   string          `json:"artifact_url,omitempty" db:"artifact_url"`

	Priority int     `json:"priority" db:"priority"`
	MaxCost  float64 `json:"max_cost,omitempty" db:"max_cost"` // 0 表示不限

	// CostUSD/DurationMS 由 terminal_result 回填
	CostUSD    float64 `json:"cost_usd,omitempty" db:"cost_usd"`
	DurationMS int64   `json:"duration_ms,omitempty" db:"duration_ms"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AssignedTo 判断任务是否分配给指定机器
func (t *Task) AssignedTo(machineID string) bool {
	return t.AssignedMachine != nil && *t.AssignedMachine == machineID
}

// Age 返回从开始执行到 now 的时长，未开始返回 0
func (t *Task) Age(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return now.Sub(*t.StartedAt)
}

// ============================================================================
// TaskPatch - 字段白名单更新
// ============================================================================

// TaskPatch 描述 PATCH /tasks/{id} 允许修改的字段
//
// 只有白名单中的字段可以被修改，指针为 nil 表示不修改。
// 分配、领取相关字段（assigned_machine/orchestrator_id/started_at）不在此列。
type TaskPatch struct {
	Status        *TaskStatus     `json:"status,omitempty"`
	ResultSummary *string         `json:"result_summary,omitempty"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	ChangedFiles  []string        `json:"changed_files,omitempty"`
	ArtifactURL   *string         `json:"artifact_url,omitempty"`
	CostUSD       *float64        `json:"cost_usd,omitempty"`
	DurationMS    *int64          `json:"duration_ms,omitempty"`
}

// IsEmpty 判断是否没有任何修改
func (p *TaskPatch) IsEmpty() bool {
	return p.Status == nil && p.ResultSummary == nil && len(p.ResultPayload) == 0 &&
		p.ErrorMessage == nil && p.ChangedFiles == nil && p.ArtifactURL == nil &&
		p.CostUSD == nil && p.DurationMS == nil
}

// ============================================================================
// TaskFilter - 查询条件
// ============================================================================

// TaskFilter 任务列表查询条件
type TaskFilter struct {
	Requester string
	Status    string
	Project   string
	Limit     int
	Offset    int
}
