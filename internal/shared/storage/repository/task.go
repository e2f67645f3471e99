// Package repository Task 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

const taskColumns = `id, description, project, base_branch, target_branch, requester, chat_thread_id,
	status, assigned_machine, orchestrator_id, started_at, completed_at,
	result_summary, result_payload, error_message, changed_files, artifact_url,
	priority, max_cost, cost_usd, duration_ms, created_at, updated_at`

// dispatchOrder 调度顺序：优先级高者先，同优先级先创建者先
const dispatchOrder = `ORDER BY priority DESC, created_at ASC`

// CreateTask 创建任务
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	if task.Status == "" {
		task.Status = model.TaskStatusQueued
	}

	query := s.rebind(`
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`)
	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.Description, task.Project, task.BaseBranch, task.TargetBranch,
		task.Requester, task.ChatThreadID,
		task.Status, task.AssignedMachine, task.OrchestratorID, task.StartedAt, task.CompletedAt,
		task.ResultSummary, rawJSON(task.ResultPayload), task.ErrorMessage,
		marshalStrings(task.ChangedFiles), task.ArtifactURL,
		task.Priority, task.MaxCost, task.CostUSD, task.DurationMS,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask 获取任务，不存在返回 storage.ErrNotFound
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks 按条件列出任务（最新的在前）
func (s *Store) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	var conditions []string
	var args []any
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("requester", filter.Requester)
	add("status", filter.Status)
	add("project", filter.Project)

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	return s.queryTasks(ctx, s.rebind(query), args...)
}

// ListUnassignedQueued 列出未分配的排队任务
func (s *Store) ListUnassignedQueued(ctx context.Context, limit int) ([]*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'queued' AND assigned_machine IS NULL
		` + dispatchOrder + ` LIMIT $1`)
	return s.queryTasks(ctx, query, limit)
}

// ListQueuedAssignedTo 列出分配给指定机器、尚未领取的任务
func (s *Store) ListQueuedAssignedTo(ctx context.Context, machineID string, limit int) ([]*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'queued' AND assigned_machine = $1
		` + dispatchOrder + ` LIMIT $2`)
	return s.queryTasks(ctx, query, machineID, limit)
}

// ListStaleTasks 列出执行时间过长、仍被 Worker 持有的任务（claimed/running/waiting_input）
func (s *Store) ListStaleTasks(ctx context.Context, startedBefore time.Time) ([]*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN ('claimed', 'running', 'waiting_input') AND started_at IS NOT NULL AND started_at < $1
		ORDER BY started_at ASC`)
	return s.queryTasks(ctx, query, startedBefore.UTC())
}

// CountPendingAssigned 统计每台机器已分配未领取的任务数
func (s *Store) CountPendingAssigned(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT assigned_machine, COUNT(*) FROM tasks
		WHERE status = 'queued' AND assigned_machine IS NOT NULL
		GROUP BY assigned_machine`)
	if err != nil {
		return nil, fmt.Errorf("count pending assigned: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var machineID string
		var n int
		if err := rows.Scan(&machineID, &n); err != nil {
			return nil, err
		}
		counts[machineID] = n
	}
	return counts, rows.Err()
}

// CountTasksByStatus 按状态统计任务数
func (s *Store) CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[model.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// ============================================================================
// 条件更新
// ============================================================================

// AssignTask 设置任务的目标机器，仅对 queued 且未分配的任务生效
func (s *Store) AssignTask(ctx context.Context, taskID, machineID string) error {
	query := s.rebind(`UPDATE tasks SET assigned_machine = $1, updated_at = $2
		WHERE id = $3 AND status = 'queued' AND assigned_machine IS NULL`)
	res, err := s.db.ExecContext(ctx, query, machineID, s.now(), taskID)
	if err != nil {
		return fmt.Errorf("assign task %s: %w", taskID, err)
	}
	return rowsAffected(res, storage.ErrConflict)
}

// UnassignQueuedTasks 释放指定机器持有的所有 queued 任务
//
// claimed/running 的任务不受影响
func (s *Store) UnassignQueuedTasks(ctx context.Context, machineID string) (int64, error) {
	query := s.rebind(`UPDATE tasks SET assigned_machine = NULL, updated_at = $1
		WHERE assigned_machine = $2 AND status = 'queued'`)
	res, err := s.db.ExecContext(ctx, query, s.now(), machineID)
	if err != nil {
		return 0, fmt.Errorf("unassign tasks of %s: %w", machineID, err)
	}
	return res.RowsAffected()
}

// ClaimTask 原子领取任务
//
// 单条 UPDATE ... WHERE status = 'queued'，RowsAffected == 1 即为唯一赢家。
// 已分配给其他机器的任务不能被领取。
func (s *Store) ClaimTask(ctx context.Context, taskID, orchestratorID string, at time.Time) (bool, error) {
	at = at.UTC()
	query := s.rebind(`UPDATE tasks
		SET status = 'claimed', orchestrator_id = $1, assigned_machine = $2, started_at = $3, updated_at = $4
		WHERE id = $5 AND status = 'queued' AND (assigned_machine IS NULL OR assigned_machine = $6)`)
	res, err := s.db.ExecContext(ctx, query, orchestratorID, orchestratorID, at, at, taskID, orchestratorID)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateTaskStatus 条件状态转换
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, from, to model.TaskStatus) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, from, to)
	}
	now := s.now()
	var completedAt *time.Time
	if to.IsTerminal() {
		completedAt = &now
	}
	query := s.rebind(`UPDATE tasks SET status = $1, completed_at = COALESCE($2, completed_at), updated_at = $3
		WHERE id = $4 AND status = $5`)
	res, err := s.db.ExecContext(ctx, query, to, completedAt, now, taskID, from)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", taskID, err)
	}
	return s.conflictOrNotFound(ctx, res, taskID)
}

// PatchTask 白名单字段更新
//
// 包含状态变更时先校验转换表，再以 expected 作为乐观锁条件写入
func (s *Store) PatchTask(ctx context.Context, taskID string, expected model.TaskStatus, patch *model.TaskPatch) error {
	if patch == nil || patch.IsEmpty() {
		return nil
	}
	if expected.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", storage.ErrConflict, taskID, expected)
	}

	now := s.now()
	var sets []string
	var args []any
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		if !model.CanTransition(expected, *patch.Status) {
			return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, expected, *patch.Status)
		}
		set("status", *patch.Status)
		if patch.Status.IsTerminal() {
			set("completed_at", now)
		}
	}
	if patch.ResultSummary != nil {
		set("result_summary", *patch.ResultSummary)
	}
	if len(patch.ResultPayload) > 0 {
		set("result_payload", rawJSON(patch.ResultPayload))
	}
	if patch.ErrorMessage != nil {
		set("error_message", *patch.ErrorMessage)
	}
	if patch.ChangedFiles != nil {
		set("changed_files", marshalStrings(patch.ChangedFiles))
	}
	if patch.ArtifactURL != nil {
		set("artifact_url", *patch.ArtifactURL)
	}
	if patch.CostUSD != nil {
		set("cost_usd", *patch.CostUSD)
	}
	if patch.DurationMS != nil {
		set("duration_ms", *patch.DurationMS)
	}
	set("updated_at", now)

	args = append(args, taskID, expected)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d AND status = $%d",
		strings.Join(sets, ", "), len(args)-1, len(args))
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("patch task %s: %w", taskID, err)
	}
	return s.conflictOrNotFound(ctx, res, taskID)
}

// CancelTask 取消任务：任何非终态都可以取消
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	now := s.now()
	query := s.rebind(`UPDATE tasks SET status = 'cancelled', completed_at = $1, updated_at = $2
		WHERE id = $3 AND status NOT IN ('completed', 'failed', 'cancelled', 'timeout')`)
	res, err := s.db.ExecContext(ctx, query, now, now, taskID)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	return s.conflictOrNotFound(ctx, res, taskID)
}

// conflictOrNotFound 条件更新未命中时区分"不存在"与"状态已变化"
func (s *Store) conflictOrNotFound(ctx context.Context, res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return storage.ErrConflict
}

// ============================================================================
// 扫描辅助
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	task := &model.Task{}
	var payload, changed []byte
	var status string
	err := row.Scan(
		&task.ID, &task.Description, &task.Project, &task.BaseBranch, &task.TargetBranch,
		&task.Requester, &task.ChatThreadID,
		&status, &task.AssignedMachine, &task.OrchestratorID, &task.StartedAt, &task.CompletedAt,
		&task.ResultSummary, &payload, &task.ErrorMessage, &changed, &task.ArtifactURL,
		&task.Priority, &task.MaxCost, &task.CostUSD, &task.DurationMS,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = model.TaskStatus(status)
	if len(payload) > 0 {
		task.ResultPayload = append([]byte(nil), payload...)
	}
	task.ChangedFiles = unmarshalStrings(changed)
	return task, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
