// Package repository Machine 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

const machineColumns = `id, display_name, projects, max_concurrent, active_tasks, cost_per_task,
	hostname, version, status, last_heartbeat, created_at, updated_at`

// UpsertMachine 幂等注册机器
//
// 重复注册只刷新声明信息（项目、容量、成本、版本）与心跳，不改变 created_at
func (s *Store) UpsertMachine(ctx context.Context, machine *model.Machine) error {
	now := s.now()
	if machine.CreatedAt.IsZero() {
		machine.CreatedAt = now
	}
	machine.UpdatedAt = now
	if machine.LastHeartbeat == nil {
		machine.LastHeartbeat = &now
	}
	if machine.Status == "" {
		machine.Status = model.StatusForLoad(machine.ActiveTasks, machine.MaxConcurrent)
	}

	conflict := s.dialect.UpsertConflict("id", []string{
		"display_name = EXCLUDED.display_name",
		"projects = EXCLUDED.projects",
		"max_concurrent = EXCLUDED.max_concurrent",
		"active_tasks = EXCLUDED.active_tasks",
		"cost_per_task = EXCLUDED.cost_per_task",
		"hostname = EXCLUDED.hostname",
		"version = EXCLUDED.version",
		"status = EXCLUDED.status",
		"last_heartbeat = EXCLUDED.last_heartbeat",
		"updated_at = EXCLUDED.updated_at",
	})
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO machines (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		%s
	`, machineColumns, conflict))
	_, err := s.db.ExecContext(ctx, query,
		machine.ID, machine.DisplayName, marshalStrings(machine.Projects),
		machine.MaxConcurrent, machine.ActiveTasks, machine.CostPerTask,
		machine.Hostname, machine.Version, machine.Status,
		machine.LastHeartbeat.UTC(), machine.CreatedAt.UTC(), machine.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert machine %s: %w", machine.ID, err)
	}
	return nil
}

// GetMachine 获取机器，不存在返回 storage.ErrNotFound
func (s *Store) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	query := s.rebind(`SELECT ` + machineColumns + ` FROM machines WHERE id = $1`)
	machine, err := scanMachine(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine %s: %w", id, err)
	}
	return machine, nil
}

// ListMachines 列出所有机器（包括离线机器）
func (s *Store) ListMachines(ctx context.Context) ([]*model.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		machine, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, machine)
	}
	return machines, rows.Err()
}

// UpdateMachineHeartbeat 刷新心跳；离线机器在这里恢复为 online/busy
func (s *Store) UpdateMachineHeartbeat(ctx context.Context, id string, activeTasks int, status model.MachineStatus, at time.Time) error {
	at = at.UTC()
	query := s.rebind(`UPDATE machines SET active_tasks = $1, status = $2, last_heartbeat = $3, updated_at = $4
		WHERE id = $5`)
	res, err := s.db.ExecContext(ctx, query, activeTasks, status, at, at, id)
	if err != nil {
		return fmt.Errorf("heartbeat machine %s: %w", id, err)
	}
	return rowsAffected(res, storage.ErrNotFound)
}

// MarkStaleOffline 标记心跳超时的机器为 offline
//
// 只返回本次由非 offline 转为 offline 的机器，已离线的机器不会重复返回
func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := s.rebind(`UPDATE machines SET status = 'offline', updated_at = $1
		WHERE status <> 'offline' AND (last_heartbeat IS NULL OR last_heartbeat < $2)
		RETURNING id`)
	rows, err := s.db.QueryContext(ctx, query, s.now(), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("mark stale machines offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanMachine(row rowScanner) (*model.Machine, error) {
	machine := &model.Machine{}
	var projects []byte
	var status string
	err := row.Scan(
		&machine.ID, &machine.DisplayName, &projects, &machine.MaxConcurrent, &machine.ActiveTasks,
		&machine.CostPerTask, &machine.Hostname, &machine.Version, &status,
		&machine.LastHeartbeat, &machine.CreatedAt, &machine.UpdatedAt)
	if err != nil {
		return nil, err
	}
	machine.Status = model.MachineStatus(status)
	machine.Projects = unmarshalStrings(projects)
	return machine, nil
}
