// Package model 定义核心数据模型
//
// node.go 包含 Worker 机器相关的数据模型定义：
//   - Machine：运行交互式编码会话的 Worker 机器
//   - MachineStatus：机器状态枚举
package model

import (
	"time"
)

// ============================================================================
// MachineStatus - 机器状态
// ============================================================================

// MachineStatus 表示 Worker 机器的状态
//
//	online ⇄ busy
//	   ↓       ↓
//	   offline（心跳超时）→ 再次心跳后恢复 online/busy
type MachineStatus string

const (
	// MachineStatusOnline 在线且有空闲容量
	MachineStatusOnline MachineStatus = "online"

	// MachineStatusBusy 在线但容量已满
	MachineStatusBusy MachineStatus = "busy"

	// MachineStatusOffline 心跳超时
	MachineStatusOffline MachineStatus = "offline"
)

// DefaultStaleThreshold 心跳超时阈值
const DefaultStaleThreshold = 120 * time.Second

// ============================================================================
// Machine - Worker 机器
// ============================================================================

// Machine 表示一台 Worker 机器在控制面的注册信息
//
// 生命周期：
//   - 首次注册时创建（幂等 upsert）
//   - 每次心跳更新 last_heartbeat/active_tasks
//   - 永不硬删除，只会被标记为 offline
type Machine struct {
	ID            string        `json:"id" db:"id"`
	DisplayName   string        `json:"display_name,omitempty" db:"display_name"`
	Projects      []string      `json:"projects" db:"projects"`             // 声明的项目亲和性
	MaxConcurrent int           `json:"max_concurrent" db:"max_concurrent"` // 最大并发任务数
	ActiveTasks   int           `json:"active_tasks" db:"active_tasks"`     // 当前执行中的任务数
	CostPerTask   float64       `json:"cost_per_task,omitempty" db:"cost_per_task"`
	Hostname      string        `json:"hostname,omitempty" db:"hostname"`
	Version       string        `json:"version,omitempty" db:"version"`
	Status        MachineStatus `json:"status" db:"status"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// IsOffline 判断机器是否已离线
func (m *Machine) IsOffline() bool {
	return m.Status == MachineStatusOffline
}

// IsStale 判断心跳是否已超时
func (m *Machine) IsStale(now time.Time, threshold time.Duration) bool {
	if m.LastHeartbeat == nil {
		return true
	}
	return now.Sub(*m.LastHeartbeat) > threshold
}

// HasProject 判断机器是否声明了该项目
func (m *Machine) HasProject(project string) bool {
	if project == "" {
		return false
	}
	for _, p := range m.Projects {
		if p == project {
			return true
		}
	}
	return false
}

// SpareCapacity 返回扣除 pending 个已分配未领取任务后的剩余容量
func (m *Machine) SpareCapacity(pending int) int {
	return m.MaxConcurrent - m.ActiveTasks - pending
}

// StatusForLoad 根据负载计算在线状态（online/busy）
func StatusForLoad(active, maxConcurrent int) MachineStatus {
	if maxConcurrent > 0 && active >= maxConcurrent {
		return MachineStatusBusy
	}
	return MachineStatusOnline
}
