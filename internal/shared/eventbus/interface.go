// Package eventbus 会话事件日志
//
// 控制面 Ingest 后把带序号的事件追加到按任务划分的有序日志，供迟到的订阅者回放：
//   - WebSocket 连接时通过 ?after_seq= 补齐历史
//   - GET /api/v1/tasks/{id}/events 查询历史
//
// 当前实现：进程内内存日志（单机部署）与 Redis Streams（多实例共享）。
package eventbus

import (
	"context"
	"time"

	"agents-dispatch/internal/shared/model"
)

const (
	// KeySessionEvents Redis Stream 键前缀，完整键为 dispatch:events:<task_id>
	KeySessionEvents = "dispatch:events:"

	// MaxStreamLength 每个任务保留的最大事件数（近似裁剪）
	MaxStreamLength = 5000

	// DefaultRetention 日志最后一次写入后的保留时间
	DefaultRetention = 24 * time.Hour
)

// EventLog 任务会话事件日志
type EventLog interface {
	// Append 按顺序追加一批已分配序号的事件
	Append(ctx context.Context, taskID string, events []model.SessionEvent) error

	// Range 返回 seq > afterSeq 的事件，按写入顺序，最多 limit 条（limit <= 0 不限）
	Range(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.SessionEvent, error)

	// Delete 删除任务的全部事件
	Delete(ctx context.Context, taskID string) error

	Close() error
}
