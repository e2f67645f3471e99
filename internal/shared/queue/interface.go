// Package queue 待投递输入队列抽象接口
//
// 操作员对任务的追加输入在 Worker 取走之前缓存在这里：
//   - 每个任务一个 FIFO 队列
//   - Drain 为破坏性读取，同一条输入最多被投递一次
//   - 超过保留时间未被取走的输入被丢弃
//
// 当前实现：进程内内存队列（单机部署）与 Redis 列表（多实例共享）。
package queue

import (
	"context"
	"time"
)

// InputQueue 待投递输入队列接口
type InputQueue interface {
	// Push 追加一条输入到任务队列末尾
	Push(ctx context.Context, taskID, text string) error

	// Drain 按入队顺序取走并清空任务的全部输入
	Drain(ctx context.Context, taskID string) ([]InputMessage, error)

	// Len 返回任务当前排队的输入数量
	Len(ctx context.Context, taskID string) (int, error)

	// Sweep 丢弃早于 before 的输入，返回丢弃条数（依赖 TTL 的实现可直接返回 0）
	Sweep(ctx context.Context, before time.Time) (int, error)

	Close() error
}
