// Package queue 进程内内存队列实现
package queue

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// MemoryQueue - 进程内实现（单机部署与测试）
// ============================================================================

// MemoryQueue 基于 map + 互斥锁的输入队列
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]InputMessage
	now    func() time.Time
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string][]InputMessage),
		now:    time.Now,
	}
}

func (q *MemoryQueue) Push(ctx context.Context, taskID, text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[taskID] = append(q.queues[taskID], InputMessage{Text: text, EnqueuedAt: q.now()})
	return nil
}

func (q *MemoryQueue) Drain(ctx context.Context, taskID string) ([]InputMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[taskID]
	delete(q.queues, taskID)
	return msgs, nil
}

func (q *MemoryQueue) Len(ctx context.Context, taskID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[taskID]), nil
}

func (q *MemoryQueue) Sweep(ctx context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := 0
	for taskID, msgs := range q.queues {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.EnqueuedAt.Before(before) {
				dropped++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(q.queues, taskID)
		} else {
			q.queues[taskID] = kept
		}
	}
	return dropped, nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

// 确保 MemoryQueue 实现了 InputQueue 接口
var _ InputQueue = (*MemoryQueue)(nil)
