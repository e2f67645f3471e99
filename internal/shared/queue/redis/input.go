package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agents-dispatch/internal/shared/queue"
)

func inputKey(taskID string) string {
	return queue.KeyTaskInput + taskID
}

// Push 追加输入并刷新键 TTL
func (s *Store) Push(ctx context.Context, taskID, text string) error {
	data, err := json.Marshal(queue.InputMessage{Text: text, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	key := inputKey(taskID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push input for task %s: %w", taskID, err)
	}
	return nil
}

// Drain 原子读取并删除任务的全部输入
//
// LRANGE 与 DEL 在同一个 MULTI 事务中执行，并发的 Drain 只有一个能拿到数据。
// 超过保留时间的条目在这里被过滤掉。
func (s *Store) Drain(ctx context.Context, taskID string) ([]queue.InputMessage, error) {
	key := inputKey(taskID)
	var lrange *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain input for task %s: %w", taskID, err)
	}

	cutoff := time.Now().Add(-s.retention)
	var msgs []queue.InputMessage
	for _, raw := range lrange.Val() {
		var m queue.InputMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if m.EnqueuedAt.Before(cutoff) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Len 返回排队输入数量
func (s *Store) Len(ctx context.Context, taskID string) (int, error) {
	n, err := s.client.LLen(ctx, inputKey(taskID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Sweep 过期由键 TTL 负责
func (s *Store) Sweep(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}
