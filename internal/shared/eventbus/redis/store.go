// Package redis Redis Streams 会话事件日志
//
// 每个任务一个 Stream，字段 seq 保存控制面分配的序号，data 保存事件 JSON。
// XADD 使用近似 MAXLEN 裁剪，键 TTL 在每次追加时刷新。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/model"
)

// Store Redis 事件日志
type Store struct {
	client    *redis.Client
	retention time.Duration
	owned     bool
}

var _ eventbus.EventLog = (*Store)(nil)

// NewStore 从 URL 创建事件日志
func NewStore(redisURL string, retention time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewStoreFromClient(client, retention)
	s.owned = true
	return s, nil
}

// NewStoreFromClient 复用已有的 Redis 客户端（例如输入队列的客户端）
func NewStoreFromClient(client *redis.Client, retention time.Duration) *Store {
	if retention <= 0 {
		retention = eventbus.DefaultRetention
	}
	return &Store{client: client, retention: retention}
}

func streamKey(taskID string) string {
	return eventbus.KeySessionEvents + taskID
}

// Append 追加事件并刷新 TTL
func (s *Store) Append(ctx context.Context, taskID string, events []model.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	key := streamKey(taskID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: key,
				MaxLen: eventbus.MaxStreamLength,
				Approx: true,
				Values: map[string]interface{}{
					"seq":  ev.Seq,
					"data": data,
				},
			})
		}
		pipe.Expire(ctx, key, s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append events for task %s: %w", taskID, err)
	}
	return nil
}

// Range 读取 seq > afterSeq 的事件
//
// Stream ID 与 seq 无关，这里整体读取后按 seq 过滤；单任务事件数受 MaxStreamLength 约束。
func (s *Store) Range(ctx context.Context, taskID string, afterSeq int64, limit int) ([]model.SessionEvent, error) {
	msgs, err := s.client.XRange(ctx, streamKey(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("range events for task %s: %w", taskID, err)
	}
	var out []model.SessionEvent
	for _, msg := range msgs {
		if seq, ok := parseSeq(msg.Values["seq"]); ok && seq <= afterSeq {
			continue
		}
		raw, _ := msg.Values["data"].(string)
		var ev model.SessionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func parseSeq(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// Delete 删除任务的事件流
func (s *Store) Delete(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, streamKey(taskID)).Err()
}

// Client 返回底层客户端
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close 仅关闭由本 Store 创建的客户端
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
