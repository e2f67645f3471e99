// Package redis Redis 输入队列实现
//
// 每个任务一个 Redis 列表：RPUSH 入队，MULTI { LRANGE; DEL } 原子出队，
// 键 TTL 等于保留时间，过期的输入由 Redis 自动清理。
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agents-dispatch/internal/shared/queue"
)

// Store Redis 输入队列
type Store struct {
	client    *redis.Client
	retention time.Duration
	owned     bool
}

var _ queue.InputQueue = (*Store)(nil)

// NewStore 从 URL 创建 Redis 输入队列
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

// NewStoreFromClient 复用已有的 Redis 客户端
func NewStoreFromClient(client *redis.Client, retention time.Duration) *Store {
	if retention <= 0 {
		retention = queue.DefaultRetention
	}
	return &Store{client: client, retention: retention}
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
