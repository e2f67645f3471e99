// Package etcd 自动修复控制面
//
// 监控在连续严重故障后写入重启请求：
//
//	<prefix>/control/restart/<component> → RestartRequest（JSON，带租约）
//
// 由部署侧的看护进程（或 Node Manager 自身）监听并执行重启。
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultRequestTTL 重启请求的租约时长，过期未处理的请求自动消失
const DefaultRequestTTL = 10 * time.Minute

// Config etcd 配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	RequestTTL  time.Duration
}

// RestartRequest 一条重启请求
type RestartRequest struct {
	ID          string    `json:"id"`
	Component   string    `json:"component"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// Store etcd 控制面客户端
type Store struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewStore 创建 etcd 客户端并做一次健康检查
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	logger.Named("etcd").Info("etcd.connected", zap.Strings("endpoints", cfg.Endpoints))
	return newStore(client, cfg, logger), nil
}

func newStore(client *clientv3.Client, cfg Config, logger *zap.Logger) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "/agents-dispatch"
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultRequestTTL
	}
	return &Store{
		client: client,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		ttl:    cfg.RequestTTL,
		logger: logger.Named("etcd"),
		now:    time.Now,
	}
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping 检查第一个端点
func (s *Store) Ping(ctx context.Context) error {
	eps := s.client.Endpoints()
	if len(eps) == 0 {
		return fmt.Errorf("etcd: no endpoints")
	}
	_, err := s.client.Status(ctx, eps[0])
	return err
}

// RestartKey <prefix>/control/restart/<component>
func RestartKey(prefix, component string) string {
	return fmt.Sprintf("%s/control/restart/%s", strings.TrimSuffix(prefix, "/"), component)
}

// Restart 写入重启请求（实现 monitor.Remediator）
func (s *Store) Restart(ctx context.Context, component, reason string) error {
	_, err := s.RequestRestart(ctx, component, reason)
	return err
}

// RequestRestart 写入重启请求，同一组件的旧请求被覆盖
func (s *Store) RequestRestart(ctx context.Context, component, reason string) (*RestartRequest, error) {
	req := &RestartRequest{
		ID:          uuid.NewString(),
		Component:   component,
		Reason:      reason,
		RequestedAt: s.now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal restart request: %w", err)
	}

	lease, err := s.client.Grant(ctx, int64(s.ttl/time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}
	key := RestartKey(s.prefix, component)
	if _, err := s.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("failed to put restart request: %w", err)
	}

	s.logger.Warn("etcd.restart.requested",
		zap.String("component", component), zap.String("reason", reason), zap.String("request_id", req.ID))
	return req, nil
}

// GetRestart 读取组件当前的重启请求，没有时返回 nil
func (s *Store) GetRestart(ctx context.Context, component string) (*RestartRequest, error) {
	resp, err := s.client.Get(ctx, RestartKey(s.prefix, component))
	if err != nil {
		return nil, fmt.Errorf("failed to get restart request: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return decodeRequest(resp.Kvs[0].Value)
}

// AckRestart 删除已处理的请求
func (s *Store) AckRestart(ctx context.Context, component string) error {
	_, err := s.client.Delete(ctx, RestartKey(s.prefix, component))
	return err
}

// WatchRestarts 监听组件的重启请求，ctx 取消后通道关闭
func (s *Store) WatchRestarts(ctx context.Context, component string) <-chan RestartRequest {
	out := make(chan RestartRequest, 1)
	wch := s.client.Watch(ctx, RestartKey(s.prefix, component))
	go func() {
		defer close(out)
		for resp := range wch {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				req, err := decodeRequest(ev.Kv.Value)
				if err != nil {
					s.logger.Warn("etcd.restart.decode_failed", zap.String("key", string(ev.Kv.Key)), zap.Error(err))
					continue
				}
				select {
				case out <- *req:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func decodeRequest(data []byte) (*RestartRequest, error) {
	var req RestartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal restart request: %w", err)
	}
	return &req, nil
}
