// Package nodemanager 心跳服务
//
// 定期向控制面上报本机负载；控制面不认识本机（重启、数据丢失）时重新注册
package nodemanager

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// HeartbeatService 心跳服务
type HeartbeatService struct {
	client     *Client
	machineID  string
	interval   time.Duration
	getRunning func() int                      // 当前会话数
	register   func(ctx context.Context) error // 重新注册
	logger     *zap.Logger
	metrics    *Metrics
}

// NewHeartbeatService 创建心跳服务
func NewHeartbeatService(client *Client, machineID string, interval time.Duration, getRunning func() int,
	register func(ctx context.Context) error, logger *zap.Logger, m *Metrics) *HeartbeatService {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatService{
		client:     client,
		machineID:  machineID,
		interval:   interval,
		getRunning: getRunning,
		register:   register,
		logger:     logger.Named("heartbeat"),
		metrics:    m,
	}
}

// Start 启动心跳循环，直到 ctx 取消
func (s *HeartbeatService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.send(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.send(ctx)
		}
	}
}

func (s *HeartbeatService) send(ctx context.Context) {
	running := 0
	if s.getRunning != nil {
		running = s.getRunning()
	}

	start := time.Now()
	err := s.client.Heartbeat(ctx, s.machineID, running)
	s.metrics.RecordHeartbeat(time.Since(start), err == nil)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrNotRegistered) && s.register != nil {
		s.logger.Warn("heartbeat.unknown_machine.reregister", zap.String("machine_id", s.machineID))
		if rerr := s.register(ctx); rerr != nil {
			s.logger.Error("heartbeat.reregister.failed", zap.Error(rerr))
		}
		return
	}
	s.logger.Warn("heartbeat.failed", zap.String("machine_id", s.machineID), zap.Error(err))
}
