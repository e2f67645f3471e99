package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agents-dispatch/internal/shared/queue"
)

// DefaultGCInterval 清理周期
const DefaultGCInterval = 60 * time.Second

// EventSweeper 进程内事件日志的过期清理（eventbus.MemoryLog 实现）
type EventSweeper interface {
	Sweep(ctx context.Context) int
}

// Janitor 定期丢弃过期的待投递输入与无人收尾的会话记录
type Janitor struct {
	queue      queue.InputQueue
	transcript *TranscriptBuffer
	events     EventSweeper
	retention  time.Duration
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewJanitor 创建清理器，零值参数使用默认值
func NewJanitor(q queue.InputQueue, transcript *TranscriptBuffer, retention, interval time.Duration, logger *zap.Logger) *Janitor {
	if retention <= 0 {
		retention = queue.DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		queue:      q,
		transcript: transcript,
		retention:  retention,
		interval:   interval,
		logger:     logger.Named("janitor"),
		now:        time.Now,
	}
}

// WithEventLog 同时清理进程内事件日志；Redis 日志由键 TTL 过期，无需设置
func (j *Janitor) WithEventLog(events EventSweeper) *Janitor {
	j.events = events
	return j
}

// Sweep 执行一次清理
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := j.now().Add(-j.retention)
	if j.queue != nil {
		n, err := j.queue.Sweep(ctx, cutoff)
		if err != nil {
			j.logger.Warn("janitor.queue.sweep_failed", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("janitor.queue.dropped", zap.Int("count", n))
		}
	}
	if j.transcript != nil {
		if dropped := j.transcript.GC(cutoff); len(dropped) > 0 {
			j.logger.Info("janitor.transcript.dropped", zap.Strings("task_ids", dropped))
		}
	}
	if j.events != nil {
		if n := j.events.Sweep(ctx); n > 0 {
			j.logger.Info("janitor.event_log.dropped", zap.Int("tasks", n))
		}
	}
}

// Run 周期执行，直到 ctx 取消
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}
