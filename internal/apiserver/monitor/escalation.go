package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/metrics"
)

// Remediator 自动修复动作（etcd 控制面或仅日志）
type Remediator interface {
	Restart(ctx context.Context, component, reason string) error
}

// LogRemediator 只记录日志（未配置 etcd 时使用）
type LogRemediator struct {
	logger *zap.Logger
}

// NewLogRemediator 创建
func NewLogRemediator(logger *zap.Logger) *LogRemediator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRemediator{logger: logger.Named("remediator")}
}

// Restart 记录需要人工重启
func (r *LogRemediator) Restart(_ context.Context, component, reason string) error {
	r.logger.Error("remediation.restart.requested", zap.String("component", component), zap.String("reason", reason))
	return nil
}

const (
	DefaultEscalateAfter       = 3
	DefaultRemediationCooldown = 30 * time.Minute
)

// Escalator 连续严重故障计数与自动修复
//
// 连续失败达到 threshold 后触发 Remediator，之后 cooldown 内不再触发；
// 任意一次健康检查成功都会把计数清零。
type Escalator struct {
	remediator Remediator
	component  string
	threshold  int
	cooldown   time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu              sync.Mutex
	failures        int
	lastRemediation time.Time
}

// NewEscalator 创建，零值参数使用默认值
func NewEscalator(r Remediator, component string, threshold int, cooldown time.Duration, logger *zap.Logger, m *metrics.Metrics) *Escalator {
	if threshold <= 0 {
		threshold = DefaultEscalateAfter
	}
	if cooldown <= 0 {
		cooldown = DefaultRemediationCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if r == nil {
		r = NewLogRemediator(logger)
	}
	return &Escalator{
		remediator: r,
		component:  component,
		threshold:  threshold,
		cooldown:   cooldown,
		logger:     logger.Named("escalator"),
		metrics:    m,
		now:        time.Now,
	}
}

// Healthy 健康检查成功，计数清零
func (e *Escalator) Healthy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.logger.Info("escalator.recovered", zap.Int("failures", e.failures))
	}
	e.failures = 0
}

// Failures 当前连续失败次数
func (e *Escalator) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Fail 记录一次严重故障，返回本次是否触发了修复
func (e *Escalator) Fail(ctx context.Context, reason string) (bool, error) {
	e.mu.Lock()
	e.failures++
	failures := e.failures
	now := e.now()
	due := failures >= e.threshold &&
		(e.lastRemediation.IsZero() || now.Sub(e.lastRemediation) >= e.cooldown)
	if due {
		e.lastRemediation = now
	}
	e.mu.Unlock()

	if !due {
		return false, nil
	}
	e.logger.Warn("escalator.remediate",
		zap.String("component", e.component), zap.Int("failures", failures), zap.String("reason", reason))
	if err := e.remediator.Restart(ctx, e.component, reason); err != nil {
		e.metrics.RecordRemediation("error")
		return true, err
	}
	e.metrics.RecordRemediation("requested")
	return true, nil
}
