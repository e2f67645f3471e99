package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/metrics"
	"agents-dispatch/internal/shared/model"
)

// Store 监控需要的只读存储接口
type Store interface {
	Ping(ctx context.Context) error
	ListStaleTasks(ctx context.Context, startedBefore time.Time) ([]*model.Task, error)
	ListMachines(ctx context.Context) ([]*model.Machine, error)
	CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
}

// Config 监控配置
type Config struct {
	HealthInterval      time.Duration
	ProactiveInterval   time.Duration
	HealthStaleAfter    time.Duration // 健康检查的卡住阈值
	ProactiveStaleAfter time.Duration // 主动巡检的长时间运行阈值
	AlertCooldown       time.Duration
	RecentCapacity      int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		HealthInterval:      60 * time.Second,
		ProactiveInterval:   5 * time.Minute,
		HealthStaleAfter:    10 * time.Minute,
		ProactiveStaleAfter: 60 * time.Minute,
		AlertCooldown:       10 * time.Minute,
		RecentCapacity:      DefaultRecentCapacity,
	}
}

// withDefaults 零值字段使用默认值
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.ProactiveInterval <= 0 {
		c.ProactiveInterval = d.ProactiveInterval
	}
	if c.HealthStaleAfter <= 0 {
		c.HealthStaleAfter = d.HealthStaleAfter
	}
	if c.ProactiveStaleAfter <= 0 {
		c.ProactiveStaleAfter = d.ProactiveStaleAfter
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = d.AlertCooldown
	}
	if c.RecentCapacity <= 0 {
		c.RecentCapacity = d.RecentCapacity
	}
	return c
}

// Report 一次巡检的结果
type Report struct {
	Healthy bool     `json:"healthy"`
	Alerts  []*Alert `json:"alerts,omitempty"`
	Err     error    `json:"-"`
}

// base 两个监控共享的告警发送逻辑
type base struct {
	store    Store
	notifier Notifier
	state    *alertState
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func newBase(store Store, notifier Notifier, cfg Config, logger *zap.Logger, m *metrics.Metrics, name string) base {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		store:    store,
		notifier: notifier,
		state:    newAlertState(cfg.AlertCooldown, cfg.RecentCapacity),
		cfg:      cfg,
		logger:   logger.Named(name),
		metrics:  m,
		now:      time.Now,
	}
}

// emit 检查冷却后发送；被冷却抑制时返回 nil
func (b *base) emit(ctx context.Context, alert *Alert) *Alert {
	if b.state.coolingDown(alert.Kind, alert.At) {
		b.logger.Debug("monitor.alert.cooldown", zap.String("kind", string(alert.Kind)))
		return nil
	}
	b.state.fired(alert.Kind, alert.Subjects, alert.At)
	b.metrics.RecordAlert(string(alert.Kind))
	if b.notifier != nil {
		if err := b.notifier.Notify(ctx, alert); err != nil {
			b.logger.Warn("monitor.notify.failed", zap.String("kind", string(alert.Kind)), zap.Error(err))
		}
	}
	return alert
}

// staleTasks 对超过阈值的任务发出一条汇总告警（每个任务只告警一次）
func (b *base) staleTasks(ctx context.Context, kind AlertKind, threshold time.Duration, now time.Time) (*Alert, error) {
	tasks, err := b.store.ListStaleTasks(ctx, now.Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	ids := make([]string, 0, len(tasks))
	details := make([]string, 0, len(tasks))
	byID := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
		byID[t.ID] = t
	}
	fresh := b.state.fresh(kind, ids)
	if len(fresh) == 0 {
		return nil, nil
	}
	for _, id := range fresh {
		t := byID[id]
		worker := "-"
		if t.OrchestratorID != nil {
			worker = *t.OrchestratorID
		}
		details = append(details, fmt.Sprintf("%s (%s on %s, %s)", id, t.Status, worker, t.Age(now).Round(time.Minute)))
	}
	alert := newAlert(kind, SeverityWarning, fresh, now,
		"%d task(s) started more than %s ago: %s", len(fresh), threshold, listSubjects(details, 5))
	return b.emit(ctx, alert), nil
}

// ============================================================================
// HealthMonitor
// ============================================================================

// HealthMonitor 高频健康检查
type HealthMonitor struct {
	base
	escalator *Escalator
}

// NewHealthMonitor 创建健康检查
func NewHealthMonitor(store Store, notifier Notifier, escalator *Escalator, cfg Config, logger *zap.Logger, m *metrics.Metrics) *HealthMonitor {
	return &HealthMonitor{
		base:      newBase(store, notifier, cfg, logger, m, "health"),
		escalator: escalator,
	}
}

// Check 执行一次健康检查
func (h *HealthMonitor) Check(ctx context.Context) *Report {
	now := h.now()
	report := &Report{}

	if err := h.store.Ping(ctx); err != nil {
		report.Err = err
		alert := newAlert(AlertDatastoreDown, SeverityCritical, nil, now, "datastore unreachable: %v", err)
		if a := h.emit(ctx, alert); a != nil {
			report.Alerts = append(report.Alerts, a)
		}
		if h.escalator != nil {
			triggered, rerr := h.escalator.Fail(ctx, err.Error())
			if rerr != nil {
				h.logger.Error("health.remediation.failed", zap.Error(rerr))
			}
			if triggered {
				ra := newAlert(AlertRemediation, SeverityCritical, nil, now,
					"restart requested for %s after %d consecutive datastore failures", h.escalator.component, h.escalator.Failures())
				if a := h.emit(ctx, ra); a != nil {
					report.Alerts = append(report.Alerts, a)
				}
			}
		}
		return report
	}
	if h.escalator != nil {
		h.escalator.Healthy()
	}

	if a, err := h.staleTasks(ctx, AlertStaleTask, h.cfg.HealthStaleAfter, now); err != nil {
		report.Err = err
	} else if a != nil {
		report.Alerts = append(report.Alerts, a)
	}

	machines, err := h.store.ListMachines(ctx)
	if err != nil {
		report.Err = fmt.Errorf("list machines: %w", err)
		return report
	}
	if a := h.offlineMachines(ctx, machines, now); a != nil {
		report.Alerts = append(report.Alerts, a)
	}

	report.Healthy = report.Err == nil
	return report
}

func (h *HealthMonitor) offlineMachines(ctx context.Context, machines []*model.Machine, now time.Time) *Alert {
	var offline, online []string
	for _, m := range machines {
		if m.IsOffline() {
			offline = append(offline, m.ID)
		} else {
			online = append(online, m.ID)
		}
	}
	h.metrics.SetMachinesCount(len(online), len(machines))

	newly := h.state.newlyOffline(offline, online)
	if len(newly) == 0 {
		return nil
	}
	alert := h.emit(ctx, newAlert(AlertMachineOffline, SeverityWarning, newly, now,
		"%d machine(s) went offline: %s", len(newly), listSubjects(newly, 10)))
	if alert != nil {
		h.state.markOffline(newly)
	}
	return alert
}

// Run 周期执行，直到 ctx 取消
func (h *HealthMonitor) Run(ctx context.Context) error {
	return runLoop(ctx, h.cfg.HealthInterval, h.logger, func(ctx context.Context) *Report { return h.Check(ctx) })
}

// ============================================================================
// ProactiveMonitor
// ============================================================================

// ProactiveMonitor 低频主动巡检
type ProactiveMonitor struct {
	base
}

// NewProactiveMonitor 创建主动巡检
func NewProactiveMonitor(store Store, notifier Notifier, cfg Config, logger *zap.Logger, m *metrics.Metrics) *ProactiveMonitor {
	return &ProactiveMonitor{base: newBase(store, notifier, cfg, logger, m, "proactive")}
}

// Check 执行一次主动巡检
func (p *ProactiveMonitor) Check(ctx context.Context) *Report {
	now := p.now()
	report := &Report{}

	if a, err := p.staleTasks(ctx, AlertLongRunning, p.cfg.ProactiveStaleAfter, now); err != nil {
		report.Err = err
	} else if a != nil {
		report.Alerts = append(report.Alerts, a)
	}

	counts, err := p.store.CountTasksByStatus(ctx)
	if err != nil {
		report.Err = fmt.Errorf("count tasks: %w", err)
		return report
	}
	for _, s := range []model.TaskStatus{
		model.TaskStatusQueued, model.TaskStatusClaimed, model.TaskStatusRunning, model.TaskStatusWaitingInput,
		model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled, model.TaskStatusTimeout,
	} {
		p.metrics.SetTasksCount(string(s), counts[s])
	}

	machines, err := p.store.ListMachines(ctx)
	if err != nil {
		report.Err = fmt.Errorf("list machines: %w", err)
		return report
	}
	online := 0
	for _, m := range machines {
		if !m.IsOffline() {
			online++
		}
	}
	if queued := counts[model.TaskStatusQueued]; queued > 0 && online == 0 {
		alert := newAlert(AlertStarvation, SeverityCritical, nil, now,
			"%d queued task(s) but no machine is online (%d registered)", queued, len(machines))
		if a := p.emit(ctx, alert); a != nil {
			report.Alerts = append(report.Alerts, a)
		}
	}

	report.Healthy = report.Err == nil
	return report
}

// Run 周期执行，直到 ctx 取消
func (p *ProactiveMonitor) Run(ctx context.Context) error {
	return runLoop(ctx, p.cfg.ProactiveInterval, p.logger, func(ctx context.Context) *Report { return p.Check(ctx) })
}

// runLoop 立即执行一次，之后按周期执行；单次失败只记录日志
func runLoop(ctx context.Context, interval time.Duration, logger *zap.Logger, check func(context.Context) *Report) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r := check(ctx); r.Err != nil && ctx.Err() == nil {
			logger.Warn("monitor.check.failed", zap.Error(r.Err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
