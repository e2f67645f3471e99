// Package scheduler 任务调度器
//
// 调度器负责把未分配的 queued 任务分配到有容量的机器，并回收离线机器上尚未领取的任务。
// 每个周期：
//  1. 心跳超时的机器标记为 offline，释放其上 queued 任务的分配
//  2. 按 priority DESC, created_at ASC 取出未分配任务
//  3. 用策略链为每个任务选择机器，条件更新 assigned_machine（不修改状态）
//
// 领取由 Worker 发起（ClaimNext），依赖存储层的单条条件 UPDATE 保证只有一个胜者。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/machine"
	"agents-dispatch/internal/apiserver/metrics"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

// CycleResult 单个调度周期的结果
type CycleResult struct {
	Offline    []string // 本周期新标记离线的机器
	Unassigned int64    // 从离线机器释放的 queued 任务数
	Assigned   int      // 本周期分配的任务数
	Pending    int      // 没有合适机器、留待下个周期的任务数
}

// Dispatcher 任务调度器
type Dispatcher struct {
	config   *Config
	store    storage.TaskStore
	registry *machine.Registry
	chain    *StrategyChain
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex    // 保护 running 状态
	running bool          // 调度器运行状态
	stopCh  chan struct{} // 停止信号通道
}

// NewDispatcher 创建调度器
func NewDispatcher(store storage.TaskStore, registry *machine.Registry, cfg *Config, logger *zap.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		config:   cfg,
		store:    store,
		registry: registry,
		chain:    cfg.BuildStrategyChain(),
		logger:   logger.Named("dispatcher"),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}, nil
}

// SetStrategyChain 设置自定义策略链
func (d *Dispatcher) SetStrategyChain(chain *StrategyChain) {
	d.chain = chain
}

// Config 获取当前配置
func (d *Dispatcher) Config() *Config {
	return d.config
}

// Start 运行调度循环，直到 ctx 取消或 Stop 被调用
//
// 启动时立即执行一次；单个周期失败只记录日志，不会终止循环。
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info("dispatcher.start",
		zap.Duration("interval", d.config.Interval),
		zap.Duration("stale_threshold", d.config.StaleThreshold),
		zap.Strings("strategies", d.config.Chain))

	d.runCycleLogged(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher.stop", zap.String("reason", "context_cancelled"))
			return nil
		case <-d.stopCh:
			d.logger.Info("dispatcher.stop", zap.String("reason", "stop_signal"))
			return nil
		case <-ticker.C:
			d.runCycleLogged(ctx)
		}
	}
}

// Stop 停止调度器
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		close(d.stopCh)
		d.running = false
	}
}

func (d *Dispatcher) runCycleLogged(ctx context.Context) {
	start := time.Now()
	res, err := d.RunCycle(ctx)
	if err != nil {
		d.metrics.RecordDispatchCycle("error", time.Since(start), res.Assigned, int(res.Unassigned))
		d.logger.Error("dispatcher.cycle.failed",
			zap.Int64("unassigned", res.Unassigned),
			zap.Int("assigned", res.Assigned),
			zap.Error(err))
		return
	}
	d.metrics.RecordDispatchCycle("ok", time.Since(start), res.Assigned, int(res.Unassigned))
	if res.Assigned > 0 || res.Unassigned > 0 || len(res.Offline) > 0 {
		d.logger.Info("dispatcher.cycle",
			zap.Strings("offline", res.Offline),
			zap.Int64("unassigned", res.Unassigned),
			zap.Int("assigned", res.Assigned),
			zap.Int("pending", res.Pending),
			zap.Duration("duration", time.Since(start)))
	}
}

// RunCycle 执行一个调度周期
//
// 扫描与列表查询失败时直接返回；单台机器的释放或单个任务的分配失败不影响其余机器和任务，
// 这些错误合并后与本周期的结果一起返回，调用方记录日志后等待下个周期重试。
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	var errs []error

	// 1. 离线机器扫描
	offline, err := d.registry.MarkStaleOffline(ctx, d.config.StaleThreshold)
	if err != nil {
		return res, fmt.Errorf("mark stale machines: %w", err)
	}
	res.Offline = offline

	machines, err := d.registry.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list machines: %w", err)
	}
	pending, err := d.store.CountPendingAssigned(ctx)
	if err != nil {
		return res, fmt.Errorf("count pending assigned: %w", err)
	}
	online, total := machine.CountOnline(machines)
	d.metrics.SetMachinesCount(online, total)

	// 所有仍持有 queued 分配的离线机器都会被释放（包括上个周期释放失败的）
	for _, m := range machines {
		if !m.IsOffline() || pending[m.ID] == 0 {
			continue
		}
		n, err := d.store.UnassignQueuedTasks(ctx, m.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("unassign tasks of %s: %w", m.ID, err))
			continue
		}
		delete(pending, m.ID)
		res.Unassigned += n
		d.logger.Warn("dispatcher.tasks.unassigned",
			zap.String("machine_id", m.ID),
			zap.Int64("count", n))
	}

	// 2. 未分配任务
	tasks, err := d.store.ListUnassignedQueued(ctx, d.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list unassigned tasks: %w", err)
	}

	// 3. 分配
	now := d.now()
	for _, task := range tasks {
		req := &ScheduleRequest{
			Task:       task,
			Candidates: machine.Eligible(machines, pending, task.MaxCost, now, d.registry.StaleAfter()),
		}
		chosen, reason := d.chain.SelectMachine(ctx, req)
		if chosen == nil {
			res.Pending++
			d.logger.Debug("dispatcher.task.no_match",
				zap.String("task_id", task.ID),
				zap.String("project", task.Project),
				zap.String("reason", reason))
			continue
		}

		err := d.store.AssignTask(ctx, task.ID, chosen.ID)
		if errors.Is(err, storage.ErrConflict) {
			// 任务在本周期内被取消或领取
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("assign task %s: %w", task.ID, err))
			continue
		}
		pending[chosen.ID]++
		res.Assigned++
		d.logger.Info("dispatcher.task.assigned",
			zap.String("task_id", task.ID),
			zap.String("machine_id", chosen.ID),
			zap.Int("priority", task.Priority),
			zap.String("reason", reason))
	}
	return res, errors.Join(errs...)
}

// ClaimNext 为机器领取下一个任务
//
// 先尝试分配给该机器的任务，再（按配置）尝试项目匹配的未分配任务。
// 每个候选都做一次原子领取，输给其他 Worker 时继续尝试下一个。
// 没有可领取的任务返回 nil, nil。
func (d *Dispatcher) ClaimNext(ctx context.Context, machineID string) (*model.Task, error) {
	m, err := d.registry.Get(ctx, machineID)
	if err != nil {
		return nil, err
	}

	candidates, err := d.store.ListQueuedAssignedTo(ctx, machineID, d.config.BatchSize)
	if err != nil {
		d.metrics.RecordClaim("error")
		return nil, fmt.Errorf("list assigned tasks: %w", err)
	}
	if d.config.AllowUnassigned {
		unassigned, err := d.store.ListUnassignedQueued(ctx, d.config.BatchSize)
		if err != nil {
			d.metrics.RecordClaim("error")
			return nil, fmt.Errorf("list unassigned tasks: %w", err)
		}
		for _, t := range unassigned {
			if claimableBy(m, t) {
				candidates = append(candidates, t)
			}
		}
	}

	for _, t := range candidates {
		won, err := d.store.ClaimTask(ctx, t.ID, machineID, d.now())
		if err != nil {
			d.metrics.RecordClaim("error")
			return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		if !won {
			d.metrics.RecordClaim("lost")
			d.logger.Debug("dispatcher.claim.lost", zap.String("task_id", t.ID), zap.String("machine_id", machineID))
			continue
		}
		d.metrics.RecordClaim("won")
		d.logger.Info("dispatcher.claim.won", zap.String("task_id", t.ID), zap.String("machine_id", machineID))
		return d.store.GetTask(ctx, t.ID)
	}

	d.metrics.RecordClaim("empty")
	return nil, nil
}

// claimableBy 未分配任务是否可由该机器直接领取：项目匹配（机器未声明项目时不限制）且成本可接受
func claimableBy(m *model.Machine, t *model.Task) bool {
	if t.MaxCost > 0 && m.CostPerTask > t.MaxCost {
		return false
	}
	if len(m.Projects) == 0 || t.Project == "" {
		return true
	}
	return m.HasProject(t.Project)
}
