// Package machine Worker 机器注册中心
//
// Registry 是机器在线状态与容量的唯一来源：
//   - Register：幂等注册
//   - Heartbeat：刷新心跳与负载，离线机器心跳后立即恢复可用
//   - MarkStaleOffline：心跳超时的机器标记为 offline
//   - BestMachineFor：按项目亲和与剩余容量选择机器
package machine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

// Store 注册中心所需的持久化接口
type Store interface {
	storage.MachineStore
	CountPendingAssigned(ctx context.Context) (map[string]int, error)
}

// ErrInvalidMachine 注册参数非法
var ErrInvalidMachine = errors.New("invalid machine")

// Registry 机器注册中心
type Registry struct {
	store      Store
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time
}

// NewRegistry 创建注册中心，staleAfter <= 0 时使用 model.DefaultStaleThreshold
func NewRegistry(store Store, logger *zap.Logger, staleAfter time.Duration) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if staleAfter <= 0 {
		staleAfter = model.DefaultStaleThreshold
	}
	return &Registry{
		store:      store,
		logger:     logger.Named("registry"),
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// StaleAfter 返回心跳超时阈值
func (r *Registry) StaleAfter() time.Duration {
	return r.staleAfter
}

// Register 幂等注册机器
//
// ID 为空时生成 machine-<uuid>；重复注册以最新声明覆盖（不会产生重复记录）。
func (r *Registry) Register(ctx context.Context, m *model.Machine) (*model.Machine, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidMachine)
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		m.ID = "machine-" + uuid.NewString()
	}
	if m.MaxConcurrent < 1 {
		return nil, fmt.Errorf("%w: max_concurrent must be >= 1", ErrInvalidMachine)
	}
	if m.CostPerTask < 0 {
		return nil, fmt.Errorf("%w: cost_per_task must be >= 0", ErrInvalidMachine)
	}
	if m.ActiveTasks < 0 {
		m.ActiveTasks = 0
	}
	if m.DisplayName == "" {
		m.DisplayName = m.ID
	}
	m.Projects = normalizeProjects(m.Projects)

	now := r.now()
	m.LastHeartbeat = &now
	m.Status = model.StatusForLoad(m.ActiveTasks, m.MaxConcurrent)

	if err := r.store.UpsertMachine(ctx, m); err != nil {
		return nil, fmt.Errorf("upsert machine %s: %w", m.ID, err)
	}
	r.logger.Info("machine.registered",
		zap.String("machine_id", m.ID),
		zap.Strings("projects", m.Projects),
		zap.Int("max_concurrent", m.MaxConcurrent))
	return r.store.GetMachine(ctx, m.ID)
}

// Heartbeat 刷新心跳与当前活动任务数
//
// 状态根据负载重算为 online/busy（包括此前被标记为 offline 的机器）。
// 未注册的机器返回 storage.ErrNotFound，Worker 据此重新注册。
func (r *Registry) Heartbeat(ctx context.Context, id string, activeTasks int) (*model.Machine, error) {
	m, err := r.store.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	if activeTasks < 0 {
		activeTasks = 0
	}
	status := model.StatusForLoad(activeTasks, m.MaxConcurrent)
	now := r.now()
	if err := r.store.UpdateMachineHeartbeat(ctx, id, activeTasks, status, now); err != nil {
		return nil, err
	}
	if m.IsOffline() {
		r.logger.Info("machine.revived", zap.String("machine_id", id), zap.String("status", string(status)))
	}
	m.ActiveTasks = activeTasks
	m.Status = status
	m.LastHeartbeat = &now
	return m, nil
}

// MarkStaleOffline 将心跳超过 threshold 的机器标记为 offline，返回本次转换的机器 ID
func (r *Registry) MarkStaleOffline(ctx context.Context, threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		threshold = r.staleAfter
	}
	ids, err := r.store.MarkStaleOffline(ctx, r.now().Add(-threshold))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.logger.Warn("machine.offline", zap.String("machine_id", id), zap.Duration("threshold", threshold))
	}
	return ids, nil
}

// Get 获取机器
func (r *Registry) Get(ctx context.Context, id string) (*model.Machine, error) {
	return r.store.GetMachine(ctx, id)
}

// List 列出所有机器
func (r *Registry) List(ctx context.Context) ([]*model.Machine, error) {
	return r.store.ListMachines(ctx)
}

// Candidates 当前可接收任务的机器（已扣除已分配未领取的任务）
func (r *Registry) Candidates(ctx context.Context, maxCost float64) ([]Candidate, error) {
	machines, err := r.store.ListMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	pending, err := r.store.CountPendingAssigned(ctx)
	if err != nil {
		return nil, fmt.Errorf("count pending assigned: %w", err)
	}
	return Eligible(machines, pending, maxCost, r.now(), r.staleAfter), nil
}

// BestMachineFor 为项目选择机器，没有合适机器时返回 nil, nil
func (r *Registry) BestMachineFor(ctx context.Context, project string, maxCost float64) (*model.Machine, error) {
	candidates, err := r.Candidates(ctx, maxCost)
	if err != nil {
		return nil, err
	}
	m, _ := Best(candidates, project)
	return m, nil
}

// CountOnline 统计非离线机器数与总数
func CountOnline(machines []*model.Machine) (online, total int) {
	for _, m := range machines {
		if !m.IsOffline() {
			online++
		}
	}
	return online, len(machines)
}

func normalizeProjects(projects []string) []string {
	seen := make(map[string]bool, len(projects))
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
