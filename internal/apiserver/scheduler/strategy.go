// Package scheduler 调度策略接口和策略链
package scheduler

import (
	"context"

	"agents-dispatch/internal/apiserver/machine"
	"agents-dispatch/internal/shared/model"
)

// Strategy 从候选机器中挑选一台；候选已由调度器按在线、容量、成本过滤
type Strategy interface {
	// Name 返回策略名称（用于日志和配置）
	Name() string

	// SelectMachine 返回选中的机器与原因，没有合适的机器返回 nil
	SelectMachine(ctx context.Context, req *ScheduleRequest) (*model.Machine, string)
}

// ScheduleRequest 调度请求
type ScheduleRequest struct {
	Task       *model.Task
	Candidates []machine.Candidate // 已过滤：未离线、有剩余容量、成本可接受
}

// StrategyChain 依次尝试各策略，第一个选中机器的策略生效
type StrategyChain struct {
	strategies []Strategy
}

// NewStrategyChain 创建策略链
func NewStrategyChain(strategies ...Strategy) *StrategyChain {
	return &StrategyChain{strategies: strategies}
}

// SelectMachine 按策略链顺序选择机器
func (c *StrategyChain) SelectMachine(ctx context.Context, req *ScheduleRequest) (*model.Machine, string) {
	if len(req.Candidates) == 0 {
		return nil, "no_capacity"
	}
	for _, strategy := range c.strategies {
		if m, reason := strategy.SelectMachine(ctx, req); m != nil {
			return m, reason
		}
	}
	return nil, "no_strategy_matched"
}

// Add 添加策略到链尾
func (c *StrategyChain) Add(s Strategy) {
	c.strategies = append(c.strategies, s)
}
