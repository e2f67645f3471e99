// Package scheduler 负载均衡调度策略
package scheduler

import (
	"context"

	"agents-dispatch/internal/apiserver/machine"
	"agents-dispatch/internal/shared/model"
)

// LoadBalanceStrategy 负载均衡调度策略
//
// 在所有可用机器中选择剩余容量最大的机器，容量相同时选择成本更低的。
// 作为策略链的兜底策略。
type LoadBalanceStrategy struct{}

// NewLoadBalanceStrategy 创建负载均衡策略
func NewLoadBalanceStrategy() *LoadBalanceStrategy {
	return &LoadBalanceStrategy{}
}

// Name 返回策略名称
func (s *LoadBalanceStrategy) Name() string {
	return "load_balance"
}

// SelectMachine 选择负载最低的机器
func (s *LoadBalanceStrategy) SelectMachine(ctx context.Context, req *ScheduleRequest) (*model.Machine, string) {
	if m := mostSpare(req.Candidates); m != nil {
		return m, "load_balance"
	}
	return nil, ""
}

// mostSpare 剩余容量最大者；相同容量按成本、ID 升序
func mostSpare(candidates []machine.Candidate) *model.Machine {
	var best *machine.Candidate
	for i := range candidates {
		c := &candidates[i]
		if c.Spare <= 0 {
			continue
		}
		if best == nil || better(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.Machine
}

func better(a, b *machine.Candidate) bool {
	if a.Spare != b.Spare {
		return a.Spare > b.Spare
	}
	if a.Machine.CostPerTask != b.Machine.CostPerTask {
		return a.Machine.CostPerTask < b.Machine.CostPerTask
	}
	return a.Machine.ID < b.Machine.ID
}
