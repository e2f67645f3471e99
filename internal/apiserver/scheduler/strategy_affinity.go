// Package scheduler 项目亲和调度策略
package scheduler

import (
	"context"

	"agents-dispatch/internal/apiserver/machine"
	"agents-dispatch/internal/shared/model"
)

// ProjectAffinityStrategy 项目亲和调度策略
//
// 将任务调度到声明了该项目的机器上（工作区、依赖缓存已就绪）。
// 多台机器匹配时选择剩余容量最大的一台；没有匹配时交给链中的下一个策略。
type ProjectAffinityStrategy struct{}

// NewProjectAffinityStrategy 创建项目亲和策略
func NewProjectAffinityStrategy() *ProjectAffinityStrategy {
	return &ProjectAffinityStrategy{}
}

// Name 返回策略名称
func (s *ProjectAffinityStrategy) Name() string {
	return "project_affinity"
}

// SelectMachine 选择声明了任务项目的机器
func (s *ProjectAffinityStrategy) SelectMachine(ctx context.Context, req *ScheduleRequest) (*model.Machine, string) {
	if req.Task == nil || req.Task.Project == "" {
		return nil, ""
	}
	if m := mostSpare(machine.WithProject(req.Candidates, req.Task.Project)); m != nil {
		return m, "project_affinity"
	}
	return nil, ""
}
