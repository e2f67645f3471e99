package machine

import (
	"sort"
	"time"

	"agents-dispatch/internal/shared/model"
)

// ============================================================================
// 纯选择函数（不访问存储，便于单元测试）
// ============================================================================

// Candidate 一台可接收任务的机器及其剩余容量
type Candidate struct {
	Machine *model.Machine
	Spare   int // max_concurrent - active_tasks - pending_assigned
}

// Eligible 过滤出可以接收新任务的机器
//
// 条件：未离线、心跳未超时、扣除已分配未领取任务后仍有容量、
// 且声明的单任务成本不超过 maxCost（maxCost <= 0 表示不限制）。
// 返回结果按剩余容量降序、成本升序、ID 升序排列。
func Eligible(machines []*model.Machine, pending map[string]int, maxCost float64, now time.Time, staleAfter time.Duration) []Candidate {
	out := make([]Candidate, 0, len(machines))
	for _, m := range machines {
		if m == nil || m.IsOffline() || m.IsStale(now, staleAfter) {
			continue
		}
		spare := m.SpareCapacity(pending[m.ID])
		if spare <= 0 {
			continue
		}
		if maxCost > 0 && m.CostPerTask > maxCost {
			continue
		}
		out = append(out, Candidate{Machine: m, Spare: spare})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Spare != b.Spare {
			return a.Spare > b.Spare
		}
		if a.Machine.CostPerTask != b.Machine.CostPerTask {
			return a.Machine.CostPerTask < b.Machine.CostPerTask
		}
		return a.Machine.ID < b.Machine.ID
	})
	return out
}

// WithProject 保留声明了 project 的候选机器，保持原有顺序
func WithProject(candidates []Candidate, project string) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Machine.HasProject(project) {
			out = append(out, c)
		}
	}
	return out
}

// Best 从已排序的候选中选择：优先项目亲和，其次任意有容量的机器
//
// 返回选中的机器与原因（affinity / fallback），没有合适机器时返回 nil。
func Best(candidates []Candidate, project string) (*model.Machine, string) {
	if matched := WithProject(candidates, project); len(matched) > 0 {
		return matched[0].Machine, "affinity"
	}
	if len(candidates) > 0 {
		return candidates[0].Machine, "fallback"
	}
	return nil, ""
}
