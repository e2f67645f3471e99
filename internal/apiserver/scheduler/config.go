// Package scheduler 调度器配置
package scheduler

import (
	"fmt"
	"time"

	"agents-dispatch/internal/shared/model"
)

// Config 调度器配置
type Config struct {
	// Interval 调度周期
	Interval time.Duration `yaml:"interval"`

	// StaleThreshold 机器心跳超时阈值，超时后标记 offline 并释放其排队任务
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	// BatchSize 每个周期最多处理的未分配任务数
	BatchSize int `yaml:"batch_size"`

	// Chain 策略链（按优先级排序）
	// 可选值: "project_affinity", "load_balance"
	Chain []string `yaml:"chain"`

	// AllowUnassigned 领取时是否允许 Worker 领取未分配、且项目匹配的任务
	AllowUnassigned bool `yaml:"allow_unassigned"`
}

// DefaultChain 默认策略链
var DefaultChain = []string{"project_affinity", "load_balance"}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Interval:        10 * time.Second,
		StaleThreshold:  model.DefaultStaleThreshold,
		BatchSize:       100,
		Chain:           append([]string(nil), DefaultChain...),
		AllowUnassigned: true,
	}
}

// Validate 补齐默认值并校验策略名
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = model.DefaultStaleThreshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if len(c.Chain) == 0 {
		c.Chain = append([]string(nil), DefaultChain...)
	}
	for _, name := range c.Chain {
		if newStrategy(name) == nil {
			return fmt.Errorf("unknown dispatch strategy %q", name)
		}
	}
	return nil
}

// BuildStrategyChain 根据配置构建策略链
func (c *Config) BuildStrategyChain() *StrategyChain {
	chain := NewStrategyChain()
	for _, name := range c.Chain {
		if s := newStrategy(name); s != nil {
			chain.Add(s)
		}
	}

	// 如果链为空，添加默认策略
	if len(chain.strategies) == 0 {
		chain.Add(NewProjectAffinityStrategy())
		chain.Add(NewLoadBalanceStrategy())
	}
	return chain
}

func newStrategy(name string) Strategy {
	switch name {
	case "project_affinity", "affinity":
		return NewProjectAffinityStrategy()
	case "load_balance":
		return NewLoadBalanceStrategy()
	}
	return nil
}
