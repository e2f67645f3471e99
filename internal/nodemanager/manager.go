// Package nodemanager Worker 机器上的节点管理器
//
// 目录结构：
//   - manager.go:             NodeManager 主体（注册、领取循环、会话跟踪）
//   - runner.go:              单个任务的会话执行
//   - session.go:             本地进程会话（os/exec 管道）
//   - container.go:           Docker 容器会话
//   - client.go:              控制面 HTTP 客户端
//   - heartbeat_service.go:   心跳服务
//   - workspace_manager.go:   工作目录与变更统计
//   - metrics_prometheus.go:  Prometheus 指标
//   - nodeid.go:              确定性机器 ID
//   - adapter/:               Agent CLI 适配器
package nodemanager

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"agents-dispatch/internal/config"
	"agents-dispatch/internal/nodemanager/adapter"
	"agents-dispatch/internal/shared/model"
)

// Config 节点管理器配置
type Config struct {
	MachineID     string
	DisplayName   string
	Projects      []string
	MaxConcurrent int
	CostPerTask   float64
	Version       string

	WorkspaceDir string
	Command      string
	Args         []string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	ClaimInterval     time.Duration
	InputPollInterval time.Duration
	EventBatchSize    int
	EventFlushEvery   time.Duration

	// Launcher 为空时以本地进程运行
	Launcher Launcher

	// Attach 嵌入模式下把会话直接挂到控制面的输入中继，返回解除函数
	Attach func(taskID string, w InputWriter) (detach func())
}

// NewConfig 由 YAML 的 node 配置构建
func NewConfig(n config.NodeConfig) Config {
	return Config{
		MachineID:         n.ID,
		DisplayName:       n.DisplayName,
		Projects:          n.Projects,
		MaxConcurrent:     n.MaxConcurrent,
		CostPerTask:       n.CostPerTask,
		WorkspaceDir:      n.WorkspaceDir,
		Command:           n.Command,
		Args:              n.Args,
		SessionTimeout:    n.SessionTimeout,
		HeartbeatInterval: n.HeartbeatInterval,
		ClaimInterval:     n.ClaimInterval,
		InputPollInterval: n.InputPollInterval,
		EventBatchSize:    n.EventBatchSize,
		EventFlushEvery:   n.EventFlushEvery,
	}
}

func (c *Config) withDefaults() {
	if c.Launcher == nil {
		c.Launcher = ProcessLauncher{}
	}
	if c.MachineID == "" {
		c.MachineID = GenerateNodeID()
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 2 * time.Hour
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 5 * time.Second
	}
	if c.InputPollInterval <= 0 {
		c.InputPollInterval = 2 * time.Second
	}
	if c.EventBatchSize <= 0 {
		c.EventBatchSize = 20
	}
	if c.EventFlushEvery <= 0 {
		c.EventFlushEvery = time.Second
	}
}

// NodeManager 节点管理器核心结构
//
// 只通过 HTTP 与控制面交互：注册、心跳、领取、上报事件、拉取输入。
// 同时运行的会话数不超过 MaxConcurrent。
type NodeManager struct {
	cfg        Config
	client     *Client
	adapter    adapter.Adapter
	workspaces *WorkspaceManager
	logger     *zap.Logger
	metrics    *Metrics

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	sessions sync.WaitGroup
}

// New 创建节点管理器
func New(cfg Config, client *Client, a adapter.Adapter, logger *zap.Logger, m *Metrics) *NodeManager {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nodemanager").With(zap.String("machine_id", cfg.MachineID))
	return &NodeManager{
		cfg:        cfg,
		client:     client,
		adapter:    a,
		workspaces: NewWorkspaceManager(cfg.WorkspaceDir, logger),
		logger:     logger,
		metrics:    m,
		running:    make(map[string]context.CancelFunc),
	}
}

// MachineID 本机 ID
func (nm *NodeManager) MachineID() string {
	return nm.cfg.MachineID
}

// Start 注册后运行心跳与领取循环，ctx 取消后等待所有会话退出
func (nm *NodeManager) Start(ctx context.Context) error {
	if err := nm.registerWithRetry(ctx); err != nil {
		return err
	}
	nm.logger.Info("nodemanager.started",
		zap.Strings("projects", nm.cfg.Projects),
		zap.Int("max_concurrent", nm.cfg.MaxConcurrent),
		zap.String("adapter", nm.adapter.Name()))

	hb := NewHeartbeatService(nm.client, nm.cfg.MachineID, nm.cfg.HeartbeatInterval, nm.Running, nm.register, nm.logger, nm.metrics)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hb.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		nm.claimLoop(ctx)
	}()
	wg.Wait()

	nm.sessions.Wait()
	nm.logger.Info("nodemanager.stopped")
	return nil
}

// register 注册本机，声明项目、容量与成本
func (nm *NodeManager) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	_, err := nm.client.Register(ctx, &model.Machine{
		ID:            nm.cfg.MachineID,
		DisplayName:   nm.cfg.DisplayName,
		Projects:      nm.cfg.Projects,
		MaxConcurrent: nm.cfg.MaxConcurrent,
		ActiveTasks:   nm.Running(),
		CostPerTask:   nm.cfg.CostPerTask,
		Hostname:      hostname,
		Version:       nm.cfg.Version,
	})
	return err
}

// registerWithRetry 控制面未就绪时指数退避重试（2s 起，最长 30s）
func (nm *NodeManager) registerWithRetry(ctx context.Context) error {
	backoff := 2 * time.Second
	for {
		err := nm.register(ctx)
		if err == nil {
			return nil
		}
		nm.logger.Warn("nodemanager.register.failed", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// claimLoop 周期领取任务
func (nm *NodeManager) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(nm.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		// 一个周期内连续领取，直到没有任务或容量用尽
		for {
			claimed, err := nm.claimOnce(ctx)
			if err != nil && ctx.Err() == nil {
				nm.logger.Warn("nodemanager.claim.failed", zap.Error(err))
			}
			if !claimed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimOnce 领取并启动一个任务，返回是否领取到
func (nm *NodeManager) claimOnce(ctx context.Context) (bool, error) {
	if nm.Running() >= nm.cfg.MaxConcurrent {
		return false, nil
	}
	task, err := nm.client.Claim(ctx, nm.cfg.MachineID)
	if err != nil {
		nm.metrics.RecordClaim("error")
		if errors.Is(err, ErrNotRegistered) {
			return false, nm.register(ctx)
		}
		return false, err
	}
	if task == nil {
		nm.metrics.RecordClaim("empty")
		return false, nil
	}
	nm.metrics.RecordClaim("won")
	nm.launch(ctx, task)
	return true, nil
}

// launch 在独立 goroutine 中执行任务
func (nm *NodeManager) launch(ctx context.Context, task *model.Task) {
	runCtx, cancel := context.WithCancel(ctx)
	nm.mu.Lock()
	nm.running[task.ID] = cancel
	nm.mu.Unlock()

	nm.sessions.Add(1)
	go func() {
		defer nm.sessions.Done()
		defer func() {
			cancel()
			nm.mu.Lock()
			delete(nm.running, task.ID)
			nm.mu.Unlock()
		}()
		nm.runTask(runCtx, task)
	}()
}

// Running 当前执行中的任务数
func (nm *NodeManager) Running() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return len(nm.running)
}

// CancelTask 终止本机上正在执行的任务
func (nm *NodeManager) CancelTask(taskID string) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	cancel, ok := nm.running[taskID]
	if ok {
		cancel()
	}
	return ok
}
