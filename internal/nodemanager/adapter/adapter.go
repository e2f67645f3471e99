// Package adapter 定义 Agent CLI 适配器接口
//
// 不同 Agent CLI 的命令行参数与输出协议各不相同，适配器负责：
//   - 构建启动交互式会话的命令
//   - 把进程输出流增量解码为 model.SessionEvent
//   - 把操作员输入编码为写入进程 stdin 的帧
//
// 数据流：
//
//	CLI stdout → Decoder.Feed() → []SessionEvent → 上报控制面
//	操作员输入 → EncodeUserInput() → CLI stdin
package adapter

import (
	"fmt"
	"sort"
	"sync"

	"agents-dispatch/internal/shared/model"
)

// Adapter Agent CLI 适配器接口
type Adapter interface {
	// Name 适配器名称（如 claude-v1）
	Name() string

	// BuildCommand 构建会话启动命令
	BuildCommand(task *model.Task, opts CommandOptions) (*RunConfig, error)

	// NewDecoder 为一次会话创建新的流解码器
	NewDecoder() Decoder

	// EncodeUserInput 把一条操作员输入编码为一帧（包含结尾换行）
	EncodeUserInput(text string) []byte
}

// Decoder 会话输出流解码器
//
// 解码器持有跨分块的残留行与变更文件累积，任意切分输入得到的事件序列相同。
// 解码器从不返回错误：无法识别的内容以文本事件透传。
type Decoder interface {
	// Feed 输入一个任意边界的分块，返回其中完整行解码出的事件
	Feed(chunk []byte) []model.SessionEvent

	// Flush 流结束时处理残留的最后一行
	Flush() []model.SessionEvent

	// Finished 是否已经解码到终止事件
	Finished() bool

	// ChangedFiles 目前为止会话修改过的文件
	ChangedFiles() []string
}

// CommandOptions 启动参数
type CommandOptions struct {
	Command      string   // 可执行文件，空则使用适配器默认值
	Args         []string // 基础参数
	WorkspaceDir string
	Env          map[string]string
}

// RunConfig 进程启动配置
type RunConfig struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string

	// InitialInput 启动后立即写入 stdin 的帧（任务描述）
	InitialInput []byte
}

// ============================================================================
// Registry - 适配器注册表
// ============================================================================

// Registry 按名称索引的适配器注册表
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register 注册适配器，重名覆盖
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get 获取适配器
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered", name)
	}
	return a, nil
}

// List 返回已注册的适配器名称
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
