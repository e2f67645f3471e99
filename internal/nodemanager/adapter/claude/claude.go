// Package claude 实现 Claude Code CLI Adapter
//
// 会话以 stream-json 双向模式启动：
//
//	claude -p --input-format stream-json --output-format stream-json --verbose
//
// 任务描述作为第一条 user 帧写入 stdin，后续操作员输入以相同格式追加。
package claude

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"agents-dispatch/internal/nodemanager/adapter"
	"agents-dispatch/internal/shared/model"
)

// DefaultCommand 默认可执行文件
const DefaultCommand = "claude"

// DefaultArgs 默认参数
var DefaultArgs = []string{"-p", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose"}

// Adapter Claude Code CLI 适配器
type Adapter struct{}

// New 创建 Claude Adapter
func New() *Adapter {
	return &Adapter{}
}

// Name 返回适配器名称
func (a *Adapter) Name() string {
	return "claude-v1"
}

// BuildCommand 构建运行命令
func (a *Adapter) BuildCommand(task *model.Task, opts adapter.CommandOptions) (*adapter.RunConfig, error) {
	if task == nil {
		return nil, fmt.Errorf("task is nil")
	}
	if strings.TrimSpace(task.Description) == "" {
		return nil, fmt.Errorf("task %s has empty description", task.ID)
	}

	command := opts.Command
	if command == "" {
		command = DefaultCommand
	}
	args := opts.Args
	if len(args) == 0 {
		args = DefaultArgs
	}

	env := map[string]string{
		"DISPATCH_TASK_ID": task.ID,
		"DISPATCH_PROJECT": task.Project,
	}
	if task.TargetBranch != "" {
		env["DISPATCH_TARGET_BRANCH"] = task.TargetBranch
	}
	for k, v := range opts.Env {
		env[k] = v
	}

	return &adapter.RunConfig{
		Command:      command,
		Args:         append([]string(nil), args...),
		Env:          env,
		WorkingDir:   opts.WorkspaceDir,
		InitialInput: a.EncodeUserInput(task.Description),
	}, nil
}

// NewDecoder 创建 stream-json 解码器
func (a *Adapter) NewDecoder() adapter.Decoder {
	return NewDecoder()
}

// EncodeUserInput 编码一条 user 帧（带结尾换行）
//
//	{"type":"user","message":{"role":"user","content":[{"type":"text","text":"..."}]}}
func (a *Adapter) EncodeUserInput(text string) []byte {
	return EncodeUserInput(text)
}

type userFrame struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string      `json:"role"`
	Content []inputPart `json:"content"`
}

// inputPart 空文本也要带上 text 字段
type inputPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EncodeUserInput 见 Adapter.EncodeUserInput
func EncodeUserInput(text string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// 结构固定，编码不会失败
	_ = enc.Encode(userFrame{
		Type: "user",
		Message: userMessage{
			Role:    "user",
			Content: []inputPart{{Type: "text", Text: text}},
		},
	})
	return buf.Bytes()
}

var _ adapter.Adapter = (*Adapter)(nil)
