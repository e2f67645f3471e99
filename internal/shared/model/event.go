// Package model 定义核心数据模型
//
// event.go 包含会话事件的数据模型定义：
//   - SessionEvent：从交互式会话输出流中解析出的结构化事件
//   - EventKind：事件类型枚举
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// EventKind - 事件类型
// ============================================================================

// EventKind 会话事件类型
type EventKind string

const (
	// EventKindText 助手输出的文本（同一帧内的多个文本片段合并为一个事件）
	EventKindText EventKind = "text"

	// EventKindToolCall 助手发起的工具调用
	EventKindToolCall EventKind = "tool_call"

	// EventKindToolResult 工具返回结果（可能被截断）
	EventKindToolResult EventKind = "tool_result"

	// EventKindTerminalResult 会话结束，携带成功标志、耗时、成本与变更文件
	EventKindTerminalResult EventKind = "terminal_result"
)

// ============================================================================
// SessionEvent - 会话事件
// ============================================================================

// SessionEvent 会话事件
//
// Kind 决定哪个负载字段有效：
//   - text：Text
//   - tool_call：Tool
//   - tool_result：Result
//   - terminal_result：Terminal
//
// Seq 在控制面 Ingest 时按任务分配，Worker 上报时为 0。
type SessionEvent struct {
	Seq       int64           `json:"seq,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Kind      EventKind       `json:"kind"`
	Text      string          `json:"text,omitempty"`
	Tool      *ToolCall       `json:"tool,omitempty"`
	Result    *ToolResult     `json:"result,omitempty"`
	Terminal  *TerminalResult `json:"terminal,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToolCall 工具调用
type ToolCall struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Summary string          `json:"summary"` // 人类可读的一行摘要
	Input   json.RawMessage `json:"input,omitempty"`
}

// ToolResult 工具结果
type ToolResult struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Body      string `json:"body"`
	Truncated bool   `json:"truncated,omitempty"`
	TotalLen  int    `json:"total_len"` // 原始长度（字符数）
	IsError   bool   `json:"is_error,omitempty"`
}

// TerminalResult 会话终止结果
type TerminalResult struct {
	Success      bool     `json:"success"`
	Duration     string   `json:"duration"` // 45s / 2m05s / 1h02m
	DurationMS   int64    `json:"duration_ms"`
	CostUSD      float64  `json:"cost_usd"`
	NumTurns     int      `json:"num_turns,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
	Result       string   `json:"result,omitempty"`
}

// Validate 校验事件的类型与负载是否一致（用于 Worker 上报入口）
func (e *SessionEvent) Validate() error {
	switch e.Kind {
	case EventKindText:
		return nil
	case EventKindToolCall:
		if e.Tool == nil {
			return fmt.Errorf("tool_call event without tool")
		}
	case EventKindToolResult:
		if e.Result == nil {
			return fmt.Errorf("tool_result event without result")
		}
	case EventKindTerminalResult:
		if e.Terminal == nil {
			return fmt.Errorf("terminal_result event without terminal")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Render 渲染为聊天/记录中显示的一行或多行文本
func (e *SessionEvent) Render() string {
	switch e.Kind {
	case EventKindText:
		return e.Text
	case EventKindToolCall:
		if e.Tool == nil {
			return ""
		}
		if e.Tool.Summary == "" {
			return fmt.Sprintf("🔧 %s", e.Tool.Name)
		}
		return fmt.Sprintf("🔧 %s: %s", e.Tool.Name, e.Tool.Summary)
	case EventKindToolResult:
		if e.Result == nil {
			return ""
		}
		prefix := "↳ "
		if e.Result.IsError {
			prefix = "↳ ⚠ "
		}
		return prefix + e.Result.Body
	case EventKindTerminalResult:
		if e.Terminal == nil {
			return ""
		}
		var b strings.Builder
		if e.Terminal.Success {
			b.WriteString("✅ finished")
		} else {
			b.WriteString("❌ failed")
		}
		fmt.Fprintf(&b, " in %s, cost $%.4f", e.Terminal.Duration, e.Terminal.CostUSD)
		if n := len(e.Terminal.ChangedFiles); n > 0 {
			fmt.Fprintf(&b, ", %d file(s) changed", n)
		}
		return b.String()
	}
	return ""
}
