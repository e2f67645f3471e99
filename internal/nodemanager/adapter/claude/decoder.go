package claude

import (
	"bytes"
	"encoding/json"
	"strings"

	"agents-dispatch/internal/shared/model"
)

// ============================================================================
// 帧结构（stream-json）
// ============================================================================

// frame 一行 stream-json 输出
//
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."},{"type":"tool_use",...}]}}
//	{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"...","content":"..."}]}}
//	{"type":"result","subtype":"success","is_error":false,"duration_ms":1234,"total_cost_usd":0.01,"result":"..."}
type frame struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	Message      *message        `json:"message"`
	IsError      bool            `json:"is_error"`
	DurationMS   int64           `json:"duration_ms"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	NumTurns     int             `json:"num_turns"`
	Result       string          `json:"result"`
	Error        json.RawMessage `json:"error"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// bookkeeping 不产生事件的帧类型
var bookkeeping = map[string]bool{
	"system":           true,
	"stream_event":     true,
	"control_request":  true,
	"control_response": true,
	"control_cancel":   true,
	"rate_limit":       true,
	"rate_limit_event": true,
	"keep_alive":       true,
}

// fileTools 会修改文件的工具，用于累积变更文件
var fileTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// ============================================================================
// State / Decode - 纯函数形式
// ============================================================================

// State 解码器状态
//
// Carry 为上一个分块末尾未以换行结束的残留字节。
// 状态值不与调用方共享底层数组，可以安全地保留旧状态。
type State struct {
	Carry        []byte
	ChangedFiles []string
	Finished     bool
}

// Decode 输入一个分块，返回新状态与分块内完整行解码出的事件
func Decode(st State, chunk []byte) (State, []model.SessionEvent) {
	buf := make([]byte, 0, len(st.Carry)+len(chunk))
	buf = append(buf, st.Carry...)
	buf = append(buf, chunk...)

	next := State{
		ChangedFiles: append([]string(nil), st.ChangedFiles...),
		Finished:     st.Finished,
	}

	var events []model.SessionEvent
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		events = append(events, next.decodeLine(buf[:i])...)
		buf = buf[i+1:]
	}
	if len(buf) > 0 {
		next.Carry = append([]byte(nil), buf...)
	}
	return next, events
}

// DecodeEnd 流结束：把残留内容当作最后一行处理
func DecodeEnd(st State) (State, []model.SessionEvent) {
	if len(st.Carry) == 0 {
		return st, nil
	}
	next, events := Decode(st, []byte{'\n'})
	return next, events
}

// decodeLine 解码一行，可能修改变更文件与 Finished 标记
func (st *State) decodeLine(raw []byte) []model.SessionEvent {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return nil
	}

	var f frame
	if line[0] != '{' || json.Unmarshal(line, &f) != nil {
		return []model.SessionEvent{textEvent(string(line))}
	}

	switch {
	case f.Type == "":
		return []model.SessionEvent{textEvent(string(line))}
	case bookkeeping[f.Type]:
		return nil
	case f.Type == "assistant" || f.Type == "user":
		if f.Message == nil {
			return nil
		}
		return st.decodeMessage(f.Message, f.Type == "user")
	case f.Type == "result":
		st.Finished = true
		return []model.SessionEvent{st.terminal(&f)}
	case f.Type == "error":
		return []model.SessionEvent{textEvent("error: " + errorText(f.Error))}
	}
	return nil
}

// decodeMessage 文本片段合并为一个事件，工具调用/结果逐个产生事件
//
// user 帧是输入回显，空白文本原样保留；assistant 帧的空白文本被跳过。
func (st *State) decodeMessage(m *message, isInput bool) []model.SessionEvent {
	content := bytes.TrimSpace(m.Content)
	if len(content) == 0 {
		return nil
	}

	// content 可能是纯字符串
	if content[0] == '"' {
		var s string
		if json.Unmarshal(content, &s) == nil && (isInput || strings.TrimSpace(s) != "") {
			return []model.SessionEvent{textEvent(s)}
		}
		return nil
	}

	var parts []contentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil
	}

	var texts []string
	var tools []model.SessionEvent
	for _, p := range parts {
		switch p.Type {
		case "text":
			if isInput || strings.TrimSpace(p.Text) != "" {
				texts = append(texts, p.Text)
			}
		case "tool_use":
			tools = append(tools, model.SessionEvent{
				Kind: model.EventKindToolCall,
				Tool: &model.ToolCall{
					ID:      p.ID,
					Name:    p.Name,
					Summary: SummarizeToolInput(p.Name, p.Input),
					Input:   cloneRaw(p.Input),
				},
			})
			if fileTools[p.Name] {
				st.addChangedFile(filePathOf(p.Input))
			}
		case "tool_result":
			body, total, truncated := Truncate(toolResultText(p.Content), MaxToolResultChars)
			tools = append(tools, model.SessionEvent{
				Kind: model.EventKindToolResult,
				Result: &model.ToolResult{
					ToolUseID: p.ToolUseID,
					Body:      body,
					Truncated: truncated,
					TotalLen:  total,
					IsError:   p.IsError,
				},
			})
		}
	}

	var events []model.SessionEvent
	if len(texts) > 0 {
		events = append(events, textEvent(strings.Join(texts, "\n")))
	}
	return append(events, tools...)
}

func (st *State) terminal(f *frame) model.SessionEvent {
	return model.SessionEvent{
		Kind: model.EventKindTerminalResult,
		Terminal: &model.TerminalResult{
			Success:      f.Subtype == "success" && !f.IsError,
			Duration:     FormatDuration(f.DurationMS),
			DurationMS:   f.DurationMS,
			CostUSD:      f.TotalCostUSD,
			NumTurns:     f.NumTurns,
			ChangedFiles: append([]string(nil), st.ChangedFiles...),
			Result:       f.Result,
		},
	}
}

func (st *State) addChangedFile(path string) {
	if path == "" {
		return
	}
	for _, existing := range st.ChangedFiles {
		if existing == path {
			return
		}
	}
	st.ChangedFiles = append(st.ChangedFiles, path)
}

func textEvent(text string) model.SessionEvent {
	return model.SessionEvent{Kind: model.EventKindText, Text: text}
}

// toolResultText tool_result 的 content 可能是字符串或 [{type:text,text}] 数组
func toolResultText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []contentPart
	if json.Unmarshal(raw, &parts) == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type == "text" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

func errorText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// ============================================================================
// Decoder - 有状态包装
// ============================================================================

// Decoder 在 State 之上的有状态解码器，一次会话一个，非并发安全
type Decoder struct {
	state State
}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed 输入分块
func (d *Decoder) Feed(chunk []byte) []model.SessionEvent {
	var events []model.SessionEvent
	d.state, events = Decode(d.state, chunk)
	return events
}

// Flush 处理流末尾残留的一行
func (d *Decoder) Flush() []model.SessionEvent {
	var events []model.SessionEvent
	d.state, events = DecodeEnd(d.state)
	return events
}

// Finished 是否已收到 result 帧
func (d *Decoder) Finished() bool {
	return d.state.Finished
}

// ChangedFiles 会话修改过的文件
func (d *Decoder) ChangedFiles() []string {
	return append([]string(nil), d.state.ChangedFiles...)
}

// State 返回当前状态快照
func (d *Decoder) State() State {
	return d.state
}
