package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agents-dispatch/internal/shared/model"
)

// Summarizer 根据会话记录生成任务摘要
type Summarizer interface {
	Summarize(ctx context.Context, task *model.Task, entries []Entry) (string, error)
}

// Archiver 保存完整会话记录，返回可访问的地址
type Archiver interface {
	Archive(ctx context.Context, taskID string, body []byte) (string, error)
}

// MaxSummaryChars 摘要长度上限
const MaxSummaryChars = 2000

// FallbackSummarizer 不调用模型的摘要：优先使用会话自己的最终结果，其次是最后一段助手输出
type FallbackSummarizer struct{}

// Summarize 生成摘要
func (FallbackSummarizer) Summarize(_ context.Context, task *model.Task, entries []Entry) (string, error) {
	var final, lastText string
	var tools, inputs int
	for _, e := range entries {
		if e.Kind == EntryInput {
			inputs++
			continue
		}
		if e.Event == nil {
			continue
		}
		switch e.Event.Kind {
		case model.EventKindText:
			if strings.TrimSpace(e.Event.Text) != "" {
				lastText = e.Event.Text
			}
		case model.EventKindToolCall:
			tools++
		case model.EventKindTerminalResult:
			if e.Event.Terminal != nil && e.Event.Terminal.Result != "" {
				final = e.Event.Terminal.Result
			}
		}
	}

	body := final
	if body == "" {
		body = lastText
	}
	if body == "" {
		body = fmt.Sprintf("Task %s produced no text output.", task.ID)
	}
	body, _, _ = truncateRunes(strings.TrimSpace(body), MaxSummaryChars)

	var b strings.Builder
	b.WriteString(body)
	if tools > 0 || inputs > 0 {
		fmt.Fprintf(&b, "\n\n(%d tool call(s), %d operator input(s))", tools, inputs)
	}
	return b.String(), nil
}

// EncodeTranscript 编码为 JSON Lines，每条一行
func EncodeTranscript(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ThreadTitle 任务结束后的线程标题
func ThreadTitle(task *model.Task, status model.TaskStatus) string {
	icon := "❌"
	switch status {
	case model.TaskStatusCompleted:
		icon = "✅"
	case model.TaskStatusCancelled:
		icon = "🚫"
	case model.TaskStatusTimeout:
		icon = "⏱"
	}
	desc, _, _ := truncateRunes(firstLine(task.Description), 80)
	return fmt.Sprintf("%s [%s] %s", icon, status, desc)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// truncateRunes 超过 limit 个字符时截断并加省略号
func truncateRunes(s string, limit int) (string, int, bool) {
	runes := []rune(s)
	if len(runes) <= limit {
		return s, len(runes), false
	}
	return string(runes[:limit-1]) + "…", len(runes), true
}
