package claude

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxToolResultChars 工具结果正文上限（字符）
	MaxToolResultChars = 500

	// MaxSummaryChars 工具调用摘要上限（字符）
	MaxSummaryChars = 80
)

// SummarizeToolInput 生成工具调用的一行摘要
//   - Bash：命令本身
//   - 文件类工具：文件路径
//   - 搜索类工具：匹配模式
//   - 其他：紧凑 JSON
func SummarizeToolInput(name string, input json.RawMessage) string {
	var fields map[string]any
	_ = json.Unmarshal(input, &fields)
	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}

	switch name {
	case "Bash":
		return shorten(oneLine(str("command")), MaxSummaryChars)
	case "Read", "Write", "Edit", "MultiEdit", "NotebookEdit", "NotebookRead":
		return filePathOf(input)
	case "Grep", "Glob":
		return str("pattern")
	}

	if len(bytes.TrimSpace(input)) == 0 {
		return ""
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, input); err != nil {
		return shorten(oneLine(string(input)), MaxSummaryChars)
	}
	return shorten(compact.String(), MaxSummaryChars)
}

// filePathOf 提取文件类工具的目标路径
func filePathOf(input json.RawMessage) string {
	var in struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
		Path         string `json:"path"`
	}
	if json.Unmarshal(input, &in) != nil {
		return ""
	}
	switch {
	case in.FilePath != "":
		return in.FilePath
	case in.NotebookPath != "":
		return in.NotebookPath
	}
	return in.Path
}

// Truncate 按字符截断，超出时以 "… [truncated, N chars total]" 结尾
// 返回正文、原始字符数、是否截断
//
// 标注计入 limit，截断后的正文不超过 limit 个字符，因此总是短于原文。
// limit 小于标注长度时只保留前 limit 个字符。
func Truncate(s string, limit int) (string, int, bool) {
	total := utf8.RuneCountInString(s)
	if total <= limit {
		return s, total, false
	}
	runes := []rune(s)
	if limit < 0 {
		limit = 0
	}
	marker := fmt.Sprintf("… [truncated, %d chars total]", total)
	keep := limit - utf8.RuneCountInString(marker)
	if keep < 0 {
		return string(runes[:limit]), total, true
	}
	return string(runes[:keep]) + marker, total, true
}

// FormatDuration 把毫秒格式化为 45s / 2m05s / 1h02m
func FormatDuration(ms int64) string {
	secs := ms / 1000
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
	}
}

func shorten(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
