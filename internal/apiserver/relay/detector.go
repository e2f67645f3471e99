package relay

import (
	"regexp"
	"strings"
)

// PromptDetector 判断一段助手输出是否在等待操作员回答
type PromptDetector interface {
	IsPrompt(text string) bool
}

// defaultPromptPatterns 只匹配输出末尾的一段
var defaultPromptPatterns = []string{
	`\?\s*$`,
	`\((y/n|yes/no)\)`,
	`\[(y/n|yes/no)\]`,
	`\bshould i\b`,
	`\bshall i\b`,
	`\bwould you like\b`,
	`\bdo you want\b`,
	`\bplease confirm\b`,
	`\bplease (clarify|advise|let me know)\b`,
	`\blet me know (if|whether|how|which)\b`,
	`\bwaiting for (your )?(input|confirmation|approval)\b`,
}

// tailRunes 只检查最后一段输出
const tailRunes = 400

// RegexPromptDetector 基于正则的提问检测
type RegexPromptDetector struct {
	patterns []*regexp.Regexp
}

// NewRegexPromptDetector 使用给定模式创建检测器，为空时使用内置模式
//
// 模式按不区分大小写编译。
func NewRegexPromptDetector(patterns ...string) (*RegexPromptDetector, error) {
	if len(patterns) == 0 {
		patterns = defaultPromptPatterns
	}
	d := &RegexPromptDetector{}
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, err
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// DefaultPromptDetector 内置模式的检测器
func DefaultPromptDetector() *RegexPromptDetector {
	d, err := NewRegexPromptDetector()
	if err != nil {
		panic(err)
	}
	return d
}

// IsPrompt 最后一个非空段落是否为提问
func (d *RegexPromptDetector) IsPrompt(text string) bool {
	tail := lastParagraph(text)
	if tail == "" {
		return false
	}
	for _, re := range d.patterns {
		if re.MatchString(tail) {
			return true
		}
	}
	return false
}

func lastParagraph(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndex(text, "\n\n"); i >= 0 {
		text = strings.TrimSpace(text[i+2:])
	}
	runes := []rune(text)
	if len(runes) > tailRunes {
		text = string(runes[len(runes)-tailRunes:])
	}
	return text
}
