// Package queue 队列类型定义
package queue

import (
	"time"
)

// DefaultRetention 输入保留时间
const DefaultRetention = 30 * time.Minute

// KeyTaskInput Redis 键前缀：dispatch:input:{task_id}
const KeyTaskInput = "dispatch:input:"

// InputMessage 一条待投递的操作员输入
type InputMessage struct {
	Text       string    `json:"text"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Texts 提取消息正文
func Texts(msgs []InputMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
