package relay

import (
	"sync"
	"time"

	"agents-dispatch/internal/shared/model"
)

// EntryKind 会话记录条目类型
type EntryKind string

const (
	EntryEvent EntryKind = "event" // 会话事件
	EntryInput EntryKind = "input" // 操作员输入
)

// Entry 会话记录中的一条
type Entry struct {
	At    time.Time           `json:"at"`
	Kind  EntryKind           `json:"kind"`
	Event *model.SessionEvent `json:"event,omitempty"`
	Input string              `json:"input,omitempty"`
}

// Render 渲染为一行文本（摘要与归档使用）
func (e Entry) Render() string {
	if e.Kind == EntryInput {
		return "> " + e.Input
	}
	if e.Event == nil {
		return ""
	}
	return e.Event.Render()
}

type transcript struct {
	entries []Entry
	last    time.Time
}

// TranscriptBuffer 按任务保存会话事件与操作员输入，任务结束时交给摘要器
//
// Flush 返回并清除；长时间没有新条目的缓冲区由 GC 丢弃（任务未正常结束的情况）。
type TranscriptBuffer struct {
	mu      sync.Mutex
	buffers map[string]*transcript
	now     func() time.Time
}

// NewTranscriptBuffer 创建会话记录缓冲
func NewTranscriptBuffer() *TranscriptBuffer {
	return &TranscriptBuffer{
		buffers: make(map[string]*transcript),
		now:     time.Now,
	}
}

// AppendEvent 追加会话事件
func (b *TranscriptBuffer) AppendEvent(taskID string, ev model.SessionEvent) {
	e := eventEntry(ev)
	if e.At.IsZero() {
		e.At = b.now()
	}
	b.append(taskID, e)
}

func eventEntry(ev model.SessionEvent) Entry {
	return Entry{At: ev.Timestamp, Kind: EntryEvent, Event: &ev}
}

// AppendInput 追加操作员输入
func (b *TranscriptBuffer) AppendInput(taskID, text string) {
	b.append(taskID, Entry{At: b.now(), Kind: EntryInput, Input: text})
}

func (b *TranscriptBuffer) append(taskID string, e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.buffers[taskID]
	if !ok {
		t = &transcript{}
		b.buffers[taskID] = t
	}
	t.entries = append(t.entries, e)
	t.last = b.now()
}

// Flush 取走任务的全部记录并清除缓冲
func (b *TranscriptBuffer) Flush(taskID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.buffers[taskID]
	if !ok {
		return nil
	}
	delete(b.buffers, taskID)
	return t.entries
}

// Snapshot 返回任务当前记录的副本，不清除缓冲
func (b *TranscriptBuffer) Snapshot(taskID string) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.buffers[taskID]
	if !ok {
		return nil
	}
	return append([]Entry(nil), t.entries...)
}

// Len 返回任务当前缓冲的条目数
func (b *TranscriptBuffer) Len(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.buffers[taskID]; ok {
		return len(t.entries)
	}
	return 0
}

// GC 丢弃最后一次追加早于 before 的缓冲区，返回丢弃的任务 ID
func (b *TranscriptBuffer) GC(before time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dropped []string
	for id, t := range b.buffers {
		if t.last.Before(before) {
			delete(b.buffers, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}
