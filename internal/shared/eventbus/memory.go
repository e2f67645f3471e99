package eventbus

import (
	"context"
	"sync"
	"time"

	"agents-dispatch/internal/shared/model"
)

// MemoryLog 进程内事件日志
//
// 每个任务最多保留 MaxStreamLength 条；超过保留时间未写入的任务由 Sweep 清理。
type MemoryLog struct {
	mu        sync.Mutex
	retention time.Duration
	logs      map[string]*taskLog
	now       func() time.Time
}

type taskLog struct {
	events  []model.SessionEvent
	updated time.Time
}

var _ EventLog = (*MemoryLog)(nil)

// NewMemoryLog 创建内存日志，retention <= 0 使用 DefaultRetention
func NewMemoryLog(retention time.Duration) *MemoryLog {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryLog{retention: retention, logs: make(map[string]*taskLog), now: time.Now}
}

// Append 追加事件
func (l *MemoryLog) Append(_ context.Context, taskID string, events []model.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tl := l.logs[taskID]
	if tl == nil {
		tl = &taskLog{}
		l.logs[taskID] = tl
	}
	tl.events = append(tl.events, events...)
	if over := len(tl.events) - MaxStreamLength; over > 0 {
		tl.events = append([]model.SessionEvent(nil), tl.events[over:]...)
	}
	tl.updated = l.now()
	return nil
}

// Range 读取 afterSeq 之后的事件
func (l *MemoryLog) Range(_ context.Context, taskID string, afterSeq int64, limit int) ([]model.SessionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl := l.logs[taskID]
	if tl == nil {
		return nil, nil
	}
	var out []model.SessionEvent
	for _, ev := range tl.events {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Delete 删除任务日志
func (l *MemoryLog) Delete(_ context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.logs, taskID)
	return nil
}

// Sweep 清理超过保留时间未写入的任务，返回清理的任务数
func (l *MemoryLog) Sweep(_ context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.retention)
	n := 0
	for id, tl := range l.logs {
		if tl.updated.Before(cutoff) {
			delete(l.logs, id)
			n++
		}
	}
	return n
}

// Close 无操作
func (l *MemoryLog) Close() error { return nil }
