// Package relay 会话输出与操作员输入的中转
//
// 包含：
//   - InputRelay：操作员输入的投递（进程内直写或排队等待 Worker 轮询）
//   - TranscriptBuffer：按任务缓存会话记录，任务结束时交给摘要器
//   - Pipeline：Worker 上报事件的处理（序号、转发、等待输入检测、终态回填）
//   - Coalescer/ChatRelay：聊天线程转发
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/metrics"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/queue"
	"agents-dispatch/internal/shared/storage"
)

// ErrEmptyInput 输入内容为空
var ErrEmptyInput = errors.New("input text is empty")

// InputWriter 进程内会话的输入句柄（嵌入式 Worker 使用）
//
// 实现负责把文本编码为会话协议帧并写入 stdin。
type InputWriter interface {
	WriteInput(text string) error
}

// SubmitResult 输入投递结果
type SubmitResult struct {
	Delivered bool `json:"delivered"` // 已直接写入进程内会话
	Queued    bool `json:"queued"`    // 已进入待投递队列
}

// InputRelay 操作员输入中转
type InputRelay struct {
	store      storage.TaskStore
	queue      queue.InputQueue
	transcript *TranscriptBuffer
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu   sync.RWMutex
	live map[string]InputWriter
}

// NewInputRelay 创建输入中转
func NewInputRelay(store storage.TaskStore, q queue.InputQueue, transcript *TranscriptBuffer, logger *zap.Logger, m *metrics.Metrics) *InputRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InputRelay{
		store:      store,
		queue:      q,
		transcript: transcript,
		logger:     logger.Named("input"),
		metrics:    m,
		live:       make(map[string]InputWriter),
	}
}

// Attach 登记任务的进程内输入句柄，返回注销函数
//
// 同一任务重复 Attach 时后者覆盖前者；注销函数只移除自己登记的句柄。
func (r *InputRelay) Attach(taskID string, w InputWriter) (detach func()) {
	r.mu.Lock()
	r.live[taskID] = w
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.live[taskID]; ok && cur == w {
			delete(r.live, taskID)
		}
	}
}

// Attached 判断任务是否有进程内句柄
func (r *InputRelay) Attached(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[taskID]
	return ok
}

// Submit 投递一条操作员输入
//
// 任务处于 queued/claimed/running/waiting_input 时允许，终态返回 ErrConflict。
// 有进程内句柄时直接写入，写入失败退回队列。
func (r *InputRelay) Submit(ctx context.Context, taskID, text string) (*SubmitResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.AcceptsInput() {
		return nil, fmt.Errorf("%w: task %s is %s", storage.ErrConflict, taskID, task.Status)
	}

	result := &SubmitResult{}
	r.mu.RLock()
	w, ok := r.live[taskID]
	r.mu.RUnlock()
	if ok {
		if err := w.WriteInput(text); err != nil {
			r.logger.Warn("input.live.failed", zap.String("task_id", taskID), zap.Error(err))
		} else {
			result.Delivered = true
		}
	}
	if !result.Delivered {
		if err := r.queue.Push(ctx, taskID, text); err != nil {
			return nil, fmt.Errorf("queue input for %s: %w", taskID, err)
		}
		result.Queued = true
		r.metrics.RecordInput("queued")
	} else {
		r.metrics.RecordInput("live")
	}

	if r.transcript != nil {
		r.transcript.AppendInput(taskID, text)
	}

	// 直接写入即视为回答了提问
	if result.Delivered && task.Status == model.TaskStatusWaitingInput {
		r.resume(ctx, taskID)
	}

	r.logger.Info("input.submitted",
		zap.String("task_id", taskID),
		zap.Bool("delivered", result.Delivered),
		zap.Int("chars", len(text)))
	return result, nil
}

// Poll 取走任务的全部待投递输入（破坏性读取）
//
// 非空且任务处于 waiting_input 时切回 running。
func (r *InputRelay) Poll(ctx context.Context, taskID string) ([]queue.InputMessage, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	msgs, err := r.queue.Drain(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("drain input for %s: %w", taskID, err)
	}
	if len(msgs) > 0 && task.Status == model.TaskStatusWaitingInput {
		r.resume(ctx, taskID)
	}
	return msgs, nil
}

func (r *InputRelay) resume(ctx context.Context, taskID string) {
	err := r.store.UpdateTaskStatus(ctx, taskID, model.TaskStatusWaitingInput, model.TaskStatusRunning)
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		r.logger.Warn("input.resume.failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
