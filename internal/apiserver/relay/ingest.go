package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/metrics"
	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/storage"
)

// ErrInvalidEvent 上报的事件格式不合法
var ErrInvalidEvent = errors.New("invalid session event")

// Broadcaster 实时事件推送（WebSocket 网关实现）
type Broadcaster interface {
	Publish(taskID string, ev *model.SessionEvent)
}

// IngestResult 一批事件的处理结果
type IngestResult struct {
	Accepted int              `json:"accepted"`
	LastSeq  int64            `json:"last_seq"`
	Status   model.TaskStatus `json:"status"`
	Terminal bool             `json:"terminal"`
}

// PipelineOptions 可选组件，未设置的组件被跳过
type PipelineOptions struct {
	Coalescer   *Coalescer
	Broadcaster Broadcaster
	Detector    PromptDetector
	Summarizer  Summarizer
	Archiver    Archiver
	EventLog    eventbus.EventLog
	Metrics     *metrics.Metrics
}

// Pipeline 处理 Worker 上报的会话事件
//
// 同一任务的批次串行处理（任务级互斥），不同任务之间互不阻塞。
// 序号在进程内按任务递增；配置了 EventLog 时，重启后从日志中的最后序号继续。
type Pipeline struct {
	store      storage.TaskStore
	transcript *TranscriptBuffer
	opts       PipelineOptions
	logger     *zap.Logger
	now        func() time.Time

	locks lockSet

	mu   sync.Mutex
	seqs map[string]int64
}

// NewPipeline 创建事件处理管线
func NewPipeline(store storage.TaskStore, transcript *TranscriptBuffer, opts PipelineOptions, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Detector == nil {
		opts.Detector = DefaultPromptDetector()
	}
	if opts.Summarizer == nil {
		opts.Summarizer = FallbackSummarizer{}
	}
	return &Pipeline{
		store:      store,
		transcript: transcript,
		opts:       opts,
		logger:     logger.Named("ingest"),
		now:        time.Now,
		seqs:       make(map[string]int64),
	}
}

// Ingest 处理一批事件
//
// 终态任务返回 ErrConflict（Worker 据此停止会话）。
// terminal_result 之后的事件被丢弃。
func (p *Pipeline) Ingest(ctx context.Context, taskID string, events []model.SessionEvent) (*IngestResult, error) {
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrInvalidEvent, i, err)
		}
	}

	unlock := p.locks.lock(taskID)
	defer unlock()

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is %s", storage.ErrConflict, taskID, task.Status)
	}

	status := task.Status
	if status == model.TaskStatusQueued {
		return nil, fmt.Errorf("%w: task %s has not been claimed", storage.ErrConflict, taskID)
	}
	if status == model.TaskStatusClaimed {
		if status, err = p.transition(ctx, taskID, status, model.TaskStatusRunning); err != nil {
			return nil, err
		}
	}

	p.seedSeq(ctx, taskID)

	if i := terminalIndex(events); i >= 0 {
		if dropped := len(events) - i - 1; dropped > 0 {
			p.logger.Warn("ingest.after_terminal.dropped", zap.String("task_id", taskID), zap.Int("count", dropped))
		}
		return p.finish(ctx, task, status, events[:i+1])
	}

	result := &IngestResult{}
	for i := range events {
		ev := p.stamp(taskID, events[i])
		p.emit(ctx, task, &ev)
		result.Accepted++
		result.LastSeq = ev.Seq

		switch ev.Kind {
		case model.EventKindText:
			if p.opts.Detector.IsPrompt(ev.Text) {
				if status == model.TaskStatusRunning {
					status, err = p.transition(ctx, taskID, status, model.TaskStatusWaitingInput)
				}
			} else if status == model.TaskStatusWaitingInput {
				status, err = p.transition(ctx, taskID, status, model.TaskStatusRunning)
			}
		case model.EventKindToolCall:
			if status == model.TaskStatusWaitingInput {
				status, err = p.transition(ctx, taskID, status, model.TaskStatusRunning)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	result.Status = status
	return result, nil
}

// Finalize 任务经由其他路径进入终态（取消、超时、Worker 直接上报）后的收尾
//
// 归档并清除会话记录、刷新聊天线程并更新标题；已由 terminal_result 收尾的任务没有残留记录，只会更新标题。
func (p *Pipeline) Finalize(ctx context.Context, task *model.Task) {
	if !task.Status.IsTerminal() {
		return
	}
	unlock := p.locks.lock(task.ID)
	defer unlock()

	if entries := p.transcript.Flush(task.ID); len(entries) > 0 {
		p.archive(ctx, task.ID, entries)
	}
	p.forget(task.ID)
	if p.opts.Coalescer != nil && task.ChatThreadID != "" {
		p.opts.Coalescer.Rename(ctx, task.ChatThreadID, ThreadTitle(task, task.Status))
	}
}

// stamp 填充任务 ID、序号与时间戳
func (p *Pipeline) stamp(taskID string, ev model.SessionEvent) model.SessionEvent {
	ev.TaskID = taskID
	ev.Seq = p.nextSeq(taskID)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now().UTC()
	}
	return ev
}

// emit 单个事件的扇出：会话记录、事件日志、聊天、实时推送、指标
//
// 事件日志先于实时推送写入，WebSocket 订阅者先注册再回放日志时不会漏掉事件。
func (p *Pipeline) emit(ctx context.Context, task *model.Task, ev *model.SessionEvent) {
	p.transcript.AppendEvent(task.ID, *ev)
	if p.opts.EventLog != nil {
		if err := p.opts.EventLog.Append(ctx, task.ID, []model.SessionEvent{*ev}); err != nil {
			p.logger.Warn("ingest.event_log.failed", zap.String("task_id", task.ID), zap.Int64("seq", ev.Seq), zap.Error(err))
		}
	}
	if p.opts.Coalescer != nil && task.ChatThreadID != "" {
		p.opts.Coalescer.Add(task.ChatThreadID, ev.Render())
	}
	if p.opts.Broadcaster != nil {
		p.opts.Broadcaster.Publish(task.ID, ev)
	}
	p.opts.Metrics.RecordEvent(string(ev.Kind))
}

// finish 处理以 terminal_result 结尾的批次：摘要、归档、写入终态，成功后才扇出事件
//
// 写入失败时不推送任何事件、保留会话记录并回退序号，Worker 重试同一批次得到相同的序号。
func (p *Pipeline) finish(ctx context.Context, task *model.Task, status model.TaskStatus, batch []model.SessionEvent) (*IngestResult, error) {
	base := p.lastSeq(task.ID)
	stamped := make([]model.SessionEvent, len(batch))
	for i := range batch {
		stamped[i] = p.stamp(task.ID, batch[i])
	}
	term := stamped[len(stamped)-1].Terminal

	final := model.TaskStatusFailed
	if term.Success {
		final = model.TaskStatusCompleted
	}

	entries := p.transcript.Snapshot(task.ID)
	for _, ev := range stamped {
		entries = append(entries, eventEntry(ev))
	}
	summary, err := p.opts.Summarizer.Summarize(ctx, task, entries)
	if err != nil {
		p.logger.Warn("ingest.summarize.failed", zap.String("task_id", task.ID), zap.Error(err))
		summary, _ = FallbackSummarizer{}.Summarize(ctx, task, entries)
	}

	payload, _ := json.Marshal(term)
	patch := &model.TaskPatch{
		Status:        &final,
		ResultSummary: &summary,
		ResultPayload: payload,
		ChangedFiles:  term.ChangedFiles,
		CostUSD:       &term.CostUSD,
		DurationMS:    &term.DurationMS,
	}
	if patch.ChangedFiles == nil {
		patch.ChangedFiles = []string{}
	}
	if !term.Success {
		msg := term.Result
		if msg == "" {
			msg = "session reported failure"
		}
		patch.ErrorMessage = &msg
	}
	// 归档键按任务固定，重试时覆盖为完整记录
	if url := p.archive(ctx, task.ID, entries); url != "" {
		patch.ArtifactURL = &url
	}

	committed, superseded, err := p.commit(ctx, task.ID, status, patch)
	if err != nil {
		p.rewindSeq(task.ID, base)
		p.logger.Warn("ingest.terminal.patch_failed", zap.String("task_id", task.ID), zap.Error(err))
		return nil, err
	}

	for i := range stamped {
		p.emit(ctx, task, &stamped[i])
	}
	p.transcript.Flush(task.ID)
	p.forget(task.ID)

	result := &IngestResult{
		Accepted: len(stamped),
		LastSeq:  stamped[len(stamped)-1].Seq,
		Status:   committed,
		Terminal: true,
	}
	if superseded {
		p.logger.Info("ingest.terminal.superseded",
			zap.String("task_id", task.ID), zap.String("status", string(committed)))
		return result, nil
	}

	p.opts.Metrics.RecordTaskFinished(string(final), time.Duration(term.DurationMS)*time.Millisecond, term.CostUSD)
	if p.opts.Coalescer != nil && task.ChatThreadID != "" {
		p.opts.Coalescer.Rename(ctx, task.ChatThreadID, ThreadTitle(task, final))
	}
	p.logger.Info("ingest.task.finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(final)),
		zap.Float64("cost_usd", term.CostUSD),
		zap.Int("changed_files", len(term.ChangedFiles)))
	return result, nil
}

// commit 以乐观锁写入终态
//
// 状态在处理期间被修改时以最新状态重试一次；已被其他路径置为终态（例如操作员取消）时
// 返回该状态且 superseded 为 true。
func (p *Pipeline) commit(ctx context.Context, taskID string, status model.TaskStatus, patch *model.TaskPatch) (model.TaskStatus, bool, error) {
	err := p.store.PatchTask(ctx, taskID, status, patch)
	if err == nil {
		return *patch.Status, false, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return status, false, err
	}
	cur, gerr := p.store.GetTask(ctx, taskID)
	if gerr != nil {
		return status, false, gerr
	}
	if cur.Status.IsTerminal() {
		return cur.Status, true, nil
	}
	if err := p.store.PatchTask(ctx, taskID, cur.Status, patch); err != nil {
		return cur.Status, false, err
	}
	return *patch.Status, false, nil
}

// archive 归档会话记录，失败只记录日志
func (p *Pipeline) archive(ctx context.Context, taskID string, entries []Entry) string {
	if p.opts.Archiver == nil || len(entries) == 0 {
		return ""
	}
	body, err := EncodeTranscript(entries)
	if err != nil {
		p.logger.Warn("ingest.archive.encode_failed", zap.String("task_id", taskID), zap.Error(err))
		return ""
	}
	url, err := p.opts.Archiver.Archive(ctx, taskID, body)
	if err != nil {
		p.logger.Warn("ingest.archive.failed", zap.String("task_id", taskID), zap.Error(err))
		return ""
	}
	return url
}

// transition 条件状态转换；冲突时返回数据库中的最新状态
func (p *Pipeline) transition(ctx context.Context, taskID string, from, to model.TaskStatus) (model.TaskStatus, error) {
	err := p.store.UpdateTaskStatus(ctx, taskID, from, to)
	if err == nil {
		p.logger.Debug("ingest.status.changed",
			zap.String("task_id", taskID), zap.String("from", string(from)), zap.String("to", string(to)))
		return to, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return from, err
	}
	cur, gerr := p.store.GetTask(ctx, taskID)
	if gerr != nil {
		return from, gerr
	}
	if cur.Status.IsTerminal() {
		return cur.Status, fmt.Errorf("%w: task %s is %s", storage.ErrConflict, taskID, cur.Status)
	}
	return cur.Status, nil
}

func terminalIndex(events []model.SessionEvent) int {
	for i := range events {
		if events[i].Kind == model.EventKindTerminalResult {
			return i
		}
	}
	return -1
}

func (p *Pipeline) nextSeq(taskID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqs[taskID]++
	return p.seqs[taskID]
}

func (p *Pipeline) lastSeq(taskID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seqs[taskID]
}

func (p *Pipeline) rewindSeq(taskID string, seq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqs[taskID] = seq
}

// seedSeq 本进程首次处理该任务时，从事件日志恢复最后序号
func (p *Pipeline) seedSeq(ctx context.Context, taskID string) {
	if p.opts.EventLog == nil {
		return
	}
	p.mu.Lock()
	_, known := p.seqs[taskID]
	p.mu.Unlock()
	if known {
		return
	}
	history, err := p.opts.EventLog.Range(ctx, taskID, 0, 0)
	if err != nil {
		p.logger.Warn("ingest.event_log.seed_failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	var last int64
	if n := len(history); n > 0 {
		last = history[n-1].Seq
	}
	p.mu.Lock()
	if _, known := p.seqs[taskID]; !known {
		p.seqs[taskID] = last
	}
	p.mu.Unlock()
}

// forget 清除任务的序号
func (p *Pipeline) forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seqs, taskID)
}
