package nodemanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"agents-dispatch/internal/nodemanager/adapter"
	"agents-dispatch/internal/shared/model"
)

const (
	readChunkSize     = 32 * 1024
	reportAttempts    = 3
	reportTimeout     = 10 * time.Second
	eventChannelDepth = 256
)

// runTask 执行一个已领取的任务，直到会话结束、超时或被取消
func (nm *NodeManager) runTask(ctx context.Context, task *model.Task) {
	start := time.Now()
	log := nm.logger.With(zap.String("task_id", task.ID), zap.String("project", task.Project))
	// 终态上报不受 ctx 取消影响
	reportCtx := context.WithoutCancel(ctx)

	ws, err := nm.workspaces.Prepare(ctx, task)
	if err != nil {
		log.Error("session.workspace.failed", zap.Error(err))
		nm.finish(reportCtx, log, task.ID, model.TaskStatusFailed, "prepare workspace: "+err.Error(), nil)
		return
	}
	rc, err := nm.adapter.BuildCommand(task, adapter.CommandOptions{
		Command:      nm.cfg.Command,
		Args:         nm.cfg.Args,
		WorkspaceDir: ws.Path,
	})
	if err != nil {
		log.Error("session.build_command.failed", zap.Error(err))
		nm.finish(reportCtx, log, task.ID, model.TaskStatusFailed, "build command: "+err.Error(), nil)
		return
	}

	sessCtx, cancelSession := context.WithTimeout(ctx, nm.cfg.SessionTimeout)
	defer cancelSession()

	sess, err := nm.cfg.Launcher.Launch(sessCtx, rc, nm.adapter.EncodeUserInput)
	if err != nil {
		log.Error("session.start.failed", zap.Error(err))
		nm.finish(reportCtx, log, task.ID, model.TaskStatusFailed, err.Error(), nil)
		return
	}
	nm.metrics.RecordSessionStart()
	log.Info("session.started", zap.String("command", rc.Command), zap.String("dir", ws.Path))

	var cancelled atomic.Bool
	abort := func(reason string) {
		if cancelled.CompareAndSwap(false, true) {
			log.Info("session.aborted", zap.String("reason", reason))
			cancelSession()
		}
	}

	running := model.TaskStatusRunning
	if _, err := nm.client.PatchTask(sessCtx, task.ID, &model.TaskPatch{Status: &running}); err != nil {
		if errors.Is(err, ErrTaskFinished) {
			abort("task finished before start")
		} else {
			log.Warn("session.mark_running.failed", zap.Error(err))
		}
	}

	if nm.cfg.Attach != nil {
		detach := nm.cfg.Attach(task.ID, sess)
		defer detach()
	}

	decoder := nm.adapter.NewDecoder()
	events := make(chan model.SessionEvent, eventChannelDepth)
	go nm.readOutput(sess, decoder, events)

	pollCtx, stopPoll := context.WithCancel(sessCtx)
	var pollWG sync.WaitGroup
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		nm.pollInputs(pollCtx, log, task.ID, sess, abort)
	}()

	terminal := nm.reportEvents(reportCtx, log, task.ID, ws, events, &cancelled, abort)

	waitErr := sess.Wait()
	stopPoll()
	pollWG.Wait()

	status := nm.outcome(reportCtx, log, task.ID, ws, decoder, terminal, cancelled.Load(), sessCtx, ctx, waitErr, sess.Stderr())
	nm.metrics.RecordSessionComplete(string(status), time.Since(start))
	log.Info("session.finished", zap.String("status", string(status)), zap.Duration("elapsed", time.Since(start)))
}

// readOutput 读取 stdout 并解码，解码到终止事件后关闭 stdin 让 CLI 退出
func (nm *NodeManager) readOutput(sess Process, decoder adapter.Decoder, out chan<- model.SessionEvent) {
	defer close(out)
	buf := make([]byte, readChunkSize)
	stdout := sess.Stdout()
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, ev := range decoder.Feed(buf[:n]) {
				out <- ev
			}
			if decoder.Finished() {
				sess.CloseInput()
			}
		}
		if err != nil {
			break
		}
	}
	for _, ev := range decoder.Flush() {
		out <- ev
	}
}

// reportEvents 批量上报事件，返回解码到的终止事件
//
// 批次在达到 EventBatchSize、EventFlushEvery 到期或遇到终止事件时发送。
// 控制面返回 409 说明任务已被取消或超时，之后只消费不再上报。
func (nm *NodeManager) reportEvents(ctx context.Context, log *zap.Logger, taskID string, ws *PreparedWorkspace,
	events <-chan model.SessionEvent, cancelled *atomic.Bool, abort func(string)) *model.TerminalResult {
	ticker := time.NewTicker(nm.cfg.EventFlushEvery)
	defer ticker.Stop()

	var (
		batch    []model.SessionEvent
		terminal *model.TerminalResult
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if !cancelled.Load() {
			if err := nm.postBatch(ctx, log, taskID, batch); errors.Is(err, ErrTaskFinished) {
				abort("task finished on control plane")
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				flush()
				return terminal
			}
			if ev.Kind == model.EventKindTerminalResult && ev.Terminal != nil {
				if len(ev.Terminal.ChangedFiles) == 0 {
					ev.Terminal.ChangedFiles = nm.workspaces.ChangedFiles(ctx, ws)
				}
				terminal = ev.Terminal
			}
			batch = append(batch, ev)
			if len(batch) >= nm.cfg.EventBatchSize || ev.Kind == model.EventKindTerminalResult {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// postBatch 上报一批事件，网络错误时重试
func (nm *NodeManager) postBatch(ctx context.Context, log *zap.Logger, taskID string, batch []model.SessionEvent) error {
	kinds := make(map[string]int)
	for _, ev := range batch {
		kinds[string(ev.Kind)]++
	}

	var err error
	for attempt := 0; attempt < reportAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
		reqCtx, cancel := context.WithTimeout(ctx, reportTimeout)
		start := time.Now()
		var res *IngestResult
		res, err = nm.client.PostEvents(reqCtx, taskID, batch)
		cancel()
		nm.metrics.RecordEventReport(kinds, time.Since(start), err == nil)
		if err == nil {
			log.Debug("session.events.reported",
				zap.Int("accepted", res.Accepted),
				zap.Int64("last_seq", res.LastSeq),
				zap.String("status", string(res.Status)))
			return nil
		}
		if errors.Is(err, ErrTaskFinished) {
			return err
		}
	}
	log.Error("session.events.dropped", zap.Int("count", len(batch)), zap.Error(err))
	return err
}

// pollInputs 周期拉取排队的操作员输入并写入会话；任务进入终态时终止会话
func (nm *NodeManager) pollInputs(ctx context.Context, log *zap.Logger, taskID string, w InputWriter, abort func(string)) {
	ticker := time.NewTicker(nm.cfg.InputPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		inputs, status, err := nm.client.PollInput(ctx, taskID)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("session.input.poll_failed", zap.Error(err))
			}
			continue
		}
		if status.IsTerminal() {
			abort("task is " + string(status))
			return
		}
		for _, text := range inputs {
			if err := w.WriteInput(text); err != nil {
				log.Warn("session.input.write_failed", zap.Error(err))
				continue
			}
			nm.metrics.RecordInputDelivered()
		}
	}
}

// outcome 根据会话结束方式决定最终状态，必要时上报
//
//   - 解码到终止事件：控制面 Ingest 时已经完成终态转换
//   - 被取消（控制面 409 或终态）：不再上报
//   - 超过 SessionTimeout：上报 timeout
//   - 其他（进程异常退出、无结果、Worker 停止）：上报 failed，附带 stderr 尾部
func (nm *NodeManager) outcome(reportCtx context.Context, log *zap.Logger, taskID string, ws *PreparedWorkspace,
	decoder adapter.Decoder, terminal *model.TerminalResult, cancelled bool,
	sessCtx, runCtx context.Context, waitErr error, stderr string) model.TaskStatus {
	switch {
	case decoder.Finished() && terminal != nil:
		if terminal.Success {
			return model.TaskStatusCompleted
		}
		return model.TaskStatusFailed
	case cancelled:
		return model.TaskStatusCancelled
	case errors.Is(sessCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil:
		msg := fmt.Sprintf("session exceeded %s", nm.cfg.SessionTimeout)
		nm.finish(reportCtx, log, taskID, model.TaskStatusTimeout, msg, nm.changedFiles(reportCtx, ws, decoder))
		return model.TaskStatusTimeout
	}

	var msg string
	switch {
	case runCtx.Err() != nil:
		msg = "worker stopped"
	case waitErr != nil:
		msg = "session exited: " + waitErr.Error()
	default:
		msg = "session exited without a result"
	}
	if tail := strings.TrimSpace(stderr); tail != "" {
		msg += "\nstderr: " + tail
	}
	nm.finish(reportCtx, log, taskID, model.TaskStatusFailed, msg, nm.changedFiles(reportCtx, ws, decoder))
	return model.TaskStatusFailed
}

func (nm *NodeManager) changedFiles(ctx context.Context, ws *PreparedWorkspace, decoder adapter.Decoder) []string {
	if files := decoder.ChangedFiles(); len(files) > 0 {
		return files
	}
	return nm.workspaces.ChangedFiles(ctx, ws)
}

// finish 上报终态
func (nm *NodeManager) finish(ctx context.Context, log *zap.Logger, taskID string, status model.TaskStatus, errMsg string, files []string) {
	patch := &model.TaskPatch{Status: &status, ChangedFiles: files}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	reqCtx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	if _, err := nm.client.PatchTask(reqCtx, taskID, patch); err != nil && !errors.Is(err, ErrTaskFinished) {
		log.Error("session.report_status.failed", zap.String("status", string(status)), zap.Error(err))
	}
}
