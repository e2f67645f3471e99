package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/relay"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/queue"
)

// ============================================================================
// 请求/响应类型
// ============================================================================

// CreateTaskRequest 创建任务的请求体
type CreateTaskRequest struct {
	Description  string  `json:"description"`
	Project      string  `json:"project"`
	BaseBranch   string  `json:"base_branch,omitempty"`
	TargetBranch string  `json:"target_branch,omitempty"`
	Requester    string  `json:"requester,omitempty"`
	Priority     int     `json:"priority,omitempty"`
	MaxCost      float64 `json:"max_cost,omitempty"`

	// ChatThreadID 已有线程；为空且给出 ChatChannel 时自动开线程
	ChatThreadID string `json:"chat_thread_id,omitempty"`
	ChatChannel  string `json:"chat_channel,omitempty"`
}

// InputRequest 操作员输入
type InputRequest struct {
	Text string `json:"text"`
}

// PollResponse Worker 拉取输入的响应
type PollResponse struct {
	Inputs []string         `json:"inputs"`
	Status model.TaskStatus `json:"status"`
}

// ============================================================================
// 任务接口
// ============================================================================

// CreateTask 创建任务
//
// 路由: POST /api/v1/tasks
//
// 新任务总是 queued，由调度器分配。requester 缺省为调用者身份。
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if req.MaxCost < 0 {
		writeError(w, http.StatusBadRequest, "max_cost must be >= 0")
		return
	}
	if req.Requester == "" {
		if p := auth.GetPrincipal(r.Context()); p != nil {
			req.Requester = p.Subject
		}
	}

	now := time.Now().UTC()
	task := &model.Task{
		ID:           generateID("task"),
		Description:  req.Description,
		Project:      strings.TrimSpace(req.Project),
		BaseBranch:   req.BaseBranch,
		TargetBranch: req.TargetBranch,
		Requester:    req.Requester,
		ChatThreadID: req.ChatThreadID,
		Status:       model.TaskStatusQueued,
		Priority:     req.Priority,
		MaxCost:      req.MaxCost,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if task.ChatThreadID == "" && req.ChatChannel != "" && h.Threads != nil {
		thread, err := h.Threads.OpenThread(r.Context(), req.ChatChannel, relay.ThreadTitle(task, task.Status))
		if err != nil {
			// 聊天不可用不阻塞任务创建
			h.logger.Warn("api.task.thread_failed", zap.String("task_id", task.ID), zap.Error(err))
		} else {
			task.ChatThreadID = thread
		}
	}

	if err := h.Store.CreateTask(r.Context(), task); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.logger.Info("api.task.created",
		zap.String("task_id", task.ID),
		zap.String("project", task.Project),
		zap.Int("priority", task.Priority))
	writeJSON(w, http.StatusCreated, task)
}

// ListTasks 列出任务
//
// 路由: GET /api/v1/tasks?requester=&status=&project=&limit=&offset=
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	status := q.Get("status")
	if status != "" && !model.TaskStatus(status).IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status))
		return
	}

	tasks, err := h.Store.ListTasks(r.Context(), model.TaskFilter{
		Requester: q.Get("requester"),
		Status:    status,
		Project:   q.Get("project"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

// GetTask 获取任务详情
//
// 路由: GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// PatchTask Worker 上报进度或结果
//
// 路由: PATCH /api/v1/tasks/{id}
//
// 只接受白名单字段，未知字段 400。状态转换按转换表校验；
// 任务已是终态（例如已被取消）返回 409，Worker 据此终止会话。
func (h *Handler) PatchTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch model.TaskPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if patch.IsEmpty() {
		writeError(w, http.StatusBadRequest, "empty patch")
		return
	}
	if patch.Status != nil && !patch.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(*patch.Status)))
		return
	}

	ctx := r.Context()
	current, err := h.Store.GetTask(ctx, id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if err := h.Store.PatchTask(ctx, id, current.Status, &patch); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	task, err := h.Store.GetTask(ctx, id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if task.Status.IsTerminal() && !current.Status.IsTerminal() {
		h.finalize(ctx, task)
	}
	writeJSON(w, http.StatusOK, task)
}

// CancelTask 取消任务
//
// 路由: POST /api/v1/tasks/{id}/cancel
//
// 任意非终态都可以取消；持有任务的 Worker 在下一次 PATCH/拉取时观察到并终止进程。
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := h.Store.CancelTask(ctx, id); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	task, err := h.Store.GetTask(ctx, id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.finalize(ctx, task)
	h.logger.Info("api.task.cancelled", zap.String("task_id", id))
	writeJSON(w, http.StatusOK, task)
}

// SubmitInput 操作员追加输入
//
// 路由: POST /api/v1/tasks/{id}/input
//
// 响应 202：delivered=true 表示已直接写入进程，否则排队等 Worker 拉取。
func (h *Handler) SubmitInput(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.Inputs.Submit(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// PollInput Worker 拉取排队输入（破坏性读取）
//
// 路由: POST /api/v1/tasks/{id}/input/poll
//
// 同时返回任务当前状态，Worker 借此发现取消。
func (h *Handler) PollInput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	msgs, err := h.Inputs.Poll(ctx, id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	task, err := h.Store.GetTask(ctx, id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PollResponse{Inputs: queue.Texts(msgs), Status: task.Status})
}

// finalize 非 Ingest 路径进入终态：收尾转录与聊天线程，通知 WebSocket 订阅者
func (h *Handler) finalize(ctx context.Context, task *model.Task) {
	if h.Pipeline != nil {
		h.Pipeline.Finalize(ctx, task)
	}
	h.Gateway.PublishStatus(task.ID, task.Status)
}
