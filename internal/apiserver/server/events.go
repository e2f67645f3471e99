package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/objstore"
)

// PostEventsRequest 批量上报会话事件的请求体
type PostEventsRequest struct {
	Events []model.SessionEvent `json:"events"`
}

// PostEvents Worker 批量上报解码后的会话事件
//
// 路由: POST /api/v1/tasks/{id}/events
//
// 序号由服务端分配，响应返回本批最后一个序号与任务当前状态。
// 任务已是终态时返回 409，Worker 据此停止会话。
//
// 错误响应:
//   - 400 Bad Request: 事件格式不合法
//   - 404 Not Found: 任务不存在
//   - 409 Conflict: 任务未被领取或已结束
func (h *Handler) PostEvents(w http.ResponseWriter, r *http.Request) {
	var req PostEventsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events is required")
		return
	}
	res, err := h.Pipeline.Ingest(r.Context(), chi.URLParam(r, "id"), req.Events)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// 单次历史查询的默认与最大条数
const (
	defaultEventsLimit = 200
	maxEventsLimit     = 1000
)

// ListEventsResponse 事件历史
type ListEventsResponse struct {
	Events  []model.SessionEvent `json:"events"`
	LastSeq int64                `json:"last_seq"`
}

// ListEvents 查询任务的会话事件历史
//
// 路由: GET /api/v1/tasks/{id}/events?after_seq=0&limit=200
//
// 客户端用响应中的 last_seq 作为下一页的 after_seq，或作为 WebSocket 的 after_seq 接续实时流。
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeError(w, http.StatusNotFound, "event log not configured")
		return
	}
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	var afterSeq int64
	if v := q.Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid after_seq")
			return
		}
		afterSeq = n
	}
	limit := defaultEventsLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxEventsLimit)
	}

	if _, err := h.Store.GetTask(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	events, err := h.Events.Range(r.Context(), id, afterSeq, limit)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	resp := ListEventsResponse{Events: events, LastSeq: afterSeq}
	if resp.Events == nil {
		resp.Events = []model.SessionEvent{}
	}
	if n := len(events); n > 0 {
		resp.LastSeq = events[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTranscript 下载归档的会话转录（JSONL）
//
// 路由: GET /api/v1/tasks/{id}/transcript
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	if h.Transcripts == nil {
		writeError(w, http.StatusNotFound, "transcript archive not configured")
		return
	}
	id := chi.URLParam(r, "id")
	body, err := h.Transcripts.OpenTranscript(r.Context(), id)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transcript not found")
			return
		}
		h.writeStoreError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("api.transcript.copy_failed", zap.String("task_id", id), zap.Error(err))
	}
}
