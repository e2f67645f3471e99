package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agents-dispatch/internal/shared/model"
)

// HeartbeatRequest 心跳请求体
type HeartbeatRequest struct {
	ActiveTasks int `json:"active_tasks"`
}

// RegisterMachine 注册机器（幂等）
//
// 路由: POST /api/v1/machines
func (h *Handler) RegisterMachine(w http.ResponseWriter, r *http.Request) {
	var m model.Machine
	if err := decodeJSON(w, r, &m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	registered, err := h.Registry.Register(r.Context(), &m)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registered)
}

// Heartbeat 机器心跳
//
// 路由: POST /api/v1/machines/{id}/heartbeat
//
// 未注册的机器返回 404，Worker 需要重新注册。
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	m, err := h.Registry.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.ActiveTasks)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMachines 列出机器
//
// 路由: GET /api/v1/machines
func (h *Handler) ListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.Registry.List(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if machines == nil {
		machines = []*model.Machine{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"machines": machines, "count": len(machines)})
}

// GetMachine 获取机器详情
//
// 路由: GET /api/v1/machines/{id}
func (h *Handler) GetMachine(w http.ResponseWriter, r *http.Request) {
	m, err := h.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Claim 为机器领取下一个任务
//
// 路由: POST /api/v1/machines/{id}/claim
//
// 领取成功 200 + 任务；没有可领取的任务（包括输给其他 Worker）返回 204。
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	task, err := h.Dispatcher.ClaimNext(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
