// Package server 路由配置与 HTTP 处理
//
// 文件组织：
//   - handler.go: Deps 与路由
//   - common.go: 通用工具函数
//   - tasks.go: 任务接口（创建、查询、PATCH、取消、输入）
//   - machines.go: 机器注册、心跳、领取
//   - events.go: 会话事件上报、历史查询与转录下载
//   - websocket.go: WebSocket 事件网关
package server

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/auth"
	"agents-dispatch/internal/apiserver/machine"
	"agents-dispatch/internal/apiserver/metrics"
	"agents-dispatch/internal/apiserver/relay"
	"agents-dispatch/internal/apiserver/scheduler"
	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/storage"
)

// TranscriptStore 归档转录的读取（objstore.Client 实现）
type TranscriptStore interface {
	OpenTranscript(ctx context.Context, taskID string) (io.ReadCloser, error)
}

// ThreadOpener 为新任务开聊天线程（relay.SlackRelay 实现）
type ThreadOpener interface {
	OpenThread(ctx context.Context, channel, title string) (string, error)
}

// Deps Handler 依赖
//
// Events、Transcripts、Threads、Metrics、Gatherer 可为空
type Deps struct {
	Store       storage.PersistentStore
	Registry    *machine.Registry
	Dispatcher  *scheduler.Dispatcher
	Inputs      *relay.InputRelay
	Pipeline    *relay.Pipeline
	Gateway     *EventGateway
	Events      eventbus.EventLog
	Transcripts TranscriptStore
	Threads     ThreadOpener
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Auth        auth.Config
	CORSOrigins []string
	Logger      *zap.Logger
}

// Handler API 处理器
type Handler struct {
	Deps
	logger *zap.Logger
}

// NewHandler 创建 Handler
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Gateway == nil {
		d.Gateway = NewEventGateway(d.Store, d.Events, logger, d.Metrics)
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	return &Handler{Deps: d, logger: logger.Named("api")}
}

// Router 返回配置好的 HTTP 路由
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// 任务:
//   - POST   /api/v1/tasks
//   - GET    /api/v1/tasks
//   - GET    /api/v1/tasks/{id}
//   - PATCH  /api/v1/tasks/{id}              - Worker 上报进度/结果
//   - POST   /api/v1/tasks/{id}/cancel
//   - POST   /api/v1/tasks/{id}/input         - 操作员输入
//   - POST   /api/v1/tasks/{id}/input/poll    - Worker 拉取排队输入
//   - POST   /api/v1/tasks/{id}/events        - Worker 上报会话事件
//   - GET    /api/v1/tasks/{id}/events        - 事件历史（?after_seq=&limit=）
//   - GET    /api/v1/tasks/{id}/transcript
//
// 机器:
//   - POST   /api/v1/machines
//   - GET    /api/v1/machines
//   - GET    /api/v1/machines/{id}
//   - POST   /api/v1/machines/{id}/heartbeat
//   - POST   /api/v1/machines/{id}/claim
//
// WebSocket:
//   - GET    /ws/tasks/{id}/events
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", auth.NodeTokenHeader},
		AllowCredentials: true,
	}))
	r.Use(auth.Middleware(h.Auth, h.logger))

	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(h.Gatherer))

	// WebSocket 长连接不经过 HTTP 指标中间件
	r.Get("/ws/tasks/{id}/events", h.Gateway.HandleWebSocket)

	r.Group(func(r chi.Router) {
		if h.Metrics != nil {
			r.Use(h.Metrics.Middleware)
		}
		r.Route("/api/v1/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Get("/", h.ListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Patch("/", h.PatchTask)
				r.Post("/cancel", h.CancelTask)
				r.Post("/input", h.SubmitInput)
				r.Post("/input/poll", h.PollInput)
				r.Post("/events", h.PostEvents)
				r.Get("/events", h.ListEvents)
				r.Get("/transcript", h.GetTranscript)
			})
		})
		r.Route("/api/v1/machines", func(r chi.Router) {
			r.Post("/", h.RegisterMachine)
			r.Get("/", h.ListMachines)
			r.Get("/{id}", h.GetMachine)
			r.Post("/{id}/heartbeat", h.Heartbeat)
			r.Post("/{id}/claim", h.Claim)
		})
	})
	return r
}
