// Package metrics Prometheus 指标导出
//
// 所有指标注册在调用方传入的 prometheus.Registerer 上，
// 测试可以使用独立的 prometheus.NewRegistry() 避免重复注册。
// 各组件持有 *Metrics，nil 时所有记录方法为空操作。
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 API Server 指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 任务指标
	TasksByStatus *prometheus.GaugeVec
	TaskDuration  *prometheus.HistogramVec
	TaskCostUSD   prometheus.Counter

	// 调度器指标
	DispatcherCyclesTotal   *prometheus.CounterVec
	DispatcherAssigned      prometheus.Counter
	DispatcherUnassigned    prometheus.Counter
	DispatcherCycleDuration prometheus.Histogram

	// 领取指标
	ClaimsTotal *prometheus.CounterVec

	// 机器指标
	MachinesOnline prometheus.Gauge
	MachinesTotal  prometheus.Gauge

	// 转发与会话事件
	EventsIngested *prometheus.CounterVec
	InputsRelayed  *prometheus.CounterVec
	ChatFlushes    *prometheus.CounterVec

	// 监控指标
	AlertsTotal       *prometheus.CounterVec
	RemediationsTotal *prometheus.CounterVec

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec
}

// New 在 reg 上注册并创建指标实例
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		TasksByStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks",
				Help:      "Tasks by status",
			},
			[]string{"status"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Session duration reported by terminal results",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
			[]string{"status"},
		),
		TaskCostUSD: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_cost_usd_total",
				Help:      "Accumulated session cost in USD",
			},
		),
		DispatcherCyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatcher_cycles_total",
				Help:      "Total dispatcher cycles by outcome",
			},
			[]string{"outcome"},
		),
		DispatcherAssigned: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatcher_tasks_assigned_total",
				Help:      "Total tasks assigned to machines",
			},
		),
		DispatcherUnassigned: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatcher_tasks_unassigned_total",
				Help:      "Total queued tasks released from offline machines",
			},
		),
		DispatcherCycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatcher_cycle_duration_seconds",
				Help:      "Dispatcher cycle duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		ClaimsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_total",
				Help:      "Claim attempts by result",
			},
			[]string{"result"},
		),
		MachinesOnline: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machines_online",
				Help:      "Number of non-offline machines",
			},
		),
		MachinesTotal: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machines_total",
				Help:      "Total number of registered machines",
			},
		),
		EventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_events_total",
				Help:      "Session events ingested by kind",
			},
			[]string{"kind"},
		),
		InputsRelayed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inputs_relayed_total",
				Help:      "Operator inputs by delivery path",
			},
			[]string{"path"},
		),
		ChatFlushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_flushes_total",
				Help:      "Chat relay calls by result",
			},
			[]string{"result"},
		),
		AlertsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alerts raised by kind",
			},
			[]string{"kind"},
		),
		RemediationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remediations_total",
				Help:      "Remediation attempts by result",
			},
			[]string{"result"},
		),
		WSConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
		WSMessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_messages_total",
				Help:      "Total WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}
}

// Middleware HTTP 指标中间件
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := NormalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap 供 http.ResponseController 访问底层 Writer（WebSocket Hijack）
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// NormalizePath 规范化路径，将 ID 段替换为占位符，避免高基数
//
//	/api/v1/tasks/task-123/input -> /api/v1/tasks/{id}/input
func NormalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "tasks", "machines":
			if parts[i] != "" {
				parts[i] = "{id}"
			}
		}
	}
	return strings.Join(parts, "/")
}

// Handler 返回指定 Gatherer 的 Prometheus HTTP Handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ============================================================================
// 记录方法（nil 安全）
// ============================================================================

// RecordDispatchCycle 记录调度周期
func (m *Metrics) RecordDispatchCycle(outcome string, duration time.Duration, assigned, unassigned int) {
	if m == nil {
		return
	}
	m.DispatcherCyclesTotal.WithLabelValues(outcome).Inc()
	m.DispatcherCycleDuration.Observe(duration.Seconds())
	m.DispatcherAssigned.Add(float64(assigned))
	m.DispatcherUnassigned.Add(float64(unassigned))
}

// RecordClaim 记录领取结果：won / lost / empty / error
func (m *Metrics) RecordClaim(result string) {
	if m == nil {
		return
	}
	m.ClaimsTotal.WithLabelValues(result).Inc()
}

// SetMachinesCount 设置机器数量
func (m *Metrics) SetMachinesCount(online, total int) {
	if m == nil {
		return
	}
	m.MachinesOnline.Set(float64(online))
	m.MachinesTotal.Set(float64(total))
}

// SetTasksCount 设置某状态的任务数量
func (m *Metrics) SetTasksCount(status string, count int) {
	if m == nil {
		return
	}
	m.TasksByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordTaskFinished 记录会话终止结果
func (m *Metrics) RecordTaskFinished(status string, duration time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(status).Observe(duration.Seconds())
	if costUSD > 0 {
		m.TaskCostUSD.Add(costUSD)
	}
}

// RecordEvent 记录一个已接收的会话事件
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(kind).Inc()
}

// RecordInput 记录操作员输入的投递路径：live / queued
func (m *Metrics) RecordInput(path string) {
	if m == nil {
		return
	}
	m.InputsRelayed.WithLabelValues(path).Inc()
}

// RecordChatFlush 记录聊天转发调用
func (m *Metrics) RecordChatFlush(result string) {
	if m == nil {
		return
	}
	m.ChatFlushes.WithLabelValues(result).Inc()
}

// RecordAlert 记录告警
func (m *Metrics) RecordAlert(kind string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(kind).Inc()
}

// RecordRemediation 记录自动修复
func (m *Metrics) RecordRemediation(result string) {
	if m == nil {
		return
	}
	m.RemediationsTotal.WithLabelValues(result).Inc()
}

// RecordWSMessage 记录 WebSocket 消息
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// WSConnectionOpened WebSocket 连接打开
func (m *Metrics) WSConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Inc()
}

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Dec()
}
