// Package nodemanager Prometheus 指标导出
package nodemanager

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics Worker 指标，nil 时所有记录方法为空操作
type Metrics struct {
	// 心跳指标
	HeartbeatTotal   prometheus.Counter
	HeartbeatErrors  prometheus.Counter
	HeartbeatLatency prometheus.Histogram

	// 会话指标
	ClaimsTotal     *prometheus.CounterVec
	SessionsRunning prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// 事件上报指标
	EventsReported     *prometheus.CounterVec
	EventReportErrors  prometheus.Counter
	EventReportLatency prometheus.Histogram

	// 操作员输入
	InputsDelivered prometheus.Counter
}

// NewMetrics 在 reg 上注册 Worker 指标
func NewMetrics(reg prometheus.Registerer, namespace, machineID string) *Metrics {
	labels := prometheus.Labels{"machine_id": machineID}
	factory := promauto.With(reg)

	return &Metrics{
		HeartbeatTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "heartbeat_total",
			Help:        "Total heartbeats sent",
			ConstLabels: labels,
		}),
		HeartbeatErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "heartbeat_errors_total",
			Help:        "Total heartbeat errors",
			ConstLabels: labels,
		}),
		HeartbeatLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "heartbeat_latency_seconds",
			Help:        "Heartbeat latency in seconds",
			Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: labels,
		}),
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "claims_total",
			Help:        "Claim attempts by result (won, empty, error)",
			ConstLabels: labels,
		}, []string{"result"}),
		SessionsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "sessions_running",
			Help:        "Number of currently running sessions",
			ConstLabels: labels,
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sessions_total",
			Help:        "Total sessions by final status",
			ConstLabels: labels,
		}, []string{"status"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "session_duration_seconds",
			Help:        "Session duration in seconds",
			Buckets:     []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			ConstLabels: labels,
		}, []string{"status"}),
		EventsReported: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_reported_total",
			Help:        "Total session events reported by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		EventReportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "event_report_errors_total",
			Help:        "Total event report errors",
			ConstLabels: labels,
		}),
		EventReportLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "event_report_latency_seconds",
			Help:        "Event report latency in seconds",
			Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			ConstLabels: labels,
		}),
		InputsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "inputs_delivered_total",
			Help:        "Operator inputs written to session stdin",
			ConstLabels: labels,
		}),
	}
}

// RecordHeartbeat 记录心跳
func (m *Metrics) RecordHeartbeat(latency time.Duration, success bool) {
	if m == nil {
		return
	}
	m.HeartbeatTotal.Inc()
	m.HeartbeatLatency.Observe(latency.Seconds())
	if !success {
		m.HeartbeatErrors.Inc()
	}
}

// RecordClaim 记录领取结果
func (m *Metrics) RecordClaim(result string) {
	if m == nil {
		return
	}
	m.ClaimsTotal.WithLabelValues(result).Inc()
}

// RecordSessionStart 记录会话开始
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsRunning.Inc()
}

// RecordSessionComplete 记录会话结束
func (m *Metrics) RecordSessionComplete(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsRunning.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordEventReport 记录一次事件批量上报
func (m *Metrics) RecordEventReport(kinds map[string]int, latency time.Duration, success bool) {
	if m == nil {
		return
	}
	m.EventReportLatency.Observe(latency.Seconds())
	if !success {
		m.EventReportErrors.Inc()
		return
	}
	for kind, n := range kinds {
		m.EventsReported.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordInputDelivered 记录写入会话的操作员输入
func (m *Metrics) RecordInputDelivered() {
	if m == nil {
		return
	}
	m.InputsDelivered.Inc()
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
