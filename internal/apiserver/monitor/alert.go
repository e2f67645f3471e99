// Package monitor 健康检查与主动巡检
//
// 两个独立的周期循环：
//   - HealthMonitor（60s）：数据库连通性、卡住的任务（>10min）、新离线的机器
//   - ProactiveMonitor（5min）：长时间运行的任务（>60min）、排队任务无可用机器
//
// 告警按类型冷却（10min），同一任务只告警一次（有界的最近集合），
// 数据库连续失败达到阈值时触发一次自动修复（带 30min 冷却）。
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/relay"
)

// AlertKind 告警类型
type AlertKind string

const (
	AlertDatastoreDown  AlertKind = "datastore_down"
	AlertStaleTask      AlertKind = "stale_task"
	AlertLongRunning    AlertKind = "long_running"
	AlertMachineOffline AlertKind = "machine_offline"
	AlertStarvation     AlertKind = "starvation"
	AlertRemediation    AlertKind = "remediation"
)

// Severity 告警级别
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 一条告警
type Alert struct {
	ID       string    `json:"id"`
	Kind     AlertKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Subjects []string  `json:"subjects,omitempty"` // 涉及的任务/机器 ID
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Text 渲染为聊天消息
func (a *Alert) Text() string {
	icon := "⚠️"
	if a.Severity == SeverityCritical {
		icon = "🚨"
	}
	return fmt.Sprintf("%s [%s] %s", icon, a.Kind, a.Message)
}

// Notifier 告警出口
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
}

// ChatNotifier 把告警发到聊天线程；线程为空时只记录日志
type ChatNotifier struct {
	relay  relay.ChatRelay
	thread string
	logger *zap.Logger
}

// NewChatNotifier 创建聊天告警出口
func NewChatNotifier(r relay.ChatRelay, thread string, logger *zap.Logger) *ChatNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatNotifier{relay: r, thread: thread, logger: logger.Named("alert")}
}

// Notify 发送告警
func (n *ChatNotifier) Notify(ctx context.Context, alert *Alert) error {
	n.logger.Warn("monitor.alert",
		zap.String("alert_id", alert.ID),
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.Strings("subjects", alert.Subjects),
		zap.String("message", alert.Message))
	if n.relay == nil || n.thread == "" {
		return nil
	}
	return n.relay.Append(ctx, n.thread, alert.Text())
}

// ============================================================================
// alertState - 告警去重状态（每个监控循环各自持有）
// ============================================================================

// DefaultRecentCapacity 最近告警集合容量
const DefaultRecentCapacity = 1024

type alertState struct {
	mu        sync.Mutex
	cooldown  time.Duration
	lastFired map[AlertKind]time.Time
	recent    *lru.Cache[string, time.Time]
	offline   map[string]bool
}

func newAlertState(cooldown time.Duration, capacity int) *alertState {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	recent, err := lru.New[string, time.Time](capacity)
	if err != nil {
		panic(err)
	}
	return &alertState{
		cooldown:  cooldown,
		lastFired: make(map[AlertKind]time.Time),
		recent:    recent,
		offline:   make(map[string]bool),
	}
}

// coolingDown 类型是否仍在冷却期
func (s *alertState) coolingDown(kind AlertKind, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastFired[kind]
	return ok && now.Sub(last) < s.cooldown
}

// fresh 过滤出尚未告警过的对象
func (s *alertState) fresh(kind AlertKind, subjects []string) []string {
	var out []string
	for _, id := range subjects {
		if !s.recent.Contains(recentKey(kind, id)) {
			out = append(out, id)
		}
	}
	return out
}

// fired 记录一次告警
func (s *alertState) fired(kind AlertKind, subjects []string, now time.Time) {
	s.mu.Lock()
	s.lastFired[kind] = now
	s.mu.Unlock()
	for _, id := range subjects {
		s.recent.Add(recentKey(kind, id), now)
	}
}

// forget 对象恢复后清除抑制
func (s *alertState) forget(kind AlertKind, id string) {
	s.recent.Remove(recentKey(kind, id))
}

// newlyOffline 返回尚未告警过的离线机器，并清除已恢复机器的抑制
func (s *alertState) newlyOffline(offline, online []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range online {
		delete(s.offline, id)
	}
	var out []string
	for _, id := range offline {
		if !s.offline[id] {
			out = append(out, id)
		}
	}
	return out
}

func (s *alertState) markOffline(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.offline[id] = true
	}
}

func recentKey(kind AlertKind, id string) string {
	return string(kind) + ":" + id
}

func newAlert(kind AlertKind, severity Severity, subjects []string, now time.Time, format string, args ...any) *Alert {
	return &Alert{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		Subjects: subjects,
		Message:  fmt.Sprintf(format, args...),
		At:       now,
	}
}

// listSubjects 最多列出前 n 个
func listSubjects(items []string, n int) string {
	if len(items) <= n {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(items[:n], ", "), len(items)-n)
}
