package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/metrics"
	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/model"
)

// upgrader WebSocket 升级器配置
//
// 跨域由 CORS 与鉴权中间件控制，这里放行所有来源
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 256
)

// TaskGetter 网关查询任务状态
type TaskGetter interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
}

// wsMessage 推送消息
//
//	事件消息：{"type": "event", "data": {...}}
//	状态消息：{"type": "status", "data": {"status": "completed"}}
//	心跳响应：{"type": "pong"}
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type subscriber struct {
	send chan wsMessage

	// replay 连接建立时从事件日志读出的历史，writePump 先于实时消息写出
	replay  []model.SessionEvent
	lastSeq int64
}

// EventGateway WebSocket 事件网关
//
// Ingest 时由 relay.Pipeline 调用 Publish 推送事件；
// 每个连接有独立的发送缓冲，写入只发生在该连接的 writePump 中。
// 缓冲满的慢客户端会丢消息而不是阻塞上报路径。
// 配置了事件日志时，新连接先回放 after_seq 之后的历史，再接实时消息（按 seq 去重）。
type EventGateway struct {
	store   TaskGetter
	events  eventbus.EventLog
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[string]map[*subscriber]bool
}

// NewEventGateway 创建事件网关，events 为 nil 时不回放历史
func NewEventGateway(store TaskGetter, events eventbus.EventLog, logger *zap.Logger, m *metrics.Metrics) *EventGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventGateway{
		store:   store,
		events:  events,
		logger:  logger.Named("ws"),
		metrics: m,
		clients: make(map[string]map[*subscriber]bool),
	}
}

// Publish 向订阅该任务的客户端推送事件，terminal_result 之后追加一条状态消息
func (g *EventGateway) Publish(taskID string, ev *model.SessionEvent) {
	g.broadcast(taskID, wsMessage{Type: "event", Data: ev})
	if ev.Kind == model.EventKindTerminalResult && ev.Terminal != nil {
		status := model.TaskStatusFailed
		if ev.Terminal.Success {
			status = model.TaskStatusCompleted
		}
		g.PublishStatus(taskID, status)
	}
}

// PublishStatus 推送状态变化；终态消息发出后连接关闭
func (g *EventGateway) PublishStatus(taskID string, status model.TaskStatus) {
	g.broadcast(taskID, statusMessage(status))
}

// Subscribers 当前订阅某任务的连接数
func (g *EventGateway) Subscribers(taskID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients[taskID])
}

func (g *EventGateway) broadcast(taskID string, msg wsMessage) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for sub := range g.clients[taskID] {
		select {
		case sub.send <- msg:
		default:
			g.metrics.RecordWSMessage("dropped", msg.Type)
			g.logger.Warn("ws.send.dropped", zap.String("task_id", taskID), zap.String("type", msg.Type))
		}
	}
}

func statusMessage(status model.TaskStatus) wsMessage {
	return wsMessage{Type: "status", Data: map[string]interface{}{
		"status":   status,
		"terminal": status.IsTerminal(),
	}}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/tasks/{id}/events?after_seq=N
//
// 任务已是终态时回放历史并发送一条状态消息后关闭。
// 客户端可发送 {"type": "ping"}，服务端回 {"type": "pong"}。
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var afterSeq int64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid after_seq")
			return
		}
		afterSeq = n
	}
	task, err := g.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws.upgrade.failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	defer conn.Close()

	g.metrics.WSConnectionOpened()
	defer g.metrics.WSConnectionClosed()

	sub := &subscriber{send: make(chan wsMessage, wsSendBuffer), lastSeq: afterSeq}
	if task.Status.IsTerminal() {
		sub.replay = g.history(r.Context(), taskID, afterSeq)
		sub.send <- statusMessage(task.Status)
	} else {
		// 先注册再读日志：日志先于实时推送写入，两者之间的事件由 seq 去重
		g.addClient(taskID, sub)
		defer g.removeClient(taskID, sub)
		sub.replay = g.history(r.Context(), taskID, afterSeq)
	}
	g.logger.Debug("ws.connected", zap.String("task_id", taskID), zap.Int("replay", len(sub.replay)))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, sub, cancel)
	g.writePump(ctx, conn, sub)
}

func (g *EventGateway) history(ctx context.Context, taskID string, afterSeq int64) []model.SessionEvent {
	if g.events == nil {
		return nil
	}
	events, err := g.events.Range(ctx, taskID, afterSeq, 0)
	if err != nil {
		g.logger.Warn("ws.replay.failed", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	return events
}

func (g *EventGateway) addClient(taskID string, sub *subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clients[taskID] == nil {
		g.clients[taskID] = make(map[*subscriber]bool)
	}
	g.clients[taskID][sub] = true
}

func (g *EventGateway) removeClient(taskID string, sub *subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if clients, ok := g.clients[taskID]; ok {
		delete(clients, sub)
		if len(clients) == 0 {
			delete(g.clients, taskID)
		}
	}
}

// readPump 读取客户端消息：ping 回 pong，连接断开时取消 ctx
func (g *EventGateway) readPump(conn *websocket.Conn, sub *subscriber, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.logger.Debug("ws.read.failed", zap.Error(err))
			}
			return
		}
		var req wsMessage
		if json.Unmarshal(msg, &req) == nil && req.Type == "ping" {
			g.metrics.RecordWSMessage("in", "ping")
			select {
			case sub.send <- wsMessage{Type: "pong"}:
			default:
			}
		}
	}
}

// writePump 唯一的写入方：推送缓冲中的消息，每 30s 发送 ping
func (g *EventGateway) writePump(ctx context.Context, conn *websocket.Conn, sub *subscriber) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for i := range sub.replay {
		ev := &sub.replay[i]
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(wsMessage{Type: "event", Data: ev}); err != nil {
			return
		}
		g.metrics.RecordWSMessage("replay", "event")
		if ev.Seq > sub.lastSeq {
			sub.lastSeq = ev.Seq
		}
	}
	sub.replay = nil

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-sub.send:
			if ev, ok := msg.Data.(*model.SessionEvent); ok && msg.Type == "event" {
				if ev.Seq <= sub.lastSeq {
					continue
				}
				sub.lastSeq = ev.Seq
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			g.metrics.RecordWSMessage("out", msg.Type)
			if msg.Type == "status" && isTerminalStatus(msg) {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				return
			}
		}
	}
}

func isTerminalStatus(msg wsMessage) bool {
	data, ok := msg.Data.(map[string]interface{})
	if !ok {
		return false
	}
	terminal, _ := data["terminal"].(bool)
	return terminal
}
