package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/machine"
	"agents-dispatch/internal/apiserver/relay"
	"agents-dispatch/internal/apiserver/scheduler"
	"agents-dispatch/internal/shared/eventbus"
	"agents-dispatch/internal/shared/model"
	"agents-dispatch/internal/shared/queue"
	"agents-dispatch/internal/shared/storage/repository"
)

type testEnv struct {
	store   *repository.Store
	handler *Handler
	router  http.Handler
	inputs  *relay.InputRelay
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := repository.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop()
	registry := machine.NewRegistry(store, logger, 0)
	dispatcher, err := scheduler.NewDispatcher(store, registry, scheduler.DefaultConfig(), logger, nil)
	require.NoError(t, err)

	transcript := relay.NewTranscriptBuffer()
	events := eventbus.NewMemoryLog(0)
	gateway := NewEventGateway(store, events, logger, nil)
	inputs := relay.NewInputRelay(store, queue.NewMemoryQueue(), transcript, logger, nil)
	pipeline := relay.NewPipeline(store, transcript, relay.PipelineOptions{Broadcaster: gateway, EventLog: events}, logger)

	h := NewHandler(Deps{
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatcher,
		Inputs:     inputs,
		Pipeline:   pipeline,
		Gateway:    gateway,
		Events:     events,
		Logger:     logger,
	})
	return &testEnv{store: store, handler: h, router: h.Router(), inputs: inputs}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// claimedTask 创建任务、注册机器并领取
func (e *testEnv) claimedTask(t *testing.T) *model.Task {
	t.Helper()
	rec := e.do(t, "POST", "/api/v1/tasks", CreateTaskRequest{Description: "fix the build", Project: "P"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.Task](t, rec)

	rec = e.do(t, "POST", "/api/v1/machines", model.Machine{ID: "m-1", Projects: []string{"P"}, MaxConcurrent: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "POST", "/api/v1/machines/m-1/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claimed := decode[model.Task](t, rec)
	require.Equal(t, created.ID, claimed.ID)
	require.Equal(t, model.TaskStatusClaimed, claimed.Status)
	return &claimed
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateAndListTasks(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/tasks", CreateTaskRequest{Description: "  ", Project: "P"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "POST", "/api/v1/tasks", CreateTaskRequest{Description: "x", MaxCost: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/v1/tasks", CreateTaskRequest{Description: "add retries", Project: "P", Requester: "alice", Priority: 3})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[model.Task](t, rec)
	assert.True(t, strings.HasPrefix(task.ID, "task-"))
	assert.Len(t, task.ID, len("task-")+12)
	assert.Equal(t, model.TaskStatusQueued, task.Status)

	rec = env.do(t, "GET", "/api/v1/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[model.Task](t, rec).Requester)

	rec = env.do(t, "GET", "/api/v1/tasks?requester=alice&status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Tasks []*model.Task `json:"tasks"`
		Count int           `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, list.Count)

	rec = env.do(t, "GET", "/api/v1/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/tasks/task-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMachinesAndClaim(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/machines", model.Machine{ID: "m-bad", MaxConcurrent: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/v1/machines/m-unknown/heartbeat", HeartbeatRequest{ActiveTasks: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "POST", "/api/v1/machines", model.Machine{ID: "m-1", Projects: []string{"P"}, MaxConcurrent: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, "POST", "/api/v1/machines/m-1/heartbeat", HeartbeatRequest{ActiveTasks: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.MachineStatusBusy, decode[model.Machine](t, rec).Status)

	rec = env.do(t, "GET", "/api/v1/machines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"m-1"`)

	// 没有任务可领取
	rec = env.do(t, "POST", "/api/v1/machines/m-1/claim", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	task := env.claimedTask(t)
	base := "/api/v1/tasks/" + task.ID

	// 操作员提问 → waiting_input
	rec := env.do(t, "POST", base+"/events", PostEventsRequest{Events: []model.SessionEvent{
		{Kind: model.EventKindText, Text: "I found two failing tests."},
		{Kind: model.EventKindText, Text: "Should I fix both of them?"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[relay.IngestResult](t, rec)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, int64(2), res.LastSeq)
	assert.Equal(t, model.TaskStatusWaitingInput, res.Status)

	rec = env.do(t, "POST", base+"/input", InputRequest{Text: "yes, both"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	sub := decode[relay.SubmitResult](t, rec)
	assert.False(t, sub.Delivered)
	assert.True(t, sub.Queued)

	rec = env.do(t, "POST", base+"/input/poll", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	poll := decode[PollResponse](t, rec)
	assert.Equal(t, []string{"yes, both"}, poll.Inputs)
	assert.Equal(t, model.TaskStatusRunning, poll.Status)

	// 至多一次
	rec = env.do(t, "POST", base+"/input/poll", nil)
	assert.Empty(t, decode[PollResponse](t, rec).Inputs)

	rec = env.do(t, "POST", base+"/events", PostEventsRequest{Events: []model.SessionEvent{
		{Kind: model.EventKindTerminalResult, Terminal: &model.TerminalResult{
			Success: true, Duration: "45s", DurationMS: 45000, CostUSD: 0.12,
			ChangedFiles: []string{"a_test.go"}, Result: "Fixed both tests.",
		}},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[relay.IngestResult](t, rec)
	assert.True(t, res.Terminal)
	assert.Equal(t, model.TaskStatusCompleted, res.Status)

	rec = env.do(t, "GET", base, nil)
	done := decode[model.Task](t, rec)
	assert.Equal(t, model.TaskStatusCompleted, done.Status)
	assert.Equal(t, []string{"a_test.go"}, done.ChangedFiles)
	assert.InDelta(t, 0.12, done.CostUSD, 1e-9)
	assert.Contains(t, done.ResultSummary, "Fixed both tests.")

	// 终态之后：事件、PATCH、输入、取消都是 409
	rec = env.do(t, "POST", base+"/events", PostEventsRequest{Events: []model.SessionEvent{{Kind: model.EventKindText, Text: "late"}}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, "PATCH", base, `{"status":"failed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, "POST", base+"/input", InputRequest{Text: "more"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, "POST", base+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostEventsValidation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/v1/tasks", CreateTaskRequest{Description: "queued only"})
	task := decode[model.Task](t, rec)
	base := "/api/v1/tasks/" + task.ID

	rec = env.do(t, "POST", base+"/events", PostEventsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "POST", base+"/events", PostEventsRequest{Events: []model.SessionEvent{{Kind: "bogus"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "POST", base+"/events", PostEventsRequest{Events: []model.SessionEvent{{Kind: model.EventKindText, Text: "hi"}}})
	assert.Equal(t, http.StatusConflict, rec.Code, "queued task has no session yet")
	rec = env.do(t, "POST", "/api/v1/tasks/task-missing/events", PostEventsRequest{Events: []model.SessionEvent{{Kind: model.EventKindText, Text: "hi"}}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.claimedTask(t)
	base := "/api/v1/tasks/" + task.ID

	rec := env.do(t, "PATCH", base, `{"assigned_machine":"m-2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "fields outside the allow-list are rejected")
	rec = env.do(t, "PATCH", base, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "PATCH", base, `{"status":"queued"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "claimed → queued is not a valid transition")

	rec = env.do(t, "PATCH", base, `{"status":"running"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.TaskStatusRunning, decode[model.Task](t, rec).Status)

	rec = env.do(t, "PATCH", base, `{"status":"timeout","error_message":"session exceeded 1h"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	patched := decode[model.Task](t, rec)
	assert.Equal(t, model.TaskStatusTimeout, patched.Status)
	assert.Equal(t, "session exceeded 1h", patched.ErrorMessage)
	assert.NotNil(t, patched.CompletedAt)
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/v1/tasks", CreateTaskRequest{Description: "never mind"})
	task := decode[model.Task](t, rec)

	rec = env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.TaskStatusCancelled, decode[model.Task](t, rec).Status)

	rec = env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, "POST", "/api/v1/tasks/task-missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitInputLiveDelivery(t *testing.T) {
	env := newTestEnv(t)
	task := env.claimedTask(t)

	w := &recordingWriter{}
	detach := env.inputs.Attach(task.ID, w)
	defer detach()

	rec := env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/input", InputRequest{Text: "use the v2 API"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decode[relay.SubmitResult](t, rec).Delivered)
	assert.Equal(t, []string{"use the v2 API"}, w.texts)

	rec = env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/input", InputRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type recordingWriter struct {
	texts []string
}

func (w *recordingWriter) WriteInput(text string) error {
	w.texts = append(w.texts, text)
	return nil
}

func TestTranscriptNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/v1/tasks/task-1/transcript", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketStream(t *testing.T) {
	env := newTestEnv(t)
	task := env.claimedTask(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks/" + task.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.handler.Gateway.Subscribers(task.ID) == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong wsMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)

	_, err = env.handler.Pipeline.Ingest(context.Background(), task.ID, []model.SessionEvent{
		{Kind: model.EventKindText, Text: "working on it"},
		{Kind: model.EventKindTerminalResult, Terminal: &model.TerminalResult{Success: false, Result: "tests still fail"}},
	})
	require.NoError(t, err)

	var got []struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	for len(got) < 3 {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&msg))
		got = append(got, msg)
	}
	assert.Equal(t, "event", got[0].Type)
	assert.Contains(t, string(got[0].Data), "working on it")
	assert.Equal(t, "event", got[1].Type)
	assert.Equal(t, "status", got[2].Type)
	assert.Contains(t, string(got[2].Data), `"failed"`)

	// 终态后服务端关闭连接
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocketFinishedTask(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/v1/tasks", CreateTaskRequest{Description: "cancel me"})
	task := decode[model.Task](t, rec)
	env.do(t, "POST", "/api/v1/tasks/"+task.ID+"/cancel", nil)

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks/" + task.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg wsMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Type)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/tasks/task-missing/events", nil)
	assert.Error(t, err)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	task := env.claimedTask(t)
	base := "/api/v1/tasks/" + task.ID

	rec := env.do(t, "POST", base+"/events", PostEventsRequest{Events: []model.SessionEvent{
		{Kind: model.EventKindText, Text: "one"},
		{Kind: model.EventKindText, Text: "two"},
		{Kind: model.EventKindText, Text: "three"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, "GET", base+"/events?after_seq=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[ListEventsResponse](t, rec)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "two", page.Events[0].Text)
	assert.Equal(t, int64(2), page.LastSeq)

	rec = env.do(t, "GET", base+"/events?after_seq=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[ListEventsResponse](t, rec)
	assert.Empty(t, page.Events)
	assert.Equal(t, int64(3), page.LastSeq)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", base+"/events?after_seq=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", base+"/events?limit=0", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/v1/tasks/task-missing/events", nil).Code)
}

func TestWebSocketReplaysHistory(t *testing.T) {
	env := newTestEnv(t)
	task := env.claimedTask(t)
	_, err := env.handler.Pipeline.Ingest(context.Background(), task.ID, []model.SessionEvent{
		{Kind: model.EventKindText, Text: "first"},
		{Kind: model.EventKindText, Text: "second"},
		{Kind: model.EventKindTerminalResult, Terminal: &model.TerminalResult{Success: true, Result: "done"}},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks/" + task.ID + "/events?after_seq=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var types []string
	var texts []string
	for len(types) < 3 {
		var msg struct {
			Type string             `json:"type"`
			Data model.SessionEvent `json:"data"`
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&msg))
		types = append(types, msg.Type)
		texts = append(texts, msg.Data.Text)
	}
	assert.Equal(t, []string{"event", "event", "status"}, types)
	assert.Equal(t, "second", texts[0])
}
