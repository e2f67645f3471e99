package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/api/v1/tasks", "/api/v1/tasks"},
		{"/api/v1/tasks/task-abc", "/api/v1/tasks/{id}"},
		{"/api/v1/tasks/task-abc/input/poll", "/api/v1/tasks/{id}/input/poll"},
		{"/api/v1/machines/m-1/heartbeat", "/api/v1/machines/{id}/heartbeat"},
		{"/ws/tasks/task-abc/events", "/ws/tasks/{id}/events"},
		{"/health", "/health"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePath(tt.in))
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-1", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/tasks/{id}", "418")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordClaim("won")
	m.RecordDispatchCycle("ok", time.Second, 1, 0)
	m.RecordAlert("stale_task")
	m.WSConnectionOpened()

	called := false
	h := m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.RecordDispatchCycle("ok", 10*time.Millisecond, 2, 1)
	m.RecordClaim("won")
	m.RecordClaim("lost")
	m.RecordClaim("lost")
	m.SetMachinesCount(2, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DispatcherAssigned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatcherUnassigned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClaimsTotal.WithLabelValues("lost")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MachinesOnline))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
