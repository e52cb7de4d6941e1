package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.EventAppended("task")
	m.Transition("task", "assigned")
	m.SetTasks(map[string]int{"pending": 1})
	assert.NotNil(t, m.Handler())
}

func TestCountersAndHandler(t *testing.T) {
	m := New("fleetline")
	m.EventAppended("task")
	m.EventAppended("task")
	m.ConflictRaised("capability_gap", "high")
	m.SetTasks(map[string]int{"pending": 3, "completed": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsAppended.WithLabelValues("task")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksByStatus.WithLabelValues("pending")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "fleetline_conflicts_raised_total")
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/v0/tasks":                 "/v0/tasks",
		"/v0/tasks/abc":             "/v0/tasks/{id}",
		"/v0/tasks/abc/complexity":  "/v0/tasks/{id}/complexity",
		"/v0/conflicts/x/decisions": "/v0/conflicts/{id}/decisions",
		"/metrics":                  "/metrics",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePath(in), in)
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	m := New("t")
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v0/agents/a1", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v0/agents/{id}", "418")))
}
