package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/metrics"
	"fleetline/internal/migrate"
	"fleetline/internal/notify"
)

const (
	testProject = "proj-1"
	testSecret  = "test-secret"
)

type testServer struct {
	URL     string
	Hub     *Hub
	Metrics *metrics.Metrics
	client  *http.Client
	token   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	quiet := log.New(io.Discard, "", 0)
	hub := NewHub()
	hub.Logger = quiet
	m := metrics.New("fleetline")
	hub.Metrics = m

	e := engine.New(conn, config.Default(testProject))
	e.Logger = quiet
	e.Metrics = m
	e.Notifier = hub

	handler, err := New(Config{
		Engine:  e,
		BasePath: "/v0",
		Auth:    AuthConfig{JWTSecret: testSecret, Logger: quiet},
		Metrics: m,
		Hub:     hub,
		Logger:  quiet,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})

	token, err := SignToken(testSecret, "tester")
	require.NoError(t, err)
	return &testServer{
		URL:     "http://" + ln.Addr().String(),
		Hub:     hub,
		Metrics: m,
		client:  &http.Client{Timeout: 5 * time.Second},
		token:   token,
	}
}

// do sends an authenticated JSON request and decodes the response into out
// when out is non-nil.
func (s *testServer) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	return s.doWith(t, method, path, body, out, map[string]string{"Authorization": "Bearer " + s.token})
}

func (s *testServer) doWith(t *testing.T, method, path string, body any, out any, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return res
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	var body map[string]string
	res := s.doWith(t, http.MethodGet, "/v0/health", nil, &body, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestBearerTokenRequired(t *testing.T) {
	s := newTestServer(t)

	var env errorEnvelope
	res := s.doWith(t, http.MethodGet, "/v0/agents", nil, &env, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", env.Error.Code)

	forged, err := SignToken("other-secret", "mallory")
	require.NoError(t, err)
	env = errorEnvelope{}
	res = s.doWith(t, http.MethodGet, "/v0/agents", nil, &env, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", env.Error.Code)

	res = s.doWith(t, http.MethodGet, "/v0/agents", nil, nil, map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = s.do(t, http.MethodGet, "/v0/agents", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAnonymousAccess(t *testing.T) {
	cfg := AuthConfig{AllowAnonymous: true, JWTSecret: testSecret, Logger: log.New(io.Discard, "", 0)}
	var seen Principal
	h := newAuthMiddleware("/v0", cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = principalFromContext(r.Context())
	}))
	req, err := http.NewRequest(http.MethodGet, "/v0/agents", nil)
	require.NoError(t, err)
	h.ServeHTTP(discardWriter{}, req)
	assert.Equal(t, anonymousSubject, seen.Subject)
}

type discardWriter struct{}

func (discardWriter) Header() http.Header         { return http.Header{} }
func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
func (discardWriter) WriteHeader(int)             {}

func TestOrchestrationOverHTTP(t *testing.T) {
	s := newTestServer(t)

	var agent domain.Agent
	res := s.do(t, http.MethodPost, "/v0/agents", map[string]any{
		"user_id":      "u-1",
		"name":         "dev",
		"capabilities": []string{"backend", "testing"},
	}, &agent)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, domain.AgentIdle, agent.Status)

	var first, second domain.Task
	res = s.do(t, http.MethodPost, "/v0/projects/"+testProject+"/tasks", map[string]any{
		"title":                 "api",
		"priority":              "high",
		"required_capabilities": []string{"backend"},
	}, &first)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res = s.do(t, http.MethodPost, "/v0/projects/"+testProject+"/tasks", map[string]any{"title": "docs"}, &second)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var dep domain.TaskDependency
	res = s.do(t, http.MethodPost, "/v0/tasks/"+second.ID+"/dependencies", map[string]any{"parent_task_id": first.ID}, &dep)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, domain.DependencyBlocking, dep.Type)

	var ready []domain.Task
	s.do(t, http.MethodGet, "/v0/projects/"+testProject+"/tasks/ready", nil, &ready)
	require.Len(t, ready, 1)
	assert.Equal(t, first.ID, ready[0].ID)

	var as engine.Assignment
	res = s.do(t, http.MethodPost, "/v0/tasks/"+first.ID+"/assign", nil, &as)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, agent.ID, as.Agent.ID)

	var start engine.StartReport
	res = s.do(t, http.MethodPost, "/v0/tasks/"+first.ID+"/start", map[string]any{"git_branch": "feature/api"}, &start)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, domain.SessionRunning, start.Session.Status)

	var done engine.CompletionReport
	res = s.do(t, http.MethodPost, "/v0/sessions/"+start.Session.ID+"/complete", map[string]any{
		"success": true,
		"result":  map[string]any{"success": true, "quality_metrics": map[string]float64{"overall": 9}},
	}, &done)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, domain.TaskCompleted, done.Task.Status)
	assert.Equal(t, []string{second.ID}, done.ReadyTaskIDs)
	assert.Equal(t, domain.AgentIdle, done.Agent.Status)

	var page paginatedEvents
	s.do(t, http.MethodGet, "/v0/projects/"+testProject+"/events?aggregate_id="+first.ID, nil, &page)
	var types []string
	for _, evt := range page.Items {
		types = append(types, evt.EventType)
	}
	assert.Equal(t, []string{"task.completed", "task.started", "task.assigned", "task.blocking_marked", "task.created"}, types)

	var tasks paginatedTasks
	s.do(t, http.MethodGet, "/v0/projects/"+testProject+"/tasks?status=completed", nil, &tasks)
	require.Len(t, tasks.Items, 1)
	assert.Equal(t, first.ID, tasks.Items[0].ID)
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	base := "/v0/projects/" + testProject + "/tasks"

	var env errorEnvelope
	res := s.do(t, http.MethodGet, "/v0/tasks/missing", nil, &env)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", env.Error.Code)

	env = errorEnvelope{}
	res = s.do(t, http.MethodPost, base, map[string]any{"title": "  "}, &env)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "validation_failed", env.Error.Code)

	var a, b domain.Task
	s.do(t, http.MethodPost, base, map[string]any{"title": "a"}, &a)
	s.do(t, http.MethodPost, base, map[string]any{"title": "b"}, &b)
	res = s.do(t, http.MethodPost, "/v0/tasks/"+b.ID+"/dependencies", map[string]any{"parent_task_id": a.ID}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	env = errorEnvelope{}
	res = s.do(t, http.MethodPost, "/v0/tasks/"+a.ID+"/dependencies", map[string]any{"parent_task_id": b.ID}, &env)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "graph_cycle", env.Error.Code)
	assert.NotEmpty(t, env.Error.Details["path"])

	res = s.do(t, http.MethodPost, "/v0/tasks/"+a.ID+"/cancel", map[string]any{"reason": "scope cut"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	env = errorEnvelope{}
	res = s.do(t, http.MethodPost, "/v0/tasks/"+a.ID+"/cancel", nil, &env)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, "cancelled", env.Error.Details["from"])

	env = errorEnvelope{}
	res = s.do(t, http.MethodGet, base+"?cursor=garbage", nil, &env)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", env.Error.Code)
}

func TestConflictEndpoints(t *testing.T) {
	s := newTestServer(t)
	base := "/v0/projects/" + testProject + "/conflicts"

	var c domain.Conflict
	res := s.do(t, http.MethodPost, base, map[string]any{
		"type":     "resource_contention",
		"severity": "critical",
		"title":    "two agents on main",
	}, &c)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, domain.ConflictDetected, c.Status)

	res = s.do(t, http.MethodPost, "/v0/conflicts/"+c.ID+"/escalate", map[string]any{"assignee": "lead"}, &c)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, c.Escalated)

	var queue []domain.Conflict
	s.do(t, http.MethodGet, base+"/escalated", nil, &queue)
	require.Len(t, queue, 1)

	var d domain.HumanDecision
	res = s.do(t, http.MethodPost, "/v0/conflicts/"+c.ID+"/decisions", map[string]any{
		"decision_type": "approve",
		"reasoning":     "serialize the branch",
	}, &d)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "tester", d.DecidedBy)

	res = s.do(t, http.MethodPost, "/v0/conflicts/"+c.ID+"/resolve", map[string]any{"strategy": "serialize"}, &c)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, domain.ConflictResolved, c.Status)

	var stats engine.ConflictStats
	s.do(t, http.MethodGet, base+"/stats", nil, &stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Resolved)
	assert.InDelta(t, 1.0, stats.ResolutionRate, 1e-9)

	var decisions []domain.HumanDecision
	s.do(t, http.MethodGet, "/v0/conflicts/"+c.ID+"/decisions", nil, &decisions)
	assert.Len(t, decisions, 1)

	var env errorEnvelope
	res = s.do(t, http.MethodPost, "/v0/conflicts/"+c.ID+"/analyze", nil, &env)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestWebsocketStreamsNotifications(t *testing.T) {
	s := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/v0/ws?project=" + testProject + "&access_token=" + s.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := s.do(t, http.MethodPost, "/v0/projects/"+testProject+"/conflicts", map[string]any{"type": "capability_gap"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var n notify.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, notify.KindConflictRaised, n.Kind)
	assert.Equal(t, testProject, n.ProjectID)
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/v0/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/v0/agents", nil, nil)

	res, err := s.client.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "fleetline_http_requests_total")
}
