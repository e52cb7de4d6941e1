package fleetlinesdk

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/engine"
	"fleetline/internal/migrate"
	"fleetline/internal/server"
)

const secret = "sdk-secret"

func newClient(t *testing.T) (*Client, *server.Hub) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	quiet := log.New(io.Discard, "", 0)
	hub := server.NewHub()
	hub.Logger = quiet
	e := engine.New(conn, config.Default("sdk"))
	e.Logger = quiet
	e.Notifier = hub
	h, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret, Logger: quiet}, Hub: hub, Logger: quiet})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	token, err := server.SignToken(secret, "sdk-user")
	require.NoError(t, err)
	c := New(srv.URL, "sdk")
	c.BearerToken = token
	return c, hub
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	agent, err := c.RegisterAgent(ctx, "u-1", "builder", []string{"backend"})
	require.NoError(t, err)
	assert.Equal(t, "idle", agent.Status)

	build, err := c.CreateTask(ctx, TaskInput{Title: "build", Priority: "high", RequiredCapabilities: []string{"backend"}})
	require.NoError(t, err)
	ship, err := c.CreateTask(ctx, TaskInput{Title: "ship"})
	require.NoError(t, err)
	require.NoError(t, c.AddDependency(ctx, build.ID, ship.ID, ""))

	ready, err := c.ReadyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, build.ID, ready[0].ID)

	as, err := c.Assign(ctx, build.ID, "")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, as.Agent.ID)

	start, err := c.Start(ctx, build.ID, "feature/build")
	require.NoError(t, err)
	assert.Equal(t, "running", start.Session.Status)

	rep, err := c.Complete(ctx, start.Session.ID, Outcome{Success: true, FinalCommit: "c0ffee"})
	require.NoError(t, err)
	assert.Equal(t, "completed", rep.Task.Status)
	assert.Equal(t, []string{ship.ID}, rep.ReadyTaskIDs)

	got, err := c.GetTask(ctx, ship.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DependencyCount)

	evts, err := c.Events(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestClientConflicts(t *testing.T) {
	ctx := context.Background()
	c, hub := newClient(t)

	sub, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stream, err := c.Subscribe(sub)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conflict, err := c.RaiseConflict(ctx, "timeline_overlap", "high", "double booked", nil)
	require.NoError(t, err)
	assert.Equal(t, "detected", conflict.Status)

	select {
	case n := <-stream:
		assert.Equal(t, "conflict_raised", n.Kind)
		assert.Equal(t, conflict.ID, n.ConflictID)
	case <-sub.Done():
		t.Fatal("no notification received")
	}

	resolved, err := c.ResolveConflict(ctx, conflict.ID, "reschedule", "moved to next week")
	require.NoError(t, err)
	assert.Equal(t, "resolved", resolved.Status)

	queue, err := c.EscalatedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.GetTask(context.Background(), "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	c.BearerToken = ""
	_, err = c.ReadyTasks(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
