package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/events"
	"fleetline/internal/migrate"
	"fleetline/internal/notify"
	"fleetline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Notes  *notify.Recorder
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clk := &clock{now: t0}
	notes := &notify.Recorder{}
	eng := engine.New(conn, config.Default("proj-1"))
	eng.Now = clk.Now
	eng.Logger = log.New(io.Discard, "", 0)
	eng.Notifier = notes
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clk, Notes: notes}
}

func (env testEnv) task(t *testing.T, title string, caps ...domain.Capability) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:            "proj-1",
		Title:                title,
		RequiredCapabilities: caps,
	})
	require.NoError(t, err)
	// distinct created_at keeps listing order deterministic
	env.Clock.Advance(time.Second)
	return task
}

func (env testEnv) agent(t *testing.T, name string, caps ...domain.Capability) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{Name: name, Capabilities: caps})
	require.NoError(t, err)
	return a
}

func (env testEnv) reload(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.GetTask(env.Ctx, id)
	require.NoError(t, err)
	return task
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.TaskCreateOptions
	}{
		{"missing title", engine.TaskCreateOptions{ProjectID: "proj-1"}},
		{"unknown capability", engine.TaskCreateOptions{ProjectID: "proj-1", Title: "x", RequiredCapabilities: []domain.Capability{"quantum"}}},
		{"zero weight", engine.TaskCreateOptions{ProjectID: "proj-1", Title: "x", AcceptanceCriteria: []domain.AcceptanceCriterion{{Type: domain.CriterionTestCoverage, TargetValue: 80}}}},
		{"negative effort", engine.TaskCreateOptions{ProjectID: "proj-1", Title: "x", EstimatedEffortHours: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateTask(env.Ctx, tc.opts)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "child", ParentTaskID: "missing"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Title: "ok"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, domain.TaskFeature, task.Type)
	assert.Equal(t, domain.PriorityMedium, task.Priority)
	assert.True(t, task.IsReadyToStart())
}

func TestAttachDependencyRejectsCycles(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "a")
	b := env.task(t, "b")
	c := env.task(t, "c")

	_, err := env.Engine.AttachDependency(env.Ctx, a.ID, b.ID, domain.DependencyBlocking)
	require.NoError(t, err)
	_, err = env.Engine.AttachDependency(env.Ctx, b.ID, c.ID, domain.DependencySoft)
	require.NoError(t, err)

	_, err = env.Engine.AttachDependency(env.Ctx, c.ID, a.ID, domain.DependencyBlocking)
	require.ErrorIs(t, err, domain.ErrGraphCycle)
	var cyc *domain.CycleError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, c.ID, cyc.Parent)
	assert.Equal(t, a.ID, cyc.Child)
	assert.Equal(t, []string{a.ID, b.ID, c.ID, a.ID}, cyc.Path)

	deps, err := env.Engine.ListDependencies(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
	assert.Equal(t, 0, env.reload(t, a.ID).DependencyCount)
	assert.Equal(t, 0, env.reload(t, c.ID).BlockingCount)

	_, err = env.Engine.AttachDependency(env.Ctx, a.ID, a.ID, domain.DependencyBlocking)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.AttachDependency(env.Ctx, a.ID, b.ID, domain.DependencyBlocking)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestReadinessFollowsResolvedPrerequisites(t *testing.T) {
	env := newTestEnv(t)
	target := env.task(t, "target")
	var prereqs []domain.Task
	for _, title := range []string{"p1", "p2", "p3"} {
		p := env.task(t, title)
		_, err := env.Engine.MarkBlocking(env.Ctx, p.ID, target.ID)
		require.NoError(t, err)
		prereqs = append(prereqs, p)
	}
	got := env.reload(t, target.ID)
	require.Equal(t, 3, got.DependencyCount)
	require.False(t, got.IsReadyToStart())

	for i, p := range prereqs {
		task, ready, err := env.Engine.ResolveDependency(env.Ctx, p.ID, target.ID)
		require.NoError(t, err)
		last := i == len(prereqs)-1
		assert.Equal(t, last, ready, "after resolving %d edges", i+1)
		assert.Equal(t, last, task.IsReadyToStart())
		assert.Equal(t, 0, env.reload(t, p.ID).BlockingCount)
	}

	task, ready, err := env.Engine.ResolveDependency(env.Ctx, prereqs[0].ID, target.ID)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, 0, task.DependencyCount)

	readyTasks, err := env.Engine.ListReadyTasks(env.Ctx, "")
	require.NoError(t, err)
	assert.Len(t, readyTasks, 4)
}

func TestDependencyOnCompletedTaskStartsResolved(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "done first", domain.CapBackend)
	agent := env.agent(t, "builder", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, a.ID, agent.ID)
	require.NoError(t, err)
	start, err := env.Engine.StartTask(env.Ctx, a.ID, engine.StartOptions{})
	require.NoError(t, err)
	_, err = env.Engine.CompleteTask(env.Ctx, start.Session.ID, engine.Outcome{Success: true})
	require.NoError(t, err)

	b := env.task(t, "later")
	dep, err := env.Engine.MarkBlocking(env.Ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, dep.Resolved())
	assert.Equal(t, 0, env.reload(t, b.ID).DependencyCount)
}

func TestDecomposeTask(t *testing.T) {
	env := newTestEnv(t)
	parent := env.task(t, "epic")
	subs, err := env.Engine.DecomposeTask(env.Ctx, parent.ID, []engine.SubtaskSpec{
		{TaskCreateOptions: engine.TaskCreateOptions{Title: "schema"}},
		{TaskCreateOptions: engine.TaskCreateOptions{Title: "api"}, DependsOn: []int{0}},
		{TaskCreateOptions: engine.TaskCreateOptions{Title: "ui"}, DependsOn: []int{0, 1}},
	})
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, 2, subs[0].BlockingCount)
	assert.Equal(t, 1, subs[1].DependencyCount)
	assert.Equal(t, 2, subs[2].DependencyCount)
	for _, s := range subs {
		require.NotNil(t, s.ParentTaskID)
		assert.Equal(t, parent.ID, *s.ParentTaskID)
	}

	listed, err := env.Engine.ListSubtasks(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 3)

	_, err = env.Engine.DecomposeTask(env.Ctx, parent.ID, []engine.SubtaskSpec{
		{TaskCreateOptions: engine.TaskCreateOptions{Title: "bad"}, DependsOn: []int{0}},
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRemoveTask(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "a")
	b := env.task(t, "b")
	_, err := env.Engine.MarkBlocking(env.Ctx, a.ID, b.ID)
	require.NoError(t, err)

	require.ErrorIs(t, env.Engine.RemoveTask(env.Ctx, a.ID), domain.ErrValidation)
	require.NoError(t, env.Engine.RemoveTask(env.Ctx, b.ID))

	_, err = env.Engine.GetTask(env.Ctx, b.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, env.reload(t, a.ID).BlockingCount)

	hist, err := env.Engine.History(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "task.removed", hist[len(hist)-1].EventType)
}

func TestEvaluateAcceptanceStoresEvaluation(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1",
		Title:     "covered",
		AcceptanceCriteria: []domain.AcceptanceCriterion{
			{Type: domain.CriterionTestCoverage, TargetValue: 80, Weight: 1},
		},
	})
	require.NoError(t, err)

	eval, err := env.Engine.EvaluateAcceptance(env.Ctx, task.ID, &domain.ExecutionResult{
		Success:     true,
		TestResults: &domain.TestResults{Passed: 10, Coverage: 90},
	})
	require.NoError(t, err)
	assert.True(t, eval.Passed)
	assert.InDelta(t, 1.0, eval.Score, 1e-9)

	stored := env.reload(t, task.ID)
	require.NotNil(t, stored.Result)
	require.NotNil(t, stored.Result.Evaluation)
	assert.True(t, stored.Result.Evaluation.Passed)
}

func TestEventOrderingAndReplay(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "a", domain.CapBackend)
	b := env.task(t, "b")
	_, err := env.Engine.MarkBlocking(env.Ctx, a.ID, b.ID)
	require.NoError(t, err)
	agent := env.agent(t, "dev", domain.CapBackend)
	_, err = env.Engine.AssignTask(env.Ctx, a.ID, agent.ID)
	require.NoError(t, err)
	start, err := env.Engine.StartTask(env.Ctx, a.ID, engine.StartOptions{GitBranch: "feature/a"})
	require.NoError(t, err)
	env.Clock.Advance(5 * time.Minute)
	_, err = env.Engine.CompleteTask(env.Ctx, start.Session.ID, engine.Outcome{Success: true, FinalCommit: "abc123"})
	require.NoError(t, err)

	hist, err := env.Engine.History(env.Ctx, a.ID)
	require.NoError(t, err)
	types := make([]string, len(hist))
	for i, evt := range hist {
		assert.Equal(t, i+1, evt.Version)
		types[i] = evt.EventType
	}
	assert.Equal(t, []string{"task.created", "task.blocking_marked", "task.assigned", "task.started", "task.completed"}, types)

	replayed, err := events.Replay[domain.Task](hist)
	require.NoError(t, err)
	assert.Equal(t, env.reload(t, a.ID), replayed)

	before, err := events.ReplayUntil[domain.Task](hist, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, before.Status)

	sessHist, err := env.Engine.History(env.Ctx, start.Session.ID)
	require.NoError(t, err)
	sess, err := events.Replay[domain.ExecutionSession](sessHist)
	require.NoError(t, err)
	stored, err := env.Engine.GetSession(env.Ctx, start.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, sess)

	v, err := env.Engine.Reader.CurrentVersion(env.Ctx, b.ID)
	require.NoError(t, err)
	bHist, err := env.Engine.History(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, len(bHist), v)
}

func TestSuccessRateRecurrence(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, "solo", domain.CapBackend)
	want := []float64{1.0, 1.0, 0.667}
	for i, success := range []bool{true, true, false} {
		got, err := env.Engine.RecordWork(env.Ctx, a.ID, domain.SkillAssessment{
			TaskID:          uuid.NewString(),
			Success:         success,
			QualityScore:    7,
			DurationMinutes: float64(10 * (i + 1)),
		})
		require.NoError(t, err)
		assert.InDelta(t, want[i], got.Stats.SuccessRate, 0.001)
		assert.Equal(t, i+1, got.Stats.TasksCompleted)
	}
	final, err := env.Engine.GetAgent(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, final.Stats.AvgCompletionMinutes, 1e-9)
	assert.Len(t, final.Assessments, 3)

	_, err = env.Engine.RecordWork(env.Ctx, a.ID, domain.SkillAssessment{QualityScore: 11})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCapabilityMatch(t *testing.T) {
	env := newTestEnv(t)
	full := env.agent(t, "full", domain.CapFrontend, domain.CapTesting)
	half := env.agent(t, "half", domain.CapFrontend)
	required := []domain.Capability{domain.CapFrontend, domain.CapTesting}

	fullScore, err := env.Engine.MatchScore(env.Ctx, full.ID, required)
	require.NoError(t, err)
	halfScore, err := env.Engine.MatchScore(env.Ctx, half.ID, required)
	require.NoError(t, err)
	assert.Greater(t, fullScore, 0.0)
	assert.Greater(t, fullScore, halfScore)

	best, err := env.Engine.SelectBestAgent(env.Ctx, required)
	require.NoError(t, err)
	assert.Equal(t, full.ID, best.Agent.ID)

	_, err = env.Engine.SelectBestAgent(env.Ctx, []domain.Capability{domain.CapMobile})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterAgentValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{Name: "nocaps"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{Capabilities: []domain.Capability{domain.CapBackend}})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.RegisterAgent(env.Ctx, engine.AgentRegisterOptions{
		Name:         "overskilled",
		Capabilities: []domain.Capability{domain.CapBackend},
		SkillLevels:  map[domain.Capability]int{domain.CapBackend: 11},
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	a := env.agent(t, "ok", domain.CapBackend)
	assert.Equal(t, domain.AgentIdle, a.Status)
	assert.Equal(t, 1, a.Config.MaxConcurrentTasks)
}

func TestAgentTransitions(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, "mover", domain.CapBackend)

	_, err := env.Engine.TransitionAgent(env.Ctx, a.ID, domain.AgentWorking, "")
	require.ErrorIs(t, err, domain.ErrValidation)

	got, err := env.Engine.TransitionAgent(env.Ctx, a.ID, domain.AgentWorking, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got.CurrentTaskID)
	assert.Equal(t, "task-1", *got.CurrentTaskID)

	_, err = env.Engine.TransitionAgent(env.Ctx, a.ID, domain.AgentPaused, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.RetireAgent(env.Ctx, a.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err = env.Engine.TransitionAgent(env.Ctx, a.ID, domain.AgentIdle, "")
	require.NoError(t, err)
	assert.Nil(t, got.CurrentTaskID)

	got, err = env.Engine.RetireAgent(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOffline, got.Status)

	hist, err := env.Engine.History(env.Ctx, a.ID)
	require.NoError(t, err)
	again, err := env.Engine.TransitionAgent(env.Ctx, a.ID, domain.AgentOffline, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOffline, again.Status)
	after, err := env.Engine.History(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(hist), "repeated resting status records nothing")

	_, err = env.Engine.TransitionAgent(env.Ctx, a.ID, domain.AgentWorking, "task-2")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.TransitionAgent(env.Ctx, "missing", domain.AgentIdle, "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOfflineAgentCanReportError(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, "flaky", domain.CapBackend)
	_, err := env.Engine.RetireAgent(env.Ctx, a.ID)
	require.NoError(t, err)

	got, err := env.Engine.TransitionAgent(env.Ctx, a.ID, domain.AgentError, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentError, got.Status)
	got, err = env.Engine.TransitionAgent(env.Ctx, a.ID, domain.AgentIdle, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, got.Status)
}

func TestWorkingAgentKeepsOpenTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "held", domain.CapBackend)
	dev := env.agent(t, "dev", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, dev.ID)
	require.NoError(t, err)

	for _, to := range []domain.AgentStatus{domain.AgentIdle, domain.AgentError, domain.AgentOffline} {
		_, err = env.Engine.TransitionAgent(env.Ctx, dev.ID, to, "")
		require.ErrorIs(t, err, domain.ErrInvalidTransition, "assigned -> %s", to)
	}

	_, err = env.Engine.StartTask(env.Ctx, task.ID, engine.StartOptions{})
	require.NoError(t, err)
	_, err = env.Engine.TransitionAgent(env.Ctx, dev.ID, domain.AgentIdle, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := env.Engine.GetAgent(env.Ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentWorking, got.Status)
	require.NotNil(t, got.CurrentTaskID)
	assert.Equal(t, task.ID, *got.CurrentTaskID)
	assert.Equal(t, dev.ID, *env.reload(t, task.ID).AssignedAgentID)
}

func TestCancelReleasesAgentForTransition(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "dropped", domain.CapBackend)
	dev := env.agent(t, "dev", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, dev.ID)
	require.NoError(t, err)
	_, err = env.Engine.CancelTask(env.Ctx, task.ID, "descoped")
	require.NoError(t, err)

	got, err := env.Engine.GetAgent(env.Ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, got.Status)
	got, err = env.Engine.TransitionAgent(env.Ctx, dev.ID, domain.AgentPaused, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentPaused, got.Status)
}

func TestSessionExclusivity(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "contended")
	a1 := env.agent(t, "one", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, a1.ID)
	require.NoError(t, err)

	s1, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: a1.ID})
	require.NoError(t, err)
	s2, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: a1.ID})
	require.NoError(t, err)
	assert.Equal(t, 30, s1.TimeoutMinutes)

	_, err = env.Engine.StartSession(env.Ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, env.reload(t, task.ID).Status)
	_, err = env.Engine.StartSession(env.Ctx, s2.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	running, err := env.Engine.ListSessions(env.Ctx, repo.SessionFilters{TaskID: task.ID, Status: domain.SessionRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	env.Clock.Advance(3 * time.Minute)
	done, err := env.Engine.CompleteSession(env.Ctx, s1.ID, engine.SessionOutcome{Success: false, ErrorMessage: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, done.Status)
	assert.Equal(t, "boom", done.ErrorMessage)
	d, ok := done.Duration()
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, d)

	_, err = env.Engine.CompleteSession(env.Ctx, s1.ID, engine.SessionOutcome{Success: true})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	retry, err := env.Engine.StartSession(env.Ctx, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, retry.Status)
	assert.Equal(t, domain.TaskInProgress, env.reload(t, task.ID).Status)
}

func TestStagedSessionRunsThroughCompletion(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "staged", domain.CapBackend)
	dev := env.agent(t, "dev", domain.CapBackend)
	other := env.agent(t, "other", domain.CapBackend)

	_, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: dev.ID})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.Engine.AssignTask(env.Ctx, task.ID, dev.ID)
	require.NoError(t, err)
	_, err = env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: other.ID})
	require.ErrorIs(t, err, domain.ErrValidation)

	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: dev.ID})
	require.NoError(t, err)
	s, err = env.Engine.StartSession(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, s.Status)

	got := env.reload(t, task.ID)
	assert.Equal(t, domain.TaskInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, *s.StartedAt, *got.StartedAt)

	rep, err := env.Engine.CompleteTask(env.Ctx, s.ID, engine.Outcome{Success: true})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, rep.Task.Status)
	assert.Equal(t, domain.SessionCompleted, rep.Session.Status)
	assert.Equal(t, domain.AgentIdle, rep.Agent.Status)

	hist, err := env.Engine.History(env.Ctx, task.ID)
	require.NoError(t, err)
	var types []string
	for _, ev := range hist {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, "task.started")
	assert.Contains(t, types, "task.completed")
}

func TestStagedSessionRefusesBlockedTask(t *testing.T) {
	env := newTestEnv(t)
	schema := env.task(t, "schema")
	api := env.task(t, "api")
	dev := env.agent(t, "dev", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, api.ID, dev.ID)
	require.NoError(t, err)
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: api.ID, AgentID: dev.ID})
	require.NoError(t, err)

	_, err = env.Engine.MarkBlocking(env.Ctx, schema.ID, api.ID)
	require.NoError(t, err)

	_, err = env.Engine.StartSession(env.Ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: api.ID, AgentID: dev.ID})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got := env.reload(t, api.ID)
	assert.Equal(t, domain.TaskAssigned, got.Status)
	assert.Nil(t, got.StartedAt)
	pending, err := env.Engine.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, pending.Status)
}

func TestStagedSessionRefusesCancelledTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "dropped")
	dev := env.agent(t, "dev", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, dev.ID)
	require.NoError(t, err)
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: dev.ID})
	require.NoError(t, err)

	_, err = env.Engine.CancelTask(env.Ctx, task.ID, "out of scope")
	require.NoError(t, err)

	_, err = env.Engine.StartSession(env.Ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: dev.ID})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.TaskCancelled, env.reload(t, task.ID).Status)
}

func TestSweepTimeoutsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "slow")
	a := env.agent(t, "sleepy", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, a.ID)
	require.NoError(t, err)
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: a.ID, TimeoutMinutes: 15})
	require.NoError(t, err)
	s, err = env.Engine.StartSession(env.Ctx, s.ID)
	require.NoError(t, err)
	started := env.Clock.Now()

	swept, err := env.Engine.SweepTimeouts(env.Ctx, started.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, swept)

	swept, err = env.Engine.SweepTimeouts(env.Ctx, started.Add(16*time.Minute))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, domain.SessionTimeout, swept[0].Status)
	assert.False(t, swept[0].Success)
	assert.Equal(t, "execution exceeded timeout budget of 15 minutes", swept[0].ErrorMessage)

	swept, err = env.Engine.SweepTimeouts(env.Ctx, started.Add(17*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestHandleTimeoutsFailsTaskAndFreesAgent(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "long", domain.CapBackend)
	a := env.agent(t, "worker", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, a.ID)
	require.NoError(t, err)
	start, err := env.Engine.StartTask(env.Ctx, task.ID, engine.StartOptions{TimeoutMinutes: 15})
	require.NoError(t, err)
	started := env.Clock.Now()

	swept, err := env.Engine.HandleTimeouts(env.Ctx, started.Add(16*time.Minute))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, start.Session.ID, swept[0].ID)
	assert.Equal(t, domain.SessionTimeout, swept[0].Status)
	assert.NotEmpty(t, swept[0].ErrorMessage)

	failed := env.reload(t, task.ID)
	assert.Equal(t, domain.TaskFailed, failed.Status)
	require.NotNil(t, failed.Result)
	assert.Equal(t, []string{swept[0].ErrorMessage}, failed.Result.Issues)

	agent, err := env.Engine.GetAgent(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)
	assert.Equal(t, 1, agent.Stats.TasksCompleted)
	assert.Equal(t, 0.0, agent.Stats.SuccessRate)

	swept, err = env.Engine.HandleTimeouts(env.Ctx, started.Add(17*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, swept)
	assert.Contains(t, env.Notes.Kinds(), notify.KindSessionCompleted)
}

func TestSweeperTick(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "ticked")
	a := env.agent(t, "ticker", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, a.ID)
	require.NoError(t, err)
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: a.ID, TimeoutMinutes: 1})
	require.NoError(t, err)
	_, err = env.Engine.StartSession(env.Ctx, s.ID)
	require.NoError(t, err)

	sw := engine.NewSweeper(env.Engine)
	n, err := sw.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.Clock.Advance(2 * time.Minute)
	n, err = sw.Tick(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	require.NoError(t, sw.Run(ctx))
}

func TestConflictLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.DetectConflict(env.Ctx, engine.ConflictOptions{
		Type:     domain.ConflictResourceContention,
		Severity: domain.SeverityHigh,
		Title:    "two agents on main",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictDetected, c.Status)
	assert.Equal(t, "proj-1", c.ProjectID)

	c, err = env.Engine.EscalateConflict(env.Ctx, c.ID, "lead")
	require.NoError(t, err)
	assert.True(t, c.Escalated)
	require.NotNil(t, c.Assignee)
	assert.Equal(t, "lead", *c.Assignee)

	d, err := env.Engine.RecordDecision(env.Ctx, c.ID, engine.DecisionOptions{
		Type:      domain.DecisionApprove,
		Reasoning: "serialize the branch",
		DecidedBy: "lead",
	})
	require.NoError(t, err)
	assert.Equal(t, c.ID, d.ConflictID)

	c, err = env.Engine.ResolveConflict(env.Ctx, c.ID, "serialize", "one at a time", false)
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictResolved, c.Status)
	assert.NotNil(t, c.ResolvedAt)

	_, err = env.Engine.EscalateConflict(env.Ctx, c.ID, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.ResolveConflict(env.Ctx, c.ID, "again", "", false)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.RecordDecision(env.Ctx, c.ID, engine.DecisionOptions{Type: domain.DecisionReject, DecidedBy: "lead"})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	decisions, err := env.Engine.ListDecisions(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)

	_, err = env.Engine.AnalyzeConflict(env.Ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, []notify.Kind{notify.KindConflictRaised, notify.KindConflictEscalated}, env.Notes.Kinds())
}

func TestConflictQueriesAndStats(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "affected")
	low, err := env.Engine.DetectConflict(env.Ctx, engine.ConflictOptions{Type: domain.ConflictTimelineOverlap, Severity: domain.SeverityLow, AffectedTaskIDs: []string{task.ID}})
	require.NoError(t, err)
	env.Clock.Advance(time.Minute)
	crit, err := env.Engine.DetectConflict(env.Ctx, engine.ConflictOptions{Type: domain.ConflictDependencyCycle, Severity: domain.SeverityCritical})
	require.NoError(t, err)
	env.Clock.Advance(time.Minute)
	ign, err := env.Engine.DetectConflict(env.Ctx, engine.ConflictOptions{Type: domain.ConflictMergeConflict})
	require.NoError(t, err)

	_, err = env.Engine.EscalateConflict(env.Ctx, low.ID, "")
	require.NoError(t, err)
	_, err = env.Engine.EscalateConflict(env.Ctx, crit.ID, "")
	require.NoError(t, err)
	queue, err := env.Engine.EscalatedQueue(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, crit.ID, queue[0].ID)
	assert.Equal(t, low.ID, queue[1].ID)

	affecting, err := env.Engine.ConflictsAffectingTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, affecting, 1)
	assert.Equal(t, low.ID, affecting[0].ID)

	_, err = env.Engine.BeginResolution(env.Ctx, crit.ID)
	require.NoError(t, err)
	_, err = env.Engine.ResolveConflict(env.Ctx, crit.ID, "drop edge", "", true)
	require.NoError(t, err)
	ignored, err := env.Engine.IgnoreConflict(env.Ctx, ign.ID, "stale branch")
	require.NoError(t, err)
	assert.Equal(t, "ignored: stale branch", ignored.ResolutionNote)

	st, err := env.Engine.ConflictStats(env.Ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Open)
	assert.Equal(t, 1, st.Resolved)
	assert.Equal(t, 1, st.Ignored)
	assert.InDelta(t, 1.0/3.0, st.ResolutionRate, 1e-9)
	assert.InDelta(t, 1.0, st.AutoResolutionRate, 1e-9)
	assert.Equal(t, 1, st.BySeverity[domain.SeverityCritical])

	purged, err := env.Engine.PurgeConflicts(env.Ctx, "", env.Clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{crit.ID, ign.ID}, purged)
	_, err = env.Engine.GetConflict(env.Ctx, crit.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	hist, err := env.Engine.History(env.Ctx, crit.ID)
	require.NoError(t, err)
	assert.Equal(t, "conflict.purged", hist[len(hist)-1].EventType)
}

func TestScanConflicts(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.task(t, "api", domain.CapBackend)
	t2 := env.task(t, "worker", domain.CapBackend)
	gap := env.task(t, "ios app", domain.CapMobile)
	a1 := env.agent(t, "a1", domain.CapBackend)
	a2 := env.agent(t, "a2", domain.CapBackend)
	for _, pair := range [][2]string{{t1.ID, a1.ID}, {t2.ID, a2.ID}} {
		_, err := env.Engine.AssignTask(env.Ctx, pair[0], pair[1])
		require.NoError(t, err)
		s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: pair[0], AgentID: pair[1], GitBranch: "feature/shared"})
		require.NoError(t, err)
		_, err = env.Engine.StartSession(env.Ctx, s.ID)
		require.NoError(t, err)
	}

	raised, err := env.Engine.ScanConflicts(env.Ctx, "")
	require.NoError(t, err)
	byType := map[domain.ConflictType]domain.Conflict{}
	for _, c := range raised {
		byType[c.Type] = c
	}
	require.Len(t, raised, 2)
	contention := byType[domain.ConflictResourceContention]
	assert.Equal(t, domain.SeverityHigh, contention.Severity)
	assert.ElementsMatch(t, []string{t1.ID, t2.ID}, contention.AffectedTaskIDs)
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, contention.AffectedAgentIDs)
	assert.Equal(t, []string{gap.ID}, byType[domain.ConflictCapabilityGap].AffectedTaskIDs)

	again, err := env.Engine.ScanConflicts(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestScanConflictsFindsStoredCycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "a")
	b := env.task(t, "b")
	_, err := env.Engine.AttachDependency(env.Ctx, a.ID, b.ID, domain.DependencySoft)
	require.NoError(t, err)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.InsertDependency(env.Ctx, tx, domain.TaskDependency{
		ID:           uuid.NewString(),
		ParentTaskID: b.ID,
		ChildTaskID:  a.ID,
		Type:         domain.DependencySoft,
		CreatedAt:    t0.Format(domain.TimeFormat),
	}))
	require.NoError(t, tx.Commit())

	raised, err := env.Engine.ScanConflicts(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, domain.ConflictDependencyCycle, raised[0].Type)
	assert.Equal(t, domain.SeverityCritical, raised[0].Severity)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, raised[0].AffectedTaskIDs)
}

func TestReportMergeConflict(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "merge me")
	a := env.agent(t, "merger", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, a.ID)
	require.NoError(t, err)
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{TaskID: task.ID, AgentID: a.ID, GitBranch: "feature/m"})
	require.NoError(t, err)

	c, err := env.Engine.ReportMergeConflict(env.Ctx, s.ID, []string{"go.mod", "main.go"})
	require.NoError(t, err)
	assert.Equal(t, domain.ConflictMergeConflict, c.Type)
	assert.Equal(t, domain.SeverityHigh, c.Severity)
	assert.Equal(t, []string{task.ID}, c.AffectedTaskIDs)
	assert.Contains(t, c.Description, "go.mod")

	_, err = env.Engine.ReportMergeConflict(env.Ctx, "missing", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAssignStartComplete(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "backend", domain.CapBackend)
	b := env.task(t, "follow-up")
	_, err := env.Engine.MarkBlocking(env.Ctx, a.ID, b.ID)
	require.NoError(t, err)
	dev := env.agent(t, "dev", domain.CapBackend, domain.CapTesting)

	_, err = env.Engine.AssignTask(env.Ctx, b.ID, dev.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = env.Engine.StartTask(env.Ctx, a.ID, engine.StartOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	as, err := env.Engine.AutoAssign(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, as.Agent.ID)
	assert.Equal(t, domain.TaskAssigned, as.Task.Status)
	assert.Equal(t, domain.AgentWorking, as.Agent.Status)
	require.NotNil(t, as.Agent.CurrentTaskID)
	assert.Equal(t, a.ID, *as.Agent.CurrentTaskID)

	start, err := env.Engine.StartTask(env.Ctx, a.ID, engine.StartOptions{GitBranch: "feature/backend"})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, start.Session.Status)
	assert.Equal(t, domain.TaskInProgress, start.Task.Status)

	env.Clock.Advance(12 * time.Minute)
	rep, err := env.Engine.CompleteTask(env.Ctx, start.Session.ID, engine.Outcome{
		Success:      true,
		FinalCommit:  "deadbeef",
		Result:       &domain.ExecutionResult{QualityMetrics: map[string]float64{"overall": 8}},
		Technologies: []string{"go"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, rep.Task.Status)
	assert.Equal(t, 0, rep.Task.BlockingCount)
	assert.Equal(t, domain.SessionCompleted, rep.Session.Status)
	assert.Equal(t, []string{b.ID}, rep.ReadyTaskIDs)
	assert.True(t, rep.Evaluation.Passed)

	assert.Equal(t, domain.AgentIdle, rep.Agent.Status)
	assert.Nil(t, rep.Agent.CurrentTaskID)
	assert.Equal(t, 1, rep.Agent.Stats.TasksCompleted)
	assert.InDelta(t, 1.0, rep.Agent.Stats.SuccessRate, 1e-9)
	assert.InDelta(t, 12.0, rep.Agent.Stats.AvgCompletionMinutes, 1e-9)
	require.Len(t, rep.Agent.Assessments, 1)
	assert.InDelta(t, 8.0, rep.Agent.Assessments[0].QualityScore, 1e-9)

	assert.True(t, env.reload(t, b.ID).IsReadyToStart())
	assert.Equal(t, []notify.Kind{notify.KindPlanUpdated, notify.KindSessionCompleted, notify.KindPlanUpdated}, env.Notes.Kinds())

	_, err = env.Engine.CompleteTask(env.Ctx, start.Session.ID, engine.Outcome{Success: true})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRacingStartTaskHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "contested", domain.CapBackend)
	dev := env.agent(t, "dev", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, dev.ID)
	require.NoError(t, err)

	const racers = 10
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.StartTask(env.Ctx, task.ID, engine.StartOptions{})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrConcurrency), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	sessions, err := env.Engine.ListSessions(env.Ctx, repo.SessionFilters{TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionRunning, sessions[0].Status)
	assert.Equal(t, domain.TaskInProgress, env.reload(t, task.ID).Status)
}

func TestParallelCompletionsReleaseChildOnce(t *testing.T) {
	env := newTestEnv(t)
	child := env.task(t, "integration")
	const prereqs = 6
	sessions := make([]string, prereqs)
	for i := 0; i < prereqs; i++ {
		p := env.task(t, fmt.Sprintf("part %d", i), domain.CapBackend)
		_, err := env.Engine.MarkBlocking(env.Ctx, p.ID, child.ID)
		require.NoError(t, err)
		dev := env.agent(t, fmt.Sprintf("dev %d", i), domain.CapBackend)
		_, err = env.Engine.AssignTask(env.Ctx, p.ID, dev.ID)
		require.NoError(t, err)
		start, err := env.Engine.StartTask(env.Ctx, p.ID, engine.StartOptions{})
		require.NoError(t, err)
		sessions[i] = start.Session.ID
	}
	assert.Equal(t, prereqs, env.reload(t, child.ID).DependencyCount)

	reports := make([]engine.CompletionReport, prereqs)
	errs := make([]error, prereqs)
	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = env.Engine.CompleteTask(env.Ctx, sessions[i], engine.Outcome{Success: true})
		}(i)
	}
	wg.Wait()

	released := 0
	for i := range reports {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.TaskCompleted, reports[i].Task.Status)
		for _, id := range reports[i].ReadyTaskIDs {
			if id == child.ID {
				released++
			}
		}
	}
	assert.Equal(t, 1, released)

	got := env.reload(t, child.ID)
	assert.Equal(t, 0, got.DependencyCount)
	assert.True(t, got.IsReadyToStart())
	assert.Equal(t, domain.TaskPending, got.Status)
}

func TestCompleteTaskFailingAcceptance(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:            "proj-1",
		Title:                "needs coverage",
		RequiredCapabilities: []domain.Capability{domain.CapTesting},
		AcceptanceCriteria:   []domain.AcceptanceCriterion{{Type: domain.CriterionTestCoverage, TargetValue: 80, Weight: 1}},
	})
	require.NoError(t, err)
	dependent := env.task(t, "after")
	_, err = env.Engine.MarkBlocking(env.Ctx, task.ID, dependent.ID)
	require.NoError(t, err)
	qa := env.agent(t, "qa", domain.CapTesting)
	_, err = env.Engine.AssignTask(env.Ctx, task.ID, qa.ID)
	require.NoError(t, err)
	start, err := env.Engine.StartTask(env.Ctx, task.ID, engine.StartOptions{})
	require.NoError(t, err)

	rep, err := env.Engine.CompleteTask(env.Ctx, start.Session.ID, engine.Outcome{
		Success: true,
		Result:  &domain.ExecutionResult{TestResults: &domain.TestResults{Passed: 5, Coverage: 40}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, rep.Task.Status)
	assert.False(t, rep.Evaluation.Passed)
	assert.Empty(t, rep.ReadyTaskIDs)
	assert.Equal(t, 0.0, rep.Agent.Stats.SuccessRate)
	assert.Equal(t, 1, env.reload(t, dependent.ID).DependencyCount)
}

func TestAutoAssignRaisesCapabilityGap(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "audit", domain.CapSecurity)
	env.agent(t, "frontend only", domain.CapFrontend)

	_, err := env.Engine.AutoAssign(env.Ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Engine.AutoAssign(env.Ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	open, err := env.Engine.ConflictsAffectingTask(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.ConflictCapabilityGap, open[0].Type)
	assert.Equal(t, domain.PriorityMedium, env.reload(t, task.ID).Priority)
	assert.Equal(t, domain.SeverityMedium, open[0].Severity)
	assert.Equal(t, domain.TaskPending, env.reload(t, task.ID).Status)
}

func TestAutoAssignWithoutRequirementsRaisesNoGap(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "anyone")

	_, err := env.Engine.AutoAssign(env.Ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	open, err := env.Engine.ConflictsAffectingTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
	scanned, err := env.Engine.ScanConflicts(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, scanned)
	assert.Equal(t, domain.TaskPending, env.reload(t, task.ID).Status)
}

func TestAssignReadyTasks(t *testing.T) {
	env := newTestEnv(t)
	urgent, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:            "proj-1",
		Title:                "hotfix",
		Priority:             domain.PriorityCritical,
		RequiredCapabilities: []domain.Capability{domain.CapBackend},
	})
	require.NoError(t, err)
	env.Clock.Advance(time.Second)
	routine := env.task(t, "cleanup", domain.CapBackend)
	a := env.agent(t, "only", domain.CapBackend)

	rep, err := env.Engine.AssignReadyTasks(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, rep.Assigned, 1)
	assert.Equal(t, urgent.ID, rep.Assigned[0].Task.ID)
	assert.Equal(t, a.ID, rep.Assigned[0].Agent.ID)
	assert.Equal(t, []string{routine.ID}, rep.Unassigned)
}

func TestCancelTaskReleasesAgent(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "dropped", domain.CapBackend)
	a := env.agent(t, "idle soon", domain.CapBackend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, a.ID)
	require.NoError(t, err)

	cancelled, err := env.Engine.CancelTask(env.Ctx, task.ID, "scope cut")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)
	require.NotNil(t, cancelled.AssignedAgentID)

	agent, err := env.Engine.GetAgent(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, agent.Status)

	_, err = env.Engine.CancelTask(env.Ctx, task.ID, "twice")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAssignTaskRequiresCoverage(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "db work", domain.CapDatabase)
	a := env.agent(t, "ui", domain.CapFrontend)
	_, err := env.Engine.AssignTask(env.Ctx, task.ID, a.ID)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.AssignTask(env.Ctx, task.ID, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
