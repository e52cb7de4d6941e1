package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/notify"
	"fleetline/internal/repo"
	"fleetline/internal/scoring"
)

// Assignment pairs a task with the agent now working on it.
type Assignment struct {
	Task  domain.Task  `json:"task"`
	Agent domain.Agent `json:"agent"`
}

func ensureAssignable(t domain.Task) error {
	if t.Status != domain.TaskPending {
		return domain.NewTransitionError("task", t.ID, t.Status, domain.TaskAssigned)
	}
	if !t.IsReadyToStart() {
		return fmt.Errorf("task %s waits on %d prerequisite(s): %w", t.ID, t.DependencyCount, domain.ErrInvalidTransition)
	}
	if t.AssignedAgentID != nil {
		return fmt.Errorf("task %s is already assigned to %s: %w", t.ID, *t.AssignedAgentID, domain.ErrInvalidTransition)
	}
	return nil
}

// AssignTask binds an idle agent to a ready task. Both sides change in one
// transaction.
func (e Engine) AssignTask(ctx context.Context, taskID, agentID string) (Assignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Assignment{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return Assignment{}, err
	}
	if err := ensureAssignable(t); err != nil {
		return Assignment{}, err
	}
	as, err := e.assignTx(ctx, tx, t, agentID)
	if err != nil {
		return Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return Assignment{}, err
	}
	e.assigned(ctx, as)
	return as, nil
}

func (e Engine) assignTx(ctx context.Context, tx *sql.Tx, t domain.Task, agentID string) (Assignment, error) {
	a, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return Assignment{}, err
	}
	if !a.Covers(t.RequiredCapabilities) {
		return Assignment{}, domain.Invalid("agent_id", "agent %s does not cover %s", a.ID, capList(t.RequiredCapabilities))
	}
	if a.Status != domain.AgentIdle {
		return Assignment{}, domain.NewTransitionError("agent", a.ID, a.Status, domain.AgentWorking)
	}
	agentFrom := a.Status
	if _, err := applyAgentStatus(&a, domain.AgentWorking, t.ID); err != nil {
		return Assignment{}, err
	}
	now := e.stamp()
	a.UpdatedAt = now
	t.Status = domain.TaskAssigned
	t.AssignedAgentID = &a.ID
	t.AssignedAt = &now
	if err := e.Repo.UpdateTask(ctx, tx, t, domain.TaskPending); err != nil {
		return Assignment{}, err
	}
	if err := e.Repo.UpdateAgent(ctx, tx, a, agentFrom); err != nil {
		return Assignment{}, err
	}
	if err := e.append(ctx, tx,
		e.taskDraft(t, "task.assigned", events.EventPayload{"agent_id": a.ID}),
		e.agentDraft(a, "agent.status_changed", events.EventPayload{"from": string(agentFrom), "to": string(a.Status), "task_id": t.ID}),
	); err != nil {
		return Assignment{}, err
	}
	return Assignment{Task: t, Agent: a}, nil
}

func (e Engine) assigned(ctx context.Context, as Assignment) {
	e.Metrics.Assignment("assigned")
	e.Metrics.Transition("task", string(as.Task.Status))
	e.Metrics.Transition("agent", string(as.Agent.Status))
	e.notify(ctx, notify.Notification{
		Kind:      notify.KindPlanUpdated,
		ProjectID: as.Task.ProjectID,
		TaskIDs:   []string{as.Task.ID},
		AgentIDs:  []string{as.Agent.ID},
		Summary:   fmt.Sprintf("task %q assigned to %s", as.Task.Title, as.Agent.Name),
	})
}

// AutoAssign gives the task to the best idle candidate. When nobody covers
// the task a capability_gap conflict is raised and ErrNotFound returned.
func (e Engine) AutoAssign(ctx context.Context, taskID string) (Assignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Assignment{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return Assignment{}, err
	}
	if err := ensureAssignable(t); err != nil {
		return Assignment{}, err
	}
	cand, err := e.selectBestAgentTx(ctx, tx, t.RequiredCapabilities)
	if err != nil {
		if !isNotFound(err) {
			return Assignment{}, err
		}
		_ = tx.Rollback()
		e.Metrics.Assignment("unassigned")
		// A task with no requirements is coverable by any agent; an empty
		// roster is a staffing problem, not a capability gap.
		if len(t.RequiredCapabilities) > 0 {
			if gapErr := e.raiseGap(ctx, t); gapErr != nil {
				e.logger().Printf("[assign.gap] task=%s err=%v", t.ID, gapErr)
			}
		}
		return Assignment{}, err
	}
	as, err := e.assignTx(ctx, tx, t, cand.Agent.ID)
	if err != nil {
		return Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return Assignment{}, err
	}
	e.assigned(ctx, as)
	return as, nil
}

// raiseGap records a capability_gap for t unless one is already open.
func (e Engine) raiseGap(ctx context.Context, t domain.Task) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	open, err := e.Repo.ListConflictsTx(ctx, tx, repo.ConflictFilters{TaskID: t.ID, Type: domain.ConflictCapabilityGap, ActiveOnly: true, Limit: 1})
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return nil
	}
	opts := gapConflict(t)
	opts.ProjectID = t.ProjectID
	c, err := e.detectConflictTx(ctx, tx, opts)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.conflictRaised(ctx, c)
	return nil
}

type AssignmentReport struct {
	Assigned   []Assignment `json:"assigned"`
	Unassigned []string     `json:"unassigned"`
	Skipped    []string     `json:"skipped"`
}

// AssignReadyTasks auto-assigns every ready task of the project in priority
// order. Tasks without a candidate land in Unassigned, tasks that changed
// underneath the pass land in Skipped.
func (e Engine) AssignReadyTasks(ctx context.Context, projectID string) (AssignmentReport, error) {
	ready, err := e.Repo.ListReadyTasks(ctx, e.projectID(projectID))
	if err != nil {
		return AssignmentReport{}, err
	}
	var rep AssignmentReport
	for _, t := range ready {
		as, err := e.AutoAssign(ctx, t.ID)
		switch {
		case err == nil:
			rep.Assigned = append(rep.Assigned, as)
		case isNotFound(err):
			rep.Unassigned = append(rep.Unassigned, t.ID)
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConcurrency):
			rep.Skipped = append(rep.Skipped, t.ID)
		default:
			return rep, err
		}
	}
	return rep, nil
}

type StartOptions struct {
	GitBranch      string
	BaseCommit     string
	Config         domain.SessionConfig
	TimeoutMinutes int
}

type StartReport struct {
	Session domain.ExecutionSession `json:"session"`
	Task    domain.Task             `json:"task"`
}

// StartTask opens a running session for an assigned task and moves the task
// to in_progress.
func (e Engine) StartTask(ctx context.Context, taskID string, opts StartOptions) (StartReport, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StartReport{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return StartReport{}, err
	}
	if err := ensureStartable(t); err != nil {
		return StartReport{}, err
	}
	a, err := e.Repo.GetAgentTx(ctx, tx, *t.AssignedAgentID)
	if err != nil {
		return StartReport{}, err
	}
	if err := e.ensureNoRunningSession(ctx, tx, t.ID); err != nil {
		return StartReport{}, err
	}
	s, err := e.newSession(t, a, SessionCreateOptions{
		TaskID:         t.ID,
		AgentID:        a.ID,
		GitBranch:      opts.GitBranch,
		BaseCommit:     opts.BaseCommit,
		Config:         opts.Config,
		TimeoutMinutes: opts.TimeoutMinutes,
	})
	if err != nil {
		return StartReport{}, err
	}
	now := e.stamp()
	s.Status = domain.SessionRunning
	s.StartedAt = &now
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return StartReport{}, fmt.Errorf("insert session: %w", err)
	}
	started, err := e.markStartedTx(ctx, tx, &t, s)
	if err != nil {
		return StartReport{}, err
	}
	if err := e.append(ctx, tx,
		e.sessionDraft(s, "session.started", events.EventPayload{"task_id": t.ID, "agent_id": a.ID}),
		started,
	); err != nil {
		return StartReport{}, err
	}
	if err := tx.Commit(); err != nil {
		return StartReport{}, err
	}
	e.Metrics.Transition("session", string(s.Status))
	e.Metrics.Transition("task", string(t.Status))
	return StartReport{Session: s, Task: t}, nil
}

func ensureStartable(t domain.Task) error {
	if t.Status != domain.TaskAssigned || t.AssignedAgentID == nil {
		return domain.NewTransitionError("task", t.ID, t.Status, domain.TaskInProgress)
	}
	if !t.IsReadyToStart() {
		return fmt.Errorf("task %s waits on %d prerequisite(s): %w", t.ID, t.DependencyCount, domain.ErrInvalidTransition)
	}
	return nil
}

// markStartedTx moves an assigned task to in_progress under session s and
// returns the task.started draft for the caller to append.
func (e Engine) markStartedTx(ctx context.Context, tx *sql.Tx, t *domain.Task, s domain.ExecutionSession) (events.Draft, error) {
	now := e.stamp()
	if s.StartedAt != nil {
		now = *s.StartedAt
	}
	t.Status = domain.TaskInProgress
	t.StartedAt = &now
	if err := e.Repo.UpdateTask(ctx, tx, *t, domain.TaskAssigned); err != nil {
		return events.Draft{}, err
	}
	return e.taskDraft(*t, "task.started", events.EventPayload{"session_id": s.ID}), nil
}

// Outcome is what an agent reports when its session ends.
type Outcome struct {
	Success      bool
	FinalCommit  string
	Result       *domain.ExecutionResult
	ErrorMessage string
	Technologies []string
}

type CompletionReport struct {
	Task         domain.Task             `json:"task"`
	Session      domain.ExecutionSession `json:"session"`
	Agent        domain.Agent            `json:"agent"`
	Evaluation   domain.Evaluation       `json:"evaluation"`
	ReadyTaskIDs []string                `json:"ready_task_ids"`
}

// CompleteTask closes a running session and settles everything depending on
// it in one transaction: the task result and status, the dependents it
// unblocks and the agent's work record.
func (e Engine) CompleteTask(ctx context.Context, sessionID string, out Outcome) (CompletionReport, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CompletionReport{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return CompletionReport{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, s.TaskID)
	if err != nil {
		return CompletionReport{}, err
	}
	if t.Status != domain.TaskInProgress {
		to := domain.TaskCompleted
		if !out.Success {
			to = domain.TaskFailed
		}
		return CompletionReport{}, domain.NewTransitionError("task", t.ID, t.Status, to)
	}
	if err := e.finishSessionTx(ctx, tx, &s, SessionOutcome{
		Success:      out.Success,
		FinalCommit:  out.FinalCommit,
		Result:       out.Result,
		ErrorMessage: out.ErrorMessage,
	}); err != nil {
		return CompletionReport{}, err
	}

	res := domain.ExecutionResult{Success: out.Success}
	if out.Result != nil {
		res = *out.Result
		res.Success = out.Success
	}
	if !out.Success && out.ErrorMessage != "" {
		res.Issues = append(append([]string(nil), res.Issues...), out.ErrorMessage)
	}
	eval := scoring.Evaluate(t.AcceptanceCriteria, &res, e.acceptance())
	res.Evaluation = &eval
	passed := out.Success && eval.Passed

	now := e.stamp()
	t.Result = &res
	t.CompletedAt = &now
	t.Status = domain.TaskFailed
	var ready []string
	if passed {
		t.Status = domain.TaskCompleted
		if ready, err = e.releaseDependentsTx(ctx, tx, &t); err != nil {
			return CompletionReport{}, err
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t, domain.TaskInProgress); err != nil {
		return CompletionReport{}, err
	}
	if err := e.append(ctx, tx, e.taskDraft(t, "task."+string(t.Status), events.EventPayload{
		"session_id": s.ID,
		"score":      eval.Score,
		"passed":     eval.Passed,
		"ready":      ready,
	})); err != nil {
		return CompletionReport{}, err
	}

	minutes := 0.0
	if d, ok := s.Duration(); ok {
		minutes = d.Minutes()
	}
	a, err := e.settleAgentTx(ctx, tx, s.AgentID, t.ID, domain.SkillAssessment{
		TaskID:          t.ID,
		Success:         passed,
		QualityScore:    qualityScore(res, eval),
		Technologies:    out.Technologies,
		DurationMinutes: minutes,
		AssessedAt:      now,
	})
	if err != nil {
		return CompletionReport{}, err
	}
	if err := tx.Commit(); err != nil {
		return CompletionReport{}, err
	}

	e.sessionFinished(s)
	e.Metrics.Transition("task", string(t.Status))
	e.notify(ctx, notify.Notification{
		Kind:      notify.KindSessionCompleted,
		ProjectID: t.ProjectID,
		TaskIDs:   []string{t.ID},
		AgentIDs:  []string{a.ID},
		SessionID: s.ID,
		Summary:   fmt.Sprintf("task %q %s (score %.2f)", t.Title, t.Status, eval.Score),
	})
	if len(ready) > 0 {
		e.notify(ctx, notify.Notification{
			Kind:      notify.KindPlanUpdated,
			ProjectID: t.ProjectID,
			TaskIDs:   ready,
			Summary:   fmt.Sprintf("%d task(s) became ready", len(ready)),
		})
	}
	return CompletionReport{Task: t, Session: s, Agent: a, Evaluation: eval, ReadyTaskIDs: ready}, nil
}

// releaseDependentsTx resolves every open outgoing edge of a completed task.
// The task's blocking_count is adjusted in memory; the caller writes it.
func (e Engine) releaseDependentsTx(ctx context.Context, tx *sql.Tx, t *domain.Task) ([]string, error) {
	deps, err := e.Repo.ListDependenciesTx(ctx, tx, repo.DependencyFilters{ParentTaskID: t.ID, UnresolvedOnly: true})
	if err != nil {
		return nil, err
	}
	var ready []string
	for _, d := range deps {
		child, nowReady, changed, err := e.releaseChildTx(ctx, tx, d)
		if err != nil {
			return nil, err
		}
		if !changed || d.Type != domain.DependencyBlocking {
			continue
		}
		if t.BlockingCount > 0 {
			t.BlockingCount--
		}
		if nowReady && child.Status == domain.TaskPending {
			ready = append(ready, child.ID)
		}
	}
	return ready, nil
}

// settleAgentTx records as on the agent and frees it when it was working on
// taskID.
func (e Engine) settleAgentTx(ctx context.Context, tx *sql.Tx, agentID, taskID string, as domain.SkillAssessment) (domain.Agent, error) {
	a, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	from := a.Status
	e.applyWork(&a, as)
	if a.Status == domain.AgentWorking && deref(a.CurrentTaskID) == taskID {
		if _, err := applyAgentStatus(&a, domain.AgentIdle, ""); err != nil {
			return domain.Agent{}, err
		}
	}
	if err := e.Repo.UpdateAgent(ctx, tx, a, from); err != nil {
		return domain.Agent{}, err
	}
	data := workData(as)
	data["from"] = string(from)
	data["to"] = string(a.Status)
	if err := e.append(ctx, tx, e.agentDraft(a, "agent.work_recorded", data)); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// qualityScore prefers the reported overall quality metric and falls back to
// the acceptance score on the 0..10 scale.
func qualityScore(res domain.ExecutionResult, eval domain.Evaluation) float64 {
	if v, ok := res.QualityMetrics["overall"]; ok {
		switch {
		case v < 0:
			return 0
		case v > 10:
			return 10
		}
		return v
	}
	return eval.Score * 10
}

// HandleTimeouts sweeps expired sessions and fails their tasks. The agents
// get a failed assessment and return to idle.
func (e Engine) HandleTimeouts(ctx context.Context, now time.Time) ([]domain.ExecutionSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	swept, err := e.sweepTimeoutsTx(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	at := now.UTC().Format(domain.TimeFormat)
	failed := make([]domain.Task, 0, len(swept))
	for _, s := range swept {
		t, err := e.Repo.GetTaskTx(ctx, tx, s.TaskID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		if t.Status == domain.TaskInProgress || t.Status == domain.TaskAssigned {
			status := t.Status
			t.Status = domain.TaskFailed
			t.CompletedAt = &at
			t.Result = &domain.ExecutionResult{Success: false, Issues: []string{s.ErrorMessage}}
			if err := e.Repo.UpdateTask(ctx, tx, t, status); err != nil {
				return nil, err
			}
			if err := e.append(ctx, tx, e.taskDraft(t, "task.failed", events.EventPayload{"session_id": s.ID, "reason": "timeout"})); err != nil {
				return nil, err
			}
			failed = append(failed, t)
		}
		if _, err := e.settleAgentTx(ctx, tx, s.AgentID, s.TaskID, domain.SkillAssessment{
			TaskID:          s.TaskID,
			Success:         false,
			DurationMinutes: float64(s.TimeoutMinutes),
			AssessedAt:      at,
		}); err != nil && !isNotFound(err) {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.Metrics.TimedOut(len(swept))
	for _, t := range failed {
		e.Metrics.Transition("task", string(t.Status))
	}
	for _, s := range swept {
		e.sessionFinished(s)
		e.notify(ctx, notify.Notification{
			Kind:      notify.KindSessionCompleted,
			ProjectID: s.ProjectID,
			TaskIDs:   []string{s.TaskID},
			AgentIDs:  []string{s.AgentID},
			SessionID: s.ID,
			Summary:   s.ErrorMessage,
		})
	}
	return swept, nil
}

// CancelTask withdraws a task that has not started. An assigned agent is
// released; the task keeps the assignment for the record.
func (e Engine) CancelTask(ctx context.Context, taskID, reason string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskPending && t.Status != domain.TaskAssigned {
		return domain.Task{}, domain.NewTransitionError("task", t.ID, t.Status, domain.TaskCancelled)
	}
	from := t.Status
	now := e.stamp()
	t.Status = domain.TaskCancelled
	t.CompletedAt = &now
	if err := e.Repo.UpdateTask(ctx, tx, t, from); err != nil {
		return domain.Task{}, err
	}
	drafts := []events.Draft{e.taskDraft(t, "task.cancelled", events.EventPayload{"reason": reason})}
	var released []string
	if from == domain.TaskAssigned && t.AssignedAgentID != nil {
		a, err := e.Repo.GetAgentTx(ctx, tx, *t.AssignedAgentID)
		if err != nil && !isNotFound(err) {
			return domain.Task{}, err
		}
		if err == nil && a.Status == domain.AgentWorking && deref(a.CurrentTaskID) == t.ID {
			agentFrom := a.Status
			if _, err := applyAgentStatus(&a, domain.AgentIdle, ""); err != nil {
				return domain.Task{}, err
			}
			a.UpdatedAt = now
			if err := e.Repo.UpdateAgent(ctx, tx, a, agentFrom); err != nil {
				return domain.Task{}, err
			}
			drafts = append(drafts, e.agentDraft(a, "agent.status_changed", events.EventPayload{"from": string(agentFrom), "to": string(a.Status), "task_id": t.ID}))
			released = append(released, a.ID)
		}
	}
	if err := e.append(ctx, tx, drafts...); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Metrics.Transition("task", string(t.Status))
	e.notify(ctx, notify.Notification{
		Kind:      notify.KindPlanUpdated,
		ProjectID: t.ProjectID,
		TaskIDs:   []string{t.ID},
		AgentIDs:  released,
		Summary:   fmt.Sprintf("task %q cancelled", t.Title),
	})
	return t, nil
}
