package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/repo"
)

type SessionCreateOptions struct {
	ID             string
	TaskID         string
	AgentID        string
	GitBranch      string
	BaseCommit     string
	Config         domain.SessionConfig
	TimeoutMinutes int
}

func (e Engine) CreateSession(ctx context.Context, opts SessionCreateOptions) (domain.ExecutionSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	a, err := e.Repo.GetAgentTx(ctx, tx, opts.AgentID)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := ensureSessionTarget(t, a.ID); err != nil {
		return domain.ExecutionSession{}, err
	}
	s, err := e.newSession(t, a, opts)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.ExecutionSession{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.append(ctx, tx, e.sessionDraft(s, "session.created", events.EventPayload{"task_id": s.TaskID, "agent_id": s.AgentID})); err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExecutionSession{}, err
	}
	return s, nil
}

// newSession builds a pending session. The timeout budget falls back from the
// options to the agent's own limit and then to the configured default.
func (e Engine) newSession(t domain.Task, a domain.Agent, opts SessionCreateOptions) (domain.ExecutionSession, error) {
	if opts.TimeoutMinutes < 0 {
		return domain.ExecutionSession{}, domain.Invalid("timeout_minutes", "must not be negative")
	}
	if opts.Config.MaxRetries < 0 {
		return domain.ExecutionSession{}, domain.Invalid("config.max_retries", "must not be negative")
	}
	timeout := opts.TimeoutMinutes
	if timeout == 0 {
		timeout = a.Config.TimeoutMinutes
	}
	if timeout == 0 {
		timeout = e.cfg().Sessions.TimeoutMinutes
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return domain.ExecutionSession{
		ID:             id,
		TaskID:         t.ID,
		AgentID:        a.ID,
		ProjectID:      t.ProjectID,
		GitBranch:      opts.GitBranch,
		BaseCommit:     opts.BaseCommit,
		Config:         opts.Config,
		TimeoutMinutes: timeout,
		Status:         domain.SessionPending,
		CreatedAt:      e.stamp(),
	}, nil
}

func (e Engine) StartSession(ctx context.Context, id string) (domain.ExecutionSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, id)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	if s.Status != domain.SessionPending {
		return domain.ExecutionSession{}, domain.NewTransitionError("session", s.ID, s.Status, domain.SessionRunning)
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, s.TaskID)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := ensureSessionTarget(t, s.AgentID); err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := e.ensureNoRunningSession(ctx, tx, s.TaskID); err != nil {
		return domain.ExecutionSession{}, err
	}
	now := e.stamp()
	s.Status = domain.SessionRunning
	s.StartedAt = &now
	if err := e.Repo.UpdateSession(ctx, tx, s, domain.SessionPending); err != nil {
		return domain.ExecutionSession{}, err
	}
	drafts := []events.Draft{e.sessionDraft(s, "session.started", events.EventPayload{"task_id": t.ID, "agent_id": s.AgentID})}
	moved := t.Status == domain.TaskAssigned
	if moved {
		started, err := e.markStartedTx(ctx, tx, &t, s)
		if err != nil {
			return domain.ExecutionSession{}, err
		}
		drafts = append(drafts, started)
	}
	if err := e.append(ctx, tx, drafts...); err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExecutionSession{}, err
	}
	e.Metrics.Transition("session", string(s.Status))
	if moved {
		e.Metrics.Transition("task", string(t.Status))
	}
	return s, nil
}

// ensureSessionTarget checks that agentID may run a session against t. The
// task must belong to that agent, be assigned or already in progress (a
// retry after a failed session), and have no open prerequisites.
func ensureSessionTarget(t domain.Task, agentID string) error {
	if t.Status != domain.TaskAssigned && t.Status != domain.TaskInProgress {
		return domain.NewTransitionError("task", t.ID, t.Status, domain.TaskInProgress)
	}
	if t.AssignedAgentID == nil || *t.AssignedAgentID != agentID {
		return domain.Invalid("agent_id", "task %s is not assigned to agent %s", t.ID, agentID)
	}
	if !t.IsReadyToStart() {
		return fmt.Errorf("task %s waits on %d prerequisite(s): %w", t.ID, t.DependencyCount, domain.ErrInvalidTransition)
	}
	return nil
}

func (e Engine) ensureNoRunningSession(ctx context.Context, tx *sql.Tx, taskID string) error {
	running, err := e.Repo.ListSessionsTx(ctx, tx, repo.SessionFilters{TaskID: taskID, Status: domain.SessionRunning, Limit: 1})
	if err != nil {
		return err
	}
	if len(running) > 0 {
		return fmt.Errorf("task %s already has running session %s: %w", taskID, running[0].ID, domain.ErrInvalidTransition)
	}
	return nil
}

// SessionOutcome is what an agent reports when its work unit ends.
type SessionOutcome struct {
	Success      bool
	FinalCommit  string
	Result       *domain.ExecutionResult
	ErrorMessage string
}

func (e Engine) CompleteSession(ctx context.Context, id string, out SessionOutcome) (domain.ExecutionSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, id)
	if err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := e.finishSessionTx(ctx, tx, &s, out); err != nil {
		return domain.ExecutionSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExecutionSession{}, err
	}
	e.sessionFinished(s)
	return s, nil
}

func (e Engine) finishSessionTx(ctx context.Context, tx *sql.Tx, s *domain.ExecutionSession, out SessionOutcome) error {
	to := domain.SessionCompleted
	if !out.Success {
		to = domain.SessionFailed
	}
	if s.Status != domain.SessionRunning {
		return domain.NewTransitionError("session", s.ID, s.Status, to)
	}
	now := e.stamp()
	s.Status = to
	s.Success = out.Success
	s.CompletedAt = &now
	s.FinalCommit = optionalString(out.FinalCommit)
	s.Result = out.Result
	s.ErrorMessage = out.ErrorMessage
	if err := e.Repo.UpdateSession(ctx, tx, *s, domain.SessionRunning); err != nil {
		return err
	}
	return e.append(ctx, tx, e.sessionDraft(*s, "session."+string(to), events.EventPayload{"success": s.Success}))
}

func (e Engine) sessionFinished(s domain.ExecutionSession) {
	e.Metrics.Transition("session", string(s.Status))
	if d, ok := s.Duration(); ok {
		e.Metrics.SessionFinished(string(s.Status), d)
	}
}

func timeoutMessage(minutes int) string {
	return fmt.Sprintf("execution exceeded timeout budget of %d minutes", minutes)
}

// SweepTimeouts moves every running session whose budget has elapsed at now
// to timeout. Sessions already swept are no longer running, so repeating the
// sweep changes nothing.
func (e Engine) SweepTimeouts(ctx context.Context, now time.Time) ([]domain.ExecutionSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	swept, err := e.sweepTimeoutsTx(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, s := range swept {
		e.sessionFinished(s)
	}
	e.Metrics.TimedOut(len(swept))
	return swept, nil
}

func (e Engine) sweepTimeoutsTx(ctx context.Context, tx *sql.Tx, now time.Time) ([]domain.ExecutionSession, error) {
	running, err := e.Repo.ListSessionsTx(ctx, tx, repo.SessionFilters{Status: domain.SessionRunning})
	if err != nil {
		return nil, err
	}
	at := now.UTC().Format(domain.TimeFormat)
	var swept []domain.ExecutionSession
	for _, s := range running {
		deadline, ok := s.Deadline()
		if !ok || now.Before(deadline) {
			continue
		}
		s.Status = domain.SessionTimeout
		s.Success = false
		s.CompletedAt = &at
		s.ErrorMessage = timeoutMessage(s.TimeoutMinutes)
		if err := e.Repo.UpdateSession(ctx, tx, s, domain.SessionRunning); err != nil {
			return nil, err
		}
		if err := e.append(ctx, tx, e.sessionDraft(s, "session.timed_out", events.EventPayload{"timeout_minutes": s.TimeoutMinutes})); err != nil {
			return nil, err
		}
		e.logger().Printf("[sweep.timeout] session=%s task=%s agent=%s budget=%dm", s.ID, s.TaskID, s.AgentID, s.TimeoutMinutes)
		swept = append(swept, s)
	}
	return swept, nil
}

func (e Engine) GetSession(ctx context.Context, id string) (domain.ExecutionSession, error) {
	return e.Repo.GetSession(ctx, id)
}

func (e Engine) ListSessions(ctx context.Context, f repo.SessionFilters) ([]domain.ExecutionSession, error) {
	return e.Repo.ListSessions(ctx, f)
}
