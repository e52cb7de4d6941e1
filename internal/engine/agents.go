package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/repo"
	"fleetline/internal/scoring"
)

type AgentRegisterOptions struct {
	ID           string
	UserID       string
	Name         string
	Capabilities []domain.Capability
	Config       domain.AgentConfig
	SkillLevels  map[domain.Capability]int
	Specialties  []string
}

func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Agent{}, domain.Invalid("name", "is required")
	}
	caps, err := e.capabilitySet("capabilities", opts.Capabilities)
	if err != nil {
		return domain.Agent{}, err
	}
	if len(caps) == 0 {
		return domain.Agent{}, domain.Invalid("capabilities", "at least one capability is required")
	}
	var levels map[domain.Capability]int
	for c, lvl := range opts.SkillLevels {
		if !e.cfg().HasCapability(c) {
			return domain.Agent{}, domain.Invalid("skill_levels", "capability %q is not in the configured taxonomy", c)
		}
		if lvl < 0 || lvl > 10 {
			return domain.Agent{}, domain.Invalid("skill_levels", "level for %s must be within 0..10, got %d", c, lvl)
		}
		if levels == nil {
			levels = map[domain.Capability]int{}
		}
		levels[c] = lvl
	}
	cfg := opts.Config
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.TimeoutMinutes < 0 || cfg.MemoryLimitMB < 0 || cfg.CPULimit < 0 {
		return domain.Agent{}, domain.Invalid("config", "limits must not be negative")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	a := domain.Agent{
		ID:               id,
		UserID:           opts.UserID,
		Name:             name,
		Capabilities:     caps,
		Config:           cfg,
		Status:           domain.AgentIdle,
		SkillProfile:     domain.SkillProfile{Levels: levels, Specialties: opts.Specialties},
		PerformanceTrend: domain.TrendStable,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.append(ctx, tx, e.agentDraft(a, "agent.registered", events.EventPayload{"name": a.Name})); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// ensureAgentTransition reports whether from -> to is allowed. noop is true
// for a repeated resting status.
func ensureAgentTransition(a domain.Agent, to domain.AgentStatus) (noop bool, err error) {
	from := a.Status
	if from == to {
		switch to {
		case domain.AgentIdle, domain.AgentPaused, domain.AgentOffline, domain.AgentError:
			return true, nil
		}
	}
	switch from {
	case domain.AgentIdle:
		if to == domain.AgentWorking || to == domain.AgentPaused || to == domain.AgentOffline || to == domain.AgentError {
			return false, nil
		}
	case domain.AgentWorking:
		if to == domain.AgentIdle || to == domain.AgentError || to == domain.AgentOffline {
			return false, nil
		}
	case domain.AgentPaused:
		if to == domain.AgentIdle || to == domain.AgentOffline || to == domain.AgentError {
			return false, nil
		}
	case domain.AgentError:
		if to == domain.AgentIdle || to == domain.AgentOffline {
			return false, nil
		}
	case domain.AgentOffline:
		if to == domain.AgentIdle || to == domain.AgentError {
			return false, nil
		}
	}
	return false, domain.NewTransitionError("agent", a.ID, from, to)
}

// applyAgentStatus moves a in memory. Entering working binds taskID, every
// other status clears the current task.
func applyAgentStatus(a *domain.Agent, to domain.AgentStatus, taskID string) (bool, error) {
	if _, err := domain.ParseAgentStatus(string(to)); err != nil {
		return false, err
	}
	noop, err := ensureAgentTransition(*a, to)
	if err != nil || noop {
		return false, err
	}
	if to == domain.AgentWorking {
		if taskID == "" {
			return false, domain.Invalid("task_id", "is required when an agent starts working")
		}
		a.CurrentTaskID = &taskID
	} else {
		a.CurrentTaskID = nil
	}
	a.Status = to
	return true, nil
}

func (e Engine) TransitionAgent(ctx context.Context, id string, to domain.AgentStatus, taskID string) (domain.Agent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgentTx(ctx, tx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	from := a.Status
	if from == domain.AgentWorking && to != domain.AgentWorking {
		if err := e.ensureTaskReleased(ctx, tx, a); err != nil {
			return domain.Agent{}, err
		}
	}
	changed, err := applyAgentStatus(&a, to, taskID)
	if err != nil || !changed {
		return a, err
	}
	a.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateAgent(ctx, tx, a, from); err != nil {
		return domain.Agent{}, err
	}
	if err := e.append(ctx, tx, e.agentDraft(a, "agent.status_changed", events.EventPayload{"from": string(from), "to": string(to), "task_id": taskID})); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.Metrics.Transition("agent", string(to))
	return a, nil
}

// ensureTaskReleased refuses to take a working agent off a task that is still
// assigned to it or in progress. Cancelling, completing or timing out the task
// settles the agent instead.
func (e Engine) ensureTaskReleased(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	if a.CurrentTaskID == nil {
		return nil
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, *a.CurrentTaskID)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.Status != domain.TaskAssigned && t.Status != domain.TaskInProgress {
		return nil
	}
	if t.AssignedAgentID == nil || *t.AssignedAgentID != a.ID {
		return nil
	}
	return fmt.Errorf("agent %s still holds %s task %s; cancel or complete it first: %w", a.ID, t.Status, t.ID, domain.ErrInvalidTransition)
}

// RetireAgent takes an agent out of the pool. History is kept.
func (e Engine) RetireAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	if a.Status == domain.AgentWorking {
		return domain.Agent{}, fmt.Errorf("agent %s is working on %s: %w", a.ID, deref(a.CurrentTaskID), domain.ErrInvalidTransition)
	}
	return e.TransitionAgent(ctx, id, domain.AgentOffline, "")
}

// RecordWork folds one assessment into the agent's statistics.
func (e Engine) RecordWork(ctx context.Context, id string, as domain.SkillAssessment) (domain.Agent, error) {
	if err := validateAssessment(as); err != nil {
		return domain.Agent{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAgentTx(ctx, tx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	status := a.Status
	e.applyWork(&a, as)
	if err := e.Repo.UpdateAgent(ctx, tx, a, status); err != nil {
		return domain.Agent{}, err
	}
	if err := e.append(ctx, tx, e.agentDraft(a, "agent.work_recorded", workData(as))); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func validateAssessment(as domain.SkillAssessment) error {
	if as.QualityScore < 0 || as.QualityScore > 10 {
		return domain.Invalid("quality_score", "must be within 0..10")
	}
	if as.DurationMinutes < 0 {
		return domain.Invalid("duration_minutes", "must not be negative")
	}
	return nil
}

func (e Engine) applyWork(a *domain.Agent, as domain.SkillAssessment) {
	if as.AssessedAt == "" {
		as.AssessedAt = e.stamp()
	}
	n := a.Stats.TasksCompleted + 1
	a.Stats.SuccessRate = scoring.SuccessRate(a.Stats.SuccessRate, n, as.Success)
	a.Stats.AvgCompletionMinutes = scoring.RollingAverage(a.Stats.AvgCompletionMinutes, n, as.DurationMinutes)
	a.Stats.TasksCompleted = n
	if as.Success {
		a.Stats.TasksSucceeded++
	}
	a.Assessments = scoring.TrimHistory(append(a.Assessments, as), e.cfg().Agents.AssessmentWindow)
	a.PerformanceTrend = scoring.PerformanceTrend(a.Assessments, e.trendWindows())
	a.UpdatedAt = e.stamp()
}

func workData(as domain.SkillAssessment) events.EventPayload {
	return events.EventPayload{
		"task_id":          as.TaskID,
		"success":          as.Success,
		"quality_score":    as.QualityScore,
		"duration_minutes": as.DurationMinutes,
	}
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return e.Repo.GetAgent(ctx, id)
}

func (e Engine) ListAgents(ctx context.Context, f repo.AgentFilters) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, f)
}

// MatchScore rates how well a stored agent fits required.
func (e Engine) MatchScore(ctx context.Context, agentID string, required []domain.Capability) (float64, error) {
	a, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return scoring.MatchScore(a, required), nil
}

// SelectBestAgent picks the strongest idle agent covering required.
func (e Engine) SelectBestAgent(ctx context.Context, required []domain.Capability) (scoring.Candidate, error) {
	agents, err := e.Repo.ListAgents(ctx, repo.AgentFilters{Status: domain.AgentIdle})
	if err != nil {
		return scoring.Candidate{}, err
	}
	return bestCandidate(agents, required)
}

func (e Engine) selectBestAgentTx(ctx context.Context, tx *sql.Tx, required []domain.Capability) (scoring.Candidate, error) {
	agents, err := e.Repo.ListAgentsTx(ctx, tx, repo.AgentFilters{Status: domain.AgentIdle})
	if err != nil {
		return scoring.Candidate{}, err
	}
	return bestCandidate(agents, required)
}

func bestCandidate(agents []domain.Agent, required []domain.Capability) (scoring.Candidate, error) {
	ranked := scoring.RankCandidates(agents, required)
	if len(ranked) == 0 {
		return scoring.Candidate{}, fmt.Errorf("no idle agent covers %s: %w", capList(required), domain.ErrNotFound)
	}
	return ranked[0], nil
}

func capList(caps []domain.Capability) string {
	if len(caps) == 0 {
		return "[]"
	}
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return "[" + strings.Join(names, ",") + "]"
}
