package server

import (
	"strings"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ID                   *string                      `json:"id,omitempty"`
	ParentTaskID         *string                      `json:"parent_task_id,omitempty"`
	PlanningSessionID    *string                      `json:"planning_session_id,omitempty"`
	Title                string                       `json:"title"`
	Description          *string                      `json:"description,omitempty"`
	Type                 string                       `json:"type,omitempty" enum:"feature,bugfix,refactor,testing,documentation,research,deployment"`
	Priority             string                       `json:"priority,omitempty" enum:"low,medium,high,critical"`
	RequiredCapabilities []string                     `json:"required_capabilities,omitempty"`
	AcceptanceCriteria   []domain.AcceptanceCriterion `json:"acceptance_criteria,omitempty"`
	EstimatedEffortHours float64                      `json:"estimated_effort_hours,omitempty"`
}

type SubtaskRequest struct {
	CreateTaskRequest
	// DependsOn holds indexes of earlier siblings in the same request.
	DependsOn []int `json:"depends_on,omitempty"`
}

type DecomposeRequest struct {
	Subtasks []SubtaskRequest `json:"subtasks" minItems:"1"`
}

type AttachDependencyRequest struct {
	ParentTaskID string `json:"parent_task_id"`
	Type         string `json:"type,omitempty" enum:"blocking,soft,resource"`
}

type EvaluateRequest struct {
	Result *domain.ExecutionResult `json:"result,omitempty"`
}

type AssignRequest struct {
	// AgentID is optional; when empty the best matching idle agent is chosen.
	AgentID string `json:"agent_id,omitempty"`
}

type StartTaskRequest struct {
	GitBranch      string               `json:"git_branch,omitempty"`
	BaseCommit     string               `json:"base_commit,omitempty"`
	Config         domain.SessionConfig `json:"config,omitempty"`
	TimeoutMinutes int                  `json:"timeout_minutes,omitempty"`
}

type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RegisterAgentRequest struct {
	ID           *string            `json:"id,omitempty"`
	UserID       string             `json:"user_id"`
	Name         string             `json:"name"`
	Capabilities []string           `json:"capabilities"`
	Config       domain.AgentConfig `json:"config,omitempty"`
	SkillLevels  map[string]int     `json:"skill_levels,omitempty"`
	Specialties  []string           `json:"specialties,omitempty"`
}

type AgentStatusRequest struct {
	Status string `json:"status" enum:"idle,working,paused,error,offline"`
	TaskID string `json:"task_id,omitempty"`
}

type WorkRequest struct {
	TaskID          string   `json:"task_id"`
	Success         bool     `json:"success"`
	QualityScore    float64  `json:"quality_score"`
	Technologies    []string `json:"technologies,omitempty"`
	DurationMinutes float64  `json:"duration_minutes"`
}

type SelectAgentRequest struct {
	Capabilities []string `json:"capabilities"`
}

type CreateSessionRequest struct {
	ID             *string              `json:"id,omitempty"`
	TaskID         string               `json:"task_id"`
	AgentID        string               `json:"agent_id"`
	GitBranch      string               `json:"git_branch,omitempty"`
	BaseCommit     string               `json:"base_commit,omitempty"`
	Config         domain.SessionConfig `json:"config,omitempty"`
	TimeoutMinutes int                  `json:"timeout_minutes,omitempty"`
}

type CompleteSessionRequest struct {
	Success      bool                    `json:"success"`
	FinalCommit  string                  `json:"final_commit,omitempty"`
	Result       *domain.ExecutionResult `json:"result,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	Technologies []string                `json:"technologies,omitempty"`
}

type MergeConflictRequest struct {
	Files []string `json:"files" minItems:"1"`
}

type CreateConflictRequest struct {
	ID               *string            `json:"id,omitempty"`
	Type             string             `json:"type" enum:"dependency_cycle,resource_contention,merge_conflict,capability_gap,timeline_overlap"`
	Severity         string             `json:"severity,omitempty" enum:"low,medium,high,critical"`
	Title            string             `json:"title,omitempty"`
	Description      string             `json:"description,omitempty"`
	RelatedEntities  []domain.EntityRef `json:"related_entities,omitempty"`
	AffectedTaskIDs  []string           `json:"affected_task_ids,omitempty"`
	AffectedAgentIDs []string           `json:"affected_agent_ids,omitempty"`
}

type EscalateRequest struct {
	Assignee string `json:"assignee,omitempty"`
}

type ResolveConflictRequest struct {
	Strategy string `json:"strategy"`
	Note     string `json:"note,omitempty"`
	Auto     bool   `json:"auto,omitempty"`
}

type IgnoreConflictRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DecisionRequest struct {
	DecisionType     string             `json:"decision_type" enum:"approve,reject,modify,escalate"`
	Payload          map[string]any     `json:"payload,omitempty"`
	Reasoning        string             `json:"reasoning,omitempty"`
	AffectedEntities []domain.EntityRef `json:"affected_entities,omitempty"`
	FollowUpActions  []string           `json:"follow_up_actions,omitempty"`
	// DecidedBy defaults to the token subject.
	DecidedBy string `json:"decided_by,omitempty"`
}

type PurgeRequest struct {
	Before string `json:"before" format:"date-time"`
}

type SweepRequest struct {
	// Now overrides the sweep instant; the server clock is used when empty.
	Now string `json:"now,omitempty" format:"date-time"`
}

// Response payloads

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedAgents struct {
	Items      []domain.Agent `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedSessions struct {
	Items      []domain.ExecutionSession `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

type paginatedConflicts struct {
	Items      []domain.Conflict `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.DomainEvent `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type ResolveDependencyResponse struct {
	Task    domain.Task `json:"task"`
	Changed bool        `json:"changed"`
}

type MatchResponse struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
}

type SweepResponse struct {
	TimedOut []domain.ExecutionSession `json:"timed_out"`
}

type PurgeResponse struct {
	Purged []string `json:"purged"`
}

func (r CreateTaskRequest) options(projectID string) (engine.TaskCreateOptions, error) {
	opts := engine.TaskCreateOptions{
		ProjectID:            projectID,
		ID:                   deref(r.ID),
		ParentTaskID:         deref(r.ParentTaskID),
		PlanningSessionID:    deref(r.PlanningSessionID),
		Title:                r.Title,
		Description:          deref(r.Description),
		AcceptanceCriteria:   r.AcceptanceCriteria,
		EstimatedEffortHours: r.EstimatedEffortHours,
	}
	if r.Type != "" {
		t, err := domain.ParseTaskType(r.Type)
		if err != nil {
			return opts, err
		}
		opts.Type = t
	}
	if r.Priority != "" {
		p, err := domain.ParsePriority(r.Priority)
		if err != nil {
			return opts, err
		}
		opts.Priority = p
	}
	opts.RequiredCapabilities = capabilities(r.RequiredCapabilities)
	return opts, nil
}

// Capability names are checked against the configured taxonomy by the engine.
func (r RegisterAgentRequest) options() engine.AgentRegisterOptions {
	opts := engine.AgentRegisterOptions{
		ID:           deref(r.ID),
		UserID:       r.UserID,
		Name:         r.Name,
		Capabilities: capabilities(r.Capabilities),
		Config:       r.Config,
		Specialties:  r.Specialties,
	}
	if len(r.SkillLevels) > 0 {
		opts.SkillLevels = make(map[domain.Capability]int, len(r.SkillLevels))
		for k, v := range r.SkillLevels {
			opts.SkillLevels[domain.Capability(strings.TrimSpace(k))] = v
		}
	}
	return opts
}

func (r CreateConflictRequest) options(projectID string) (engine.ConflictOptions, error) {
	opts := engine.ConflictOptions{
		ID:               deref(r.ID),
		ProjectID:        projectID,
		Title:            r.Title,
		Description:      r.Description,
		RelatedEntities:  r.RelatedEntities,
		AffectedTaskIDs:  r.AffectedTaskIDs,
		AffectedAgentIDs: r.AffectedAgentIDs,
	}
	t, err := domain.ParseConflictType(r.Type)
	if err != nil {
		return opts, err
	}
	opts.Type = t
	if r.Severity != "" {
		s, err := domain.ParseSeverity(r.Severity)
		if err != nil {
			return opts, err
		}
		opts.Severity = s
	}
	return opts, nil
}

func capabilities(in []string) []domain.Capability {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Capability, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, domain.Capability(s))
		}
	}
	return out
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
