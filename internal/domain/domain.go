package domain

import "time"

// TimeFormat is the layout of every persisted timestamp.
const TimeFormat = time.RFC3339

type AcceptanceCriterion struct {
	Type        CriterionType `json:"type" enum:"test_pass_rate,test_coverage,code_quality,performance,security,functional,custom"`
	Criterion   string        `json:"criterion"`
	TargetValue float64       `json:"target_value"`
	Weight      float64       `json:"weight"`
}

type TestResults struct {
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	Coverage float64 `json:"coverage"`
}

// Total counts executed and skipped tests.
func (r TestResults) Total() int {
	return r.Passed + r.Failed + r.Skipped
}

type CriterionOutcome struct {
	Type     CriterionType `json:"type"`
	Actual   *float64      `json:"actual,omitempty"`
	Target   float64       `json:"target"`
	Weight   float64       `json:"weight"`
	Credit   float64       `json:"credit"`
	Met      bool          `json:"met"`
	Critical bool          `json:"critical"`
}

type Evaluation struct {
	Score    float64            `json:"score"`
	Passed   bool               `json:"passed"`
	Outcomes []CriterionOutcome `json:"outcomes,omitempty"`
}

type ExecutionResult struct {
	Success        bool               `json:"success"`
	Artifacts      []string           `json:"artifacts,omitempty"`
	Commits        []string           `json:"commits,omitempty"`
	TestResults    *TestResults       `json:"test_results,omitempty"`
	QualityMetrics map[string]float64 `json:"quality_metrics,omitempty"`
	Issues         []string           `json:"issues,omitempty"`
	Solutions      []string           `json:"solutions,omitempty"`
	Evaluation     *Evaluation        `json:"evaluation,omitempty"`
}

type Task struct {
	ID                   string                `json:"id"`
	ProjectID            string                `json:"project_id"`
	ParentTaskID         *string               `json:"parent_task_id,omitempty"`
	PlanningSessionID    *string               `json:"planning_session_id,omitempty"`
	Title                string                `json:"title"`
	Description          string                `json:"description,omitempty"`
	Type                 TaskType              `json:"type" enum:"feature,bugfix,refactor,testing,documentation,research,deployment"`
	Priority             Priority              `json:"priority" enum:"low,medium,high,critical"`
	RequiredCapabilities []Capability          `json:"required_capabilities"`
	AcceptanceCriteria   []AcceptanceCriterion `json:"acceptance_criteria,omitempty"`
	EstimatedEffortHours float64               `json:"estimated_effort_hours"`
	AssignedAgentID      *string               `json:"assigned_agent_id,omitempty"`
	Status               TaskStatus            `json:"status" enum:"pending,assigned,in_progress,completed,failed,cancelled"`
	CreatedAt            string                `json:"created_at" format:"date-time"`
	AssignedAt           *string               `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt            *string               `json:"started_at,omitempty" format:"date-time"`
	CompletedAt          *string               `json:"completed_at,omitempty" format:"date-time"`
	DependencyCount      int                   `json:"dependency_count"`
	BlockingCount        int                   `json:"blocking_count"`
	Result               *ExecutionResult      `json:"result,omitempty"`
}

// IsReadyToStart reports whether every blocking prerequisite is resolved.
func (t Task) IsReadyToStart() bool {
	return t.DependencyCount == 0
}

type TaskDependency struct {
	ID           string         `json:"id"`
	ParentTaskID string         `json:"parent_task_id"`
	ChildTaskID  string         `json:"child_task_id"`
	Type         DependencyType `json:"type" enum:"blocking,soft,resource"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	ResolvedAt   *string        `json:"resolved_at,omitempty" format:"date-time"`
}

func (d TaskDependency) Resolved() bool {
	return d.ResolvedAt != nil
}

type AgentConfig struct {
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	MemoryLimitMB      int               `json:"memory_limit_mb"`
	CPULimit           float64           `json:"cpu_limit"`
	TimeoutMinutes     int               `json:"timeout_minutes"`
	CustomSettings     map[string]string `json:"custom_settings,omitempty"`
}

type AgentStats struct {
	TasksCompleted       int     `json:"tasks_completed"`
	TasksSucceeded       int     `json:"tasks_succeeded"`
	SuccessRate          float64 `json:"success_rate"`
	AvgCompletionMinutes float64 `json:"avg_completion_minutes"`
}

type SkillProfile struct {
	Levels      map[Capability]int `json:"levels,omitempty"`
	Specialties []string           `json:"specialties,omitempty"`
}

type SkillAssessment struct {
	TaskID          string   `json:"task_id"`
	Success         bool     `json:"success"`
	QualityScore    float64  `json:"quality_score"`
	Technologies    []string `json:"technologies,omitempty"`
	DurationMinutes float64  `json:"duration_minutes"`
	AssessedAt      string   `json:"assessed_at" format:"date-time"`
}

type Agent struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Name             string            `json:"name"`
	Capabilities     []Capability      `json:"capabilities"`
	Config           AgentConfig       `json:"config"`
	Status           AgentStatus       `json:"status" enum:"idle,working,paused,error,offline"`
	CurrentTaskID    *string           `json:"current_task_id,omitempty"`
	Stats            AgentStats        `json:"stats"`
	SkillProfile     SkillProfile      `json:"skill_profile"`
	Assessments      []SkillAssessment `json:"assessments,omitempty"`
	PerformanceTrend Trend             `json:"performance_trend" enum:"improving,stable,declining"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	UpdatedAt        string            `json:"updated_at" format:"date-time"`
}

// HasCapability reports whether the agent advertises c.
func (a Agent) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Covers reports whether the agent holds every capability in required.
func (a Agent) Covers(required []Capability) bool {
	for _, c := range required {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

type SessionConfig struct {
	MaxRetries  int               `json:"max_retries"`
	Environment map[string]string `json:"environment,omitempty"`
	Tools       []string          `json:"tools,omitempty"`
}

type ExecutionSession struct {
	ID             string           `json:"id"`
	TaskID         string           `json:"task_id"`
	AgentID        string           `json:"agent_id"`
	ProjectID      string           `json:"project_id"`
	GitBranch      string           `json:"git_branch,omitempty"`
	BaseCommit     string           `json:"base_commit,omitempty"`
	FinalCommit    *string          `json:"final_commit,omitempty"`
	Config         SessionConfig    `json:"config"`
	TimeoutMinutes int              `json:"timeout_minutes"`
	Status         SessionStatus    `json:"status" enum:"pending,running,completed,failed,timeout"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
	StartedAt      *string          `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string          `json:"completed_at,omitempty" format:"date-time"`
	Success        bool             `json:"success"`
	Result         *ExecutionResult `json:"result,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
}

// Duration is the wall time between start and completion. ok is false until
// both timestamps are recorded.
func (s ExecutionSession) Duration() (d time.Duration, ok bool) {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0, false
	}
	start, err := time.Parse(TimeFormat, *s.StartedAt)
	if err != nil {
		return 0, false
	}
	end, err := time.Parse(TimeFormat, *s.CompletedAt)
	if err != nil {
		return 0, false
	}
	return end.Sub(start), true
}

// Deadline is the instant the session exceeds its timeout budget.
func (s ExecutionSession) Deadline() (time.Time, bool) {
	if s.StartedAt == nil {
		return time.Time{}, false
	}
	start, err := time.Parse(TimeFormat, *s.StartedAt)
	if err != nil {
		return time.Time{}, false
	}
	return start.Add(time.Duration(s.TimeoutMinutes) * time.Minute), true
}

type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type Conflict struct {
	ID                 string         `json:"id"`
	ProjectID          string         `json:"project_id"`
	Type               ConflictType   `json:"type" enum:"dependency_cycle,resource_contention,merge_conflict,capability_gap,timeline_overlap"`
	Severity           Severity       `json:"severity" enum:"low,medium,high,critical"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	RelatedEntities    []EntityRef    `json:"related_entities,omitempty"`
	AffectedTaskIDs    []string       `json:"affected_task_ids,omitempty"`
	AffectedAgentIDs   []string       `json:"affected_agent_ids,omitempty"`
	Status             ConflictStatus `json:"status" enum:"detected,analyzing,escalated,resolving,resolved,ignored"`
	Escalated          bool           `json:"escalated"`
	Assignee           *string        `json:"assignee,omitempty"`
	ResolutionStrategy string         `json:"resolution_strategy,omitempty"`
	ResolutionNote     string         `json:"resolution_note,omitempty"`
	AutoResolved       bool           `json:"auto_resolved"`
	DetectedAt         string         `json:"detected_at" format:"date-time"`
	EscalatedAt        *string        `json:"escalated_at,omitempty" format:"date-time"`
	ResolvedAt         *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type HumanDecision struct {
	ID               string         `json:"id"`
	ConflictID       string         `json:"conflict_id"`
	DecisionType     DecisionType   `json:"decision_type" enum:"approve,reject,modify,escalate"`
	Payload          map[string]any `json:"payload,omitempty"`
	Reasoning        string         `json:"reasoning,omitempty"`
	AffectedEntities []EntityRef    `json:"affected_entities,omitempty"`
	FollowUpActions  []string       `json:"follow_up_actions,omitempty"`
	DecidedBy        string         `json:"decided_by"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

type DomainEvent struct {
	Seq           int64         `json:"seq"`
	ID            string        `json:"id"`
	AggregateType AggregateType `json:"aggregate_type" enum:"task,agent,execution_session,conflict"`
	AggregateID   string        `json:"aggregate_id"`
	EventType     string        `json:"event_type"`
	Payload       string        `json:"payload_json"`
	Version       int           `json:"version"`
	OccurredAt    string        `json:"occurred_at" format:"date-time"`
}
