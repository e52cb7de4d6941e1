package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/notify"
	"fleetline/internal/repo"
)

type ConflictOptions struct {
	ID               string
	ProjectID        string
	Type             domain.ConflictType
	Severity         domain.Severity
	Title            string
	Description      string
	RelatedEntities  []domain.EntityRef
	AffectedTaskIDs  []string
	AffectedAgentIDs []string
}

func (e Engine) DetectConflict(ctx context.Context, opts ConflictOptions) (domain.Conflict, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conflict{}, err
	}
	defer tx.Rollback()

	c, err := e.detectConflictTx(ctx, tx, opts)
	if err != nil {
		return domain.Conflict{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Conflict{}, err
	}
	e.conflictRaised(ctx, c)
	return c, nil
}

func (e Engine) detectConflictTx(ctx context.Context, tx *sql.Tx, opts ConflictOptions) (domain.Conflict, error) {
	if _, err := domain.ParseConflictType(string(opts.Type)); err != nil {
		return domain.Conflict{}, err
	}
	severity := opts.Severity
	if severity == "" {
		severity = domain.SeverityMedium
	} else if _, err := domain.ParseSeverity(string(severity)); err != nil {
		return domain.Conflict{}, err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = strings.ReplaceAll(string(opts.Type), "_", " ")
	}
	project := e.projectID(opts.ProjectID)
	if project == "" {
		return domain.Conflict{}, domain.Invalid("project_id", "is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := domain.Conflict{
		ID:               id,
		ProjectID:        project,
		Type:             opts.Type,
		Severity:         severity,
		Title:            title,
		Description:      opts.Description,
		RelatedEntities:  opts.RelatedEntities,
		AffectedTaskIDs:  dedupe(opts.AffectedTaskIDs),
		AffectedAgentIDs: dedupe(opts.AffectedAgentIDs),
		Status:           domain.ConflictDetected,
		DetectedAt:       e.stamp(),
	}
	if err := e.Repo.InsertConflict(ctx, tx, c); err != nil {
		return domain.Conflict{}, fmt.Errorf("insert conflict: %w", err)
	}
	if err := e.append(ctx, tx, e.conflictDraft(c, "conflict.detected", events.EventPayload{"type": string(c.Type), "severity": string(c.Severity)})); err != nil {
		return domain.Conflict{}, err
	}
	return c, nil
}

func (e Engine) conflictRaised(ctx context.Context, c domain.Conflict) {
	e.Metrics.ConflictRaised(string(c.Type), string(c.Severity))
	e.notify(ctx, notify.Notification{
		Kind:       notify.KindConflictRaised,
		ProjectID:  c.ProjectID,
		TaskIDs:    c.AffectedTaskIDs,
		AgentIDs:   c.AffectedAgentIDs,
		ConflictID: c.ID,
		Summary:    fmt.Sprintf("%s conflict (%s): %s", c.Type, c.Severity, c.Title),
	})
}

func ensureConflictTransition(c domain.Conflict, to domain.ConflictStatus) error {
	from := c.Status
	switch from {
	case domain.ConflictDetected:
		switch to {
		case domain.ConflictAnalyzing, domain.ConflictEscalated, domain.ConflictResolved, domain.ConflictIgnored:
			return nil
		}
	case domain.ConflictAnalyzing:
		switch to {
		case domain.ConflictEscalated, domain.ConflictResolving, domain.ConflictResolved, domain.ConflictIgnored:
			return nil
		}
	case domain.ConflictEscalated:
		switch to {
		case domain.ConflictResolving, domain.ConflictResolved, domain.ConflictIgnored:
			return nil
		}
	case domain.ConflictResolving:
		switch to {
		case domain.ConflictResolved, domain.ConflictIgnored:
			return nil
		}
	}
	return domain.NewTransitionError("conflict", c.ID, from, to)
}

// moveConflict runs one lifecycle step: load, check, mutate, write, record.
func (e Engine) moveConflict(ctx context.Context, id string, to domain.ConflictStatus, eventType string, mutate func(*domain.Conflict, string), data events.EventPayload) (domain.Conflict, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conflict{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetConflictTx(ctx, tx, id)
	if err != nil {
		return domain.Conflict{}, err
	}
	if err := ensureConflictTransition(c, to); err != nil {
		return domain.Conflict{}, err
	}
	from := c.Status
	c.Status = to
	if mutate != nil {
		mutate(&c, e.stamp())
	}
	if err := e.Repo.UpdateConflict(ctx, tx, c, from); err != nil {
		return domain.Conflict{}, err
	}
	if data == nil {
		data = events.EventPayload{}
	}
	data["from"] = string(from)
	data["to"] = string(to)
	if err := e.append(ctx, tx, e.conflictDraft(c, eventType, data)); err != nil {
		return domain.Conflict{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Conflict{}, err
	}
	e.Metrics.Transition("conflict", string(to))
	return c, nil
}

func (e Engine) AnalyzeConflict(ctx context.Context, id string) (domain.Conflict, error) {
	return e.moveConflict(ctx, id, domain.ConflictAnalyzing, "conflict.analyzing", nil, nil)
}

// EscalateConflict hands the conflict to a human, optionally naming who.
func (e Engine) EscalateConflict(ctx context.Context, id, assignee string) (domain.Conflict, error) {
	c, err := e.moveConflict(ctx, id, domain.ConflictEscalated, "conflict.escalated", func(c *domain.Conflict, now string) {
		c.Escalated = true
		c.EscalatedAt = &now
		if assignee != "" {
			c.Assignee = &assignee
		}
	}, events.EventPayload{"assignee": assignee})
	if err != nil {
		return c, err
	}
	e.notify(ctx, notify.Notification{
		Kind:       notify.KindConflictEscalated,
		ProjectID:  c.ProjectID,
		TaskIDs:    c.AffectedTaskIDs,
		AgentIDs:   c.AffectedAgentIDs,
		ConflictID: c.ID,
		Summary:    fmt.Sprintf("%s conflict escalated: %s", c.Severity, c.Title),
	})
	return c, nil
}

func (e Engine) BeginResolution(ctx context.Context, id string) (domain.Conflict, error) {
	return e.moveConflict(ctx, id, domain.ConflictResolving, "conflict.resolving", nil, nil)
}

func (e Engine) ResolveConflict(ctx context.Context, id, strategy, note string, auto bool) (domain.Conflict, error) {
	if strings.TrimSpace(strategy) == "" {
		return domain.Conflict{}, domain.Invalid("resolution_strategy", "is required")
	}
	return e.moveConflict(ctx, id, domain.ConflictResolved, "conflict.resolved", func(c *domain.Conflict, now string) {
		c.ResolutionStrategy = strategy
		c.ResolutionNote = note
		c.AutoResolved = auto
		c.ResolvedAt = &now
	}, events.EventPayload{"strategy": strategy, "auto": auto})
}

func (e Engine) IgnoreConflict(ctx context.Context, id, reason string) (domain.Conflict, error) {
	return e.moveConflict(ctx, id, domain.ConflictIgnored, "conflict.ignored", func(c *domain.Conflict, now string) {
		c.ResolutionNote = "ignored: " + reason
		c.ResolvedAt = &now
	}, events.EventPayload{"reason": reason})
}

func (e Engine) GetConflict(ctx context.Context, id string) (domain.Conflict, error) {
	return e.Repo.GetConflict(ctx, id)
}

type DecisionOptions struct {
	Type             domain.DecisionType
	Payload          map[string]any
	Reasoning        string
	AffectedEntities []domain.EntityRef
	FollowUpActions  []string
	DecidedBy        string
}

// RecordDecision appends a human ruling to an open conflict.
func (e Engine) RecordDecision(ctx context.Context, conflictID string, opts DecisionOptions) (domain.HumanDecision, error) {
	if _, err := domain.ParseDecisionType(string(opts.Type)); err != nil {
		return domain.HumanDecision{}, err
	}
	if strings.TrimSpace(opts.DecidedBy) == "" {
		return domain.HumanDecision{}, domain.Invalid("decided_by", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.HumanDecision{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetConflictTx(ctx, tx, conflictID)
	if err != nil {
		return domain.HumanDecision{}, err
	}
	if c.Status.IsTerminal() {
		return domain.HumanDecision{}, fmt.Errorf("conflict %s is %s: %w", c.ID, c.Status, domain.ErrInvalidTransition)
	}
	d := domain.HumanDecision{
		ID:               uuid.NewString(),
		ConflictID:       c.ID,
		DecisionType:     opts.Type,
		Payload:          opts.Payload,
		Reasoning:        opts.Reasoning,
		AffectedEntities: opts.AffectedEntities,
		FollowUpActions:  opts.FollowUpActions,
		DecidedBy:        opts.DecidedBy,
		CreatedAt:        e.stamp(),
	}
	if err := e.Repo.InsertDecision(ctx, tx, d); err != nil {
		return domain.HumanDecision{}, fmt.Errorf("insert decision: %w", err)
	}
	if err := e.append(ctx, tx, e.conflictDraft(c, "conflict.decision_recorded", events.EventPayload{
		"decision_id":   d.ID,
		"decision_type": string(d.DecisionType),
		"decided_by":    d.DecidedBy,
	})); err != nil {
		return domain.HumanDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.HumanDecision{}, err
	}
	return d, nil
}

func (e Engine) ListDecisions(ctx context.Context, conflictID string) ([]domain.HumanDecision, error) {
	if _, err := e.Repo.GetConflict(ctx, conflictID); err != nil {
		return nil, err
	}
	return e.Repo.ListDecisions(ctx, conflictID)
}

func (e Engine) ListConflicts(ctx context.Context, f repo.ConflictFilters) ([]domain.Conflict, error) {
	return e.Repo.ListConflicts(ctx, f)
}

// ConflictsAffectingTask lists open conflicts naming taskID.
func (e Engine) ConflictsAffectingTask(ctx context.Context, taskID string) ([]domain.Conflict, error) {
	return e.Repo.ListConflicts(ctx, repo.ConflictFilters{TaskID: taskID, ActiveOnly: true})
}

func (e Engine) ConflictsAffectingAgent(ctx context.Context, agentID string) ([]domain.Conflict, error) {
	return e.Repo.ListConflicts(ctx, repo.ConflictFilters{AgentID: agentID, ActiveOnly: true})
}

// EscalatedQueue lists conflicts awaiting a human, critical and oldest first.
func (e Engine) EscalatedQueue(ctx context.Context, projectID string) ([]domain.Conflict, error) {
	return e.Repo.ListConflicts(ctx, repo.ConflictFilters{
		ProjectID:       e.projectID(projectID),
		Status:          domain.ConflictEscalated,
		EscalationOrder: true,
	})
}

type ConflictStats struct {
	Total              int                         `json:"total"`
	Open               int                         `json:"open"`
	Resolved           int                         `json:"resolved"`
	Ignored            int                         `json:"ignored"`
	AutoResolved       int                         `json:"auto_resolved"`
	ResolutionRate     float64                     `json:"resolution_rate"`
	AutoResolutionRate float64                     `json:"auto_resolution_rate"`
	ByType             map[domain.ConflictType]int `json:"by_type"`
	BySeverity         map[domain.Severity]int     `json:"by_severity"`
}

// ConflictStats aggregates every conflict of a project. ResolutionRate is
// resolved over total; AutoResolutionRate is auto-resolved over resolved.
func (e Engine) ConflictStats(ctx context.Context, projectID string) (ConflictStats, error) {
	all, err := e.Repo.ListConflicts(ctx, repo.ConflictFilters{ProjectID: e.projectID(projectID)})
	if err != nil {
		return ConflictStats{}, err
	}
	st := ConflictStats{ByType: map[domain.ConflictType]int{}, BySeverity: map[domain.Severity]int{}}
	for _, c := range all {
		st.Total++
		st.ByType[c.Type]++
		st.BySeverity[c.Severity]++
		switch c.Status {
		case domain.ConflictResolved:
			st.Resolved++
			if c.AutoResolved {
				st.AutoResolved++
			}
		case domain.ConflictIgnored:
			st.Ignored++
		default:
			st.Open++
		}
	}
	if st.Total > 0 {
		st.ResolutionRate = float64(st.Resolved) / float64(st.Total)
	}
	if st.Resolved > 0 {
		st.AutoResolutionRate = float64(st.AutoResolved) / float64(st.Resolved)
	}
	return st, nil
}

// PurgeConflicts deletes resolved and ignored conflicts detected before the
// cutoff. Their event history is kept.
func (e Engine) PurgeConflicts(ctx context.Context, projectID string, before time.Time) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	project := e.projectID(projectID)
	ids, err := e.Repo.DeleteTerminalConflicts(ctx, tx, project, before.UTC().Format(domain.TimeFormat))
	if err != nil {
		return nil, err
	}
	drafts := make([]events.Draft, 0, len(ids))
	for _, id := range ids {
		drafts = append(drafts, events.Draft{
			AggregateType: domain.AggregateConflict,
			AggregateID:   id,
			ProjectID:     project,
			EventType:     "conflict.purged",
		})
	}
	if len(drafts) > 0 {
		if err := e.append(ctx, tx, drafts...); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e.logger().Printf("[conflict.purge] project=%s removed=%d", project, len(ids))
	}
	return ids, nil
}

// ReportMergeConflict records a merge failure relayed for a session.
func (e Engine) ReportMergeConflict(ctx context.Context, sessionID string, files []string) (domain.Conflict, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Conflict{}, err
	}
	related := []domain.EntityRef{{Kind: string(domain.AggregateSession), ID: s.ID}}
	for _, f := range files {
		related = append(related, domain.EntityRef{Kind: "file", ID: f})
	}
	desc := "merge conflict"
	if len(files) > 0 {
		desc = fmt.Sprintf("merge conflict in %s", strings.Join(files, ", "))
	}
	branch := s.GitBranch
	if branch == "" {
		branch = s.ID
	}
	return e.DetectConflict(ctx, ConflictOptions{
		ProjectID:        s.ProjectID,
		Type:             domain.ConflictMergeConflict,
		Severity:         domain.SeverityHigh,
		Title:            "merge conflict on " + branch,
		Description:      desc,
		RelatedEntities:  related,
		AffectedTaskIDs:  []string{s.TaskID},
		AffectedAgentIDs: []string{s.AgentID},
	})
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// conflictKey identifies a conflict by type and affected set, ignoring order.
func conflictKey(t domain.ConflictType, tasks, agents []string) string {
	ts := append([]string(nil), tasks...)
	as := append([]string(nil), agents...)
	sort.Strings(ts)
	sort.Strings(as)
	return string(t) + "|" + strings.Join(ts, ",") + "|" + strings.Join(as, ",")
}
