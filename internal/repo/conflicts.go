package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetline/internal/domain"
)

const conflictColumns = `id,project_id,type,severity,title,description,related_entities_json,affected_task_ids_json,affected_agent_ids_json,status,escalated,assignee,resolution_strategy,resolution_note,auto_resolved,detected_at,escalated_at,resolved_at`

func scanConflict(s scanner) (domain.Conflict, error) {
	var c domain.Conflict
	var cType, severity, status, relatedJSON, tasksJSON, agentsJSON string
	var description, assignee, strategy, note, escalatedAt, resolvedAt sql.NullString
	var escalated, auto int
	err := s.Scan(&c.ID, &c.ProjectID, &cType, &severity, &c.Title, &description, &relatedJSON, &tasksJSON, &agentsJSON,
		&status, &escalated, &assignee, &strategy, &note, &auto, &c.DetectedAt, &escalatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Type = domain.ConflictTypeOrDefault(cType)
	c.Severity = domain.SeverityOrDefault(severity)
	c.Status = domain.ConflictStatusOrDefault(status)
	c.Description = description.String
	c.Escalated = escalated != 0
	c.Assignee = stringPtr(assignee)
	c.ResolutionStrategy = strategy.String
	c.ResolutionNote = note.String
	c.AutoResolved = auto != 0
	c.EscalatedAt = stringPtr(escalatedAt)
	c.ResolvedAt = stringPtr(resolvedAt)
	if err := unmarshalJSON(relatedJSON, &c.RelatedEntities); err != nil {
		return c, fmt.Errorf("conflict %s related entities: %w", c.ID, err)
	}
	if err := unmarshalJSON(tasksJSON, &c.AffectedTaskIDs); err != nil {
		return c, fmt.Errorf("conflict %s tasks: %w", c.ID, err)
	}
	if err := unmarshalJSON(agentsJSON, &c.AffectedAgentIDs); err != nil {
		return c, fmt.Errorf("conflict %s agents: %w", c.ID, err)
	}
	if len(c.RelatedEntities) == 0 {
		c.RelatedEntities = nil
	}
	if len(c.AffectedTaskIDs) == 0 {
		c.AffectedTaskIDs = nil
	}
	if len(c.AffectedAgentIDs) == 0 {
		c.AffectedAgentIDs = nil
	}
	return c, nil
}

func conflictArgs(c domain.Conflict) ([]any, error) {
	related := c.RelatedEntities
	if related == nil {
		related = []domain.EntityRef{}
	}
	relatedJSON, err := marshalJSON(related)
	if err != nil {
		return nil, err
	}
	tasks := c.AffectedTaskIDs
	if tasks == nil {
		tasks = []string{}
	}
	tasksJSON, err := marshalJSON(tasks)
	if err != nil {
		return nil, err
	}
	agents := c.AffectedAgentIDs
	if agents == nil {
		agents = []string{}
	}
	agentsJSON, err := marshalJSON(agents)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ProjectID, string(c.Type), string(c.Severity), c.Title, nullable(c.Description), relatedJSON, tasksJSON, agentsJSON,
		string(c.Status), boolInt(c.Escalated), nullableStringPtr(c.Assignee), nullable(c.ResolutionStrategy), nullable(c.ResolutionNote),
		boolInt(c.AutoResolved), c.DetectedAt, nullableStringPtr(c.EscalatedAt), nullableStringPtr(c.ResolvedAt),
	}, nil
}

func (r Repo) InsertConflict(ctx context.Context, tx *sql.Tx, c domain.Conflict) error {
	args, err := conflictArgs(c)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO conflicts(`+conflictColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, append([]any{c.ID}, args...)...)
	return err
}

// UpdateConflict writes c, provided the stored status is still expected.
func (r Repo) UpdateConflict(ctx context.Context, tx *sql.Tx, c domain.Conflict, expected domain.ConflictStatus) error {
	args, err := conflictArgs(c)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE conflicts SET project_id=?, type=?, severity=?, title=?, description=?, related_entities_json=?,
affected_task_ids_json=?, affected_agent_ids_json=?, status=?, escalated=?, assignee=?, resolution_strategy=?, resolution_note=?,
auto_resolved=?, detected_at=?, escalated_at=?, resolved_at=? WHERE id=? AND status=?`, append(args, c.ID, string(expected))...)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("conflict %s no longer %s: %w", c.ID, expected, domain.ErrConcurrency)
	}
	return nil
}

func (r Repo) GetConflict(ctx context.Context, id string) (domain.Conflict, error) {
	return getConflict(ctx, r.DB, id)
}

func (r Repo) GetConflictTx(ctx context.Context, tx *sql.Tx, id string) (domain.Conflict, error) {
	return getConflict(ctx, tx, id)
}

func getConflict(ctx context.Context, q querier, id string) (domain.Conflict, error) {
	c, err := scanConflict(q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return c, domain.NotFound("conflict", id)
	}
	return c, err
}

type ConflictFilters struct {
	ProjectID  string
	Type       domain.ConflictType
	Severity   domain.Severity
	Status     domain.ConflictStatus
	Escalated  *bool
	TaskID     string
	AgentID    string
	ActiveOnly bool
	// EscalationOrder sorts critical first, then oldest detection.
	EscalationOrder bool
	Limit           int
	Cursor          Cursor
}

func (r Repo) ListConflicts(ctx context.Context, f ConflictFilters) ([]domain.Conflict, error) {
	return listConflicts(ctx, r.DB, f)
}

func (r Repo) ListConflictsTx(ctx context.Context, tx *sql.Tx, f ConflictFilters) ([]domain.Conflict, error) {
	return listConflicts(ctx, tx, f)
}

func listConflicts(ctx context.Context, q querier, f ConflictFilters) ([]domain.Conflict, error) {
	var w where
	if f.ProjectID != "" {
		w.add("project_id=?", f.ProjectID)
	}
	if f.Type != "" {
		w.add("type=?", string(f.Type))
	}
	if f.Severity != "" {
		w.add("severity=?", string(f.Severity))
	}
	if f.Status != "" {
		w.add("status=?", string(f.Status))
	}
	if f.Escalated != nil {
		w.add("escalated=?", boolInt(*f.Escalated))
	}
	if f.TaskID != "" {
		w.add("EXISTS (SELECT 1 FROM json_each(conflicts.affected_task_ids_json) WHERE value=?)", f.TaskID)
	}
	if f.AgentID != "" {
		w.add("EXISTS (SELECT 1 FROM json_each(conflicts.affected_agent_ids_json) WHERE value=?)", f.AgentID)
	}
	if f.ActiveOnly {
		w.add("status NOT IN ('resolved','ignored')")
	}
	order := ` ORDER BY detected_at DESC, id DESC`
	if f.EscalationOrder {
		order = ` ORDER BY CASE severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, detected_at ASC, id ASC`
	} else {
		w.addCursor("detected_at", f.Cursor)
	}
	query := `SELECT ` + conflictColumns + ` FROM conflicts ` + w.String() + order
	args := w.args
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// DeleteTerminalConflicts removes resolved or ignored conflicts detected
// before the cutoff, with their decisions, and returns the removed ids.
func (r Repo) DeleteTerminalConflicts(ctx context.Context, tx *sql.Tx, projectID, before string) ([]string, error) {
	var w where
	w.add("status IN ('resolved','ignored')")
	w.add("detected_at < ?", before)
	if projectID != "" {
		w.add("project_id=?", projectID)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM conflicts `+w.String()+` ORDER BY detected_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE id=?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
