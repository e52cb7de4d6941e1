package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetline/internal/domain"
)

const taskColumns = `id,project_id,parent_task_id,planning_session_id,title,description,type,priority,required_capabilities_json,acceptance_criteria_json,estimated_effort_hours,assigned_agent_id,status,created_at,assigned_at,started_at,completed_at,dependency_count,blocking_count,result_json`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var parentID, planningID, description, agentID, assignedAt, startedAt, completedAt, resultJSON sql.NullString
	var taskType, priority, status, capsJSON, criteriaJSON string
	err := s.Scan(&t.ID, &t.ProjectID, &parentID, &planningID, &t.Title, &description, &taskType, &priority, &capsJSON, &criteriaJSON,
		&t.EstimatedEffortHours, &agentID, &status, &t.CreatedAt, &assignedAt, &startedAt, &completedAt, &t.DependencyCount, &t.BlockingCount, &resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ParentTaskID = stringPtr(parentID)
	t.PlanningSessionID = stringPtr(planningID)
	t.Description = description.String
	t.Type = domain.TaskTypeOrDefault(taskType)
	t.Priority = domain.PriorityOrDefault(priority)
	t.Status = domain.TaskStatusOrDefault(status)
	t.AssignedAgentID = stringPtr(agentID)
	t.AssignedAt = stringPtr(assignedAt)
	t.StartedAt = stringPtr(startedAt)
	t.CompletedAt = stringPtr(completedAt)
	if err := unmarshalJSON(capsJSON, &t.RequiredCapabilities); err != nil {
		return t, fmt.Errorf("task %s capabilities: %w", t.ID, err)
	}
	if err := unmarshalJSON(criteriaJSON, &t.AcceptanceCriteria); err != nil {
		return t, fmt.Errorf("task %s criteria: %w", t.ID, err)
	}
	if resultJSON.Valid {
		var res domain.ExecutionResult
		if err := unmarshalJSON(resultJSON.String, &res); err != nil {
			return t, fmt.Errorf("task %s result: %w", t.ID, err)
		}
		t.Result = &res
	}
	if t.RequiredCapabilities == nil {
		t.RequiredCapabilities = []domain.Capability{}
	}
	if len(t.AcceptanceCriteria) == 0 {
		t.AcceptanceCriteria = nil
	}
	return t, nil
}

func taskArgs(t domain.Task) ([]any, error) {
	caps := t.RequiredCapabilities
	if caps == nil {
		caps = []domain.Capability{}
	}
	capsJSON, err := marshalJSON(caps)
	if err != nil {
		return nil, err
	}
	criteria := t.AcceptanceCriteria
	if criteria == nil {
		criteria = []domain.AcceptanceCriterion{}
	}
	criteriaJSON, err := marshalJSON(criteria)
	if err != nil {
		return nil, err
	}
	resultJSON, err := marshalNullableJSON(t.Result)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ProjectID, nullableStringPtr(t.ParentTaskID), nullableStringPtr(t.PlanningSessionID), t.Title, nullable(t.Description),
		string(t.Type), string(t.Priority), capsJSON, criteriaJSON, t.EstimatedEffortHours, nullableStringPtr(t.AssignedAgentID),
		string(t.Status), t.CreatedAt, nullableStringPtr(t.AssignedAt), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt),
		t.DependencyCount, t.BlockingCount, resultJSON,
	}, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		append([]any{t.ID}, args...)...)
	return err
}

// UpdateTask writes every mutable column of t, provided the stored status is
// still expected. A mismatch returns ErrConcurrency.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task, expected domain.TaskStatus) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET project_id=?, parent_task_id=?, planning_session_id=?, title=?, description=?, type=?, priority=?,
required_capabilities_json=?, acceptance_criteria_json=?, estimated_effort_hours=?, assigned_agent_id=?, status=?, created_at=?, assigned_at=?,
started_at=?, completed_at=?, dependency_count=?, blocking_count=?, result_json=? WHERE id=? AND status=?`,
		append(args, t.ID, string(expected))...)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("task %s no longer %s: %w", t.ID, expected, domain.ErrConcurrency)
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return t, domain.NotFound("task", id)
	}
	return t, err
}

type TaskFilters struct {
	ProjectID       string
	Status          domain.TaskStatus
	Type            domain.TaskType
	Priority        domain.Priority
	Parent          string
	AssignedAgentID string
	PlanningSession string
	// Ready restricts to pending, unassigned tasks with no unresolved blocking prerequisite.
	Ready  bool
	Limit  int
	Cursor Cursor
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, tx, f)
}

func listTasks(ctx context.Context, q querier, f TaskFilters) ([]domain.Task, error) {
	var w where
	if f.ProjectID != "" {
		w.add("project_id=?", f.ProjectID)
	}
	if f.Status != "" {
		w.add("status=?", string(f.Status))
	}
	if f.Type != "" {
		w.add("type=?", string(f.Type))
	}
	if f.Priority != "" {
		w.add("priority=?", string(f.Priority))
	}
	if f.Parent != "" {
		w.add("parent_task_id=?", f.Parent)
	}
	if f.AssignedAgentID != "" {
		w.add("assigned_agent_id=?", f.AssignedAgentID)
	}
	if f.PlanningSession != "" {
		w.add("planning_session_id=?", f.PlanningSession)
	}
	order := ` ORDER BY created_at DESC, id DESC`
	if f.Ready {
		w.add("status='pending' AND assigned_agent_id IS NULL AND dependency_count=0")
		order = ` ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, created_at ASC, id ASC`
	} else {
		w.addCursor("created_at", f.Cursor)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + w.String() + order
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
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListReadyTasks returns tasks that can be assigned now, highest priority first.
func (r Repo) ListReadyTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, TaskFilters{ProjectID: projectID, Ready: true})
}

func (r Repo) ListReadyTasksTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Task, error) {
	return listTasks(ctx, tx, TaskFilters{ProjectID: projectID, Ready: true})
}

func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE parent_task_id=? ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.TaskStatusOrDefault(status)] += count
	}
	return res, rows.Err()
}
