package repo

import (
	"context"
	"database/sql"
	"errors"

	"fleetline/internal/domain"
)

const dependencyColumns = `id,parent_task_id,child_task_id,type,created_at,resolved_at`

func scanDependency(s scanner) (domain.TaskDependency, error) {
	var d domain.TaskDependency
	var depType string
	var resolvedAt sql.NullString
	err := s.Scan(&d.ID, &d.ParentTaskID, &d.ChildTaskID, &depType, &d.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Type = domain.DependencyTypeOrDefault(depType)
	d.ResolvedAt = stringPtr(resolvedAt)
	return d, nil
}

func (r Repo) InsertDependency(ctx context.Context, tx *sql.Tx, d domain.TaskDependency) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies(`+dependencyColumns+`) VALUES (?,?,?,?,?,?)`,
		d.ID, d.ParentTaskID, d.ChildTaskID, string(d.Type), d.CreatedAt, nullableStringPtr(d.ResolvedAt))
	return err
}

func (r Repo) GetDependencyTx(ctx context.Context, tx *sql.Tx, parentID, childID string) (domain.TaskDependency, error) {
	d, err := scanDependency(tx.QueryRowContext(ctx, `SELECT `+dependencyColumns+` FROM task_dependencies WHERE parent_task_id=? AND child_task_id=?`, parentID, childID))
	if errors.Is(err, ErrNotFound) {
		return d, domain.NotFound("dependency", parentID+"->"+childID)
	}
	return d, err
}

// MarkDependencyResolved stamps resolved_at once. It reports false when the
// edge was already resolved.
func (r Repo) MarkDependencyResolved(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE task_dependencies SET resolved_at=? WHERE id=? AND resolved_at IS NULL`, at, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) == 1, nil
}

type DependencyFilters struct {
	ParentTaskID   string
	ChildTaskID    string
	Type           domain.DependencyType
	UnresolvedOnly bool
	ProjectID      string
}

func (r Repo) ListDependencies(ctx context.Context, f DependencyFilters) ([]domain.TaskDependency, error) {
	return listDependencies(ctx, r.DB, f)
}

func (r Repo) ListDependenciesTx(ctx context.Context, tx *sql.Tx, f DependencyFilters) ([]domain.TaskDependency, error) {
	return listDependencies(ctx, tx, f)
}

func listDependencies(ctx context.Context, q querier, f DependencyFilters) ([]domain.TaskDependency, error) {
	var w where
	if f.ParentTaskID != "" {
		w.add("parent_task_id=?", f.ParentTaskID)
	}
	if f.ChildTaskID != "" {
		w.add("child_task_id=?", f.ChildTaskID)
	}
	if f.Type != "" {
		w.add("type=?", string(f.Type))
	}
	if f.UnresolvedOnly {
		w.add("resolved_at IS NULL")
	}
	if f.ProjectID != "" {
		w.add("child_task_id IN (SELECT id FROM tasks WHERE project_id=?)", f.ProjectID)
	}
	rows, err := q.QueryContext(ctx, `SELECT `+dependencyColumns+` FROM task_dependencies `+w.String()+` ORDER BY created_at ASC, id ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// PrerequisitesTx returns the parent ids of every edge pointing at childID,
// of any type.
func (r Repo) PrerequisitesTx(ctx context.Context, tx *sql.Tx, childID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT parent_task_id FROM task_dependencies WHERE child_task_id=? ORDER BY parent_task_id`, childID)
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

func (r Repo) DeleteDependenciesForTask(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.TaskDependency, error) {
	deps, err := listDependencies(ctx, tx, DependencyFilters{ParentTaskID: taskID})
	if err != nil {
		return nil, err
	}
	incoming, err := listDependencies(ctx, tx, DependencyFilters{ChildTaskID: taskID})
	if err != nil {
		return nil, err
	}
	deps = append(deps, incoming...)
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE parent_task_id=? OR child_task_id=?`, taskID, taskID); err != nil {
		return nil, err
	}
	return deps, nil
}
