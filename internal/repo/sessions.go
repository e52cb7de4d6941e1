package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetline/internal/db"
	"fleetline/internal/domain"
)

const sessionColumns = `id,task_id,agent_id,project_id,git_branch,base_commit,final_commit,config_json,timeout_minutes,status,created_at,started_at,completed_at,success,result_json,error_message`

func scanSession(s scanner) (domain.ExecutionSession, error) {
	var es domain.ExecutionSession
	var branch, base, final, startedAt, completedAt, resultJSON, errMsg sql.NullString
	var configJSON, status string
	var success int
	err := s.Scan(&es.ID, &es.TaskID, &es.AgentID, &es.ProjectID, &branch, &base, &final, &configJSON, &es.TimeoutMinutes,
		&status, &es.CreatedAt, &startedAt, &completedAt, &success, &resultJSON, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return es, ErrNotFound
	}
	if err != nil {
		return es, err
	}
	es.GitBranch = branch.String
	es.BaseCommit = base.String
	es.FinalCommit = stringPtr(final)
	es.Status = domain.SessionStatusOrDefault(status)
	es.StartedAt = stringPtr(startedAt)
	es.CompletedAt = stringPtr(completedAt)
	es.Success = success != 0
	es.ErrorMessage = errMsg.String
	if err := unmarshalJSON(configJSON, &es.Config); err != nil {
		return es, fmt.Errorf("session %s config: %w", es.ID, err)
	}
	if resultJSON.Valid {
		var res domain.ExecutionResult
		if err := unmarshalJSON(resultJSON.String, &res); err != nil {
			return es, fmt.Errorf("session %s result: %w", es.ID, err)
		}
		es.Result = &res
	}
	return es, nil
}

func sessionArgs(s domain.ExecutionSession) ([]any, error) {
	configJSON, err := marshalJSON(s.Config)
	if err != nil {
		return nil, err
	}
	resultJSON, err := marshalNullableJSON(s.Result)
	if err != nil {
		return nil, err
	}
	return []any{
		s.TaskID, s.AgentID, s.ProjectID, nullable(s.GitBranch), nullable(s.BaseCommit), nullableStringPtr(s.FinalCommit), configJSON,
		s.TimeoutMinutes, string(s.Status), s.CreatedAt, nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt),
		boolInt(s.Success), resultJSON, nullable(s.ErrorMessage),
	}, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.ExecutionSession) error {
	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO execution_sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, append([]any{s.ID}, args...)...)
	return err
}

// UpdateSession writes s, provided the stored status is still expected. A
// second running session for the same task fails with ErrInvalidTransition.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.ExecutionSession, expected domain.SessionStatus) error {
	args, err := sessionArgs(s)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE execution_sessions SET task_id=?, agent_id=?, project_id=?, git_branch=?, base_commit=?, final_commit=?,
config_json=?, timeout_minutes=?, status=?, created_at=?, started_at=?, completed_at=?, success=?, result_json=?, error_message=?
WHERE id=? AND status=?`, append(args, s.ID, string(expected))...)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("task %s already has a running session: %w", s.TaskID, domain.ErrInvalidTransition)
		}
		return err
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("session %s no longer %s: %w", s.ID, expected, domain.ErrConcurrency)
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.ExecutionSession, error) {
	return getSession(ctx, r.DB, id)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.ExecutionSession, error) {
	return getSession(ctx, tx, id)
}

func getSession(ctx context.Context, q querier, id string) (domain.ExecutionSession, error) {
	s, err := scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM execution_sessions WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return s, domain.NotFound("execution session", id)
	}
	return s, err
}

type SessionFilters struct {
	ProjectID string
	TaskID    string
	AgentID   string
	Status    domain.SessionStatus
	GitBranch string
	Limit     int
	Cursor    Cursor
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.ExecutionSession, error) {
	return listSessions(ctx, r.DB, f)
}

func (r Repo) ListSessionsTx(ctx context.Context, tx *sql.Tx, f SessionFilters) ([]domain.ExecutionSession, error) {
	return listSessions(ctx, tx, f)
}

func listSessions(ctx context.Context, q querier, f SessionFilters) ([]domain.ExecutionSession, error) {
	var w where
	if f.ProjectID != "" {
		w.add("project_id=?", f.ProjectID)
	}
	if f.TaskID != "" {
		w.add("task_id=?", f.TaskID)
	}
	if f.AgentID != "" {
		w.add("agent_id=?", f.AgentID)
	}
	if f.Status != "" {
		w.add("status=?", string(f.Status))
	}
	if f.GitBranch != "" {
		w.add("git_branch=?", f.GitBranch)
	}
	w.addCursor("created_at", f.Cursor)
	query := `SELECT ` + sessionColumns + ` FROM execution_sessions ` + w.String() + ` ORDER BY created_at DESC, id DESC`
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
	var res []domain.ExecutionSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
