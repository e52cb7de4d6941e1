package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetline/internal/domain"
)

const agentColumns = `id,user_id,name,capabilities_json,config_json,status,current_task_id,tasks_completed,tasks_succeeded,success_rate,avg_completion_minutes,skill_profile_json,assessments_json,performance_trend,created_at,updated_at`

func scanAgent(s scanner) (domain.Agent, error) {
	var a domain.Agent
	var capsJSON, configJSON, status, profileJSON, assessmentsJSON, trend string
	var currentTask sql.NullString
	err := s.Scan(&a.ID, &a.UserID, &a.Name, &capsJSON, &configJSON, &status, &currentTask,
		&a.Stats.TasksCompleted, &a.Stats.TasksSucceeded, &a.Stats.SuccessRate, &a.Stats.AvgCompletionMinutes,
		&profileJSON, &assessmentsJSON, &trend, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.AgentStatusOrDefault(status)
	a.CurrentTaskID = stringPtr(currentTask)
	a.PerformanceTrend = domain.Trend(trend)
	if err := unmarshalJSON(capsJSON, &a.Capabilities); err != nil {
		return a, fmt.Errorf("agent %s capabilities: %w", a.ID, err)
	}
	if err := unmarshalJSON(configJSON, &a.Config); err != nil {
		return a, fmt.Errorf("agent %s config: %w", a.ID, err)
	}
	if err := unmarshalJSON(profileJSON, &a.SkillProfile); err != nil {
		return a, fmt.Errorf("agent %s skill profile: %w", a.ID, err)
	}
	if err := unmarshalJSON(assessmentsJSON, &a.Assessments); err != nil {
		return a, fmt.Errorf("agent %s assessments: %w", a.ID, err)
	}
	if a.Capabilities == nil {
		a.Capabilities = []domain.Capability{}
	}
	if len(a.Assessments) == 0 {
		a.Assessments = nil
	}
	return a, nil
}

func agentArgs(a domain.Agent) ([]any, error) {
	caps := a.Capabilities
	if caps == nil {
		caps = []domain.Capability{}
	}
	capsJSON, err := marshalJSON(caps)
	if err != nil {
		return nil, err
	}
	configJSON, err := marshalJSON(a.Config)
	if err != nil {
		return nil, err
	}
	profileJSON, err := marshalJSON(a.SkillProfile)
	if err != nil {
		return nil, err
	}
	assessments := a.Assessments
	if assessments == nil {
		assessments = []domain.SkillAssessment{}
	}
	assessmentsJSON, err := marshalJSON(assessments)
	if err != nil {
		return nil, err
	}
	trend := a.PerformanceTrend
	if trend == "" {
		trend = domain.TrendStable
	}
	return []any{
		a.UserID, a.Name, capsJSON, configJSON, string(a.Status), nullableStringPtr(a.CurrentTaskID),
		a.Stats.TasksCompleted, a.Stats.TasksSucceeded, a.Stats.SuccessRate, a.Stats.AvgCompletionMinutes,
		profileJSON, assessmentsJSON, string(trend), a.CreatedAt, a.UpdatedAt,
	}, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	args, err := agentArgs(a)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, append([]any{a.ID}, args...)...)
	return err
}

// UpdateAgent writes a, provided the stored status is still expected.
func (r Repo) UpdateAgent(ctx context.Context, tx *sql.Tx, a domain.Agent, expected domain.AgentStatus) error {
	args, err := agentArgs(a)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE agents SET user_id=?, name=?, capabilities_json=?, config_json=?, status=?, current_task_id=?,
tasks_completed=?, tasks_succeeded=?, success_rate=?, avg_completion_minutes=?, skill_profile_json=?, assessments_json=?, performance_trend=?,
created_at=?, updated_at=? WHERE id=? AND status=?`, append(args, a.ID, string(expected))...)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("agent %s no longer %s: %w", a.ID, expected, domain.ErrConcurrency)
	}
	return nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return getAgent(ctx, r.DB, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return getAgent(ctx, tx, id)
}

func getAgent(ctx context.Context, q querier, id string) (domain.Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return a, domain.NotFound("agent", id)
	}
	return a, err
}

type AgentFilters struct {
	Status     domain.AgentStatus
	Capability domain.Capability
	UserID     string
	// ExcludeOffline drops retired and disconnected agents.
	ExcludeOffline bool
	Limit          int
	Cursor         Cursor
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	return listAgents(ctx, r.DB, f)
}

func (r Repo) ListAgentsTx(ctx context.Context, tx *sql.Tx, f AgentFilters) ([]domain.Agent, error) {
	return listAgents(ctx, tx, f)
}

func listAgents(ctx context.Context, q querier, f AgentFilters) ([]domain.Agent, error) {
	var w where
	if f.Status != "" {
		w.add("status=?", string(f.Status))
	}
	if f.ExcludeOffline {
		w.add("status != 'offline'")
	}
	if f.Capability != "" {
		w.add("EXISTS (SELECT 1 FROM json_each(agents.capabilities_json) WHERE value=?)", string(f.Capability))
	}
	if f.UserID != "" {
		w.add("user_id=?", f.UserID)
	}
	w.addCursor("created_at", f.Cursor)
	query := `SELECT ` + agentColumns + ` FROM agents ` + w.String() + ` ORDER BY created_at DESC, id DESC`
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
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountAgentsByStatus(ctx context.Context) (map[domain.AgentStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.AgentStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.AgentStatusOrDefault(status)] += n
	}
	return res, rows.Err()
}
