package repo

import (
	"context"
	"database/sql"

	"fleetline/internal/domain"
)

// Human decisions are append-only: there is no update or delete path other
// than the cascade from a purged conflict.

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.HumanDecision) error {
	payload := d.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return err
	}
	affected := d.AffectedEntities
	if affected == nil {
		affected = []domain.EntityRef{}
	}
	affectedJSON, err := marshalJSON(affected)
	if err != nil {
		return err
	}
	followUps := d.FollowUpActions
	if followUps == nil {
		followUps = []string{}
	}
	followJSON, err := marshalJSON(followUps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO human_decisions(id,conflict_id,decision_type,payload_json,reasoning,affected_entities_json,follow_up_actions_json,decided_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`, d.ID, d.ConflictID, string(d.DecisionType), payloadJSON, nullable(d.Reasoning), affectedJSON, followJSON, d.DecidedBy, d.CreatedAt)
	return err
}

func (r Repo) ListDecisions(ctx context.Context, conflictID string) ([]domain.HumanDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,conflict_id,decision_type,payload_json,reasoning,affected_entities_json,follow_up_actions_json,decided_by,created_at
FROM human_decisions WHERE conflict_id=? ORDER BY created_at ASC, id ASC`, conflictID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HumanDecision
	for rows.Next() {
		var d domain.HumanDecision
		var decisionType, payloadJSON, affectedJSON, followJSON string
		var reasoning sql.NullString
		if err := rows.Scan(&d.ID, &d.ConflictID, &decisionType, &payloadJSON, &reasoning, &affectedJSON, &followJSON, &d.DecidedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.DecisionType = domain.DecisionTypeOrDefault(decisionType)
		d.Reasoning = reasoning.String
		if err := unmarshalJSON(payloadJSON, &d.Payload); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(affectedJSON, &d.AffectedEntities); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(followJSON, &d.FollowUpActions); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
