package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"touchline/internal/domain"
)

// UpsertDecisionState replaces the cached decision state of a relationship.
func (r Repo) UpsertDecisionState(ctx context.Context, tx *sql.Tx, ds domain.DecisionState) error {
	payload, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO decision_states(relationship_id,state_json,computed_at) VALUES (?,?,?)
ON CONFLICT(relationship_id) DO UPDATE SET state_json=excluded.state_json, computed_at=excluded.computed_at`,
		ds.RelationshipID, string(payload), ds.ComputedAt)
	return err
}

// GetDecisionState returns ErrNotFound when no state was computed yet.
func (r Repo) GetDecisionState(ctx context.Context, relationshipID string) (*domain.DecisionState, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT state_json FROM decision_states WHERE relationship_id=?`, relationshipID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ds domain.DecisionState
	if err := json.Unmarshal([]byte(payload), &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListDecisionStates returns the cached states of a user's relationships keyed by relationship ID.
func (r Repo) ListDecisionStates(ctx context.Context, userID string) (map[string]*domain.DecisionState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.relationship_id, d.state_json FROM decision_states d
JOIN relationships r ON r.id = d.relationship_id WHERE r.user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]*domain.DecisionState{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var ds domain.DecisionState
		if err := json.Unmarshal([]byte(payload), &ds); err != nil {
			return nil, err
		}
		res[id] = &ds
	}
	return res, rows.Err()
}
