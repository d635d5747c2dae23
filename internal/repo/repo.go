package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"touchline/internal/config"
	"touchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, otherwise the pooled DB.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) UpsertUserConfig(ctx context.Context, userID string, cfg *config.Config) error {
	return r.UpsertUserConfigTx(ctx, nil, userID, cfg)
}

func (r Repo) UpsertUserConfigTx(ctx context.Context, tx *sql.Tx, userID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.User.ID = userID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO user_configs(user_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, userID, string(payload), now, now)
	return err
}

func (r Repo) GetUserConfig(ctx context.Context, userID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM user_configs WHERE user_id=?`, userID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.User.ID == "" {
		cfg.User.ID = userID
	}
	return &cfg, cfg.Validate()
}

// ListUserIDs returns every user with a stored config.
func (r Repo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM user_configs ORDER BY user_id`)
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

const relationshipColumns = `id,user_id,name,tier,last_interaction_at,momentum_score,COALESCE(momentum_trend,''),negative_sentiment,open_loop,deal_stage,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRelationship(s scanner) (domain.Relationship, error) {
	var rel domain.Relationship
	var last sql.NullString
	var momentum sql.NullFloat64
	err := s.Scan(&rel.ID, &rel.UserID, &rel.Name, &rel.Tier, &last, &momentum, &rel.MomentumTrend,
		&rel.NegativeSentiment, &rel.OpenLoop, &rel.DealStage, &rel.CreatedAt, &rel.UpdatedAt)
	if err == sql.ErrNoRows {
		return rel, ErrNotFound
	}
	if err != nil {
		return rel, err
	}
	if last.Valid {
		rel.LastInteractionAt = &last.String
	}
	if momentum.Valid {
		rel.MomentumScore = &momentum.Float64
	}
	return rel, nil
}

func (r Repo) InsertRelationship(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO relationships(id,user_id,name,tier,last_interaction_at,momentum_score,momentum_trend,negative_sentiment,open_loop,deal_stage,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rel.ID, rel.UserID, rel.Name, rel.Tier, nullableStr(rel.LastInteractionAt), nullableFloat(rel.MomentumScore),
		nullable(rel.MomentumTrend), rel.NegativeSentiment, rel.OpenLoop, rel.DealStage, rel.CreatedAt, rel.UpdatedAt)
	return err
}

func (r Repo) UpdateRelationship(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE relationships SET name=?,tier=?,last_interaction_at=?,momentum_score=?,momentum_trend=?,negative_sentiment=?,open_loop=?,deal_stage=?,updated_at=? WHERE id=?`,
		rel.Name, rel.Tier, nullableStr(rel.LastInteractionAt), nullableFloat(rel.MomentumScore), nullable(rel.MomentumTrend),
		rel.NegativeSentiment, rel.OpenLoop, rel.DealStage, rel.UpdatedAt, rel.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	return r.GetRelationshipTx(ctx, nil, id)
}

func (r Repo) GetRelationshipTx(ctx context.Context, tx *sql.Tx, id string) (domain.Relationship, error) {
	return scanRelationship(r.on(tx).QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id=?`, id))
}

func (r Repo) ListRelationships(ctx context.Context, userID string) ([]domain.Relationship, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE user_id=? ORDER BY name, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, userID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(user_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
