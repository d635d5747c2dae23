package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"

	"touchline/internal/domain"
)

const actionColumns = `id,relationship_id,user_id,type,COALESCE(title,''),state,due_date,estimated_minutes,COALESCE(source,''),completed_at,created_at,updated_at`

func scanAction(s scanner) (domain.Action, error) {
	var a domain.Action
	var due string
	var est sql.NullInt64
	var completed sql.NullString
	err := s.Scan(&a.ID, &a.RelationshipID, &a.UserID, &a.Type, &a.Title, &a.State, &due, &est, &a.Source, &completed, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.DueDate, err = civil.ParseDate(due)
	if err != nil {
		return a, fmt.Errorf("action %s: bad due_date %q: %w", a.ID, due, err)
	}
	if est.Valid {
		m := int(est.Int64)
		a.EstimatedMinutes = &m
	}
	if completed.Valid {
		a.CompletedAt = &completed.String
	}
	return a, nil
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO actions(id,relationship_id,user_id,type,title,state,due_date,estimated_minutes,source,completed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RelationshipID, a.UserID, a.Type, nullable(a.Title), a.State, a.DueDate.String(),
		nullableInt(a.EstimatedMinutes), nullable(a.Source), nullableStr(a.CompletedAt), a.CreatedAt, a.UpdatedAt)
	return err
}

// UpdateAction persists the mutable fields: state, due date, estimate and completion.
func (r Repo) UpdateAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE actions SET state=?,due_date=?,estimated_minutes=?,completed_at=?,updated_at=? WHERE id=?`,
		a.State, a.DueDate.String(), nullableInt(a.EstimatedMinutes), nullableStr(a.CompletedAt), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	return r.GetActionTx(ctx, nil, id)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Action, error) {
	return scanAction(r.on(tx).QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id))
}

type ActionFilters struct {
	UserID         string
	RelationshipID string
	States         []domain.ActionState
}

// PendingOnly restricts the filter to open states.
func (f ActionFilters) PendingOnly() ActionFilters {
	f.States = domain.PendingStates
	return f
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	return r.ListActionsTx(ctx, nil, f)
}

func (r Repo) ListActionsTx(ctx context.Context, tx *sql.Tx, f ActionFilters) ([]domain.Action, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.RelationshipID != "" {
		clauses = append(clauses, "relationship_id=?")
		args = append(args, f.RelationshipID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + actionColumns + ` FROM actions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY due_date ASC, created_at ASC, id ASC`
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
