package engine

import (
	"context"
	"fmt"

	"touchline/internal/domain"
	"touchline/internal/events"
	"touchline/internal/repo"
	"touchline/internal/retry"
)

// ActionUpdateOptions records a state change or a new estimate. The product
// owns the lifecycle; any known state may follow any other.
type ActionUpdateOptions struct {
	ID               string
	UserID           string
	State            *domain.ActionState
	EstimatedMinutes *int
}

func (e Engine) UpdateAction(ctx context.Context, opts ActionUpdateOptions) (domain.Action, error) {
	if opts.UserID == "" {
		return domain.Action{}, invalid("user_id", "required")
	}
	if opts.State != nil && !opts.State.Valid() {
		return domain.Action{}, invalid("state", "unknown state %q", *opts.State)
	}
	if opts.EstimatedMinutes != nil && *opts.EstimatedMinutes < 0 {
		return domain.Action{}, invalid("estimated_minutes", "must not be negative")
	}
	a, err := e.GetAction(ctx, opts.UserID, opts.ID)
	if err != nil {
		return a, err
	}
	cfg, err := e.ConfigFor(ctx, opts.UserID)
	if err != nil {
		return a, err
	}

	unlock := e.lockRelationship(a.RelationshipID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	// Re-read under the lock so the recorded "from" state is current.
	a, err = e.Repo.GetActionTx(ctx, tx, a.ID)
	if err != nil {
		return a, err
	}
	from := a.State
	now := e.stamp()
	if opts.State != nil {
		a.State = *opts.State
		switch {
		case !a.State.Pending() && from.Pending():
			a.CompletedAt = &now
		case a.State.Pending():
			a.CompletedAt = nil
		}
	}
	if opts.EstimatedMinutes != nil {
		a.EstimatedMinutes = opts.EstimatedMinutes
	}
	a.UpdatedAt = now
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		return a, fmt.Errorf("update action: %w", err)
	}
	if from != a.State {
		if err := e.Events.Append(ctx, tx, events.ActionStateChanged, a.UserID, "action", a.ID, events.EventPayload{
			"relationship_id": a.RelationshipID,
			"from":            from,
			"to":              a.State,
		}); err != nil {
			return a, err
		}
	}
	if _, err := e.refreshTx(ctx, tx, cfg, a.RelationshipID); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (e Engine) GetAction(ctx context.Context, userID, id string) (domain.Action, error) {
	if id == "" {
		return domain.Action{}, invalid("action_id", "required")
	}
	a, err := retry.Value(ctx, e.Retry, func() (domain.Action, error) {
		return e.Repo.GetAction(ctx, id)
	})
	if err != nil {
		return a, fmt.Errorf("action %s: %w", id, err)
	}
	if a.UserID != userID {
		return domain.Action{}, fmt.Errorf("action %s: %w", id, repo.ErrNotFound)
	}
	return a, nil
}

// ActionListOptions filters ListActions. PendingOnly wins over States.
type ActionListOptions struct {
	UserID         string
	RelationshipID string
	States         []domain.ActionState
	PendingOnly    bool
}

func (e Engine) ListActions(ctx context.Context, opts ActionListOptions) ([]domain.Action, error) {
	if opts.UserID == "" {
		return nil, invalid("user_id", "required")
	}
	for _, s := range opts.States {
		if !s.Valid() {
			return nil, invalid("state", "unknown state %q", s)
		}
	}
	f := repo.ActionFilters{UserID: opts.UserID, RelationshipID: opts.RelationshipID, States: opts.States}
	if opts.PendingOnly {
		f = f.PendingOnly()
	}
	return retry.Value(ctx, e.Retry, func() ([]domain.Action, error) {
		return e.Repo.ListActions(ctx, f)
	})
}
