package engine

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"golang.org/x/sync/errgroup"

	"touchline/internal/config"
	"touchline/internal/domain"
	"touchline/internal/signals"
)

// refreshConcurrency bounds parallel refreshes; SQLite takes one writer at a time.
const refreshConcurrency = 4

// RefreshDecisionState recomputes the cached decision state of one relationship.
func (e Engine) RefreshDecisionState(ctx context.Context, userID, relationshipID string) (domain.DecisionState, error) {
	rel, err := e.relationshipFor(ctx, userID, relationshipID)
	if err != nil {
		return domain.DecisionState{}, err
	}
	cfg, err := e.ConfigFor(ctx, userID)
	if err != nil {
		return domain.DecisionState{}, err
	}
	unlock := e.lockRelationship(rel.ID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DecisionState{}, err
	}
	defer tx.Rollback()
	ds, err := e.refreshTx(ctx, tx, cfg, rel.ID)
	if err != nil {
		return ds, err
	}
	return ds, tx.Commit()
}

// RefreshAll recomputes every relationship of a user and returns how many
// were refreshed.
func (e Engine) RefreshAll(ctx context.Context, userID string) (int, error) {
	rels, err := e.ListRelationships(ctx, userID)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, rel := range rels {
		g.Go(func() error {
			if _, err := e.RefreshDecisionState(gctx, userID, rel.ID); err != nil {
				return fmt.Errorf("refresh %s: %w", rel.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	e.log().Info("decision states refreshed", "user_id", userID, "count", len(rels))
	return len(rels), nil
}

// currentState returns stored when it was computed today in the user's zone.
// An older state is recomputed from history in memory; overdue counts and
// days since contact move with the calendar even when no row changes.
// A missing state stays missing.
func (e Engine) currentState(stored *domain.DecisionState, rel domain.Relationship, history []domain.Action, cfg *config.Config) *domain.DecisionState {
	if stored == nil || !staleState(stored, e.Today(cfg), cfg.Location()) {
		return stored
	}
	now := e.now()
	ds := signals.DecisionState(signals.Aggregate(rel, history, now, cfg.Location()), cfg.Cadence(), now)
	return &ds
}

func staleState(ds *domain.DecisionState, today civil.Date, loc *time.Location) bool {
	ts, err := time.Parse(time.RFC3339, ds.ComputedAt)
	if err != nil {
		return true
	}
	return civil.DateOf(ts.In(loc)).Before(today)
}
