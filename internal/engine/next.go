package engine

import (
	"context"
	"fmt"

	"touchline/internal/domain"
	"touchline/internal/ranking"
	"touchline/internal/retry"
)

// AllowedDurations are the accepted time budgets in minutes.
var AllowedDurations = []int{5, 10, 15}

// ValidDuration reports whether minutes is one of AllowedDurations.
func ValidDuration(minutes int) bool {
	for _, d := range AllowedDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

// Recommendation is the single best next move.
type Recommendation struct {
	ranking.Candidate
	Reason string `json:"reason"`
}

// NextAction picks the best open action, optionally within a time budget.
func (e Engine) NextAction(ctx context.Context, userID string, maxDurationMinutes *int) (Recommendation, error) {
	if maxDurationMinutes != nil && !ValidDuration(*maxDurationMinutes) {
		return Recommendation{}, invalid("max_duration", "must be one of 5, 10 or 15")
	}
	candidates, err := e.candidates(ctx, userID)
	if err != nil {
		return Recommendation{}, err
	}
	best, ok := ranking.SelectBest(candidates, maxDurationMinutes)
	if !ok {
		return Recommendation{}, ErrNoEligibleAction
	}
	return Recommendation{Candidate: best, Reason: ranking.Reason(best)}, nil
}

// RankActions returns every open action in selection order.
func (e Engine) RankActions(ctx context.Context, userID string) ([]ranking.Candidate, error) {
	candidates, err := e.candidates(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ranking.Rank(candidates), nil
}

func (e Engine) candidates(ctx context.Context, userID string) ([]ranking.Candidate, error) {
	cfg, err := e.ConfigFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	all, err := e.ListActions(ctx, ActionListOptions{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("read actions: %w", err)
	}
	history := make(map[string][]domain.Action)
	var open []domain.Action
	for _, a := range all {
		history[a.RelationshipID] = append(history[a.RelationshipID], a)
		if a.State.Pending() {
			open = append(open, a)
		}
	}
	if len(open) == 0 {
		return nil, nil
	}
	rels, err := e.ListRelationships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read relationships: %w", err)
	}
	stored, err := retry.Value(ctx, e.Retry, func() (map[string]*domain.DecisionState, error) {
		return e.Repo.ListDecisionStates(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("read decision states: %w", err)
	}
	names := make(map[string]string, len(rels))
	states := make(map[string]*domain.DecisionState, len(rels))
	for _, r := range rels {
		names[r.ID] = r.Name
		states[r.ID] = e.currentState(stored[r.ID], r, history[r.ID], cfg)
	}

	today := e.Today(cfg)
	rcfg := cfg.Ranking()
	out := make([]ranking.Candidate, 0, len(open))
	for _, a := range open {
		state := states[a.RelationshipID]
		cls := ranking.ClassifyAndScore(state, rcfg)
		out = append(out, ranking.Candidate{
			Action:           a,
			RelationshipName: names[a.RelationshipID],
			Lane:             cls.Lane,
			Score:            ranking.ScoreAction(a, cls.Score, today, rcfg),
			Label:            ranking.Label(state),
		})
	}
	return out, nil
}
