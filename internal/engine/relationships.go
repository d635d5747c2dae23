package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"touchline/internal/config"
	"touchline/internal/domain"
	"touchline/internal/events"
	"touchline/internal/ranking"
	"touchline/internal/repo"
	"touchline/internal/retry"
	"touchline/internal/signals"
)

type RelationshipCreateOptions struct {
	ID                string
	UserID            string
	Name              string
	Tier              domain.Tier
	LastInteractionAt string
	MomentumScore     *float64
	MomentumTrend     string
	NegativeSentiment bool
	OpenLoop          bool
	DealStage         bool
}

func (e Engine) CreateRelationship(ctx context.Context, opts RelationshipCreateOptions) (domain.Relationship, error) {
	if opts.UserID == "" {
		return domain.Relationship{}, invalid("user_id", "required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Relationship{}, invalid("name", "required")
	}
	if opts.Tier == "" {
		opts.Tier = domain.TierWarm
	}
	if !opts.Tier.Valid() {
		return domain.Relationship{}, invalid("tier", "unknown tier %q", opts.Tier)
	}
	if err := validateMomentum(opts.MomentumScore, opts.MomentumTrend); err != nil {
		return domain.Relationship{}, err
	}
	last, err := normalizeTimestamp("last_interaction_at", opts.LastInteractionAt)
	if err != nil {
		return domain.Relationship{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	rel := domain.Relationship{
		ID:                id,
		UserID:            opts.UserID,
		Name:              name,
		Tier:              opts.Tier,
		LastInteractionAt: last,
		MomentumScore:     opts.MomentumScore,
		MomentumTrend:     opts.MomentumTrend,
		NegativeSentiment: opts.NegativeSentiment,
		OpenLoop:          opts.OpenLoop,
		DealStage:         opts.DealStage,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	cfg, err := e.ConfigFor(ctx, opts.UserID)
	if err != nil {
		return domain.Relationship{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Relationship{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRelationship(ctx, tx, rel); err != nil {
		return domain.Relationship{}, fmt.Errorf("insert relationship: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.RelationshipCreated, rel.UserID, "relationship", rel.ID, events.EventPayload{
		"name": rel.Name,
		"tier": rel.Tier,
	}); err != nil {
		return domain.Relationship{}, err
	}
	if _, err := e.refreshTx(ctx, tx, cfg, rel.ID); err != nil {
		return domain.Relationship{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Relationship{}, err
	}
	return rel, nil
}

// RelationshipUpdateOptions carries the fields to change; nil leaves a field as is.
// An empty LastInteractionAt clears it.
type RelationshipUpdateOptions struct {
	ID                string
	UserID            string
	Name              *string
	Tier              *domain.Tier
	LastInteractionAt *string
	MomentumScore     *float64
	MomentumTrend     *string
	NegativeSentiment *bool
	OpenLoop          *bool
	DealStage         *bool
}

func (e Engine) UpdateRelationship(ctx context.Context, opts RelationshipUpdateOptions) (domain.Relationship, error) {
	rel, err := e.relationshipFor(ctx, opts.UserID, opts.ID)
	if err != nil {
		return rel, err
	}
	cfg, err := e.ConfigFor(ctx, opts.UserID)
	if err != nil {
		return rel, err
	}
	changed := []string{}
	if opts.Name != nil {
		name := strings.TrimSpace(*opts.Name)
		if name == "" {
			return rel, invalid("name", "required")
		}
		rel.Name = name
		changed = append(changed, "name")
	}
	if opts.Tier != nil {
		if !opts.Tier.Valid() {
			return rel, invalid("tier", "unknown tier %q", *opts.Tier)
		}
		rel.Tier = *opts.Tier
		changed = append(changed, "tier")
	}
	if opts.LastInteractionAt != nil {
		last, err := normalizeTimestamp("last_interaction_at", *opts.LastInteractionAt)
		if err != nil {
			return rel, err
		}
		rel.LastInteractionAt = last
		changed = append(changed, "last_interaction_at")
	}
	if opts.MomentumScore != nil {
		rel.MomentumScore = opts.MomentumScore
		changed = append(changed, "momentum_score")
	}
	if opts.MomentumTrend != nil {
		rel.MomentumTrend = *opts.MomentumTrend
		changed = append(changed, "momentum_trend")
	}
	if err := validateMomentum(rel.MomentumScore, rel.MomentumTrend); err != nil {
		return rel, err
	}
	if opts.NegativeSentiment != nil {
		rel.NegativeSentiment = *opts.NegativeSentiment
		changed = append(changed, "negative_sentiment")
	}
	if opts.OpenLoop != nil {
		rel.OpenLoop = *opts.OpenLoop
		changed = append(changed, "open_loop")
	}
	if opts.DealStage != nil {
		rel.DealStage = *opts.DealStage
		changed = append(changed, "deal_stage")
	}
	if len(changed) == 0 {
		return rel, nil
	}
	rel.UpdatedAt = e.stamp()

	unlock := e.lockRelationship(rel.ID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rel, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRelationship(ctx, tx, rel); err != nil {
		return rel, fmt.Errorf("update relationship: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.RelationshipUpdated, rel.UserID, "relationship", rel.ID, events.EventPayload{
		"fields": changed,
	}); err != nil {
		return rel, err
	}
	if _, err := e.refreshTx(ctx, tx, cfg, rel.ID); err != nil {
		return rel, err
	}
	if err := tx.Commit(); err != nil {
		return rel, err
	}
	return rel, nil
}

func (e Engine) GetRelationship(ctx context.Context, userID, id string) (domain.Relationship, error) {
	return e.relationshipFor(ctx, userID, id)
}

func (e Engine) ListRelationships(ctx context.Context, userID string) ([]domain.Relationship, error) {
	if userID == "" {
		return nil, invalid("user_id", "required")
	}
	return retry.Value(ctx, e.Retry, func() ([]domain.Relationship, error) {
		return e.Repo.ListRelationships(ctx, userID)
	})
}

// Assessment is the stored decision state of a relationship with its lane
// and display label.
type Assessment struct {
	Relationship domain.Relationship       `json:"relationship"`
	State        *domain.DecisionState     `json:"decision_state,omitempty"`
	Lane         domain.Lane               `json:"lane"`
	Score        ranking.RelationshipScore `json:"score"`
	Label        ranking.Assessment        `json:"label"`
}

// Assess reads the cached decision state, recomputed in memory when it dates
// from an earlier day. A relationship without one lands in on_deck.
func (e Engine) Assess(ctx context.Context, userID, relationshipID string) (Assessment, error) {
	rel, err := e.relationshipFor(ctx, userID, relationshipID)
	if err != nil {
		return Assessment{}, err
	}
	cfg, err := e.ConfigFor(ctx, userID)
	if err != nil {
		return Assessment{}, err
	}
	state, err := e.Repo.GetDecisionState(ctx, rel.ID)
	if err != nil && !isNotFound(err) {
		return Assessment{}, err
	}
	if state != nil && staleState(state, e.Today(cfg), cfg.Location()) {
		history, err := e.ListActions(ctx, ActionListOptions{UserID: userID, RelationshipID: rel.ID})
		if err != nil {
			return Assessment{}, err
		}
		state = e.currentState(state, rel, history, cfg)
	}
	cls := ranking.ClassifyAndScore(state, cfg.Ranking())
	return Assessment{
		Relationship: rel,
		State:        state,
		Lane:         cls.Lane,
		Score:        cls.Score,
		Label:        ranking.Label(state),
	}, nil
}

// refreshTx recomputes and stores the decision state of one relationship
// from the rows visible to tx.
func (e Engine) refreshTx(ctx context.Context, tx *sql.Tx, cfg *config.Config, relationshipID string) (domain.DecisionState, error) {
	rel, err := e.Repo.GetRelationshipTx(ctx, tx, relationshipID)
	if err != nil {
		return domain.DecisionState{}, fmt.Errorf("refresh %s: %w", relationshipID, err)
	}
	actions, err := e.Repo.ListActionsTx(ctx, tx, repo.ActionFilters{RelationshipID: rel.ID})
	if err != nil {
		return domain.DecisionState{}, fmt.Errorf("refresh %s: %w", relationshipID, err)
	}
	now := e.now()
	ds := signals.DecisionState(signals.Aggregate(rel, actions, now, cfg.Location()), cfg.Cadence(), now)
	if err := e.Repo.UpsertDecisionState(ctx, tx, ds); err != nil {
		return ds, fmt.Errorf("store decision state: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.DecisionStateRefresh, rel.UserID, "relationship", rel.ID, events.EventPayload{
		"pending": ds.PendingCount,
		"overdue": ds.OverdueCount,
	}); err != nil {
		return ds, err
	}
	return ds, nil
}

func validateMomentum(score *float64, trend string) error {
	if score != nil && (*score < 0 || *score > 1) {
		return invalid("momentum_score", "must be within [0,1]")
	}
	switch trend {
	case "", "rising", "steady", "falling":
		return nil
	}
	return invalid("momentum_trend", "unknown trend %q", trend)
}

func normalizeTimestamp(field, v string) (*string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, invalid(field, "expected RFC3339 timestamp")
	}
	out := domain.FormatTime(ts)
	return &out, nil
}
