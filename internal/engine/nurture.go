package engine

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"

	"touchline/internal/config"
	"touchline/internal/domain"
	"touchline/internal/schedule"
	"touchline/internal/signals"
)

// Nurture proposes one nurture touch for every relationship that has gone
// quiet for at least its cadence (or was never contacted) and has nothing
// open. Each proposal goes through the scheduler.
func (e Engine) Nurture(ctx context.Context, userID string) ([]ScheduledAction, error) {
	cfg, err := e.ConfigFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	rels, err := e.ListRelationships(ctx, userID)
	if err != nil {
		return nil, err
	}
	today := e.Today(cfg)
	lead := cfg.Nurture.LeadDays
	if lead < 0 {
		lead = 0
	}
	cadence := cfg.Cadence()
	var out []ScheduledAction
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		history, err := e.ListActions(ctx, ActionListOptions{UserID: userID, RelationshipID: rel.ID})
		if err != nil {
			return out, err
		}
		ds := signals.DecisionState(signals.Aggregate(rel, history, e.now(), cfg.Location()), cadence, e.now())
		if !dueForNurture(ds) {
			continue
		}
		created, ok, err := e.proposeNurture(ctx, cfg, rel, today, today.AddDays(lead))
		if err != nil {
			return out, fmt.Errorf("nurture %s: %w", rel.ID, err)
		}
		if ok {
			out = append(out, created)
		}
	}
	e.log().Info("nurture pass finished", "user_id", userID, "proposed", len(out))
	return out, nil
}

// proposeNurture stores one nurture action unless the relationship gained
// open work since it was checked. ok is false when it was skipped.
func (e Engine) proposeNurture(ctx context.Context, cfg *config.Config, rel domain.Relationship, today, proposed civil.Date) (ScheduledAction, bool, error) {
	unlock := e.lockRelationship(rel.ID)
	defer unlock()

	existing, err := e.pendingActions(ctx, rel.ID)
	if err != nil {
		return ScheduledAction{}, false, err
	}
	if len(existing) > 0 {
		e.log().Debug("nurture skipped, relationship has open work", "relationship_id", rel.ID, "pending", len(existing))
		return ScheduledAction{}, false, nil
	}
	na := NewAction{
		Type:         domain.TypeNurture,
		Title:        "Check in with " + rel.Name,
		ProposedDate: proposed,
		Source:       "nurture",
	}
	res := schedule.ScheduleOne(existing, proposed, today, cfg.SchedulingFor(rel.Tier))
	created, err := e.storeScheduled(ctx, cfg, rel, []NewAction{na}, []schedule.Result{res})
	if err != nil {
		return ScheduledAction{}, false, err
	}
	return created[0], true, nil
}

func dueForNurture(ds domain.DecisionState) bool {
	if ds.PendingCount > 0 {
		return false
	}
	return ds.DaysSinceContact == nil || *ds.DaysSinceContact >= ds.CadenceDays
}
