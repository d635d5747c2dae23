package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"touchline/internal/config"
	"touchline/internal/domain"
	"touchline/internal/events"
	"touchline/internal/repo"
	"touchline/internal/retry"
	"touchline/internal/schedule"
)

// ScheduleOptions is a batch scheduling request for one relationship.
// MaxPerDay and HorizonDays override the configured values when set.
type ScheduleOptions struct {
	UserID         string
	RelationshipID string
	ProposedDates  []civil.Date
	MaxPerDay      *int
	HorizonDays    *int
}

func (o ScheduleOptions) validate() error {
	if o.UserID == "" {
		return invalid("user_id", "required")
	}
	if o.RelationshipID == "" {
		return invalid("relationship_id", "required")
	}
	if len(o.ProposedDates) == 0 {
		return invalid("proposed_dates", "at least one date required")
	}
	for i, d := range o.ProposedDates {
		if !d.IsValid() {
			return invalid("proposed_dates", "entry %d is not a valid date", i)
		}
	}
	if o.MaxPerDay != nil && *o.MaxPerDay < 1 {
		return invalid("max_actions_per_day", "must be at least 1")
	}
	if o.HorizonDays != nil && *o.HorizonDays < 1 {
		return invalid("horizon_days", "must be at least 1")
	}
	return nil
}

// options resolves the cap and horizon: call override, then tier override,
// then user default, then the built-in defaults.
func (o ScheduleOptions) options(cfg *config.Config, tier domain.Tier) schedule.Options {
	opts := cfg.SchedulingFor(tier)
	if o.MaxPerDay != nil {
		opts.MaxPerDay = *o.MaxPerDay
	}
	if o.HorizonDays != nil {
		opts.HorizonDays = *o.HorizonDays
	}
	return opts
}

// ScheduleActions places the proposed dates against the relationship's open
// actions without writing anything.
func (e Engine) ScheduleActions(ctx context.Context, opts ScheduleOptions) ([]schedule.Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	rel, err := e.relationshipFor(ctx, opts.UserID, opts.RelationshipID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.ConfigFor(ctx, opts.UserID)
	if err != nil {
		return nil, err
	}
	existing, err := e.pendingActions(ctx, rel.ID)
	if err != nil {
		return nil, err
	}
	return schedule.Schedule(existing, opts.ProposedDates, e.Today(cfg), opts.options(cfg, rel.Tier)), nil
}

// NewAction describes one action of a batch. A zero ProposedDate means today.
type NewAction struct {
	Type             domain.ActionType
	Title            string
	ProposedDate     civil.Date
	EstimatedMinutes *int
	Source           string
}

type CreateActionsOptions struct {
	UserID         string
	RelationshipID string
	Actions        []NewAction
	MaxPerDay      *int
	HorizonDays    *int
}

// ScheduledAction is a stored action with the placement that produced its due date.
type ScheduledAction struct {
	Action   domain.Action   `json:"action"`
	Schedule schedule.Result `json:"schedule"`
}

var validSources = map[string]bool{"manual": true, "nurture": true, "extraction": true}

// CreateActions schedules and stores a batch of actions for one relationship.
// Runs for the same relationship are serialized from the capacity read to
// the commit, so concurrent batches never share the last free slot.
func (e Engine) CreateActions(ctx context.Context, opts CreateActionsOptions) ([]ScheduledAction, error) {
	cfg, err := e.ConfigFor(ctx, opts.UserID)
	if err != nil {
		return nil, err
	}
	today := e.Today(cfg)
	sopts := ScheduleOptions{
		UserID:         opts.UserID,
		RelationshipID: opts.RelationshipID,
		MaxPerDay:      opts.MaxPerDay,
		HorizonDays:    opts.HorizonDays,
	}
	for i := range opts.Actions {
		na := &opts.Actions[i]
		if na.Type == "" {
			na.Type = domain.TypeFollowUp
		}
		if !na.Type.Valid() {
			return nil, invalid("type", "unknown action type %q", na.Type)
		}
		if na.Source == "" {
			na.Source = "manual"
		}
		if !validSources[na.Source] {
			return nil, invalid("source", "unknown source %q", na.Source)
		}
		if na.EstimatedMinutes != nil && *na.EstimatedMinutes < 0 {
			return nil, invalid("estimated_minutes", "must not be negative")
		}
		if na.ProposedDate == (civil.Date{}) {
			na.ProposedDate = today
		}
		sopts.ProposedDates = append(sopts.ProposedDates, na.ProposedDate)
	}
	if err := sopts.validate(); err != nil {
		return nil, err
	}
	rel, err := e.relationshipFor(ctx, opts.UserID, opts.RelationshipID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockRelationship(rel.ID)
	defer unlock()

	existing, err := e.pendingActions(ctx, rel.ID)
	if err != nil {
		return nil, err
	}
	results := schedule.Schedule(existing, sopts.ProposedDates, today, sopts.options(cfg, rel.Tier))
	return e.storeScheduled(ctx, cfg, rel, opts.Actions, results)
}

// storeScheduled writes placed actions with their events and refreshes the
// decision state in one transaction. The caller holds the relationship lock.
func (e Engine) storeScheduled(ctx context.Context, cfg *config.Config, rel domain.Relationship, actions []NewAction, results []schedule.Result) ([]ScheduledAction, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.stamp()
	out := make([]ScheduledAction, 0, len(results))
	fallbacks := 0
	for i, res := range results {
		na := actions[i]
		a := domain.Action{
			ID:               uuid.NewString(),
			RelationshipID:   rel.ID,
			UserID:           rel.UserID,
			Type:             na.Type,
			Title:            strings.TrimSpace(na.Title),
			State:            domain.StateNew,
			DueDate:          res.ScheduledDate,
			EstimatedMinutes: na.EstimatedMinutes,
			Source:           na.Source,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.Repo.InsertAction(ctx, tx, a); err != nil {
			return nil, fmt.Errorf("insert action: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.ActionCreated, a.UserID, "action", a.ID, events.EventPayload{
			"relationship_id": rel.ID,
			"type":            a.Type,
			"source":          a.Source,
			"proposed_date":   res.ProposedDate.String(),
			"scheduled_date":  res.ScheduledDate.String(),
			"fallback":        res.Fallback,
		}); err != nil {
			return nil, err
		}
		if a.Source == "nurture" {
			if err := e.Events.Append(ctx, tx, events.NurtureActionProposed, a.UserID, "action", a.ID, events.EventPayload{
				"relationship_id": rel.ID,
				"due_date":        a.DueDate.String(),
			}); err != nil {
				return nil, err
			}
		}
		if res.Fallback {
			fallbacks++
			e.log().Warn("no free slot within horizon, keeping proposed date",
				"relationship_id", rel.ID, "action_id", a.ID, "proposed_date", res.ProposedDate.String())
		}
		out = append(out, ScheduledAction{Action: a, Schedule: res})
	}
	if err := e.Events.Append(ctx, tx, events.ActionScheduled, rel.UserID, "relationship", rel.ID, events.EventPayload{
		"count":     len(out),
		"fallbacks": fallbacks,
	}); err != nil {
		return nil, err
	}
	if _, err := e.refreshTx(ctx, tx, cfg, rel.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.log().Debug("actions scheduled", "relationship_id", rel.ID, "count", len(out), "fallbacks", fallbacks)
	return out, nil
}

func (e Engine) pendingActions(ctx context.Context, relationshipID string) ([]domain.Action, error) {
	actions, err := retry.Value(ctx, e.Retry, func() ([]domain.Action, error) {
		return e.Repo.ListActions(ctx, repo.ActionFilters{RelationshipID: relationshipID}.PendingOnly())
	})
	if err != nil {
		return nil, fmt.Errorf("read open actions: %w", err)
	}
	return actions, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
