// Package signals aggregates a relationship and its action history into the
// decision state consumed by ranking.
package signals

import (
	"time"

	"cloud.google.com/go/civil"

	"touchline/internal/domain"
)

// DefaultCadence is the expected number of days between touches per tier.
var DefaultCadence = map[domain.Tier]int{
	domain.TierInner:      7,
	domain.TierActive:     14,
	domain.TierWarm:       30,
	domain.TierBackground: 90,
}

// Aggregate counts pending and overdue work, derives the response rate from
// action history and measures days since the last interaction. now is
// interpreted in loc to decide what "today" is.
func Aggregate(rel domain.Relationship, actions []domain.Action, now time.Time, loc *time.Location) domain.Signals {
	if loc == nil {
		loc = time.UTC
	}
	today := civil.DateOf(now.In(loc))
	s := domain.Signals{
		RelationshipID:    rel.ID,
		Tier:              rel.Tier,
		NegativeSentiment: rel.NegativeSentiment,
		OpenLoop:          rel.OpenLoop,
		DealStage:         rel.DealStage,
		MomentumScore:     rel.MomentumScore,
		MomentumTrend:     rel.MomentumTrend,
	}
	if rel.LastInteractionAt != nil {
		if ts, err := time.Parse(time.RFC3339, *rel.LastInteractionAt); err == nil {
			days := today.DaysSince(civil.DateOf(ts.In(loc)))
			if days < 0 {
				days = 0
			}
			s.DaysSinceContact = &days
		}
	}
	var sent, replied int
	for _, a := range actions {
		if a.RelationshipID != rel.ID {
			continue
		}
		switch a.State {
		case domain.StateSent:
			sent++
			s.AwaitingResponse = true
		case domain.StateReplied:
			replied++
		}
		if !a.State.Pending() {
			continue
		}
		s.PendingCount++
		if a.DueDate != (civil.Date{}) && a.DueDate.Before(today) {
			s.OverdueCount++
		}
	}
	if sent+replied > 0 {
		rate := float64(replied) / float64(sent+replied)
		s.ResponseRate = &rate
	}
	return s
}

// DecisionState attaches the tier cadence and a computed-at stamp.
// Missing cadence entries fall back to DefaultCadence.
func DecisionState(s domain.Signals, cadence map[domain.Tier]int, now time.Time) domain.DecisionState {
	days, ok := cadence[s.Tier]
	if !ok || days <= 0 {
		days = DefaultCadence[s.Tier]
	}
	return domain.DecisionState{
		Signals:     s,
		CadenceDays: days,
		ComputedAt:  domain.FormatTime(now),
	}
}
