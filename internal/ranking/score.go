package ranking

import (
	"cloud.google.com/go/civil"

	"touchline/internal/domain"
)

const (
	dueTodayUrgency   = 0.7
	urgencyRampDays   = 14
	overdueCapDays    = 7
	effortCeilingMins = 60
	unknownEffortBias = 0.5
	awaitingStallRisk = 0.5
)

var tierValue = map[domain.Tier]float64{
	domain.TierInner:      1.0,
	domain.TierActive:     0.75,
	domain.TierWarm:       0.5,
	domain.TierBackground: 0.25,
}

// ScoreAction combines the action's own sub-scores with the relationship
// score into a breakdown whose total lies in [0,1].
func ScoreAction(a domain.Action, rel RelationshipScore, today civil.Date, cfg Config) domain.ScoreBreakdown {
	b := domain.ScoreBreakdown{
		Urgency:    urgency(a.DueDate, today),
		StallRisk:  clamp01(rel.StallRisk),
		Value:      clamp01(rel.Value),
		EffortBias: effortBias(a.EstimatedMinutes),
	}
	b.Total = total(b, cfg.Weights)
	return b
}

func total(b domain.ScoreBreakdown, w Weights) float64 {
	sum := w.Urgency + w.StallRisk + w.Value + w.EffortBias
	if sum <= 0 {
		w = DefaultConfig().Weights
		sum = w.Urgency + w.StallRisk + w.Value + w.EffortBias
	}
	t := w.Urgency*b.Urgency + w.StallRisk*b.StallRisk + w.Value*b.Value + w.EffortBias*b.EffortBias
	return clamp01(t / sum)
}

func urgency(due, today civil.Date) float64 {
	if due == (civil.Date{}) {
		return 0
	}
	d := due.DaysSince(today)
	switch {
	case d < 0:
		overdue := -d
		if overdue > overdueCapDays {
			overdue = overdueCapDays
		}
		return dueTodayUrgency + (1-dueTodayUrgency)*float64(overdue)/overdueCapDays
	case d == 0:
		return dueTodayUrgency
	default:
		if d > urgencyRampDays {
			d = urgencyRampDays
		}
		return dueTodayUrgency * (1 - float64(d)/urgencyRampDays)
	}
}

func stallRisk(s *domain.DecisionState) float64 {
	risk := 0.0
	if s.DaysSinceContact != nil {
		risk = clamp01(float64(*s.DaysSinceContact) / float64(2*s.CadenceDays))
	}
	if s.AwaitingResponse && risk < awaitingStallRisk {
		risk = awaitingStallRisk
	}
	return risk
}

func relationshipValue(s *domain.DecisionState) float64 {
	v := 0.6 * tierValue[s.Tier]
	if s.ResponseRate != nil {
		v += 0.2 * clamp01(*s.ResponseRate)
	}
	if s.DealStage {
		v += 0.2
	}
	return clamp01(v)
}

func effortBias(est *int) float64 {
	if est == nil {
		return unknownEffortBias
	}
	m := *est
	if m < 0 {
		m = 0
	}
	if m > effortCeilingMins {
		m = effortCeilingMins
	}
	return 1 - float64(m)/effortCeilingMins
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
