package ranking

import (
	"touchline/internal/domain"
)

type Level string

const (
	LevelHigh Level = "high"
	LevelLow  Level = "low"
)

// Assessment is the qualitative urgency/value label shown next to a
// relationship. It is informational and never feeds ranking.
type Assessment struct {
	Urgency Level  `json:"urgency"`
	Value   Level  `json:"value"`
	Text    string `json:"text"`
}

// Label derives the display label from the same decision state the scorer
// reads. Missing or malformed state reads as low on both axes.
func Label(state *domain.DecisionState) Assessment {
	a := Assessment{Urgency: LevelLow, Value: LevelLow}
	if wellFormed(state) {
		if urgentSignals(state) {
			a.Urgency = LevelHigh
		}
		if state.Tier == domain.TierInner || state.Tier == domain.TierActive || state.DealStage {
			a.Value = LevelHigh
		}
	}
	a.Text = string(a.Urgency) + " urgency, " + string(a.Value) + " value"
	return a
}

func urgentSignals(s *domain.DecisionState) bool {
	if s.OverdueCount > 0 {
		return true
	}
	if s.DaysSinceContact != nil && *s.DaysSinceContact > s.CadenceDays {
		return true
	}
	if s.NegativeSentiment {
		return true
	}
	return s.OpenLoop && s.AwaitingResponse
}
