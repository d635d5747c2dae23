// Package ranking classifies relationships into lanes, scores their open
// actions and picks the single best next action. Everything here is a pure
// function of its inputs; "today" is always passed in.
package ranking

import (
	"touchline/internal/domain"
)

// Weights combine the four sub-scores into a total.
type Weights struct {
	Urgency    float64
	StallRisk  float64
	Value      float64
	EffortBias float64
}

// Config holds the tunables used by classification and scoring.
type Config struct {
	Weights            Weights
	InMotionWindowDays int
	OpenLoopGraceDays  int
}

// DefaultConfig mirrors the defaults shipped in touchline.yml.
func DefaultConfig() Config {
	return Config{
		Weights:            Weights{Urgency: 0.35, StallRisk: 0.25, Value: 0.25, EffortBias: 0.15},
		InMotionWindowDays: 14,
		OpenLoopGraceDays:  3,
	}
}

// RelationshipScore holds the sub-scores that depend only on the relationship.
type RelationshipScore struct {
	StallRisk float64 `json:"stall_risk"`
	Value     float64 `json:"value"`
}

type Classification struct {
	Lane  domain.Lane       `json:"lane"`
	Score RelationshipScore `json:"score"`
}

// ClassifyAndScore assigns the relationship's lane and its relationship-level
// sub-scores. A nil or malformed state yields on_deck with zero scores.
func ClassifyAndScore(state *domain.DecisionState, cfg Config) Classification {
	if !wellFormed(state) {
		return Classification{Lane: domain.LaneOnDeck}
	}
	return Classification{
		Lane: classifyLane(state, cfg),
		Score: RelationshipScore{
			StallRisk: stallRisk(state),
			Value:     relationshipValue(state),
		},
	}
}

func wellFormed(s *domain.DecisionState) bool {
	if s == nil || s.RelationshipID == "" {
		return false
	}
	if s.PendingCount < 0 || s.OverdueCount < 0 || s.CadenceDays <= 0 {
		return false
	}
	if s.DaysSinceContact != nil && *s.DaysSinceContact < 0 {
		return false
	}
	return s.Tier.Valid()
}

func classifyLane(s *domain.DecisionState, cfg Config) domain.Lane {
	if s.OverdueCount > 0 {
		return domain.LanePriority
	}
	if s.DaysSinceContact != nil {
		days := *s.DaysSinceContact
		if (s.OpenLoop || s.NegativeSentiment) && days > cfg.OpenLoopGraceDays {
			return domain.LanePriority
		}
		if s.DealStage && days >= s.CadenceDays {
			return domain.LanePriority
		}
		if (s.PendingCount > 0 || s.AwaitingResponse) && days <= cfg.InMotionWindowDays {
			return domain.LaneInMotion
		}
	}
	return domain.LaneOnDeck
}
