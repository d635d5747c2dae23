package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// ActionState is the lifecycle state of an action. Transitions are owned by
// the surrounding product; touchline only records them.
type ActionState string

const (
	StateNew     ActionState = "new"
	StateSent    ActionState = "sent"
	StateSnoozed ActionState = "snoozed"
	StateReplied ActionState = "replied"
	StateDone    ActionState = "done"
)

// Pending reports whether the state still occupies scheduling capacity.
func (s ActionState) Pending() bool {
	switch s {
	case StateNew, StateSent, StateSnoozed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s ActionState) Valid() bool {
	return s.Pending() || s == StateReplied || s == StateDone
}

// PendingStates lists the states that count as open work.
var PendingStates = []ActionState{StateNew, StateSent, StateSnoozed}

type ActionType string

const (
	TypeOutreach ActionType = "outreach"
	TypeFollowUp ActionType = "follow_up"
	TypeNurture  ActionType = "nurture"
	TypePostCall ActionType = "post_call"
	TypeContent  ActionType = "content"
)

func (t ActionType) Valid() bool {
	switch t {
	case TypeOutreach, TypeFollowUp, TypeNurture, TypePostCall, TypeContent:
		return true
	}
	return false
}

type Tier string

const (
	TierInner      Tier = "inner"
	TierActive     Tier = "active"
	TierWarm       Tier = "warm"
	TierBackground Tier = "background"
)

// Tiers is ordered from closest to most distant.
var Tiers = []Tier{TierInner, TierActive, TierWarm, TierBackground}

func (t Tier) Valid() bool {
	for _, v := range Tiers {
		if t == v {
			return true
		}
	}
	return false
}

type Lane string

const (
	LanePriority Lane = "priority"
	LaneInMotion Lane = "in_motion"
	LaneOnDeck   Lane = "on_deck"
)

// Rank orders lanes for selection. Unknown lanes sort last.
func (l Lane) Rank() int {
	switch l {
	case LanePriority:
		return 0
	case LaneInMotion:
		return 1
	case LaneOnDeck:
		return 2
	}
	return 99
}

type Action struct {
	ID               string      `json:"id"`
	RelationshipID   string      `json:"relationship_id"`
	UserID           string      `json:"user_id"`
	Type             ActionType  `json:"type"`
	Title            string      `json:"title,omitempty"`
	State            ActionState `json:"state"`
	DueDate          civil.Date  `json:"due_date"`
	EstimatedMinutes *int        `json:"estimated_minutes,omitempty"`
	Source           string      `json:"source,omitempty"`
	CompletedAt      *string     `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`
}

type Relationship struct {
	ID                string   `json:"id"`
	UserID            string   `json:"user_id"`
	Name              string   `json:"name"`
	Tier              Tier     `json:"tier"`
	LastInteractionAt *string  `json:"last_interaction_at,omitempty" format:"date-time"`
	MomentumScore     *float64 `json:"momentum_score,omitempty"`
	MomentumTrend     string   `json:"momentum_trend,omitempty"`
	NegativeSentiment bool     `json:"negative_sentiment"`
	OpenLoop          bool     `json:"open_loop"`
	DealStage         bool     `json:"deal_stage"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

// Signals is the per-relationship aggregate read from the store.
type Signals struct {
	RelationshipID    string   `json:"relationship_id"`
	Tier              Tier     `json:"tier"`
	DaysSinceContact  *int     `json:"days_since_contact,omitempty"`
	PendingCount      int      `json:"pending_count"`
	OverdueCount      int      `json:"overdue_count"`
	AwaitingResponse  bool     `json:"awaiting_response"`
	NegativeSentiment bool     `json:"negative_sentiment"`
	OpenLoop          bool     `json:"open_loop"`
	DealStage         bool     `json:"deal_stage"`
	ResponseRate      *float64 `json:"response_rate,omitempty"`
	MomentumScore     *float64 `json:"momentum_score,omitempty"`
	MomentumTrend     string   `json:"momentum_trend,omitempty"`
}

// DecisionState is the precomputed snapshot consumed by ranking.
type DecisionState struct {
	Signals
	CadenceDays int    `json:"cadence_days"`
	ComputedAt  string `json:"computed_at" format:"date-time"`
}

type ScoreBreakdown struct {
	Urgency    float64 `json:"urgency"`
	StallRisk  float64 `json:"stall_risk"`
	Value      float64 `json:"value"`
	EffortBias float64 `json:"effort_bias"`
	Total      float64 `json:"total"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UserID     string `json:"user_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// FormatTime renders timestamps the way they are stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
