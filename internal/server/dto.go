package server

import (
	"encoding/json"
	"fmt"

	"cloud.google.com/go/civil"

	"touchline/internal/domain"
	"touchline/internal/engine"
	"touchline/internal/ranking"
	"touchline/internal/schedule"
)

// Request payloads

type CreateRelationshipRequest struct {
	ID                string   `json:"id,omitempty"`
	Name              string   `json:"name" minLength:"1"`
	Tier              string   `json:"tier,omitempty" enum:"inner,active,warm,background"`
	LastInteractionAt string   `json:"last_interaction_at,omitempty" format:"date-time"`
	MomentumScore     *float64 `json:"momentum_score,omitempty" minimum:"0" maximum:"1"`
	MomentumTrend     string   `json:"momentum_trend,omitempty" enum:"rising,steady,falling"`
	NegativeSentiment bool     `json:"negative_sentiment,omitempty"`
	OpenLoop          bool     `json:"open_loop,omitempty"`
	DealStage         bool     `json:"deal_stage,omitempty"`
}

type UpdateRelationshipRequest struct {
	Name              *string  `json:"name,omitempty"`
	Tier              *string  `json:"tier,omitempty" enum:"inner,active,warm,background"`
	LastInteractionAt *string  `json:"last_interaction_at,omitempty"`
	MomentumScore     *float64 `json:"momentum_score,omitempty" minimum:"0" maximum:"1"`
	MomentumTrend     *string  `json:"momentum_trend,omitempty"`
	NegativeSentiment *bool    `json:"negative_sentiment,omitempty"`
	OpenLoop          *bool    `json:"open_loop,omitempty"`
	DealStage         *bool    `json:"deal_stage,omitempty"`
}

type ScheduleRequest struct {
	ProposedDates    []string `json:"proposed_dates" minItems:"1" doc:"Preferred dates, YYYY-MM-DD"`
	MaxActionsPerDay *int     `json:"max_actions_per_day,omitempty" minimum:"1"`
	HorizonDays      *int     `json:"horizon_days,omitempty" minimum:"1"`
}

type NewActionRequest struct {
	Type             string `json:"type,omitempty" enum:"outreach,follow_up,nurture,post_call,content"`
	Title            string `json:"title,omitempty"`
	ProposedDate     string `json:"proposed_date,omitempty" doc:"Preferred date, YYYY-MM-DD; today when empty"`
	EstimatedMinutes *int   `json:"estimated_minutes,omitempty" minimum:"0"`
	Source           string `json:"source,omitempty" enum:"manual,nurture,extraction"`
}

type CreateActionsRequest struct {
	Actions          []NewActionRequest `json:"actions" minItems:"1"`
	MaxActionsPerDay *int               `json:"max_actions_per_day,omitempty" minimum:"1"`
	HorizonDays      *int               `json:"horizon_days,omitempty" minimum:"1"`
}

type UpdateActionRequest struct {
	State            *string `json:"state,omitempty" enum:"new,sent,snoozed,replied,done"`
	EstimatedMinutes *int    `json:"estimated_minutes,omitempty" minimum:"0"`
}

// Response payloads

type ActionResponse struct {
	ID               string  `json:"id"`
	RelationshipID   string  `json:"relationship_id"`
	UserID           string  `json:"user_id"`
	Type             string  `json:"type"`
	Title            string  `json:"title,omitempty"`
	State            string  `json:"state"`
	DueDate          string  `json:"due_date" format:"date"`
	EstimatedMinutes *int    `json:"estimated_minutes,omitempty"`
	Source           string  `json:"source,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type ScheduleResultResponse struct {
	ScheduledDate string `json:"scheduled_date" format:"date"`
	ProposedDate  string `json:"proposed_date" format:"date"`
	Fallback      bool   `json:"fallback"`
}

type ScheduledActionResponse struct {
	Action   ActionResponse         `json:"action"`
	Schedule ScheduleResultResponse `json:"schedule"`
}

type CandidateResponse struct {
	Action           ActionResponse        `json:"action"`
	RelationshipName string                `json:"relationship_name,omitempty"`
	Lane             string                `json:"lane" enum:"priority,in_motion,on_deck"`
	Score            domain.ScoreBreakdown `json:"score"`
	Label            ranking.Assessment    `json:"label"`
}

type NextActionResponse struct {
	CandidateResponse
	Reason string `json:"reason"`
}

type AssessmentResponse struct {
	Relationship domain.Relationship       `json:"relationship"`
	State        *domain.DecisionState     `json:"decision_state,omitempty"`
	Lane         string                    `json:"lane" enum:"priority,in_motion,on_deck"`
	Score        ranking.RelationshipScore `json:"score"`
	Label        ranking.Assessment        `json:"label"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	UserID     string         `json:"user_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type RelationshipList struct {
	Items []domain.Relationship `json:"items"`
}

type ActionList struct {
	Items []ActionResponse `json:"items"`
}

type ScheduleResultList struct {
	Items []ScheduleResultResponse `json:"items"`
}

type ScheduledActionList struct {
	Items []ScheduledActionResponse `json:"items"`
}

type CandidateList struct {
	Items []CandidateResponse `json:"items"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

type RefreshResponse struct {
	Refreshed int `json:"refreshed"`
}

// Conversion helpers

func actionResponse(a domain.Action) ActionResponse {
	return ActionResponse{
		ID:               a.ID,
		RelationshipID:   a.RelationshipID,
		UserID:           a.UserID,
		Type:             string(a.Type),
		Title:            a.Title,
		State:            string(a.State),
		DueDate:          a.DueDate.String(),
		EstimatedMinutes: a.EstimatedMinutes,
		Source:           a.Source,
		CompletedAt:      a.CompletedAt,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func scheduleResultResponse(r schedule.Result) ScheduleResultResponse {
	return ScheduleResultResponse{
		ScheduledDate: r.ScheduledDate.String(),
		ProposedDate:  r.ProposedDate.String(),
		Fallback:      r.Fallback,
	}
}

func scheduledActionResponses(in []engine.ScheduledAction) []ScheduledActionResponse {
	out := make([]ScheduledActionResponse, 0, len(in))
	for _, sa := range in {
		out = append(out, ScheduledActionResponse{Action: actionResponse(sa.Action), Schedule: scheduleResultResponse(sa.Schedule)})
	}
	return out
}

func candidateResponse(c ranking.Candidate) CandidateResponse {
	return CandidateResponse{
		Action:           actionResponse(c.Action),
		RelationshipName: c.RelationshipName,
		Lane:             string(c.Lane),
		Score:            c.Score,
		Label:            c.Label,
	}
}

func assessmentResponse(a engine.Assessment) AssessmentResponse {
	return AssessmentResponse{
		Relationship: a.Relationship,
		State:        a.State,
		Lane:         string(a.Lane),
		Score:        a.Score,
		Label:        a.Label,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		UserID:     e.UserID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func parseDate(field, v string) (civil.Date, error) {
	if v == "" {
		return civil.Date{}, nil
	}
	d, err := civil.ParseDate(v)
	if err != nil {
		return civil.Date{}, engine.InvalidInputError{Field: field, Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", v)}
	}
	return d, nil
}
