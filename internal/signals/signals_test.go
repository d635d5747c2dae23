package signals

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"touchline/internal/domain"
)

func TestAggregate(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	today := civil.DateOf(now)
	last := "2025-01-03T18:00:00Z"
	rel := domain.Relationship{ID: "r1", Tier: domain.TierWarm, LastInteractionAt: &last, OpenLoop: true}
	actions := []domain.Action{
		{RelationshipID: "r1", State: domain.StateNew, DueDate: today.AddDays(-2)},
		{RelationshipID: "r1", State: domain.StateSent, DueDate: today.AddDays(1)},
		{RelationshipID: "r1", State: domain.StateSnoozed, DueDate: today},
		{RelationshipID: "r1", State: domain.StateReplied, DueDate: today.AddDays(-5)},
		{RelationshipID: "r1", State: domain.StateDone, DueDate: today.AddDays(-9)},
		{RelationshipID: "other", State: domain.StateNew, DueDate: today.AddDays(-9)},
	}
	s := Aggregate(rel, actions, now, time.UTC)
	if s.PendingCount != 3 {
		t.Fatalf("pending = %d, want 3", s.PendingCount)
	}
	if s.OverdueCount != 1 {
		t.Fatalf("overdue = %d, want 1", s.OverdueCount)
	}
	if !s.AwaitingResponse {
		t.Fatalf("expected awaiting response")
	}
	if s.ResponseRate == nil || *s.ResponseRate != 0.5 {
		t.Fatalf("response rate = %v, want 0.5", s.ResponseRate)
	}
	if s.DaysSinceContact == nil || *s.DaysSinceContact != 7 {
		t.Fatalf("days since contact = %v, want 7", s.DaysSinceContact)
	}
	if !s.OpenLoop || s.Tier != domain.TierWarm {
		t.Fatalf("relationship flags not carried: %+v", s)
	}
}

func TestAggregateUsesLocalCalendarDay(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	now := time.Date(2025, 1, 10, 5, 0, 0, 0, time.UTC) // Jan 9 21:00 local
	last := "2025-01-09T02:00:00Z"                      // Jan 8 18:00 local
	rel := domain.Relationship{ID: "r1", Tier: domain.TierInner, LastInteractionAt: &last}
	s := Aggregate(rel, nil, now, loc)
	if s.DaysSinceContact == nil || *s.DaysSinceContact != 1 {
		t.Fatalf("days since contact = %v, want 1", s.DaysSinceContact)
	}
	if s.ResponseRate != nil {
		t.Fatalf("response rate should be unknown without history")
	}
}

func TestDecisionStateCadence(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	ds := DecisionState(domain.Signals{Tier: domain.TierActive}, map[domain.Tier]int{domain.TierActive: 21}, now)
	if ds.CadenceDays != 21 {
		t.Fatalf("cadence = %d, want 21", ds.CadenceDays)
	}
	ds = DecisionState(domain.Signals{Tier: domain.TierBackground}, nil, now)
	if ds.CadenceDays != 90 {
		t.Fatalf("default cadence = %d, want 90", ds.CadenceDays)
	}
	if ds.ComputedAt != "2025-01-10T00:00:00Z" {
		t.Fatalf("computed at = %s", ds.ComputedAt)
	}
}
