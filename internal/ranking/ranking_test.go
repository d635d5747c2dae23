package ranking

import (
	"testing"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"

	"touchline/internal/domain"
)

func intp(v int) *int { return &v }

func floatp(v float64) *float64 { return &v }

func state(days *int) *domain.DecisionState {
	return &domain.DecisionState{
		Signals: domain.Signals{
			RelationshipID:   "rel-1",
			Tier:             domain.TierActive,
			DaysSinceContact: days,
		},
		CadenceDays: 14,
	}
}

func TestClassifyLanes(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		name  string
		state func() *domain.DecisionState
		want  domain.Lane
	}{
		{"nil state", func() *domain.DecisionState { return nil }, domain.LaneOnDeck},
		{"missing relationship id", func() *domain.DecisionState {
			s := state(intp(1))
			s.RelationshipID = ""
			s.OverdueCount = 3
			return s
		}, domain.LaneOnDeck},
		{"unknown tier", func() *domain.DecisionState {
			s := state(intp(1))
			s.Tier = "acquaintance"
			s.OverdueCount = 1
			return s
		}, domain.LaneOnDeck},
		{"negative count", func() *domain.DecisionState {
			s := state(intp(1))
			s.OverdueCount = -1
			return s
		}, domain.LaneOnDeck},
		{"overdue", func() *domain.DecisionState {
			s := state(nil)
			s.OverdueCount = 1
			return s
		}, domain.LanePriority},
		{"open loop past grace", func() *domain.DecisionState {
			s := state(intp(4))
			s.OpenLoop = true
			return s
		}, domain.LanePriority},
		{"open loop within grace", func() *domain.DecisionState {
			s := state(intp(2))
			s.OpenLoop = true
			s.PendingCount = 1
			return s
		}, domain.LaneInMotion},
		{"negative sentiment past grace", func() *domain.DecisionState {
			s := state(intp(4))
			s.NegativeSentiment = true
			return s
		}, domain.LanePriority},
		{"negative sentiment within grace", func() *domain.DecisionState {
			s := state(intp(3))
			s.NegativeSentiment = true
			s.PendingCount = 1
			return s
		}, domain.LaneInMotion},
		{"deal gone quiet", func() *domain.DecisionState {
			s := state(intp(14))
			s.DealStage = true
			return s
		}, domain.LanePriority},
		{"recent pending thread", func() *domain.DecisionState {
			s := state(intp(5))
			s.PendingCount = 2
			return s
		}, domain.LaneInMotion},
		{"awaiting reply", func() *domain.DecisionState {
			s := state(intp(10))
			s.AwaitingResponse = true
			return s
		}, domain.LaneInMotion},
		{"stale pending thread", func() *domain.DecisionState {
			s := state(intp(30))
			s.PendingCount = 1
			return s
		}, domain.LaneOnDeck},
		{"never contacted", func() *domain.DecisionState {
			s := state(nil)
			s.PendingCount = 1
			s.OpenLoop = true
			return s
		}, domain.LaneOnDeck},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyAndScore(tc.state(), cfg)
			if got.Lane != tc.want {
				t.Fatalf("lane = %s, want %s", got.Lane, tc.want)
			}
		})
	}
}

func TestClassifyAndScoreIsIdempotent(t *testing.T) {
	s := state(intp(9))
	s.PendingCount = 1
	s.ResponseRate = floatp(0.5)
	s.AwaitingResponse = true
	first := ClassifyAndScore(s, DefaultConfig())
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, ClassifyAndScore(s, DefaultConfig())); diff != "" {
			t.Fatalf("run %d differs (-first +got):\n%s", i, diff)
		}
	}
}

func TestRelationshipSubScores(t *testing.T) {
	s := state(intp(7))
	s.Tier = domain.TierInner
	s.CadenceDays = 7
	s.ResponseRate = floatp(0.5)
	s.DealStage = true
	got := ClassifyAndScore(s, DefaultConfig()).Score
	want := RelationshipScore{StallRisk: 0.5, Value: 0.6 + 0.1 + 0.2}
	if diff := cmp.Diff(want, got, cmpFloat); diff != "" {
		t.Fatalf("score mismatch (-want +got):\n%s", diff)
	}

	s = state(nil)
	s.AwaitingResponse = true
	if got := ClassifyAndScore(s, DefaultConfig()).Score.StallRisk; got != 0.5 {
		t.Fatalf("awaiting stall risk = %v, want 0.5", got)
	}
}

var cmpFloat = cmp.Comparer(func(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
})

func TestScoreActionBounds(t *testing.T) {
	today := civil.Date{Year: 2025, Month: 1, Day: 10}
	rel := RelationshipScore{StallRisk: 1.4, Value: -0.2}
	cases := []domain.Action{
		{ID: "a", DueDate: today.AddDays(-30), EstimatedMinutes: intp(0)},
		{ID: "b", DueDate: today},
		{ID: "c", DueDate: today.AddDays(40), EstimatedMinutes: intp(500)},
		{ID: "d"},
	}
	for _, a := range cases {
		b := ScoreAction(a, rel, today, DefaultConfig())
		for name, v := range map[string]float64{
			"urgency": b.Urgency, "stall": b.StallRisk, "value": b.Value, "effort": b.EffortBias, "total": b.Total,
		} {
			if v < 0 || v > 1 {
				t.Fatalf("action %s %s = %v out of [0,1]", a.ID, name, v)
			}
		}
	}
}

func TestScoreActionUrgencyRamp(t *testing.T) {
	today := civil.Date{Year: 2025, Month: 1, Day: 10}
	cfg := DefaultConfig()
	score := func(offset int) float64 {
		return ScoreAction(domain.Action{DueDate: today.AddDays(offset)}, RelationshipScore{}, today, cfg).Urgency
	}
	if got := score(0); got != 0.7 {
		t.Fatalf("due today urgency = %v", got)
	}
	if got := score(-7); !cmp.Equal(got, 1.0, cmpFloat) {
		t.Fatalf("week overdue urgency = %v", got)
	}
	if got := score(14); got != 0 {
		t.Fatalf("two weeks out urgency = %v", got)
	}
	if !(score(-1) > score(0) && score(0) > score(3) && score(3) > score(10)) {
		t.Fatalf("urgency not monotonic")
	}
}

func TestScoreActionWeights(t *testing.T) {
	today := civil.Date{Year: 2025, Month: 1, Day: 10}
	a := domain.Action{DueDate: today, EstimatedMinutes: intp(30)}
	onlyUrgency := Config{Weights: Weights{Urgency: 2}}
	got := ScoreAction(a, RelationshipScore{StallRisk: 1, Value: 1}, today, onlyUrgency)
	if got.Total != 0.7 {
		t.Fatalf("urgency-only total = %v, want 0.7", got.Total)
	}
	if got.EffortBias != 0.5 {
		t.Fatalf("effort bias = %v, want 0.5", got.EffortBias)
	}
}

func candidate(id string, lane domain.Lane, total float64, est *int) Candidate {
	return Candidate{
		Action: domain.Action{ID: id, Type: domain.TypeFollowUp, EstimatedMinutes: est},
		Lane:   lane,
		Score:  domain.ScoreBreakdown{Total: total},
	}
}

func TestSelectBestLaneBeatsScore(t *testing.T) {
	cs := []Candidate{
		candidate("deck", domain.LaneOnDeck, 0.99, nil),
		candidate("prio", domain.LanePriority, 0.01, nil),
		candidate("motion", domain.LaneInMotion, 0.5, nil),
	}
	got, ok := SelectBest(cs, nil)
	if !ok || got.Action.ID != "prio" {
		t.Fatalf("selected %q ok=%v, want prio", got.Action.ID, ok)
	}
}

func TestSelectBestUnknownLaneSortsLast(t *testing.T) {
	cs := []Candidate{
		candidate("weird", domain.Lane("someday"), 1, nil),
		candidate("deck", domain.LaneOnDeck, 0, nil),
	}
	got, _ := SelectBest(cs, nil)
	if got.Action.ID != "deck" {
		t.Fatalf("selected %q, want deck", got.Action.ID)
	}
}

func TestSelectBestDurationFilter(t *testing.T) {
	cs := []Candidate{
		candidate("ten", domain.LanePriority, 0.9, intp(10)),
		candidate("four", domain.LaneOnDeck, 0.1, intp(4)),
		candidate("unknown", domain.LanePriority, 0.9, nil),
	}
	got, ok := SelectBest(cs, intp(5))
	if !ok || got.Action.ID != "four" {
		t.Fatalf("selected %q ok=%v, want four", got.Action.ID, ok)
	}
	for _, c := range FilterByDuration(cs, 15) {
		if c.Action.EstimatedMinutes == nil || *c.Action.EstimatedMinutes > 15 {
			t.Fatalf("filter kept %q", c.Action.ID)
		}
	}
	if _, ok := SelectBest(cs, intp(3)); ok {
		t.Fatalf("expected no eligible action under 3 minutes")
	}
	if _, ok := SelectBest(nil, nil); ok {
		t.Fatalf("expected no eligible action for empty input")
	}
}

func TestSelectBestTieIsDeterministic(t *testing.T) {
	a := candidate("b-action", domain.LanePriority, 0.8, nil)
	b := candidate("a-action", domain.LanePriority, 0.8, nil)
	for i := 0; i < 10; i++ {
		in := []Candidate{a, b}
		if i%2 == 1 {
			in = []Candidate{b, a}
		}
		got, _ := SelectBest(in, nil)
		if got.Action.ID != "a-action" {
			t.Fatalf("iteration %d selected %q", i, got.Action.ID)
		}
	}
}

func TestRankDoesNotMutateInput(t *testing.T) {
	cs := []Candidate{
		candidate("x", domain.LaneOnDeck, 0.2, nil),
		candidate("y", domain.LanePriority, 0.1, nil),
	}
	ranked := Rank(cs)
	if cs[0].Action.ID != "x" || ranked[0].Action.ID != "y" {
		t.Fatalf("input reordered or rank wrong: in=%q ranked=%q", cs[0].Action.ID, ranked[0].Action.ID)
	}
}

func TestLabelIsIndependentOfRanking(t *testing.T) {
	s := state(intp(20))
	s.Tier = domain.TierInner
	got := Label(s)
	if got.Text != "high urgency, high value" {
		t.Fatalf("label = %q", got.Text)
	}
	if got := Label(nil); got.Text != "low urgency, low value" {
		t.Fatalf("nil label = %q", got.Text)
	}
	s = state(intp(2))
	s.Tier = domain.TierWarm
	if got := Label(s); got.Text != "low urgency, low value" {
		t.Fatalf("quiet warm label = %q", got.Text)
	}
	s.NegativeSentiment = true
	if got := Label(s); got.Urgency != LevelHigh || got.Value != LevelLow {
		t.Fatalf("soured warm label = %q", got.Text)
	}
}

func TestReason(t *testing.T) {
	c := candidate("a1", domain.LanePriority, 0.75, intp(5))
	c.RelationshipName = "Dana"
	c.Label = Assessment{Text: "high urgency, high value"}
	got := Reason(c)
	want := "Follow-up with Dana needs attention now (priority lane, score 0.75, high urgency, high value); about 5 min"
	if got != want {
		t.Fatalf("reason = %q\nwant     %q", got, want)
	}
}
