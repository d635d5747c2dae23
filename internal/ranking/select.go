package ranking

import (
	"fmt"
	"slices"
	"strings"

	"touchline/internal/domain"
)

// Candidate is an open action annotated with its lane and score.
type Candidate struct {
	Action           domain.Action         `json:"action"`
	RelationshipName string                `json:"relationship_name,omitempty"`
	Lane             domain.Lane           `json:"lane"`
	Score            domain.ScoreBreakdown `json:"score"`
	Label            Assessment            `json:"label"`
}

// Rank returns the candidates in selection order without touching the input.
func Rank(candidates []Candidate) []Candidate {
	out := slices.Clone(candidates)
	slices.SortStableFunc(out, compare)
	return out
}

// SelectBest returns the best candidate, or false when none is eligible.
// With a duration ceiling only candidates with an estimate at or under it
// are considered.
func SelectBest(candidates []Candidate, maxDurationMinutes *int) (Candidate, bool) {
	eligible := candidates
	if maxDurationMinutes != nil {
		eligible = FilterByDuration(candidates, *maxDurationMinutes)
	}
	if len(eligible) == 0 {
		return Candidate{}, false
	}
	return Rank(eligible)[0], true
}

// FilterByDuration keeps candidates whose estimate is known and fits.
func FilterByDuration(candidates []Candidate, maxMinutes int) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		est := c.Action.EstimatedMinutes
		if est != nil && *est <= maxMinutes {
			out = append(out, c)
		}
	}
	return out
}

func compare(a, b Candidate) int {
	if d := a.Lane.Rank() - b.Lane.Rank(); d != 0 {
		return d
	}
	if a.Score.Total != b.Score.Total {
		if a.Score.Total > b.Score.Total {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Action.ID, b.Action.ID)
}

// Reason explains in one line why the candidate was picked.
func Reason(c Candidate) string {
	who := c.RelationshipName
	if who == "" {
		who = c.Action.RelationshipID
	}
	what := strings.ReplaceAll(string(c.Action.Type), "_", "-")
	if what == "" {
		what = "action"
	}
	var why string
	switch c.Lane {
	case domain.LanePriority:
		why = "needs attention now"
	case domain.LaneInMotion:
		why = "keeps an active thread moving"
	default:
		why = "is the strongest next touch on deck"
	}
	s := fmt.Sprintf("%s with %s %s (%s lane, score %.2f", what, who, why, c.Lane, c.Score.Total)
	if c.Label.Text != "" {
		s += ", " + c.Label.Text
	}
	s += ")"
	if est := c.Action.EstimatedMinutes; est != nil {
		s += fmt.Sprintf("; about %d min", *est)
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
