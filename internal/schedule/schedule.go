// Package schedule assigns conflict-free due dates to proposed actions for a
// single relationship, capping how many pending actions land on one day.
package schedule

import (
	"cloud.google.com/go/civil"

	"touchline/internal/domain"
)

const (
	DefaultMaxPerDay   = 2
	DefaultHorizonDays = 30
)

// Options control the daily cap and how far forward to search.
type Options struct {
	MaxPerDay   int
	HorizonDays int
}

// DefaultOptions returns the stock cap of 2 per day over a 30-day horizon.
func DefaultOptions() Options {
	return Options{MaxPerDay: DefaultMaxPerDay, HorizonDays: DefaultHorizonDays}
}

// WithDefaults fills zero or negative fields with defaults.
func (o Options) WithDefaults() Options {
	if o.MaxPerDay <= 0 {
		o.MaxPerDay = DefaultMaxPerDay
	}
	if o.HorizonDays <= 0 {
		o.HorizonDays = DefaultHorizonDays
	}
	return o
}

// Result is the date chosen for one proposal. Fallback is set when no day in
// the horizon had room and the proposed date was kept as-is.
type Result struct {
	ScheduledDate civil.Date `json:"scheduled_date"`
	ProposedDate  civil.Date `json:"proposed_date"`
	Fallback      bool       `json:"fallback,omitempty"`
}

// Load counts pending actions per due date from today on.
type Load map[civil.Date]int

// LoadFrom builds the occupancy map from an existing-action snapshot.
// Terminal and past-dated actions take no capacity.
func LoadFrom(existing []domain.Action, today civil.Date) Load {
	load := make(Load)
	for _, a := range existing {
		if !a.State.Pending() || a.DueDate.Before(today) {
			continue
		}
		load[a.DueDate]++
	}
	return load
}

// Schedule returns one result per proposed date, in input order. All
// proposals are placed against the same snapshot; the batch-local counts
// keep proposals in the batch from colliding with each other.
func Schedule(existing []domain.Action, proposed []civil.Date, today civil.Date, opts Options) []Result {
	opts = opts.WithDefaults()
	load := LoadFrom(existing, today)
	batch := make(Load)
	out := make([]Result, len(proposed))
	for i, p := range proposed {
		out[i] = place(load, batch, p, today, opts)
	}
	return out
}

// ScheduleOne is Schedule for a single proposal.
func ScheduleOne(existing []domain.Action, proposed, today civil.Date, opts Options) Result {
	return Schedule(existing, []civil.Date{proposed}, today, opts)[0]
}

func place(load, batch Load, proposed, today civil.Date, opts Options) Result {
	start := proposed
	if start.Before(today) {
		start = today
	}
	for i := 0; i < opts.HorizonDays; i++ {
		d := start.AddDays(i)
		if load[d]+batch[d] < opts.MaxPerDay {
			batch[d]++
			return Result{ScheduledDate: d, ProposedDate: proposed}
		}
	}
	return Result{ScheduledDate: proposed, ProposedDate: proposed, Fallback: true}
}
