package gather

import (
	"time"

	"github.com/coder/quartz"

	"dlmetrics/internal/domain"
)

// Coverage is the range of days already stored for the queried entities.
type Coverage struct {
	Min   time.Time
	Max   time.Time
	Known bool
}

// CoverageOf computes the stored coverage restricted to rows whose entity is
// in entities. An empty entity list matches every row.
func CoverageOf[R domain.Record](rows []R, entities []string) Coverage {
	var want map[string]struct{}
	if len(entities) > 0 {
		want = make(map[string]struct{}, len(entities))
		for _, e := range entities {
			want[e] = struct{}{}
		}
	}

	var cov Coverage
	for _, r := range rows {
		if want != nil {
			if _, ok := want[r.Entity()]; !ok {
				continue
			}
		}
		ts := r.Time()
		if !cov.Known || ts.Before(cov.Min) {
			cov.Min = ts
		}
		if !cov.Known || ts.After(cov.Max) {
			cov.Max = ts
		}
		cov.Known = true
	}
	return cov
}

// Policy decides which window of days to (re-)query given what is already
// stored.
type Policy struct {
	clock quartz.Clock
}

// NewPolicy creates a Policy reading "today" from clock.
func NewPolicy(clock quartz.Clock) *Policy {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Policy{clock: clock}
}

// Resolve returns the query window.
//
// End is always today (UTC). The candidate start is explicitStart, or
// End-maxDays when it is nil. With known coverage:
//
//   - stored Min after start: End narrows to Min so only the older gap is
//     filled. force keeps End at today.
//   - stored Max after start, on it, or on the day before it: Start moves
//     to Max so the last stored day is fetched again. force keeps the
//     candidate start.
//   - stored Max earlier than that: the days in between would never be
//     queried, so a *GapError is returned unless force.
//
// All comparisons are on UTC calendar days.
func (p *Policy) Resolve(explicitStart *time.Time, cov Coverage, maxDays int, force bool) (Window, error) {
	end := domain.Day(p.clock.Now("window", "resolve"))

	var start time.Time
	if explicitStart != nil {
		start = domain.Day(*explicitStart)
	} else {
		start = end.AddDate(0, 0, -maxDays)
	}

	if !cov.Known {
		return Window{Start: start, End: end}, nil
	}

	minDay, maxDay := domain.Day(cov.Min), domain.Day(cov.Max)
	switch {
	case minDay.After(start):
		if !force {
			end = minDay
		}
	case !maxDay.Before(start.AddDate(0, 0, -1)):
		if !force {
			start = maxDay
		}
	default:
		if !force {
			return Window{}, &GapError{Start: start, Max: maxDay}
		}
	}
	return Window{Start: start, End: end}, nil
}
